// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remoteworker

import (
	"sync"
	"time"
)

type availability struct {
	available bool
	lastSeen  time.Time
}

// mailbox holds at most one availability response per host. A
// response is consumed by the first reader.
type mailbox struct {
	mtx     sync.Mutex
	slots   map[string]availability
	waiters map[string]chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		slots:   map[string]availability{},
		waiters: map[string]chan struct{}{},
	}
}

// deliver stores a response, overwriting any unread one, and wakes
// up readers waiting for hostID.
func (mb *mailbox) deliver(hostID string, a availability) {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	mb.slots[hostID] = a
	if ch, ok := mb.waiters[hostID]; ok {
		close(ch)
		delete(mb.waiters, hostID)
	}
}

// wait consumes and returns the response for hostID, waiting up to
// timeout for one to arrive. Responses that arrived before since are
// answers to earlier probes; they are consumed and ignored.
func (mb *mailbox) wait(hostID string, since time.Time, timeout time.Duration) (availability, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		mb.mtx.Lock()
		if a, ok := mb.slots[hostID]; ok {
			delete(mb.slots, hostID)
			if !a.lastSeen.Before(since) {
				mb.mtx.Unlock()
				return a, true
			}
		}
		wake, ok := mb.waiters[hostID]
		if !ok {
			wake = make(chan struct{})
			mb.waiters[hostID] = wake
		}
		mb.mtx.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return availability{}, false
		}
	}
}

// unread returns the number of unread responses.
func (mb *mailbox) unread() int {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	return len(mb.slots)
}
