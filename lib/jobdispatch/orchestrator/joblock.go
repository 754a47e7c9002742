// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// jobLocks serializes state transitions per job.
type jobLocks struct {
	mtx   sync.Mutex
	locks map[uuid.UUID]*jobLock
}

type jobLock struct {
	sync.Mutex
	refs int
}

func (jl *jobLocks) acquire(id uuid.UUID) *jobLock {
	jl.mtx.Lock()
	defer jl.mtx.Unlock()
	if jl.locks == nil {
		jl.locks = map[uuid.UUID]*jobLock{}
	}
	l := jl.locks[id]
	if l == nil {
		l = &jobLock{}
		jl.locks[id] = l
	}
	l.refs++
	return l
}

func (jl *jobLocks) release(id uuid.UUID, l *jobLock) {
	jl.mtx.Lock()
	defer jl.mtx.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(jl.locks, id)
	}
}

// Lock blocks until the given job is not locked by anyone else.
func (jl *jobLocks) Lock(id uuid.UUID) {
	jl.acquire(id).Lock()
}

// TryLock locks the given job if it is not already locked, and
// returns true if it did.
func (jl *jobLocks) TryLock(id uuid.UUID) bool {
	l := jl.acquire(id)
	if l.TryLock() {
		return true
	}
	jl.release(id, l)
	return false
}

func (jl *jobLocks) Unlock(id uuid.UUID) {
	jl.mtx.Lock()
	l := jl.locks[id]
	jl.mtx.Unlock()
	l.Unlock()
	jl.release(id, l)
}

// Len returns the number of jobs currently locked or waited on.
func (jl *jobLocks) Len() int {
	jl.mtx.Lock()
	defer jl.mtx.Unlock()
	return len(jl.locks)
}
