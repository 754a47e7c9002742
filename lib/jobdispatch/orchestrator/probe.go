// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
)

// runProbe asks every connected host whether it is available.
// Hosts that don't answer, or answer no, are skipped by host
// selection until a later probe succeeds.
func (o *Orchestrator) runProbe() {
	type target struct {
		rw     remoteworker.RemoteWorker
		hostID string
	}
	var targets []target
	connected := map[string]bool{}
	for _, w := range o.workers {
		for _, host := range w.HostService().GetGroupMembers(w.ID()) {
			if !connected[host.ID] {
				connected[host.ID] = true
				targets = append(targets, target{w.RemoteWorker(), host.ID})
			}
		}
	}
	o.unreachable.Range(func(k, _ interface{}) bool {
		if !connected[k.(string)] {
			o.unreachable.Delete(k)
		}
		return true
	})

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			logger := o.logger.WithField("HostID", t.hostID)
			if t.rw.IsHostAvailable(t.hostID) {
				if _, was := o.unreachable.LoadAndDelete(t.hostID); was {
					logger.Info("host is available again")
				}
			} else if _, already := o.unreachable.LoadOrStore(t.hostID, time.Now()); !already {
				logger.Warn("host is not available, skipping it until it answers a probe")
			}
		}(t)
	}
	wg.Wait()
}

// Unreachable returns true if the given host failed its most recent
// availability probe.
func (o *Orchestrator) Unreachable(hostID string) bool {
	_, ok := o.unreachable.Load(hostID)
	return ok
}

func (o *Orchestrator) unreachableHosts() map[string]bool {
	skip := map[string]bool{}
	o.unreachable.Range(func(k, _ interface{}) bool {
		skip[k.(string)] = true
		return true
	})
	return skip
}
