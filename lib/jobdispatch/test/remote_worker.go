// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"sync"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
)

// RemoteCall records one call to a RemoteWorker stub.
type RemoteCall struct {
	Op         string // "Execute", "Cancel", or "Timeout"
	JobID      uuid.UUID
	HostID     string
	TaskID     string
	Parameters map[string]string
}

// RemoteWorker is a test stub for remoteworker.RemoteWorker. It
// records calls instead of contacting hosts. Events are only
// emitted when the test calls Emit, or when AutoExecuting is set.
type RemoteWorker struct {
	// If true, Execute emits an Executing event.
	AutoExecuting bool

	// If non-nil, Execute calls ExecuteErr and returns its
	// result without recording the call.
	ExecuteErr func(jobID uuid.UUID, task jobs.Task, hostID string) error

	// Hosts for which IsHostAvailable returns false.
	Unavailable map[string]bool

	mtx    sync.Mutex
	calls  []RemoteCall
	probes []string
	events chan remoteworker.Event
}

func (rw *RemoteWorker) init() {
	if rw.events == nil {
		rw.events = make(chan remoteworker.Event, 1024)
	}
}

func (rw *RemoteWorker) Execute(jobID uuid.UUID, task jobs.Task, parameters map[string]string, hostID string) error {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	rw.init()
	if rw.ExecuteErr != nil {
		if err := rw.ExecuteErr(jobID, task, hostID); err != nil {
			return err
		}
	}
	rw.calls = append(rw.calls, RemoteCall{
		Op:         "Execute",
		JobID:      jobID,
		HostID:     hostID,
		TaskID:     task.TaskID(),
		Parameters: parameters,
	})
	if rw.AutoExecuting {
		rw.events <- remoteworker.Event{Kind: remoteworker.Executing, JobID: jobID, HostID: hostID}
	}
	return nil
}

func (rw *RemoteWorker) Cancel(jobID uuid.UUID, hostID string) error {
	rw.record("Cancel", jobID, hostID)
	return nil
}

func (rw *RemoteWorker) Timeout(jobID uuid.UUID, hostID string) error {
	rw.record("Timeout", jobID, hostID)
	return nil
}

func (rw *RemoteWorker) record(op string, jobID uuid.UUID, hostID string) {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	rw.calls = append(rw.calls, RemoteCall{Op: op, JobID: jobID, HostID: hostID})
}

func (rw *RemoteWorker) IsHostAvailable(hostID string) bool {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	rw.probes = append(rw.probes, hostID)
	return !rw.Unavailable[hostID]
}

func (rw *RemoteWorker) SetUnavailable(hostID string, unavailable bool) {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	if rw.Unavailable == nil {
		rw.Unavailable = map[string]bool{}
	}
	rw.Unavailable[hostID] = unavailable
}

func (rw *RemoteWorker) Events() <-chan remoteworker.Event {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	rw.init()
	return rw.events
}

// Emit delivers ev to the consumer of Events.
func (rw *RemoteWorker) Emit(ev remoteworker.Event) {
	rw.mtx.Lock()
	rw.init()
	ch := rw.events
	rw.mtx.Unlock()
	ch <- ev
}

// Calls returns all calls to Execute, Cancel, and Timeout to date.
func (rw *RemoteWorker) Calls() []RemoteCall {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	return append([]RemoteCall(nil), rw.calls...)
}

// CallsTo returns the calls with the given Op.
func (rw *RemoteWorker) CallsTo(op string) []RemoteCall {
	var r []RemoteCall
	for _, call := range rw.Calls() {
		if call.Op == op {
			r = append(r, call)
		}
	}
	return r
}

// Probes returns the host IDs passed to IsHostAvailable to date.
func (rw *RemoteWorker) Probes() []string {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	return append([]string(nil), rw.probes...)
}
