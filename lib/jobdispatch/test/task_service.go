// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
)

var ErrTaskServiceBroken = errors.New("task service is broken (test stub)")

// TaskService is a test stub for jobs.TaskService. Any task ID not
// listed in Broken resolves to a PlainTask running "true".
type TaskService struct {
	// Task IDs whose lookup fails with ErrTaskServiceBroken.
	Broken map[string]bool

	// Task IDs whose lookup panics.
	Panics map[string]bool

	mtx     sync.Mutex
	lookups []string
}

func (ts *TaskService) Task(ctx context.Context, id string) (jobs.Task, error) {
	ts.mtx.Lock()
	ts.lookups = append(ts.lookups, id)
	ts.mtx.Unlock()
	if ts.Panics[id] {
		panic(fmt.Sprintf("task %q exploded (test stub)", id))
	}
	if ts.Broken[id] {
		return nil, ErrTaskServiceBroken
	}
	return &jobs.PlainTask{ID: id, Name: id, Definition: "true"}, nil
}

// Lookups returns the task IDs requested to date.
func (ts *TaskService) Lookups() []string {
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	return append([]string(nil), ts.lookups...)
}
