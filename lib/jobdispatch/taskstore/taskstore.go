// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskstore provides jobs.TaskService implementations.
package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/ghodss/yaml"
)

// ErrTaskNotFound is returned (wrapped) for unknown task IDs.
var ErrTaskNotFound = jobs.ErrTaskNotFound

// Map is a TaskService holding a fixed set of tasks.
type Map struct {
	mtx   sync.RWMutex
	tasks map[string]jobs.Task
}

// NewMap returns a Map containing the given tasks.
func NewMap(tasks ...jobs.Task) *Map {
	m := &Map{tasks: map[string]jobs.Task{}}
	for _, t := range tasks {
		m.tasks[t.TaskID()] = t
	}
	return m
}

// Set adds or replaces a task.
func (m *Map) Set(t jobs.Task) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.tasks[t.TaskID()] = t
}

func (m *Map) Task(ctx context.Context, id string) (jobs.Task, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	return t, nil
}

// taskFile is the on-disk form of a task definition.
type taskFile struct {
	Kind       jobs.TaskKind   `json:"kind"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// Parse decodes a YAML or JSON task file. An empty Kind means
// "plain" if the definition is a string, otherwise "code".
func Parse(id string, buf []byte) (jobs.Task, error) {
	var tf taskFile
	err := yaml.Unmarshal(buf, &tf)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	if len(tf.Definition) == 0 {
		return nil, fmt.Errorf("task %s: missing definition", id)
	}
	if tf.Kind == "" {
		if tf.Definition[0] == '"' {
			tf.Kind = jobs.TaskKindPlain
		} else {
			tf.Kind = jobs.TaskKindCode
		}
	}
	switch tf.Kind {
	case jobs.TaskKindPlain:
		t := &jobs.PlainTask{ID: id, Name: tf.Name}
		if err := json.Unmarshal(tf.Definition, &t.Definition); err != nil {
			return nil, fmt.Errorf("task %s: plain definition must be a string: %w", id, err)
		}
		return t, nil
	case jobs.TaskKindCode:
		t := &jobs.CodeTask{ID: id, Name: tf.Name}
		if err := json.Unmarshal(tf.Definition, &t.Definition); err != nil {
			return nil, fmt.Errorf("task %s: code definition must be an object: %w", id, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("task %s: unknown kind %q", id, tf.Kind)
	}
}
