// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import "context"

// TaskKind identifies the shape of a task definition.
type TaskKind string

const (
	TaskKindCode  = TaskKind("code")
	TaskKindPlain = TaskKind("plain")
)

// A Task is an executable task definition. The remote worker knows
// how to send *CodeTask and *PlainTask; other implementations are
// rejected.
type Task interface {
	TaskID() string
	Kind() TaskKind
}

// CodeTask carries a structured definition, serialized as JSON when
// it is sent to a host.
type CodeTask struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Definition map[string]interface{} `json:"definition"`
}

func (t *CodeTask) TaskID() string { return t.ID }
func (t *CodeTask) Kind() TaskKind { return TaskKindCode }

// PlainTask carries a definition that has already been serialized,
// e.g., a command line.
type PlainTask struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

func (t *PlainTask) TaskID() string { return t.ID }
func (t *PlainTask) Kind() TaskKind { return TaskKindPlain }

// A TaskService resolves a TaskID to an executable task.
type TaskService interface {
	Task(ctx context.Context, id string) (Task, error)
}
