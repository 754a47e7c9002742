// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remoteworker

import (
	"encoding/json"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
)

// MessageType names a command sent to a host, or a response sent by
// a host.
type MessageType string

const (
	// dispatcher to host
	MsgExecute      = MessageType("execute")
	MsgCancel       = MessageType("cancel")
	MsgTimeout      = MessageType("timeout")
	MsgAvailability = MessageType("availability")

	// host to dispatcher
	MsgAvailable   = MessageType("available")
	MsgExecuting   = MessageType("executing")
	MsgExecuted    = MessageType("executed")
	MsgProgress    = MessageType("progress")
	MsgHeartbeat   = MessageType("heartbeat")
	MsgInterrupted = MessageType("interrupted")
	MsgCancelling  = MessageType("cancelling")
	MsgCancelled   = MessageType("cancelled")
)

// Message is the unit exchanged with a host over a Transport.
type Message struct {
	Type       MessageType       `json:"type"`
	JobID      uuid.UUID         `json:"job_id"`
	TaskID     string            `json:"task_id,omitempty"`
	TaskKind   jobs.TaskKind     `json:"task_kind,omitempty"`
	Code       json.RawMessage   `json:"code,omitempty"`
	Plain      string            `json:"plain,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Available  bool              `json:"available,omitempty"`
	Status     jobs.JobStatus    `json:"status,omitempty"`
	Progress   float64           `json:"progress,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// A Transport resolves a connected host to a Client. Implemented by
// hub.Hub and test stubs.
type Transport interface {
	Client(hostID string) (Client, bool)
}

// A Client sends messages to one connected host.
type Client interface {
	Send(Message) error
}
