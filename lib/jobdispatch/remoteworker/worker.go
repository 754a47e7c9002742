// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remoteworker sends job lifecycle commands to remote hosts
// and turns their responses into events.
package remoteworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAvailabilityTimeout is how long IsHostAvailable
	// waits for a host to answer a probe.
	DefaultAvailabilityTimeout = 5 * time.Second

	eventQueueSize = 1024
)

// ErrHostNotConnected is reported when a command is addressed to a
// host that has no open connection.
var ErrHostNotConnected = errors.New("host not connected")

// A RemoteWorker commands remote hosts. Outcomes are reported only
// through Events.
type RemoteWorker interface {
	Execute(jobID uuid.UUID, task jobs.Task, parameters map[string]string, hostID string) error
	Cancel(jobID uuid.UUID, hostID string) error
	Timeout(jobID uuid.UUID, hostID string) error
	IsHostAvailable(hostID string) bool
	Events() <-chan Event
}

// Worker is a RemoteWorker that reaches hosts through a Transport.
// Responses from hosts must be passed to Receive.
type Worker struct {
	// Maximum time IsHostAvailable waits for a response. Must
	// not be changed after the Worker is in use.
	AvailabilityTimeout time.Duration

	logger    logrus.FieldLogger
	transport Transport
	mailbox   *mailbox
	events    chan Event
}

// New returns a Worker that sends commands via transport.
func New(logger logrus.FieldLogger, transport Transport) *Worker {
	return &Worker{
		AvailabilityTimeout: DefaultAvailabilityTimeout,
		logger:              logger,
		transport:           transport,
		mailbox:             newMailbox(),
		events:              make(chan Event, eventQueueSize),
	}
}

// Events returns the channel on which job events are delivered.
// There is a single stream of events; it should have exactly one
// consumer.
func (rw *Worker) Events() <-chan Event {
	return rw.events
}

// Execute asks the given host to run task as job jobID. The request
// is sent in the background; Execute returns an error only if the
// arguments are invalid. If the host is not connected, a
// HostNotAvailable event is emitted instead.
func (rw *Worker) Execute(jobID uuid.UUID, task jobs.Task, parameters map[string]string, hostID string) error {
	if hostID == "" {
		return jobs.InvalidArgument("hostID", "must not be empty")
	}
	if task == nil {
		return jobs.NilArgument("task")
	}
	msg := Message{
		Type:       MsgExecute,
		JobID:      jobID,
		Parameters: parameters,
	}
	switch t := task.(type) {
	case *jobs.CodeTask:
		if t == nil {
			return jobs.NilArgument("task")
		}
		code, err := json.Marshal(t.Definition)
		if err != nil {
			return jobs.InvalidArgument("task", fmt.Sprintf("cannot serialize definition: %s", err))
		}
		msg.TaskID, msg.TaskKind, msg.Code = t.ID, jobs.TaskKindCode, code
	case *jobs.PlainTask:
		if t == nil {
			return jobs.NilArgument("task")
		}
		msg.TaskID, msg.TaskKind, msg.Plain = t.ID, jobs.TaskKindPlain, t.Definition
	default:
		return jobs.InvalidArgument("task", fmt.Sprintf("unsupported task type %T", task))
	}

	logger := rw.logger.WithFields(logrus.Fields{
		"JobID":  jobID,
		"HostID": hostID,
		"TaskID": msg.TaskID,
	})
	client, ok := rw.transport.Client(hostID)
	if !ok {
		logger.Warn("cannot execute: host not connected")
		rw.emit(Event{Kind: HostNotAvailable, JobID: jobID, HostID: hostID, Message: ErrHostNotConnected.Error()})
		return nil
	}
	go func() {
		logger.Info("sending job to host")
		err := client.Send(msg)
		if err != nil {
			logger.WithError(err).Warn("error sending job to host")
			rw.emit(Event{Kind: HostNotAvailable, JobID: jobID, HostID: hostID, Message: err.Error()})
			return
		}
		rw.emit(Event{Kind: Executing, JobID: jobID, HostID: hostID})
	}()
	return nil
}

// Cancel asks the given host to stop running jobID. If hostID is
// empty, the job never reached a host, and a Cancelled event is
// emitted immediately.
func (rw *Worker) Cancel(jobID uuid.UUID, hostID string) error {
	return rw.stop(MsgCancel, jobID, hostID)
}

// Timeout is like Cancel, but tells the host the job is being
// stopped because it ran too long or stopped sending heartbeats.
func (rw *Worker) Timeout(jobID uuid.UUID, hostID string) error {
	return rw.stop(MsgTimeout, jobID, hostID)
}

func (rw *Worker) stop(typ MessageType, jobID uuid.UUID, hostID string) error {
	if hostID == "" {
		rw.emit(Event{Kind: Cancelled, JobID: jobID, Message: "job was not assigned to a host"})
		return nil
	}
	logger := rw.logger.WithFields(logrus.Fields{
		"JobID":  jobID,
		"HostID": hostID,
		"Op":     typ,
	})
	client, ok := rw.transport.Client(hostID)
	if !ok {
		logger.Warn("host not connected")
		rw.emit(Event{Kind: HostNotAvailable, JobID: jobID, HostID: hostID, Message: ErrHostNotConnected.Error()})
		return nil
	}
	err := client.Send(Message{Type: typ, JobID: jobID})
	if err != nil {
		logger.WithError(err).Warn("send failed")
		rw.emit(Event{Kind: HostNotAvailable, JobID: jobID, HostID: hostID, Message: err.Error()})
		return fmt.Errorf("%s %s on %s: %w", typ, jobID, hostID, err)
	}
	logger.Debug("sent")
	return nil
}

// IsHostAvailable sends an availability probe to the given host and
// waits up to AvailabilityTimeout for the answer.
func (rw *Worker) IsHostAvailable(hostID string) bool {
	logger := rw.logger.WithField("HostID", hostID)
	client, ok := rw.transport.Client(hostID)
	if !ok {
		logger.Warn("availability check: host not connected")
		return false
	}
	sent := time.Now()
	err := client.Send(Message{Type: MsgAvailability})
	if err != nil {
		logger.WithError(err).Warn("availability check: send failed")
		return false
	}
	a, ok := rw.mailbox.wait(hostID, sent, rw.AvailabilityTimeout)
	if !ok {
		logger.WithField("Timeout", rw.AvailabilityTimeout).Warn("availability check: no response")
		return false
	}
	return a.available
}

// Receive handles a message sent by the given host.
func (rw *Worker) Receive(hostID string, msg Message) {
	ev := Event{JobID: msg.JobID, HostID: hostID, Message: msg.Message}
	switch msg.Type {
	case MsgAvailable:
		rw.mailbox.deliver(hostID, availability{available: msg.Available, lastSeen: time.Now()})
		return
	case MsgExecuting:
		ev.Kind = Executing
	case MsgExecuted:
		ev.Kind = Executed
		ev.Status = msg.Status
	case MsgProgress:
		ev.Kind = ProgressChanged
		ev.Progress = msg.Progress
	case MsgHeartbeat:
		ev.Kind = Heartbeat
	case MsgInterrupted:
		ev.Kind = Interrupted
	case MsgCancelling:
		ev.Kind = Cancelling
	case MsgCancelled:
		ev.Kind = Cancelled
	default:
		rw.logger.WithFields(logrus.Fields{
			"HostID": hostID,
			"Type":   msg.Type,
		}).Warn("ignoring unexpected message from host")
		return
	}
	rw.emit(ev)
}

func (rw *Worker) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	rw.events <- ev
}
