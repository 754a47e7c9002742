// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hostagent runs on an execution host. It connects to a
// dispatcher's hub and runs the jobs it is sent as local processes.
package hostagent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/hub"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
)

// Why a process was killed.
type stopReason int

const (
	notStopped stopReason = iota
	stopRequested
	stopDisconnected
)

type process struct {
	cmd    *exec.Cmd
	reason stopReason
}

// Agent connects to a hub and executes jobs. Exported fields must
// be set before calling Run.
type Agent struct {
	// Hub websocket URL, e.g. "ws://dispatch.example:9010/websocket".
	URL string

	HostID           string
	Name             string
	Group            string
	Priority         int
	RunningJobsLimit int

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	Logger logrus.FieldLogger

	sendMtx sync.Mutex
	conn    *websocket.Conn

	mtx         sync.Mutex
	running     map[uuid.UUID]*process
	interrupted []uuid.UUID
}

// Run connects to the hub and handles messages until ctx is done,
// reconnecting after ReconnectDelay when the connection is lost.
// Jobs that were running when a connection was lost are killed and
// reported as interrupted after the next successful connection.
func (a *Agent) Run(ctx context.Context) error {
	if a.HostID == "" {
		return jobs.InvalidArgument("HostID", "must not be empty")
	}
	if a.URL == "" {
		return jobs.InvalidArgument("URL", "must not be empty")
	}
	if a.HeartbeatInterval <= 0 {
		a.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if a.ReconnectDelay <= 0 {
		a.ReconnectDelay = DefaultReconnectDelay
	}
	if a.RunningJobsLimit <= 0 {
		a.RunningJobsLimit = jobs.DefaultRunningJobsLimit
	}
	if a.Logger == nil {
		a.Logger = logrus.StandardLogger()
	}
	a.Logger = a.Logger.WithField("HostID", a.HostID)
	a.mtx.Lock()
	a.running = map[uuid.UUID]*process{}
	a.mtx.Unlock()

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.Logger.WithError(err).WithField("Delay", a.ReconnectDelay).Warn("connection lost, will reconnect")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.ReconnectDelay):
		}
	}
}

// Running returns the number of jobs currently running.
func (a *Agent) Running() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.running)
}

func (a *Agent) header() http.Header {
	hdr := http.Header{}
	hdr.Set(hub.HeaderHostID, a.HostID)
	if a.Name != "" {
		hdr.Set(hub.HeaderHostName, a.Name)
	}
	if a.Group != "" {
		hdr.Set(hub.HeaderHostGroup, a.Group)
	}
	if a.Priority != 0 {
		hdr.Set(hub.HeaderHostPriority, strconv.Itoa(a.Priority))
	}
	hdr.Set(hub.HeaderRunningJobsLimit, strconv.Itoa(a.RunningJobsLimit))
	return hdr
}

func (a *Agent) session(ctx context.Context) error {
	origin := "http" + strings.TrimPrefix(a.URL, "ws")
	cfg, err := websocket.NewConfig(a.URL, origin)
	if err != nil {
		return err
	}
	cfg.Header = a.header()
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return err
	}
	a.Logger.WithField("URL", a.URL).Info("connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	a.sendMtx.Lock()
	a.conn = conn
	a.sendMtx.Unlock()
	defer func() {
		a.sendMtx.Lock()
		a.conn = nil
		a.sendMtx.Unlock()
		conn.Close()
		a.interruptAll()
	}()

	a.mtx.Lock()
	interrupted := a.interrupted
	a.interrupted = nil
	a.mtx.Unlock()
	for _, jobID := range interrupted {
		a.send(remoteworker.Message{
			Type:    remoteworker.MsgInterrupted,
			JobID:   jobID,
			Message: "connection to dispatcher was lost",
		})
	}

	for {
		var msg remoteworker.Message
		err := websocket.JSON.Receive(conn, &msg)
		if err != nil {
			return err
		}
		a.handle(msg)
	}
}

func (a *Agent) handle(msg remoteworker.Message) {
	switch msg.Type {
	case remoteworker.MsgAvailability:
		a.send(remoteworker.Message{
			Type:      remoteworker.MsgAvailable,
			Available: a.Running() < a.RunningJobsLimit,
		})
	case remoteworker.MsgExecute:
		a.start(msg)
	case remoteworker.MsgCancel, remoteworker.MsgTimeout:
		a.stop(msg.Type, msg.JobID)
	default:
		a.Logger.WithField("Type", msg.Type).Warn("ignoring unexpected message")
	}
}

// send writes msg to the current connection. If there is no
// connection, the message is dropped.
func (a *Agent) send(msg remoteworker.Message) {
	a.sendMtx.Lock()
	defer a.sendMtx.Unlock()
	if a.conn == nil {
		a.Logger.WithFields(logrus.Fields{
			"Type":  msg.Type,
			"JobID": msg.JobID,
		}).Warn("not connected, dropping message")
		return
	}
	err := websocket.JSON.Send(a.conn, msg)
	if err != nil {
		a.Logger.WithError(err).WithField("Type", msg.Type).Warn("send failed")
	}
}

func (a *Agent) start(msg remoteworker.Message) {
	logger := a.Logger.WithFields(logrus.Fields{
		"JobID":  msg.JobID,
		"TaskID": msg.TaskID,
	})
	fail := func(status jobs.JobStatus, err error) {
		logger.WithError(err).Warn("cannot start job")
		a.send(remoteworker.Message{
			Type:    remoteworker.MsgExecuted,
			JobID:   msg.JobID,
			Status:  status,
			Message: err.Error(),
		})
	}
	c, err := commandFor(msg)
	if err != nil {
		fail(jobs.JobError, err)
		return
	}

	a.mtx.Lock()
	if _, dup := a.running[msg.JobID]; dup {
		a.mtx.Unlock()
		logger.Warn("job is already running, ignoring duplicate execute")
		return
	}
	if len(a.running) >= a.RunningJobsLimit {
		a.mtx.Unlock()
		logger.Warn("at running jobs limit, refusing job")
		a.send(remoteworker.Message{
			Type:    remoteworker.MsgInterrupted,
			JobID:   msg.JobID,
			Message: "host is at its running jobs limit",
		})
		return
	}
	cmd := exec.Command(c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Dir = c.dir
	output := a.Logger.WithField("JobID", msg.JobID).WriterLevel(logrus.InfoLevel)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = time.Second
	err = cmd.Start()
	if err != nil {
		a.mtx.Unlock()
		output.Close()
		fail(jobs.JobFailed, err)
		return
	}
	proc := &process{cmd: cmd}
	a.running[msg.JobID] = proc
	a.mtx.Unlock()

	logger.WithField("Argv", c.argv).Info("started")
	a.send(remoteworker.Message{Type: remoteworker.MsgExecuting, JobID: msg.JobID})
	go func() {
		defer output.Close()
		a.supervise(msg.JobID, proc, logger)
	}()
}

// supervise sends heartbeats for a running process and reports its
// outcome when it exits.
func (a *Agent) supervise(jobID uuid.UUID, proc *process, logger logrus.FieldLogger) {
	exited := make(chan error, 1)
	go func() { exited <- proc.cmd.Wait() }()
	ticker := time.NewTicker(a.HeartbeatInterval)
	defer ticker.Stop()
	var err error
wait:
	for {
		select {
		case <-ticker.C:
			a.send(remoteworker.Message{Type: remoteworker.MsgHeartbeat, JobID: jobID})
		case err = <-exited:
			break wait
		}
	}

	a.mtx.Lock()
	if a.running[jobID] == proc {
		delete(a.running, jobID)
	}
	reason := proc.reason
	a.mtx.Unlock()

	logger = logger.WithField("Reason", reason)
	switch {
	case reason == stopDisconnected:
		logger.Info("killed after connection loss")
	case reason == stopRequested:
		logger.Info("cancelled")
		a.send(remoteworker.Message{Type: remoteworker.MsgCancelled, JobID: jobID})
	case err == nil:
		logger.Info("succeeded")
		a.send(remoteworker.Message{
			Type:     remoteworker.MsgExecuted,
			JobID:    jobID,
			Status:   jobs.JobSuccess,
			Progress: 1,
		})
	default:
		logger.WithError(err).Info("failed")
		msg := remoteworker.Message{
			Type:    remoteworker.MsgExecuted,
			JobID:   jobID,
			Status:  jobs.JobFailed,
			Message: err.Error(),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg.Message = "exit code " + strconv.Itoa(exitErr.ExitCode())
		}
		a.send(msg)
	}
}

// stop kills the process for jobID. If the job is not running here,
// it is reported as cancelled right away.
func (a *Agent) stop(typ remoteworker.MessageType, jobID uuid.UUID) {
	logger := a.Logger.WithFields(logrus.Fields{
		"JobID": jobID,
		"Op":    typ,
	})
	a.mtx.Lock()
	proc, ok := a.running[jobID]
	if ok {
		proc.reason = stopRequested
	}
	a.mtx.Unlock()
	if !ok {
		logger.Info("job is not running here")
		a.send(remoteworker.Message{
			Type:    remoteworker.MsgCancelled,
			JobID:   jobID,
			Message: "job was not running on this host",
		})
		return
	}
	a.send(remoteworker.Message{Type: remoteworker.MsgCancelling, JobID: jobID})
	err := proc.cmd.Process.Kill()
	if err != nil {
		logger.WithError(err).Warn("kill failed")
	}
}

// interruptAll kills every running job and remembers it, so it can
// be reported as interrupted on the next connection.
func (a *Agent) interruptAll() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for jobID, proc := range a.running {
		if proc.reason != notStopped {
			continue
		}
		proc.reason = stopDisconnected
		proc.cmd.Process.Kill()
		a.interrupted = append(a.interrupted, jobID)
		a.Logger.WithField("JobID", jobID).Warn("killing job after connection loss")
	}
}
