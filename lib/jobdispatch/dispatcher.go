// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobdispatch assembles the job dispatch service: host
// registry, websocket hub, remote worker, job and task services, one
// job worker per host group, and the orchestrator.
package jobdispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/hostregistry"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/hub"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/jobqueue"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/jobworker"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/orchestrator"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/scalars"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/taskstore"
	"git.jobdispatch.org/jobdispatch.git/lib/service"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Command runs the dispatcher service.
var Command = service.Command("jobdispatch-server", newHandler)

func newHandler(ctx context.Context, cfg *jobs.Config, reg *prometheus.Registry) service.Handler {
	d := &dispatcher{
		Config:   cfg,
		Registry: reg,
		logger:   ctxlog.FromContext(ctx),
	}
	err := d.setup(ctx)
	if err != nil {
		d.Close()
		return service.ErrorHandler(ctx, err)
	}
	go func() {
		<-ctx.Done()
		d.Close()
	}()
	return d
}

type dispatcher struct {
	Config   *jobs.Config
	Registry *prometheus.Registry

	// Job service to use instead of the one described by
	// Config.PostgreSQL.
	JobService jobs.JobService

	// Task service to use instead of the one described by
	// Config.Tasks.
	TaskService jobs.TaskService

	logger   logrus.FieldLogger
	hosts    *hostregistry.Registry
	hub      *hub.Hub
	remote   *remoteworker.Worker
	queue    jobs.JobService
	db       *jobqueue.Postgres
	tasks    jobs.TaskService
	scalars  *scalars.Store
	orch     *orchestrator.Orchestrator
	handler  http.Handler
	closeMtx sync.Mutex
	closed   bool
}

func (d *dispatcher) setup(ctx context.Context) error {
	cfg := d.Config
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	d.hosts = hostregistry.New(d.logger.WithField("Component", "hostregistry"), d.Registry)
	d.hub = hub.New(d.logger.WithField("Component", "hub"), d.hosts)
	d.remote = remoteworker.New(d.logger.WithField("Component", "remoteworker"), d.hub)
	if t := cfg.Dispatch.AvailabilityTimeout.Duration(); t > 0 {
		d.remote.AvailabilityTimeout = t
	}
	d.hub.SetReceiver(d.remote)

	switch {
	case d.JobService != nil:
		d.queue = d.JobService
	case len(cfg.PostgreSQL.Connection) > 0:
		db, err := jobqueue.OpenPostgres(ctx, cfg.PostgreSQL)
		if err != nil {
			return fmt.Errorf("job database: %w", err)
		}
		d.db = db
		err = db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("job database: %w", err)
		}
		d.queue = db
	default:
		d.logger.Warn("PostgreSQL.Connection is empty, keeping jobs in memory")
		d.queue = &jobqueue.Memory{}
	}

	if d.TaskService != nil {
		d.tasks = d.TaskService
	} else {
		dir, err := taskstore.NewDirectory(ctx, d.logger, cfg.Tasks.Directory, cfg.Tasks.CacheSize)
		if err != nil {
			return fmt.Errorf("task directory: %w", err)
		}
		d.tasks = dir
	}

	var workers []*jobworker.Worker
	groupQueues := map[string]jobs.JobService{}
	for _, group := range cfg.Dispatch.HostGroups {
		w, err := jobworker.New(group, d.remote, d.tasks, d.queue, d.hosts, d.logger)
		if err != nil {
			return err
		}
		workers = append(workers, w)
		groupQueues[group] = d.queue
	}

	exec := cfg.Dispatch.ExecutionInterval.Duration()
	hb := cfg.Dispatch.HeartbeatInterval.Duration()
	timeout := cfg.Dispatch.TimeoutInterval.Duration()
	logger := d.logger.WithField("Component", "orchestrator")
	var err error
	if cfg.Dispatch.EnableScalars {
		d.scalars = scalars.NewStore(d.Registry)
		d.orch, err = orchestrator.NewWithScalars(workers, logger, exec, hb, timeout, d.scalars, groupQueues)
	} else {
		d.orch, err = orchestrator.New(workers, logger, exec, hb, timeout)
	}
	if err != nil {
		return err
	}
	if t := cfg.Dispatch.HeartbeatTimeout.Duration(); t > 0 {
		d.orch.HeartbeatTimeout = t
	}
	if t := cfg.Dispatch.CancelGracePeriod.Duration(); t > 0 {
		d.orch.CancelGracePeriod = t
	}
	if t := cfg.Dispatch.ProbeInterval.Duration(); t > 0 {
		d.orch.ProbeInterval = t
	} else {
		d.orch.ProbeInterval = -1
	}
	d.orch.MaxRuntime = cfg.Dispatch.MaxRuntime.Duration()
	d.orch.MaxRetries = cfg.Dispatch.MaxRetries
	if cfg.Dispatch.ScalarScope != "" {
		d.orch.ScalarScope = cfg.Dispatch.ScalarScope
	}
	d.orch.RegisterMetrics(d.Registry)
	d.orch.Start()

	d.handler = d.routes()
	return nil
}

// Close stops the orchestrator, disconnects all hosts, and closes
// the job database.
func (d *dispatcher) Close() {
	d.closeMtx.Lock()
	defer d.closeMtx.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.orch != nil {
		d.orch.Close()
	}
	if d.hub != nil {
		d.hub.CloseAll()
	}
	if d.db != nil {
		err := d.db.Close()
		if err != nil {
			d.logger.WithError(err).Warn("error closing job database")
		}
	}
	d.logger.Info("dispatcher closed")
}

// ServeHTTP implements service.Handler.
func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.handler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (d *dispatcher) CheckHealth() error {
	d.closeMtx.Lock()
	closed := d.closed
	d.closeMtx.Unlock()
	if closed {
		return errors.New("dispatcher is closed")
	}
	if !d.orch.IsRunning() {
		return errors.New("orchestrator is not running")
	}
	return nil
}

// Done implements service.Handler.
func (d *dispatcher) Done() <-chan struct{} {
	return nil
}
