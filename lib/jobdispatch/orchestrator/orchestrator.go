// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package orchestrator runs the scheduling loop: it dispatches
// pending jobs to job workers, supervises running jobs, and applies
// the outcomes reported by remote workers.
package orchestrator

import (
	"sort"
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/jobworker"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultScalarScope   = "Orchestrator"
	defaultGracePeriod   = time.Minute
)

type workerKey struct {
	queue jobs.JobService
	group string
}

// An Orchestrator is the top-level scheduling loop. It is stopped
// when created; call Start to begin dispatching.
//
// The exported policy fields must be set before the first call to
// Start.
type Orchestrator struct {
	// A running job with no heartbeat for this long is timed
	// out. Default 3x the heartbeat timer interval.
	HeartbeatTimeout time.Duration

	// Runtime ceiling for jobs that don't have their own
	// MaxRuntime. Zero means no limit.
	MaxRuntime time.Duration

	// How long a Cancelling job waits for the host to confirm
	// before it is marked Failed.
	CancelGracePeriod time.Duration

	// Interval between availability probes of connected hosts.
	// Negative disables probing.
	ProbeInterval time.Duration

	// Number of times an interrupted job is requeued before it
	// is marked Failed.
	MaxRetries int

	// First component of published scalar names.
	ScalarScope string

	logger            logrus.FieldLogger
	workers           []*jobworker.Worker
	byKey             map[workerKey]*jobworker.Worker
	queues            []jobs.JobService
	remotes           []remoteworker.RemoteWorker
	scalars           jobs.ScalarService
	groupQueues       map[string]jobs.JobService
	executionInterval time.Duration
	heartbeatInterval time.Duration
	timeoutInterval   time.Duration

	mtx       sync.Mutex
	execution *periodic
	heartbeat *periodic
	timeout   *periodic
	probe     *periodic
	publish   *periodic
	stop      chan struct{} // closed by Stop
	started   bool

	closeOnce sync.Once
	closed    chan struct{}
	consumers sync.WaitGroup

	locks       jobLocks
	unreachable sync.Map // host ID => time of failed probe
	hostScalars map[string]bool // per-host scalar names published by the last scalars tick

	mJobsInProgress  prometheus.Gauge
	mJobsPending     prometheus.Gauge
	mDispatchErrors  prometheus.Counter
	mJobsDispatched  prometheus.Counter
	mTicksSkipped    *prometheus.CounterVec
	mEventsProcessed *prometheus.CounterVec
}

// New returns a stopped Orchestrator that dispatches jobs to the
// given workers, one per (JobService, host group) pair.
func New(jobWorkers []*jobworker.Worker, logger logrus.FieldLogger, executionTimerInterval, heartbeatTimerInterval, timeoutTimerInterval time.Duration) (*Orchestrator, error) {
	switch {
	case jobWorkers == nil:
		return nil, jobs.NilArgument("jobWorkers")
	case len(jobWorkers) == 0:
		return nil, jobs.InvalidArgument("jobWorkers", "must not be empty")
	case logger == nil:
		return nil, jobs.NilArgument("logger")
	case executionTimerInterval <= 0:
		return nil, jobs.InvalidArgument("executionTimerInterval", "must be positive")
	case heartbeatTimerInterval <= 0:
		return nil, jobs.InvalidArgument("heartbeatTimerInterval", "must be positive")
	case timeoutTimerInterval <= 0:
		return nil, jobs.InvalidArgument("timeoutTimerInterval", "must be positive")
	}
	o := &Orchestrator{
		HeartbeatTimeout:  3 * heartbeatTimerInterval,
		CancelGracePeriod: defaultGracePeriod,
		ProbeInterval:     DefaultProbeInterval,
		ScalarScope:       DefaultScalarScope,
		logger:            logger,
		byKey:             map[workerKey]*jobworker.Worker{},
		executionInterval: executionTimerInterval,
		heartbeatInterval: heartbeatTimerInterval,
		timeoutInterval:   timeoutTimerInterval,
		closed:            make(chan struct{}),
	}
	for _, w := range jobWorkers {
		if w == nil {
			return nil, jobs.InvalidArgument("jobWorkers", "must not contain nil")
		}
		key := workerKey{w.JobService(), w.ID()}
		if _, dup := o.byKey[key]; dup {
			return nil, jobs.InvalidArgument("jobWorkers", "more than one worker for host group "+w.ID()+" on the same job service")
		}
		o.byKey[key] = w
		o.workers = append(o.workers, w)
		o.addQueue(w.JobService())
		o.addRemote(w.RemoteWorker())
	}
	o.setupMetrics()
	o.execution = newPeriodic("execution", executionTimerInterval, logger, o.runExecution)
	o.heartbeat = newPeriodic("heartbeat", heartbeatTimerInterval, logger, o.runHeartbeat)
	o.timeout = newPeriodic("timeout", timeoutTimerInterval, logger, o.runTimeout)
	o.publish = newPeriodic("scalars", executionTimerInterval, logger, o.publishScalars)
	return o, nil
}

// NewWithScalars is like New, but the returned Orchestrator also
// publishes live counters to scalarService for each host group in
// jobServices.
func NewWithScalars(jobWorkers []*jobworker.Worker, logger logrus.FieldLogger, executionTimerInterval, heartbeatTimerInterval, timeoutTimerInterval time.Duration, scalarService jobs.ScalarService, jobServices map[string]jobs.JobService) (*Orchestrator, error) {
	o, err := New(jobWorkers, logger, executionTimerInterval, heartbeatTimerInterval, timeoutTimerInterval)
	if err != nil {
		return nil, err
	}
	switch {
	case scalarService == nil:
		return nil, jobs.NilArgument("scalarService")
	case jobServices == nil:
		return nil, jobs.NilArgument("jobServices")
	case len(jobServices) == 0:
		return nil, jobs.InvalidArgument("jobServices", "must not be empty")
	}
	o.scalars = scalarService
	o.groupQueues = map[string]jobs.JobService{}
	for group, queue := range jobServices {
		if queue == nil {
			return nil, jobs.InvalidArgument("jobServices", "no job service for host group "+group)
		}
		o.groupQueues[group] = queue
		o.addQueue(queue)
	}
	return o, nil
}

func (o *Orchestrator) addQueue(queue jobs.JobService) {
	for _, q := range o.queues {
		if q == queue {
			return
		}
	}
	o.queues = append(o.queues, queue)
}

func (o *Orchestrator) addRemote(rw remoteworker.RemoteWorker) {
	for _, r := range o.remotes {
		if r == rw {
			return
		}
	}
	o.remotes = append(o.remotes, rw)
}

// ScalarsEnabled returns true if the Orchestrator was created with a
// scalar service.
func (o *Orchestrator) ScalarsEnabled() bool {
	return o.scalars != nil
}

// Start begins dispatching and supervising jobs. Calling Start on a
// running Orchestrator has no effect.
func (o *Orchestrator) Start() {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	select {
	case <-o.closed:
		o.logger.Warn("Start called after Close, ignoring")
		return
	default:
	}
	if o.execution.enabled() {
		return
	}
	if !o.started {
		o.started = true
		o.startConsumers()
		if o.ProbeInterval > 0 {
			o.probe = newPeriodic("probe", o.ProbeInterval, o.logger, o.runProbe)
		}
	}
	o.stop = make(chan struct{})
	o.watchHosts(o.stop)
	o.execution.start()
	o.heartbeat.start()
	o.timeout.start()
	if o.probe != nil {
		o.probe.start()
	}
	if o.ScalarsEnabled() {
		o.publish.start()
	}
	o.logger.WithFields(logrus.Fields{
		"ExecutionInterval": o.executionInterval,
		"HeartbeatInterval": o.heartbeatInterval,
		"TimeoutInterval":   o.timeoutInterval,
		"JobWorkers":        len(o.workers),
		"Scalars":           o.ScalarsEnabled(),
	}).Info("orchestrator started")
}

// Stop stops all timers. Ticks already in progress are allowed to
// finish. Outcome events continue to be processed until Close.
func (o *Orchestrator) Stop() {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if !o.execution.enabled() {
		return
	}
	close(o.stop)
	o.execution.stop()
	o.heartbeat.stop()
	o.timeout.stop()
	if o.probe != nil {
		o.probe.stop()
	}
	o.publish.stop()
	o.logger.Info("orchestrator stopped")
}

// IsRunning reports whether the execution timer is enabled.
func (o *Orchestrator) IsRunning() bool {
	return o.execution.enabled()
}

// Close stops the Orchestrator and waits for its event consumers to
// exit. The Orchestrator cannot be restarted after Close.
func (o *Orchestrator) Close() {
	o.Stop()
	o.closeOnce.Do(func() { close(o.closed) })
	o.consumers.Wait()
}

// Groups returns the host groups served by the Orchestrator's job
// workers, sorted.
func (o *Orchestrator) Groups() []string {
	seen := map[string]bool{}
	var groups []string
	for _, w := range o.workers {
		if !seen[w.ID()] {
			seen[w.ID()] = true
			groups = append(groups, w.ID())
		}
	}
	sort.Strings(groups)
	return groups
}

// JobServices returns the distinct job services the Orchestrator
// dispatches from.
func (o *Orchestrator) JobServices() []jobs.JobService {
	return append([]jobs.JobService(nil), o.queues...)
}

// watchHosts pokes the execution timer whenever a host service
// reports a membership change, so newly connected hosts get work
// without waiting for the next tick.
func (o *Orchestrator) watchHosts(stop <-chan struct{}) {
	type notifier interface {
		Subscribe() <-chan struct{}
		Unsubscribe(<-chan struct{})
	}
	seen := map[jobs.HostService]bool{}
	for _, w := range o.workers {
		hosts := w.HostService()
		n, ok := hosts.(notifier)
		if !ok || seen[hosts] {
			continue
		}
		seen[hosts] = true
		ch := n.Subscribe()
		go func() {
			defer n.Unsubscribe(ch)
			for {
				select {
				case <-stop:
					return
				case <-ch:
					o.execution.poke()
				}
			}
		}()
	}
}

func (o *Orchestrator) setupMetrics() {
	o.mJobsInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Subsystem: "orchestrator",
		Name:      "jobs_in_progress",
		Help:      "Number of jobs dispatched to a host and not yet finished.",
	})
	o.mJobsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Subsystem: "orchestrator",
		Name:      "jobs_pending",
		Help:      "Number of jobs waiting to be dispatched, as of the last execution tick.",
	})
	o.mDispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "orchestrator",
		Name:      "dispatch_errors_total",
		Help:      "Number of failed attempts to dispatch a job.",
	})
	o.mJobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "orchestrator",
		Name:      "jobs_dispatched_total",
		Help:      "Number of jobs handed to a remote worker.",
	})
	o.mTicksSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "orchestrator",
		Name:      "ticks_skipped_total",
		Help:      "Number of timer ticks abandoned because job state could not be loaded.",
	}, []string{"timer"})
	o.mEventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "orchestrator",
		Name:      "events_processed_total",
		Help:      "Number of remote worker events processed, by kind.",
	}, []string{"kind"})
}

// RegisterMetrics registers the Orchestrator's metrics with reg.
func (o *Orchestrator) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(o.mJobsInProgress)
	reg.MustRegister(o.mJobsPending)
	reg.MustRegister(o.mDispatchErrors)
	reg.MustRegister(o.mJobsDispatched)
	reg.MustRegister(o.mTicksSkipped)
	reg.MustRegister(o.mEventsProcessed)
}
