// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/hostregistry"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/jobqueue"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/jobworker"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/scalars"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/test"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&OrchestratorSuite{})

type OrchestratorSuite struct {
	ctx      context.Context
	logger   logrus.FieldLogger
	registry *hostregistry.Registry
	remote   *test.RemoteWorker
	tasks    *test.TaskService
	queue    *jobqueue.Memory
	worker   *jobworker.Worker
	orch     *Orchestrator
}

func (s *OrchestratorSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.logger = ctxlog.TestLogger(c)
	s.registry = hostregistry.New(s.logger, nil)
	s.remote = &test.RemoteWorker{}
	s.tasks = &test.TaskService{}
	s.queue = &jobqueue.Memory{}
	var err error
	s.worker, err = jobworker.New(jobs.DefaultHostGroup, s.remote, s.tasks, s.queue, s.registry, s.logger)
	c.Assert(err, check.IsNil)
	// Long intervals: tests call the tick functions directly
	// unless they are testing the timers.
	s.orch, err = New([]*jobworker.Worker{s.worker}, s.logger, time.Hour, time.Hour, time.Hour)
	c.Assert(err, check.IsNil)
	s.orch.HeartbeatTimeout = time.Minute
	s.orch.ProbeInterval = -1
}

func (s *OrchestratorSuite) TearDownTest(c *check.C) {
	s.orch.Close()
}

func (s *OrchestratorSuite) addJob(c *check.C, job jobs.Job) jobs.Job {
	job, err := s.queue.Add(s.ctx, job)
	c.Assert(err, check.IsNil)
	return job
}

func (s *OrchestratorSuite) getJob(c *check.C, id uuid.UUID) jobs.Job {
	job, ok, err := s.queue.Get(s.ctx, id)
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)
	return job
}

// addRunningJob adds a job that is InProgress on hostID.
func (s *OrchestratorSuite) addRunningJob(c *check.C, hostID string, started, heartbeat time.Time) jobs.Job {
	job := test.PendingJob("t", "")
	job.Status = jobs.JobInProgress
	job.HostID = hostID
	job.StartedAt = started
	job.HeartbeatAt = heartbeat
	return s.addJob(c, job)
}

func waitFor(c *check.C, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *OrchestratorSuite) TestNewValidation(c *check.C) {
	workers := []*jobworker.Worker{s.worker}
	store := scalars.NewStore(nil)
	queues := map[string]jobs.JobService{"none": s.queue}
	var nilLogger logrus.FieldLogger
	for _, trial := range []struct {
		param string
		nil   bool
		new   func() (*Orchestrator, error)
	}{
		{"jobWorkers", true, func() (*Orchestrator, error) { return New(nil, s.logger, 1, 1, 1) }},
		{"jobWorkers", false, func() (*Orchestrator, error) { return New([]*jobworker.Worker{}, s.logger, 1, 1, 1) }},
		{"jobWorkers", false, func() (*Orchestrator, error) { return New([]*jobworker.Worker{nil}, s.logger, 1, 1, 1) }},
		{"jobWorkers", false, func() (*Orchestrator, error) { return New([]*jobworker.Worker{s.worker, s.worker}, s.logger, 1, 1, 1) }},
		{"logger", true, func() (*Orchestrator, error) { return New(workers, nilLogger, 1, 1, 1) }},
		{"executionTimerInterval", false, func() (*Orchestrator, error) { return New(workers, s.logger, 0, 1, 1) }},
		{"executionTimerInterval", false, func() (*Orchestrator, error) { return New(workers, s.logger, -1, 1, 1) }},
		{"heartbeatTimerInterval", false, func() (*Orchestrator, error) { return New(workers, s.logger, 1, 0, 1) }},
		{"heartbeatTimerInterval", false, func() (*Orchestrator, error) { return New(workers, s.logger, 1, -time.Second, 1) }},
		{"timeoutTimerInterval", false, func() (*Orchestrator, error) { return New(workers, s.logger, 1, 1, 0) }},
		{"timeoutTimerInterval", false, func() (*Orchestrator, error) { return New(workers, s.logger, 1, 1, -1) }},
		{"scalarService", true, func() (*Orchestrator, error) { return NewWithScalars(workers, s.logger, 1, 1, 1, nil, queues) }},
		{"jobServices", true, func() (*Orchestrator, error) { return NewWithScalars(workers, s.logger, 1, 1, 1, store, nil) }},
		{"jobServices", false, func() (*Orchestrator, error) {
			return NewWithScalars(workers, s.logger, 1, 1, 1, store, map[string]jobs.JobService{})
		}},
		{"jobServices", false, func() (*Orchestrator, error) {
			return NewWithScalars(workers, s.logger, 1, 1, 1, store, map[string]jobs.JobService{"none": nil})
		}},
		// Errors in the basic arguments are reported first.
		{"executionTimerInterval", false, func() (*Orchestrator, error) { return NewWithScalars(workers, s.logger, 0, 1, 1, nil, nil) }},
	} {
		o, err := trial.new()
		c.Check(o, check.IsNil)
		var aerr *jobs.ArgumentError
		if c.Check(errors.As(err, &aerr), check.Equals, true, check.Commentf("expected error for %s", trial.param)) {
			c.Check(aerr.Param, check.Equals, trial.param)
			c.Check(aerr.Nil, check.Equals, trial.nil)
			c.Check(err, check.ErrorMatches, `.*`+trial.param+`.*`)
		}
	}

	o, err := New(workers, s.logger, 1, 1, 1)
	c.Assert(err, check.IsNil)
	c.Check(o.ScalarsEnabled(), check.Equals, false)
	c.Check(o.IsRunning(), check.Equals, false)
	c.Check(o.HeartbeatTimeout, check.Equals, time.Duration(3))

	o, err = NewWithScalars(workers, s.logger, 1, 1, 1, store, queues)
	c.Assert(err, check.IsNil)
	c.Check(o.ScalarsEnabled(), check.Equals, true)
	c.Check(o.JobServices(), check.HasLen, 1)
}

func (s *OrchestratorSuite) TestStartStop(c *check.C) {
	c.Check(s.orch.IsRunning(), check.Equals, false)
	for i := 0; i < 3; i++ {
		s.orch.Start()
		c.Check(s.orch.IsRunning(), check.Equals, true)
		s.orch.Start()
		c.Check(s.orch.IsRunning(), check.Equals, true)
		s.orch.Stop()
		c.Check(s.orch.IsRunning(), check.Equals, false)
		s.orch.Stop()
		c.Check(s.orch.IsRunning(), check.Equals, false)
	}
	s.orch.Close()
	s.orch.Start()
	c.Check(s.orch.IsRunning(), check.Equals, false)
}

func (s *OrchestratorSuite) TestScalarsLifecycle(c *check.C) {
	store := scalars.NewStore(nil)
	o, err := NewWithScalars([]*jobworker.Worker{s.worker}, s.logger, 20*time.Millisecond, time.Hour, time.Hour, store, map[string]jobs.JobService{"none": s.queue})
	c.Assert(err, check.IsNil)
	o.ProbeInterval = -1
	defer o.Close()
	s.registry.AddMember("h1", test.HostClaims("none", 1, 2))

	c.Check(store.GetAll(), check.HasLen, 0)
	o.Start()
	name := "Orchestrator/none/Jobs In Progress"
	waitFor(c, "scalar", func() bool {
		_, ok := store.TryGet(name)
		return ok
	})
	sc, _ := store.TryGet(name)
	c.Check(sc.Value, check.Equals, 0.0)
	sc, ok := store.TryGet("Orchestrator/none/h1/Running Jobs")
	c.Check(ok, check.Equals, true)
	c.Check(sc.Value, check.Equals, 0.0)

	// Counters follow jobs through their states.
	job := s.addJob(c, test.PendingJob("t", ""))
	waitFor(c, "job dispatch", func() bool { return s.getJob(c, job.ID).Status == jobs.JobStarting })
	waitFor(c, "counter update", func() bool {
		sc, _ := store.TryGet(name)
		return sc.Value == 1
	})
	waitFor(c, "host counter update", func() bool {
		sc, _ := store.TryGet("Orchestrator/none/h1/Running Jobs")
		return sc.Value == 1
	})
}

func (s *OrchestratorSuite) TestScalarsForgetDisconnectedHost(c *check.C) {
	store := scalars.NewStore(nil)
	o, err := NewWithScalars([]*jobworker.Worker{s.worker}, s.logger, time.Hour, time.Hour, time.Hour, store, map[string]jobs.JobService{"none": s.queue})
	c.Assert(err, check.IsNil)
	defer o.Close()
	s.registry.AddMember("h1", test.HostClaims("none", 1, 2))
	s.registry.AddMember("h2", test.HostClaims("none", 1, 2))

	o.publishScalars()
	c.Check(store.GetFullNames(), check.DeepEquals, []string{
		"Orchestrator/none/Jobs In Progress",
		"Orchestrator/none/h1/Running Jobs",
		"Orchestrator/none/h2/Running Jobs",
	})

	s.registry.RemoveMember("h1", "none")
	o.publishScalars()
	c.Check(store.GetFullNames(), check.DeepEquals, []string{
		"Orchestrator/none/Jobs In Progress",
		"Orchestrator/none/h2/Running Jobs",
	})

	// A host that reconnects gets its scalar back.
	s.registry.AddMember("h1", test.HostClaims("none", 1, 2))
	o.publishScalars()
	_, ok := store.TryGet("Orchestrator/none/h1/Running Jobs")
	c.Check(ok, check.Equals, true)
}

func (s *OrchestratorSuite) TestExecutionTickIsolation(c *check.C) {
	s.registry.AddMember("h1", test.HostClaims("none", 1, 10))
	var queued []jobs.Job
	for _, job := range test.PendingJobs(5, "") {
		queued = append(queued, s.addJob(c, job))
	}
	s.tasks.Broken = map[string]bool{"task0": true}
	s.tasks.Panics = map[string]bool{"task2": true}

	s.orch.runExecution()

	c.Check(s.getJob(c, queued[0].ID).Status, check.Equals, jobs.JobPending)
	c.Check(s.getJob(c, queued[2].ID).Status, check.Equals, jobs.JobPending)
	var dispatched []string
	for _, call := range s.remote.CallsTo("Execute") {
		dispatched = append(dispatched, call.TaskID)
	}
	c.Check(dispatched, check.DeepEquals, []string{"task1", "task3", "task4"})
	c.Check(testutil.ToFloat64(s.orch.mDispatchErrors), check.Equals, 2.0)
	c.Check(testutil.ToFloat64(s.orch.mJobsPending), check.Equals, 2.0)
	c.Check(s.orch.locks.Len(), check.Equals, 0)
}

func (s *OrchestratorSuite) TestExecutionRespectsLimits(c *check.C) {
	s.registry.AddMember("h1", test.HostClaims("none", 1, 2))
	for _, job := range test.PendingJobs(3, "") {
		s.addJob(c, job)
	}
	s.orch.runExecution()
	c.Check(s.remote.CallsTo("Execute"), check.HasLen, 2)
	s.orch.runExecution()
	c.Check(s.remote.CallsTo("Execute"), check.HasLen, 2)
	c.Check(testutil.ToFloat64(s.orch.mJobsInProgress), check.Equals, 2.0)

	first := s.remote.CallsTo("Execute")[0]
	s.orch.handleEvent(remoteEvent("Executed", first.JobID, "h1"))
	c.Check(s.getJob(c, first.JobID).Status, check.Equals, jobs.JobSuccess)
	s.orch.runExecution()
	calls := s.remote.CallsTo("Execute")
	c.Assert(calls, check.HasLen, 3)
	c.Check(calls[2].TaskID, check.Equals, "task2")
	c.Check(testutil.ToFloat64(s.orch.mJobsInProgress), check.Equals, 2.0)
}

func (s *OrchestratorSuite) TestExecutionNoWorkerForGroup(c *check.C) {
	s.registry.AddMember("h1", test.HostClaims("gpu", 1, 1))
	job := s.addJob(c, test.PendingJob("t", "gpu"))
	s.orch.runExecution()
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobPending)
	c.Check(s.remote.Calls(), check.HasLen, 0)
}

func (s *OrchestratorSuite) TestExecutionSkipsLockedJob(c *check.C) {
	s.registry.AddMember("h1", test.HostClaims("none", 1, 1))
	job := s.addJob(c, test.PendingJob("t", ""))
	s.orch.locks.Lock(job.ID)
	s.orch.runExecution()
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobPending)
	s.orch.locks.Unlock(job.ID)
	s.orch.runExecution()
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobStarting)
}

func (s *OrchestratorSuite) TestMetricsRegistration(c *check.C) {
	reg := prometheus.NewRegistry()
	s.orch.RegisterMetrics(reg)
	s.addJob(c, test.PendingJob("t", ""))
	s.orch.runExecution()
	c.Check(testutil.ToFloat64(s.orch.mJobsPending), check.Equals, 1.0)
	n, err := testutil.GatherAndCount(reg, "jobdispatch_orchestrator_jobs_pending")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 1)
}

func (s *OrchestratorSuite) TestHostConnectTriggersDispatch(c *check.C) {
	job := s.addJob(c, test.PendingJob("t", ""))
	s.orch.Start()
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobPending)
	s.registry.AddMember("h1", test.HostClaims("none", 1, 1))
	waitFor(c, "dispatch after host connected", func() bool {
		return s.getJob(c, job.ID).Status == jobs.JobStarting
	})
}

func (s *OrchestratorSuite) TestTimersDriveDispatch(c *check.C) {
	o, err := New([]*jobworker.Worker{s.worker}, s.logger, 10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)
	c.Assert(err, check.IsNil)
	o.ProbeInterval = -1
	o.HeartbeatTimeout = time.Minute
	defer o.Close()
	s.remote.AutoExecuting = true
	s.registry.AddMember("h1", test.HostClaims("none", 1, 1))
	job := s.addJob(c, test.PendingJob("t", ""))
	o.Start()
	waitFor(c, "job to reach InProgress", func() bool {
		return s.getJob(c, job.ID).Status == jobs.JobInProgress
	})
	o.Stop()
	c.Check(o.IsRunning(), check.Equals, false)
}
