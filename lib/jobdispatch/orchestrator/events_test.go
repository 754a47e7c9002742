// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/test"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	check "gopkg.in/check.v1"
)

func remoteEvent(kind remoteworker.EventKind, jobID uuid.UUID, hostID string) remoteworker.Event {
	return remoteworker.Event{Kind: kind, JobID: jobID, HostID: hostID, Time: time.Now()}
}

// startJob adds a job and dispatches it to h1.
func (s *OrchestratorSuite) startJob(c *check.C) jobs.Job {
	if !s.registry.Contains("h1") {
		s.registry.AddMember("h1", test.HostClaims("none", 1, 100))
	}
	job := s.addJob(c, test.PendingJob("t", ""))
	s.orch.runExecution()
	job = s.getJob(c, job.ID)
	c.Assert(job.Status, check.Equals, jobs.JobStarting)
	c.Assert(job.HostID, check.Equals, "h1")
	return job
}

func (s *OrchestratorSuite) TestEventExecuting(c *check.C) {
	job := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.Executing, job.ID, "h1"))
	got := s.getJob(c, job.ID)
	c.Check(got.Status, check.Equals, jobs.JobInProgress)
	c.Check(got.HeartbeatAt.After(job.HeartbeatAt), check.Equals, true)

	// Duplicate is ignored.
	s.orch.handleEvent(remoteEvent(remoteworker.Executing, job.ID, "h1"))
	c.Check(s.getJob(c, job.ID).Version, check.Equals, got.Version)
}

func (s *OrchestratorSuite) TestEventExecuted(c *check.C) {
	ok := s.startJob(c)
	ev := remoteEvent(remoteworker.Executed, ok.ID, "h1")
	s.orch.handleEvent(ev)
	got := s.getJob(c, ok.ID)
	c.Check(got.Status, check.Equals, jobs.JobSuccess)
	c.Check(got.Progress, check.Equals, 1.0)
	c.Check(got.FinishedAt.Equal(ev.Time), check.Equals, true)

	failed := s.startJob(c)
	ev = remoteEvent(remoteworker.Executed, failed.ID, "h1")
	ev.Status = jobs.JobFailed
	ev.Message = "exit status 2"
	s.orch.handleEvent(ev)
	got = s.getJob(c, failed.ID)
	c.Check(got.Status, check.Equals, jobs.JobFailed)
	c.Check(got.Message, check.Equals, "exit status 2")

	// A non-final status in an Executed event means success.
	odd := s.startJob(c)
	ev = remoteEvent(remoteworker.Executed, odd.ID, "h1")
	ev.Status = jobs.JobInProgress
	s.orch.handleEvent(ev)
	c.Check(s.getJob(c, odd.ID).Status, check.Equals, jobs.JobSuccess)

	// Finished jobs stay finished.
	s.orch.handleEvent(remoteEvent(remoteworker.Cancelled, failed.ID, "h1"))
	c.Check(s.getJob(c, failed.ID).Status, check.Equals, jobs.JobFailed)
}

func (s *OrchestratorSuite) TestEventProgressAndHeartbeat(c *check.C) {
	job := s.startJob(c)
	ev := remoteEvent(remoteworker.ProgressChanged, job.ID, "h1")
	ev.Progress = 0.5
	s.orch.handleEvent(ev)
	got := s.getJob(c, job.ID)
	c.Check(got.Status, check.Equals, jobs.JobInProgress)
	c.Check(got.Progress, check.Equals, 0.5)
	c.Check(got.HeartbeatAt.Equal(ev.Time), check.Equals, true)

	ev = remoteEvent(remoteworker.Heartbeat, job.ID, "h1")
	ev.Time = ev.Time.Add(time.Second)
	s.orch.handleEvent(ev)
	got = s.getJob(c, job.ID)
	c.Check(got.HeartbeatAt.Equal(ev.Time), check.Equals, true)
	c.Check(got.Progress, check.Equals, 0.5)
}

func (s *OrchestratorSuite) TestEventCancellingCancelled(c *check.C) {
	job := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.Cancelling, job.ID, "h1"))
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobCancelling)
	s.orch.handleEvent(remoteEvent(remoteworker.Cancelled, job.ID, "h1"))
	got := s.getJob(c, job.ID)
	c.Check(got.Status, check.Equals, jobs.JobCancelled)
	c.Check(got.FinishedAt.IsZero(), check.Equals, false)
}

func (s *OrchestratorSuite) TestEventCancelledAfterTimeout(c *check.C) {
	job := s.addRunningJob(c, "h1", time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	s.orch.runHeartbeat()
	c.Assert(s.getJob(c, job.ID).Status, check.Equals, jobs.JobTimeout)
	s.orch.handleEvent(remoteEvent(remoteworker.Cancelled, job.ID, "h1"))
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobTimeout)
}

func (s *OrchestratorSuite) TestEventInterrupted(c *check.C) {
	s.orch.MaxRetries = 1
	job := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.Interrupted, job.ID, "h1"))
	got := s.getJob(c, job.ID)
	c.Check(got.Status, check.Equals, jobs.JobPending)
	c.Check(got.Retries, check.Equals, 1)
	c.Check(got.HostID, check.Equals, "")
	c.Check(got.Message, check.Matches, `interrupted on host h1, requeued`)

	s.orch.runExecution()
	c.Assert(s.getJob(c, job.ID).Status, check.Equals, jobs.JobStarting)
	s.orch.handleEvent(remoteEvent(remoteworker.Interrupted, job.ID, "h1"))
	got = s.getJob(c, job.ID)
	c.Check(got.Status, check.Equals, jobs.JobFailed)
	c.Check(got.Message, check.Matches, `interrupted on host h1 after 1 retries`)
}

func (s *OrchestratorSuite) TestEventHostNotAvailable(c *check.C) {
	s.orch.MaxRetries = 1
	starting := s.startJob(c)
	running := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.Executing, running.ID, "h1"))
	cancelling := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.Cancelling, cancelling.ID, "h1"))

	for _, job := range []jobs.Job{starting, running, cancelling} {
		ev := remoteEvent(remoteworker.HostNotAvailable, job.ID, "h1")
		ev.Message = "host not connected"
		s.orch.handleEvent(ev)
	}
	got := s.getJob(c, starting.ID)
	c.Check(got.Status, check.Equals, jobs.JobPending)
	c.Check(got.HostID, check.Equals, "")
	c.Check(got.Retries, check.Equals, 1)
	c.Check(got.Message, check.Equals, "host not available: host not connected, requeued")
	c.Check(s.getJob(c, running.ID).Status, check.Equals, jobs.JobFailed)
	c.Check(s.getJob(c, cancelling.ID).Status, check.Equals, jobs.JobCancelled)
}

func (s *OrchestratorSuite) TestEventHostNotAvailableUsesRetries(c *check.C) {
	s.orch.MaxRetries = 1
	job := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.HostNotAvailable, job.ID, "h1"))
	c.Assert(s.getJob(c, job.ID).Status, check.Equals, jobs.JobPending)

	s.orch.runExecution()
	c.Assert(s.getJob(c, job.ID).Status, check.Equals, jobs.JobStarting)
	s.orch.handleEvent(remoteEvent(remoteworker.HostNotAvailable, job.ID, "h1"))
	got := s.getJob(c, job.ID)
	c.Check(got.Status, check.Equals, jobs.JobFailed)
	c.Check(got.Retries, check.Equals, 1)
	c.Check(got.Message, check.Equals, "host not available after 1 retries")
	c.Check(got.FinishedAt.IsZero(), check.Equals, false)
}

func (s *OrchestratorSuite) TestEventFromOtherHostIgnored(c *check.C) {
	job := s.startJob(c)
	s.orch.handleEvent(remoteEvent(remoteworker.Executed, job.ID, "h2"))
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobStarting)
}

func (s *OrchestratorSuite) TestEventUnknownJob(c *check.C) {
	s.orch.handleEvent(remoteEvent(remoteworker.Executed, uuid.New(), "h1"))
	s.orch.handleEvent(remoteworker.Event{Kind: "Bogus", JobID: s.startJob(c).ID})
	c.Check(s.orch.locks.Len(), check.Equals, 0)
}

func (s *OrchestratorSuite) TestEventsConsumedAfterStart(c *check.C) {
	job := s.startJob(c)
	s.remote.Emit(remoteEvent(remoteworker.Executing, job.ID, "h1"))
	time.Sleep(20 * time.Millisecond)
	c.Check(s.getJob(c, job.ID).Status, check.Equals, jobs.JobStarting)
	s.orch.Start()
	waitFor(c, "event to be applied", func() bool {
		return s.getJob(c, job.ID).Status == jobs.JobInProgress
	})

	// Events are still applied while stopped.
	s.orch.Stop()
	s.remote.Emit(remoteEvent(remoteworker.Executed, job.ID, "h1"))
	waitFor(c, "event to be applied", func() bool {
		return s.getJob(c, job.ID).Status == jobs.JobSuccess
	})
}
