// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HostSuite{})

type HostSuite struct{}

func (s *HostSuite) TestClaimDefaults(c *check.C) {
	h := HostFromClaims("conn-1", nil)
	c.Check(h, check.DeepEquals, Host{
		ID:               "conn-1",
		Name:             "conn-1",
		Group:            DefaultHostGroup,
		Priority:         1,
		RunningJobsLimit: 1,
	})
}

func (s *HostSuite) TestClaims(c *check.C) {
	h := HostFromClaims("conn-2", map[string]string{
		ClaimHostGroup:        "gpu",
		ClaimPriority:         "3",
		ClaimRunningJobsLimit: "4",
		ClaimName:             "render01",
	})
	c.Check(h.Group, check.Equals, "gpu")
	c.Check(h.Priority, check.Equals, 3)
	c.Check(h.RunningJobsLimit, check.Equals, 4)
	c.Check(h.Name, check.Equals, "render01")
}

func (s *HostSuite) TestUnparseableClaims(c *check.C) {
	h := HostFromClaims("conn-3", map[string]string{
		ClaimPriority:         "high",
		ClaimRunningJobsLimit: "-2",
	})
	c.Check(h.Priority, check.Equals, DefaultHostPriority)
	c.Check(h.RunningJobsLimit, check.Equals, DefaultRunningJobsLimit)
}

func (s *HostSuite) TestScalarName(c *check.C) {
	c.Check(ScalarName("Orchestrator", "gpu", "", "Jobs In Progress"), check.Equals, "Orchestrator/gpu/Jobs In Progress")
}
