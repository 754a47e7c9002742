// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobdispatch

import (
	"git.jobdispatch.org/jobdispatch.git/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HostCommandSuite{})

type HostCommandSuite struct{}

func (s *HostCommandSuite) TestHelp(c *check.C) {
	res := cmdtest.Run(c, HostCommand, "jobdispatch host", []string{"-help"}, "")
	c.Check(res.Code, check.Equals, 0)
	c.Check(res.Stderr, check.Matches, `(?ms).*-url URL.*`)
	c.Check(res.Stderr, check.Matches, `(?ms).*-limit jobs.*`)
}

func (s *HostCommandSuite) TestBadArgs(c *check.C) {
	res := cmdtest.Run(c, HostCommand, "jobdispatch host", []string{"-limit", "many"}, "")
	c.Check(res.Code, check.Equals, 2)
	c.Check(res.Stderr, check.Matches, `error parsing command line arguments: .*\n`)

	res = cmdtest.Run(c, HostCommand, "jobdispatch host", []string{"extra"}, "")
	c.Check(res.Code, check.Equals, 2)
}

func (s *HostCommandSuite) TestEmptyHostID(c *check.C) {
	res := cmdtest.Run(c, HostCommand, "jobdispatch host", []string{"-id", ""}, "")
	c.Check(res.Code, check.Equals, 1)
	c.Check(res.Stderr, check.Matches, `(?ms).*invalid argument HostID: must not be empty\n`)
}
