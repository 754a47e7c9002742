// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	"git.jobdispatch.org/jobdispatch.git/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("jobdispatch config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("jobdispatch config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config file is empty\n`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := `
UnknownKey: foobar
ManagementToken: secret
`
	code := DumpCommand.RunCommand("jobdispatch config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  ExecutionInterval: 5s\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: UnknownKey.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("jobdispatch config-check", []string{"-config", "-"}, bytes.NewBufferString("ManagementToken: secret\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	stderr.Reset()
	code = CheckCommand.RunCommand("jobdispatch config-check", []string{"-config", "-"}, bytes.NewBufferString("ManagementTokn: secret\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*ManagementTokn.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("jobdispatch config-check", []string{"-config", "-"}, bytes.NewBufferString("Dispatch: {MaxRetries: -1}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `Dispatch.MaxRetries must not be negative\n`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("jobdispatch config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
