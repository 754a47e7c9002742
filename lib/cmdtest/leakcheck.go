// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides helpers for testing cmd.Handler
// implementations.
package cmdtest

import (
	"bytes"
	"io"
	"os"

	"git.jobdispatch.org/jobdispatch.git/lib/cmd"
	check "gopkg.in/check.v1"
)

// LeakCheck redirects os.Stdout and os.Stderr to temporary files and
// returns a func, to be deferred by the caller, that restores them
// and fails the test if anything was written. Commands are expected
// to write only to the streams passed to RunCommand.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		...
//	}
func LeakCheck(c *check.C) func() {
	saved := map[string]**os.File{"stdout": &os.Stdout, "stderr": &os.Stderr}
	orig := map[string]*os.File{}
	tmp := map[string]*os.File{}
	for name, fp := range saved {
		f, err := os.CreateTemp(c.MkDir(), name)
		c.Assert(err, check.IsNil)
		orig[name], tmp[name] = *fp, f
		*fp = f
	}
	return func() {
		for name, fp := range saved {
			*fp = orig[name]
			f := tmp[name]
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			f.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
		}
	}
}

// Result is the outcome of running a command with Run.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// Run runs a command with the given args and stdin, capturing its
// output, and fails the test if the command writes to os.Stdout or
// os.Stderr directly.
func Run(c *check.C, h cmd.Handler, prog string, args []string, stdin string) Result {
	defer LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := h.RunCommand(prog, args, bytes.NewBufferString(stdin), &stdout, &stderr)
	return Result{Code: code, Stdout: stdout.String(), Stderr: stderr.String()}
}
