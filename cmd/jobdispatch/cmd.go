// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.jobdispatch.org/jobdispatch.git/lib/cmd"
	"git.jobdispatch.org/jobdispatch.git/lib/config"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"server":          jobdispatch.Command,
		"host":            jobdispatch.HostCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
