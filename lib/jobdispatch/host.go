// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobdispatch

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.jobdispatch.org/jobdispatch.git/lib/cmd"
	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/hostagent"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
)

// HostCommand runs an execution host agent that connects to a
// dispatcher and runs the jobs it is sent.
var HostCommand cmd.Handler = hostCommand{}

type hostCommand struct{}

func (hostCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	hostname, _ := os.Hostname()
	agent := &hostagent.Agent{}
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.StringVar(&agent.URL, "url", "ws://localhost:9010/websocket", "dispatcher websocket `URL`")
	flags.StringVar(&agent.HostID, "id", hostname, "host `ID` (must be unique among connected hosts)")
	flags.StringVar(&agent.Name, "name", "", "display `name` (default: same as -id)")
	flags.StringVar(&agent.Group, "group", jobs.DefaultHostGroup, "host `group`")
	flags.IntVar(&agent.Priority, "priority", jobs.DefaultHostPriority, "host selection `priority` (higher is preferred)")
	flags.IntVar(&agent.RunningJobsLimit, "limit", jobs.DefaultRunningJobsLimit, "maximum number of concurrent `jobs`")
	flags.DurationVar(&agent.HeartbeatInterval, "heartbeat", hostagent.DefaultHeartbeatInterval, "`interval` between progress heartbeats")
	flags.DurationVar(&agent.ReconnectDelay, "reconnect-delay", hostagent.DefaultReconnectDelay, "`delay` before reconnecting after losing the connection")
	logFormat := flags.String("log-format", "text", "log `format` (text or json)")
	logLevel := flags.String("log-level", "info", "log `level`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, *logFormat, *logLevel)
	agent.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	err := agent.Run(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	logger.Info("exiting")
	return 0
}
