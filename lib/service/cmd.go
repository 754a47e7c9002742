// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/cmd"
	"git.jobdispatch.org/jobdispatch.git/lib/config"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/health"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/httpserver"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Time allowed for in-progress requests to finish after a shutdown
// signal.
const shutdownTimeout = 10 * time.Second

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// NewHandlerFunc builds the service's handler. The handler should
// release its resources when ctx is cancelled, which happens after
// the http server has stopped.
type NewHandlerFunc func(_ context.Context, _ *jobs.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, calls
// newHandler with the loaded config, and brings up an http server
// with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, serving /metrics and
// /_health/ping, etc).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(c.ctx, logger))
	defer cancel()
	sigctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	reg := prometheus.NewRegistry()

	// jobdispatch_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(
				interceptHealthReqs(cfg.ManagementToken, handler.CheckHealth, handler))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented.ServeAPI(cfg.ManagementToken, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cfg.Services.JobDispatch.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	select {
	case <-sigctx.Done():
		logger.Info("shutting down")
	case <-handler.Done():
		logger.Info("handler stopped, shutting down")
	case <-srv.Done():
		err = srv.Wait()
		cancel()
		if err != nil {
			return 1
		}
		return 0
	}
	daemon.SdNotify(false, "STOPPING=1")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	err = srv.Shutdown(shutdownCtx)
	cancel()
	if err != nil {
		return 1
	}
	return 0
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	return mux
}
