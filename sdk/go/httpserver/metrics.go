// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler interface {
	http.Handler

	// Returns an http.Handler that serves the Handler's metrics
	// data at /metrics, and passes other requests through to
	// next.
	ServeAPI(token string, next http.Handler) http.Handler
}

type metrics struct {
	next       http.Handler
	exportProm http.Handler
}

// ServeHTTP implements http.Handler.
func (m *metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.next.ServeHTTP(w, req)
}

// ServeAPI returns a new http.Handler that serves current data at
// "GET /metrics" and passes other requests through to next. The
// given token must be supplied by a client in order to access the
// metrics endpoint (see RequireToken).
//
// Typical example:
//
//	m := Instrument(...)
//	srv := http.Server{Handler: m.ServeAPI("secrettoken", m)}
func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	plainMetrics := RequireToken(token, m.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method != "GET" && req.Method != "HEAD":
			next.ServeHTTP(w, req)
		case req.URL.Path == "/metrics":
			plainMetrics.ServeHTTP(w, req)
		default:
			next.ServeHTTP(w, req)
		}
	})
}

// Instrument returns a new Handler that passes requests through to
// the next handler in the stack, and tracks the number and duration
// of those requests.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "jobdispatch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of requests being served, including open websocket connections.",
	})
	registry.MustRegister(reqDuration)
	registry.MustRegister(inFlight)
	return &metrics{
		next: promhttp.InstrumentHandlerInFlight(inFlight,
			promhttp.InstrumentHandlerDuration(reqDuration, next)),
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
}
