// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves health-check endpoints like /_health/ping.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of URI path to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}. Unhealthy responses have
// status 503.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *httprouter.Router

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of URI paths to health-check Func. The prefix is
	// omitted: Routes["foo"] is the health check invoked by a
	// request to "{Prefix}/foo".
	//
	// If "ping" is not listed here, it will be added
	// automatically and will always return a "healthy" response.
	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = httprouter.New()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	routes := Routes{"ping": func() error { return nil }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		h.mux.Handler("GET", prefix+name, httpserver.RequireToken(h.Token, healthJSON(fn)))
	}
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

func healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := fn(); err == nil {
			w.Write(healthyBody)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  err.Error(),
			})
		}
	})
}
