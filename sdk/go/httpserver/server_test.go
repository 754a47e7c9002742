// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (s *ServerSuite) TestStartClose(c *check.C) {
	srv := &Server{
		Server: http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		})},
		Addr: "127.0.0.1:0",
	}
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Addr, check.Not(check.Equals), "127.0.0.1:0")

	resp, err := http.Get("http://" + srv.Addr + "/")
	c.Assert(err, check.IsNil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(string(body), check.Equals, "ok")

	c.Check(srv.Close(), check.IsNil)
	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		c.Error("Done channel not closed")
	}
	_, err = http.Get("http://" + srv.Addr + "/")
	c.Check(err, check.NotNil)
}

func (s *ServerSuite) TestShutdown(c *check.C) {
	srv := &Server{Addr: "127.0.0.1:0"}
	c.Assert(srv.Start(), check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Check(srv.Shutdown(ctx), check.IsNil)
}

func (s *ServerSuite) TestCloseNotStarted(c *check.C) {
	srv := &Server{}
	c.Check(srv.Close(), check.IsNil)
	c.Check(srv.Wait(), check.IsNil)
}

func (s *ServerSuite) TestListenError(c *check.C) {
	srv := &Server{Addr: "256.0.0.1:0"}
	c.Check(srv.Start(), check.NotNil)
}

func (s *ServerSuite) TestRequireToken(c *check.C) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	for _, trial := range []struct {
		token string
		hdr   string
		code  int
	}{
		{"", "", http.StatusNotFound},
		{"", "Bearer foo", http.StatusNotFound},
		{"secret", "", http.StatusUnauthorized},
		{"secret", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"secret", "Bearer wrong", http.StatusForbidden},
		{"secret", "Bearer secret", http.StatusTeapot},
	} {
		req := httptest.NewRequest("GET", "/", nil)
		if trial.hdr != "" {
			req.Header.Set("Authorization", trial.hdr)
		}
		resp := httptest.NewRecorder()
		RequireToken(trial.token, ok).ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("%+v", trial))
	}
}

func (s *ServerSuite) TestMetrics(c *check.C) {
	reg := prometheus.NewRegistry()
	m := Instrument(reg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hi")
	}))
	h := m.ServeAPI("secret", m)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/hello", nil))
	c.Check(resp.Body.String(), check.Equals, "hi")
	c.Check(testutil.CollectAndCount(reg, "jobdispatch_http_request_duration_seconds"), check.Equals, 1)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\njobdispatch_http_request_duration_seconds_count{code="200",method="get"} 1\n.*`)

	// POST /metrics is passed through.
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("POST", "/metrics", nil))
	c.Check(resp.Body.String(), check.Equals, "hi")
}

func (s *ServerSuite) TestHijackThroughWrapper(c *check.C) {
	ts := httptest.NewServer(LogRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		c.Assert(err, check.IsNil)
		defer conn.Close()
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 8\r\nConnection: close\r\n\r\nhijacked")
		buf.Flush()
	})))
	defer ts.Close()
	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	c.Assert(err, check.IsNil)
	defer conn.Close()
	io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	c.Assert(err, check.IsNil)
	body, _ := io.ReadAll(resp.Body)
	c.Check(string(body), check.Equals, "hijacked")
}

func (s *ServerSuite) TestHijackUnsupported(c *check.C) {
	w := WrapResponseWriter(httptest.NewRecorder())
	_, _, err := w.Hijack()
	c.Check(err, check.Equals, errNotHijacker)
}
