// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Server is an http.Server with two more features: (1) by the time
// Start() returns, Addr is changed to the address:port we ended up
// listening to, which makes listening on ":0" useful in test suites,
// and (2) the server can be shut down without killing the process,
// which makes it possible to stop gracefully on SIGTERM.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	listener net.Listener
	done     chan struct{}
	err      error
}

// Start listens on Addr and serves requests in a background
// goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops the server immediately and returns when it has
// stopped.
func (srv *Server) Close() error {
	if srv.done == nil {
		return nil
	}
	srv.Server.Close()
	return srv.Wait()
}

// Shutdown stops accepting new connections, waits for active
// requests to finish (or ctx to be done), and returns when the
// server has stopped. Hijacked connections, like websockets, are not
// waited for.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.done == nil {
		return nil
	}
	err := srv.Server.Shutdown(ctx)
	if werr := srv.Wait(); err == nil {
		err = werr
	}
	return err
}

// Wait returns when the server has stopped.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}

// Done returns a channel that is closed when the server stops.
func (srv *Server) Done() <-chan struct{} {
	return srv.done
}
