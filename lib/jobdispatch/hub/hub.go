// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hub accepts websocket connections from execution hosts and
// relays messages between them and a remote worker.
package hub

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Request headers a connecting host uses to describe itself.
const (
	HeaderHostID           = "X-Host-Id"
	HeaderHostName         = "X-Host-Name"
	HeaderHostGroup        = "X-Host-Group"
	HeaderHostPriority     = "X-Host-Priority"
	HeaderRunningJobsLimit = "X-Host-Running-Jobs-Limit"
)

const DefaultSendTimeout = 10 * time.Second

// Membership is the part of the host registry the hub updates when
// hosts connect and disconnect. AddMember returns false if the
// connection is refused.
type Membership interface {
	AddMember(hostID string, claims map[string]string) bool
	RemoveMember(hostID, group string)
}

// A Receiver handles messages sent by hosts.
type Receiver interface {
	Receive(hostID string, msg remoteworker.Message)
}

// Hub is an http.Handler that accepts host connections. It
// implements remoteworker.Transport.
type Hub struct {
	// Maximum time to wait for a message to be written to a
	// host's connection.
	SendTimeout time.Duration

	logger   logrus.FieldLogger
	members  Membership
	receiver Receiver
	server   websocket.Server

	mtx     sync.Mutex
	clients map[string]*client
}

// New returns a Hub that records connected hosts in members.
// SetReceiver must be called before the hub starts accepting
// connections.
func New(logger logrus.FieldLogger, members Membership) *Hub {
	h := &Hub{
		SendTimeout: DefaultSendTimeout,
		logger:      logger,
		members:     members,
		clients:     map[string]*client{},
	}
	h.server = websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: websocket.Handler(h.serve),
	}
	return h
}

// SetReceiver sets the handler for messages from hosts.
func (h *Hub) SetReceiver(r Receiver) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.receiver = r
}

// Client returns the handle for the given host's current
// connection.
func (h *Hub) Client(hostID string) (remoteworker.Client, bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	cl, ok := h.clients[hostID]
	if !ok {
		return nil, false
	}
	return cl, true
}

// Connected returns the IDs of hosts with an open connection.
func (h *Hub) Connected() []string {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every host connection.
func (h *Hub) CloseAll() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, cl := range h.clients {
		cl.conn.Close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderHostID) == "" {
		http.Error(w, "missing "+HeaderHostID+" header", http.StatusBadRequest)
		return
	}
	h.server.ServeHTTP(w, r)
}

// claims returns the host claims presented in the request headers.
func claims(hdr http.Header) map[string]string {
	c := map[string]string{}
	for key, hdrKey := range map[string]string{
		jobs.ClaimName:             HeaderHostName,
		jobs.ClaimHostGroup:        HeaderHostGroup,
		jobs.ClaimPriority:         HeaderHostPriority,
		jobs.ClaimRunningJobsLimit: HeaderRunningJobsLimit,
	} {
		if v := hdr.Get(hdrKey); v != "" {
			c[key] = v
		}
	}
	return c
}

func (h *Hub) serve(ws *websocket.Conn) {
	t0 := time.Now()
	req := ws.Request()
	hostID := req.Header.Get(HeaderHostID)
	cl := &client{hub: h, hostID: hostID, conn: ws}
	hostClaims := claims(req.Header)
	host := jobs.HostFromClaims(hostID, hostClaims)
	logger := h.logger.WithFields(logrus.Fields{
		"HostID":     hostID,
		"HostGroup":  host.Group,
		"RemoteAddr": req.RemoteAddr,
	})

	h.mtx.Lock()
	prev, reconnect := h.clients[hostID]
	h.clients[hostID] = cl
	receiver := h.receiver
	h.mtx.Unlock()
	if !h.members.AddMember(hostID, hostClaims) {
		// The registry still lists the earlier connections, so
		// they keep their handle.
		h.mtx.Lock()
		if h.clients[hostID] == cl {
			if reconnect {
				h.clients[hostID] = prev
			} else {
				delete(h.clients, hostID)
			}
		}
		h.mtx.Unlock()
		ws.Close()
		logger.Warn("connection refused by host registry")
		return
	}
	logger.WithField("Reconnect", reconnect).Info("connected")

	defer func() {
		h.mtx.Lock()
		if h.clients[hostID] == cl {
			delete(h.clients, hostID)
		}
		h.mtx.Unlock()
		h.members.RemoveMember(hostID, host.Group)
		ws.Close()
		logger.WithField("Elapsed", time.Since(t0).Seconds()).Info("disconnect")
	}()

	for {
		var msg remoteworker.Message
		err := websocket.JSON.Receive(ws, &msg)
		if errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			logger.WithError(err).Info("error reading from host")
			return
		}
		if receiver == nil {
			logger.WithField("Type", msg.Type).Warn("no receiver, dropping message")
			continue
		}
		receiver.Receive(hostID, msg)
	}
}

// client is the handle for one host connection.
type client struct {
	hub    *Hub
	hostID string
	conn   *websocket.Conn
	mtx    sync.Mutex // serializes writes
}

func (cl *client) Send(msg remoteworker.Message) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	if cl.hub.SendTimeout > 0 {
		cl.conn.SetWriteDeadline(time.Now().Add(cl.hub.SendTimeout))
	}
	return websocket.JSON.Send(cl.conn, msg)
}
