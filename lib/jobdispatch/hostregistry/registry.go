// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hostregistry tracks the remote execution hosts that are
// currently connected, partitioned into host groups.
package hostregistry

import (
	"sort"
	"sync"
	"sync/atomic"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// maxDuplicates is the number of entries a single host ID may have
// in one group. A second entry appears when a host reconnects before
// the disconnect event for its previous connection has been
// processed.
const maxDuplicates = 2

type entry struct {
	host       jobs.Host
	generation uint64
}

// snapshot is an immutable view of all groups. Writers build a new
// snapshot and swap it in; readers never lock.
type snapshot struct {
	version uint64
	groups  map[string][]entry
	order   []string // group names in creation order
}

// Registry is the authoritative set of connected hosts. It
// implements jobs.HostService. A zero Registry should not be used;
// call New.
type Registry struct {
	logger logrus.FieldLogger

	current    atomic.Pointer[snapshot]
	mtx        sync.Mutex // serializes writers
	generation uint64

	subscribers map[<-chan struct{}]chan<- struct{}
	subMtx      sync.Mutex

	mHosts prometheus.Gauge
}

// New returns an empty Registry. If reg is not nil, a gauge
// reporting the number of connected hosts is registered with it.
func New(logger logrus.FieldLogger, reg *prometheus.Registry) *Registry {
	r := &Registry{
		logger:      logger,
		subscribers: map[<-chan struct{}]chan<- struct{}{},
	}
	r.current.Store(&snapshot{groups: map[string][]entry{}})
	r.registerMetrics(reg)
	return r
}

func (r *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Subsystem: "hosts",
		Name:      "connected",
		Help:      "Number of distinct execution hosts currently connected.",
	})
	reg.MustRegister(r.mHosts)
}

// AddMember adds a host, built from the given claims, to the group
// named by its HostGroup claim. The group is created if needed.
//
// If the host ID already has maxDuplicates entries in the group, the
// add is rejected and logged, and AddMember returns false.
func (r *Registry) AddMember(hostID string, claims map[string]string) bool {
	host := jobs.HostFromClaims(hostID, claims)
	logger := r.logger.WithFields(logrus.Fields{
		"HostID":    hostID,
		"HostGroup": host.Group,
	})

	r.mtx.Lock()
	old := r.current.Load()
	members := old.groups[host.Group]
	dups := 0
	for _, ent := range members {
		if ent.host.ID == hostID {
			dups++
		}
	}
	if dups >= maxDuplicates {
		r.mtx.Unlock()
		logger.WithField("Entries", dups).Warn("rejected host: too many connections with the same id")
		return false
	}
	r.generation++
	next := old.clone()
	if _, ok := next.groups[host.Group]; !ok {
		next.order = append(next.order, host.Group)
	}
	next.groups[host.Group] = append(append([]entry(nil), members...), entry{host: host, generation: r.generation})
	r.swap(next)
	r.mtx.Unlock()

	logger.WithFields(logrus.Fields{
		"Priority":         host.Priority,
		"RunningJobsLimit": host.RunningJobsLimit,
		"Duplicate":        dups > 0,
	}).Info("host connected")
	r.notify()
	return true
}

// RemoveMember removes the given host from the given group. If the
// group held more than one entry for the host, the newest one is
// kept: it belongs to a connection that is still open.
//
// The group itself is retained even if it becomes empty.
func (r *Registry) RemoveMember(hostID, group string) {
	if group == "" {
		group = jobs.DefaultHostGroup
	}
	logger := r.logger.WithFields(logrus.Fields{
		"HostID":    hostID,
		"HostGroup": group,
	})

	r.mtx.Lock()
	old := r.current.Load()
	members, ok := old.groups[group]
	if !ok {
		r.mtx.Unlock()
		logger.Debug("remove: unknown group")
		return
	}
	var keep []entry
	var newest *entry
	dups := 0
	for i, ent := range members {
		if ent.host.ID != hostID {
			keep = append(keep, ent)
			continue
		}
		dups++
		if newest == nil || ent.generation > newest.generation {
			newest = &members[i]
		}
	}
	if dups == 0 {
		r.mtx.Unlock()
		logger.Debug("remove: host not in group")
		return
	}
	if dups > 1 {
		keep = append(keep, *newest)
	}
	next := old.clone()
	next.groups[group] = keep
	r.swap(next)
	r.mtx.Unlock()

	if dups > 1 {
		logger.WithField("Entries", dups).Info("stale host connection removed, newer connection kept")
	} else {
		logger.Info("host disconnected")
	}
	r.notify()
}

// GetGroupMembers returns the distinct members of the given group
// ("none" if empty), in the order they first joined. If a host has
// duplicate entries, the newest entry's attributes are returned.
func (r *Registry) GetGroupMembers(group string) []jobs.Host {
	if group == "" {
		group = jobs.DefaultHostGroup
	}
	return dedup(r.current.Load().groups[group])
}

// Get returns the host with the given ID from any group.
func (r *Registry) Get(hostID string) (jobs.Host, bool) {
	snap := r.current.Load()
	for _, name := range snap.order {
		for _, h := range dedup(snap.groups[name]) {
			if h.ID == hostID {
				return h, true
			}
		}
	}
	return jobs.Host{}, false
}

// GetAll returns all distinct hosts, grouped in group creation order.
func (r *Registry) GetAll() []jobs.Host {
	snap := r.current.Load()
	var all []jobs.Host
	seen := map[string]bool{}
	for _, name := range snap.order {
		for _, h := range dedup(snap.groups[name]) {
			if !seen[h.ID] {
				seen[h.ID] = true
				all = append(all, h)
			}
		}
	}
	return all
}

// GetIds returns the IDs of all distinct hosts.
func (r *Registry) GetIds() []string {
	var ids []string
	for _, h := range r.GetAll() {
		ids = append(ids, h.ID)
	}
	return ids
}

// Count returns the number of distinct hosts.
func (r *Registry) Count() int {
	return len(r.GetAll())
}

// Contains returns true if a host with the given ID is connected.
func (r *Registry) Contains(hostID string) bool {
	_, ok := r.Get(hostID)
	return ok
}

// Groups returns the names of all groups that have ever had a
// member, sorted.
func (r *Registry) Groups() []string {
	snap := r.current.Load()
	names := append([]string(nil), snap.order...)
	sort.Strings(names)
	return names
}

// Version returns a counter that increases every time membership
// changes.
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// Add is not supported: hosts join via AddMember.
func (r *Registry) Add(jobs.Host) error { return jobs.ErrUnsupportedOperation }

// Update is not supported: host records are immutable.
func (r *Registry) Update(jobs.Host) error { return jobs.ErrUnsupportedOperation }

// Remove is not supported: hosts leave via RemoveMember.
func (r *Registry) Remove(string) error { return jobs.ErrUnsupportedOperation }

// CreateHost is not supported: hosts join via AddMember.
func (r *Registry) CreateHost(string, map[string]string) (jobs.Host, error) {
	return jobs.Host{}, jobs.ErrUnsupportedOperation
}

// AdjustJobCapacity is not supported: the limit is a connection
// claim.
func (r *Registry) AdjustJobCapacity(string, int) error { return jobs.ErrUnsupportedOperation }

// Subscribe returns a buffered channel that becomes ready after any
// membership change. Additional changes that occur while the channel
// is already ready are dropped.
func (r *Registry) Subscribe() <-chan struct{} {
	r.subMtx.Lock()
	defer r.subMtx.Unlock()
	ch := make(chan struct{}, 1)
	r.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.subMtx.Lock()
	defer r.subMtx.Unlock()
	delete(r.subscribers, ch)
}

func (r *Registry) notify() {
	r.mHosts.Set(float64(r.Count()))
	r.subMtx.Lock()
	defer r.subMtx.Unlock()
	for _, send := range r.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// caller must have r.mtx.
func (r *Registry) swap(next *snapshot) {
	next.version = r.current.Load().version + 1
	r.current.Store(next)
}

// clone returns a shallow copy whose group map can be modified
// without affecting snap. Member slices are shared and must be
// replaced, not modified in place.
func (snap *snapshot) clone() *snapshot {
	next := &snapshot{
		groups: make(map[string][]entry, len(snap.groups)),
		order:  append([]string(nil), snap.order...),
	}
	for name, members := range snap.groups {
		next.groups[name] = members
	}
	return next
}

func dedup(members []entry) []jobs.Host {
	pos := map[string]int{}
	gen := map[string]uint64{}
	var hosts []jobs.Host
	for _, ent := range members {
		i, seen := pos[ent.host.ID]
		if !seen {
			pos[ent.host.ID] = len(hosts)
			gen[ent.host.ID] = ent.generation
			hosts = append(hosts, ent.host)
		} else if ent.generation > gen[ent.host.ID] {
			gen[ent.host.ID] = ent.generation
			hosts[i] = ent.host
		}
	}
	return hosts
}
