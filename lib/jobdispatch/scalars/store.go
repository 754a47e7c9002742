// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scalars provides an in-memory jobs.ScalarService whose
// values are also exported as prometheus metrics.
package scalars

import (
	"sort"
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is a ScalarService. Every scalar is exported as
// jobdispatch_scalar{name="..."}.
type Store struct {
	mtx     sync.Mutex
	scalars map[string]jobs.Scalar
	gauge   *prometheus.GaugeVec
}

// NewStore returns an empty Store. If reg is not nil, the scalar
// gauge vector is registered with it.
func NewStore(reg *prometheus.Registry) *Store {
	st := &Store{scalars: map[string]jobs.Scalar{}}
	st.registerMetrics(reg)
	return st
}

func (st *Store) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	st.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Name:      "scalar",
		Help:      "Current value of a named scalar.",
	}, []string{"name"})
	reg.MustRegister(st.gauge)
}

// TrySetDataOrAdd stores sc, replacing any existing scalar with the
// same name. A zero Updated time is replaced with the current time.
// It returns false if sc has no name.
func (st *Store) TrySetDataOrAdd(sc jobs.Scalar) bool {
	if sc.Name == "" {
		return false
	}
	if sc.Updated.IsZero() {
		sc.Updated = time.Now()
	}
	st.mtx.Lock()
	defer st.mtx.Unlock()
	st.scalars[sc.Name] = sc
	st.gauge.WithLabelValues(sc.Name).Set(sc.Value)
	return true
}

// GetAll returns all scalars, sorted by name.
func (st *Store) GetAll() []jobs.Scalar {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	all := make([]jobs.Scalar, 0, len(st.scalars))
	for _, sc := range st.scalars {
		all = append(all, sc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// GetFullNames returns the names of all scalars, sorted.
func (st *Store) GetFullNames() []string {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	names := make([]string, 0, len(st.scalars))
	for name := range st.scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (st *Store) TryGet(name string) (jobs.Scalar, bool) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	sc, ok := st.scalars[name]
	return sc, ok
}

// Delete removes the named scalar, e.g., when the host it describes
// has disconnected.
func (st *Store) Delete(name string) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	delete(st.scalars, name)
	st.gauge.DeleteLabelValues(name)
}
