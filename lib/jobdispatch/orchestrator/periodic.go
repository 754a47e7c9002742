// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// periodic calls fn every interval while enabled. The next call is
// scheduled only after the previous one returns, so calls never
// overlap, and busy is true while fn is running.
type periodic struct {
	name     string
	interval time.Duration
	fn       func()
	logger   logrus.FieldLogger

	busy atomic.Bool

	mtx   sync.Mutex
	on    bool
	gen   uint64 // incremented by start; stale timer chains stop rearming
	timer *time.Timer
}

func newPeriodic(name string, interval time.Duration, logger logrus.FieldLogger, fn func()) *periodic {
	return &periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.WithField("Timer", name),
	}
}

func (p *periodic) start() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.on {
		return
	}
	p.on = true
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *periodic) stop() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.on {
		return
	}
	p.on = false
	p.timer.Stop()
}

func (p *periodic) enabled() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.on
}

// poke runs fn as soon as possible instead of waiting for the rest
// of the current interval. It has no effect if the timer is disabled
// or fn is already running or about to run.
func (p *periodic) poke() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.on || !p.timer.Stop() {
		return
	}
	gen := p.gen
	p.timer = time.AfterFunc(0, func() { p.tick(gen) })
}

func (p *periodic) tick(gen uint64) {
	if p.busy.CompareAndSwap(false, true) {
		p.run()
		p.busy.Store(false)
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.on && p.gen == gen {
		p.timer = time.AfterFunc(p.interval, func() { p.tick(gen) })
	}
}

func (p *periodic) run() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("Panic", r).Error("recovered from panic in timer callback")
		}
	}()
	p.fn()
}
