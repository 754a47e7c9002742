// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import "strconv"

const (
	DefaultHostGroup        = "none"
	DefaultHostPriority     = 1
	DefaultRunningJobsLimit = 1

	ClaimHostGroup        = "HostGroup"
	ClaimPriority         = "Priority"
	ClaimRunningJobsLimit = "RunningJobsLimit"
	ClaimName             = "Name"
)

// Host is a remote execution endpoint. Host values are immutable
// once created; a reconnecting host gets a new value.
type Host struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Group            string `json:"group"`
	Priority         int    `json:"priority"`
	RunningJobsLimit int    `json:"running_jobs_limit"`
}

// HostFromClaims builds a Host from the claims presented by a
// connecting host. Missing or unparseable values get defaults.
func HostFromClaims(id string, claims map[string]string) Host {
	h := Host{
		ID:               id,
		Name:             claims[ClaimName],
		Group:            claims[ClaimHostGroup],
		Priority:         DefaultHostPriority,
		RunningJobsLimit: DefaultRunningJobsLimit,
	}
	if h.Group == "" {
		h.Group = DefaultHostGroup
	}
	if h.Name == "" {
		h.Name = id
	}
	if n, err := strconv.Atoi(claims[ClaimPriority]); err == nil {
		h.Priority = n
	}
	if n, err := strconv.Atoi(claims[ClaimRunningJobsLimit]); err == nil && n > 0 {
		h.RunningJobsLimit = n
	}
	return h
}

// A HostService provides read access to the set of connected hosts.
// Implemented by hostregistry.Registry.
//
// The mutating methods exist for compatibility with generic
// repository code; the registry only changes through connect and
// disconnect events, so implementations may return
// ErrUnsupportedOperation.
type HostService interface {
	Get(id string) (Host, bool)
	GetAll() []Host
	GetIds() []string
	Count() int
	Contains(id string) bool
	GetGroupMembers(group string) []Host

	Add(Host) error
	Update(Host) error
	Remove(id string) error
	CreateHost(id string, claims map[string]string) (Host, error)
	AdjustJobCapacity(id string, delta int) error
}
