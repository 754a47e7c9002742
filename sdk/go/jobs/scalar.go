// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"strings"
	"time"
)

// Scalar is a named numeric value, such as a live counter. Name is
// a "/"-separated path, e.g. "Orchestrator/gpu/Jobs In Progress".
type Scalar struct {
	Name    string    `json:"name"`
	Value   float64   `json:"value"`
	Updated time.Time `json:"updated"`
}

// A ScalarService stores named scalars.
type ScalarService interface {
	// TrySetDataOrAdd sets the value of the named scalar,
	// creating it if needed. It returns false if the value could
	// not be stored.
	TrySetDataOrAdd(Scalar) bool
	GetAll() []Scalar
	GetFullNames() []string
	TryGet(name string) (Scalar, bool)
}

// ScalarName joins path components into a scalar name. Empty
// components are skipped.
func ScalarName(parts ...string) string {
	var nonempty []string
	for _, p := range parts {
		if p != "" {
			nonempty = append(nonempty, p)
		}
	}
	return strings.Join(nonempty, "/")
}
