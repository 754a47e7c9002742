// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrJobNotFound          = errors.New("job not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrStaleTransition      = errors.New("job is not in an expected state")
)

// ArgumentError reports an invalid constructor or method argument.
type ArgumentError struct {
	Param  string
	Nil    bool // argument was missing entirely
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Nil {
		return fmt.Sprintf("argument %s must not be nil", e.Param)
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Param, e.Reason)
}

// NilArgument returns an ArgumentError for a missing argument.
func NilArgument(param string) error {
	return &ArgumentError{Param: param, Nil: true}
}

// InvalidArgument returns an ArgumentError for a bad value.
func InvalidArgument(param, reason string) error {
	return &ArgumentError{Param: param, Reason: reason}
}
