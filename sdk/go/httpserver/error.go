// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every error returned by the
// dispatcher API.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error writes a single error message with the given status code.
func Error(w http.ResponseWriter, msg string, code int) {
	Errors(w, []string{msg}, code)
}

// Errors writes errors as an ErrorResponse with the given status
// code.
func Errors(w http.ResponseWriter, errors []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errors})
}
