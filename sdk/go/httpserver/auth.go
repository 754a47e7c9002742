// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"
)

// BearerToken returns the token given in the request's
// "Authorization: Bearer ..." header, or "" if there is none.
func BearerToken(r *http.Request) string {
	toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(toks) == 2 && toks[0] == "Bearer" {
		return strings.TrimSpace(toks[1])
	}
	return ""
}

// RequireToken wraps the next handler, rejecting any request that
// doesn't supply the given token: 401 if no token is given, 403 if
// the wrong token is given. If the given token is empty, every
// request is answered with 404, i.e., the endpoint is disabled.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			Error(w, "disabled", http.StatusNotFound)
		} else if tok := BearerToken(r); tok == "" {
			Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		} else if tok != token {
			Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}
