// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http/httptest"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ErrorSuite{})

type ErrorSuite struct{}

func (s *ErrorSuite) TestError(c *check.C) {
	resp := httptest.NewRecorder()
	Error(resp, "no such job", 404)
	c.Check(resp.Code, check.Equals, 404)
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
	c.Check(resp.Header().Get("X-Content-Type-Options"), check.Equals, "nosniff")
	var er ErrorResponse
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &er), check.IsNil)
	c.Check(er.Errors, check.DeepEquals, []string{"no such job"})
}

func (s *ErrorSuite) TestErrors(c *check.C) {
	resp := httptest.NewRecorder()
	Errors(resp, []string{"a", "b"}, 400)
	c.Check(resp.Code, check.Equals, 400)
	c.Check(resp.Body.String(), check.Equals, `{"errors":["a","b"]}`+"\n")
}
