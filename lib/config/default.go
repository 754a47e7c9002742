// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import _ "embed"

const DefaultConfigFile = "/etc/jobdispatch/config.yml"

// DefaultYAML is the default configuration. Values loaded from a
// config file are applied on top of it.
//
//go:embed config.default.yml
var DefaultYAML []byte
