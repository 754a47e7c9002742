// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hostagent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/shlex"
)

// codeDefinition is the structure a code task's definition must
// have.
type codeDefinition struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	Dir     string            `json:"dir"`
}

type command struct {
	argv []string
	env  []string
	dir  string
}

// commandFor returns the command line and extra environment
// variables for an execute message.
func commandFor(msg remoteworker.Message) (command, error) {
	var cmd command
	switch msg.TaskKind {
	case jobs.TaskKindPlain:
		argv, err := shlex.Split(msg.Plain)
		if err != nil {
			return cmd, fmt.Errorf("cannot parse command line: %w", err)
		}
		cmd.argv = argv
	case jobs.TaskKindCode:
		var def codeDefinition
		err := json.Unmarshal(msg.Code, &def)
		if err != nil {
			return cmd, fmt.Errorf("cannot parse task definition: %w", err)
		}
		cmd.argv, cmd.dir = def.Command, def.Dir
		for k, v := range def.Env {
			cmd.env = append(cmd.env, k+"="+v)
		}
	default:
		return cmd, fmt.Errorf("unsupported task kind %q", msg.TaskKind)
	}
	if len(cmd.argv) == 0 {
		return cmd, errors.New("empty command")
	}
	cmd.env = append(cmd.env,
		"JOBDISPATCH_JOB_ID="+msg.JobID.String(),
		"JOBDISPATCH_TASK_ID="+msg.TaskID)
	for k, v := range msg.Parameters {
		cmd.env = append(cmd.env, "JOBDISPATCH_PARAM_"+envName(k)+"="+v)
	}
	sort.Strings(cmd.env)
	return cmd, nil
}

// envName converts a parameter name to an environment variable name:
// upper case, with every character other than letters, digits, and
// underscore replaced by underscore.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
