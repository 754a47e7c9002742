// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

var ErrNoConfig = errors.New("config file is empty")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file to load. "-" means Stdin.
	Path string

	// Values given on the command line. Non-zero fields take
	// precedence over the config file.
	overrides jobs.Config
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	// Calling SetupFlags on a throwaway FlagSet has the side
	// effect of assigning default values to the configurable
	// fields.
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/jobdispatch/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	defaultPath := DefaultConfigFile
	if p := os.Getenv("JOBDISPATCH_CONFIG"); p != "" {
		defaultPath = p
	}
	flagset.StringVar(&ldr.Path, "config", defaultPath, "Site configuration `file` (default may be overridden by setting a JOBDISPATCH_CONFIG environment variable)")
	flagset.StringVar(&ldr.overrides.Services.JobDispatch.Listen, "listen", "", "Listen `address`, overriding Services.JobDispatch.Listen")
	flagset.StringVar(&ldr.overrides.SystemLogs.LogLevel, "log-level", "", "Log `level`, overriding SystemLogs.LogLevel")
}

// Load reads and parses the config file at ldr.Path, applies
// defaults and command line overrides, and checks the result.
func (ldr *Loader) Load() (*jobs.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = ioutil.ReadAll(ldr.Stdin)
	} else {
		buf, err = ioutil.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*jobs.Config, error) {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, ErrNoConfig
	}
	var cfg jobs.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	// Load the file on top of the defaults, so keys that are
	// absent from the file keep their default values.
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	if ldr.Logger != nil {
		err = ldr.logExtraKeys(buf)
		if err != nil {
			return nil, err
		}
	}
	err = mergo.Merge(&cfg, ldr.overrides, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("applying command line overrides: %w", err)
	}
	err = checkConfig(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// logExtraKeys warns about entries in the config file that do not
// correspond to any config field. They would otherwise be ignored
// silently.
func (ldr *Loader) logExtraKeys(buf []byte) error {
	var supplied map[string]interface{}
	err := yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return err
	}
	var cfg jobs.Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return err
	}
	j, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var expected map[string]interface{}
	err = json.Unmarshal(j, &expected)
	if err != nil {
		return err
	}
	for _, key := range extraKeys(expected, supplied, "") {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", key)
	}
	return nil
}

// extraKeys returns the paths of keys in supplied that have no
// counterpart in expected. An empty map in expected accepts any
// keys.
func extraKeys(expected, supplied map[string]interface{}, prefix string) []string {
	if len(expected) == 0 {
		return nil
	}
	var extra []string
	for k, vsupp := range supplied {
		var vexp interface{}
		found := false
		for ek, ev := range expected {
			if strings.EqualFold(ek, k) {
				vexp, found = ev, true
				break
			}
		}
		if !found {
			extra = append(extra, prefix+k)
			continue
		}
		mexp, ok1 := vexp.(map[string]interface{})
		msupp, ok2 := vsupp.(map[string]interface{})
		if ok1 && ok2 {
			extra = append(extra, extraKeys(mexp, msupp, prefix+k+".")...)
		}
	}
	sort.Strings(extra)
	return extra
}

func checkConfig(cfg *jobs.Config) error {
	switch cfg.SystemLogs.Format {
	case "text", "json":
	default:
		return fmt.Errorf("SystemLogs.Format: unsupported format %q (must be \"text\" or \"json\")", cfg.SystemLogs.Format)
	}
	if _, err := logrus.ParseLevel(cfg.SystemLogs.LogLevel); err != nil {
		return fmt.Errorf("SystemLogs.LogLevel: %w", err)
	}
	if cfg.Services.JobDispatch.Listen == "" {
		return errors.New("Services.JobDispatch.Listen must not be empty")
	}
	d := &cfg.Dispatch
	for name, dur := range map[string]jobs.Duration{
		"ExecutionInterval": d.ExecutionInterval,
		"HeartbeatInterval": d.HeartbeatInterval,
		"TimeoutInterval":   d.TimeoutInterval,
	} {
		if dur <= 0 {
			return fmt.Errorf("Dispatch.%s must be greater than zero", name)
		}
	}
	for name, dur := range map[string]jobs.Duration{
		"HeartbeatTimeout":    d.HeartbeatTimeout,
		"MaxRuntime":          d.MaxRuntime,
		"CancelGracePeriod":   d.CancelGracePeriod,
		"ProbeInterval":       d.ProbeInterval,
		"AvailabilityTimeout": d.AvailabilityTimeout,
	} {
		if dur < 0 {
			return fmt.Errorf("Dispatch.%s must not be negative", name)
		}
	}
	if d.MaxRetries < 0 {
		return errors.New("Dispatch.MaxRetries must not be negative")
	}
	if len(d.HostGroups) == 0 {
		return errors.New("Dispatch.HostGroups must not be empty")
	}
	seen := map[string]bool{}
	for _, g := range d.HostGroups {
		if g == "" {
			return errors.New("Dispatch.HostGroups must not contain an empty group name")
		}
		if seen[g] {
			return fmt.Errorf("Dispatch.HostGroups: duplicate group %q", g)
		}
		seen[g] = true
	}
	if d.EnableScalars && d.ScalarScope == "" {
		return errors.New("Dispatch.ScalarScope must not be empty when EnableScalars is true")
	}
	if cfg.Tasks.Directory == "" {
		return errors.New("Tasks.Directory must not be empty")
	}
	return nil
}
