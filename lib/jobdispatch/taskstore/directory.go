// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const DefaultCacheSize = 256

var extensions = []string{".yml", ".yaml", ".json"}

// Directory is a TaskService that loads task definitions from files
// named {id}.yml, {id}.yaml, or {id}.json in a directory. Parsed
// tasks are cached until the file changes.
type Directory struct {
	dir    string
	logger logrus.FieldLogger
	cache  *lru.TwoQueueCache

	// incremented on every change notification
	changes atomic.Uint64
}

// NewDirectory returns a Directory serving tasks from dir. It
// watches dir for changes until ctx is done. If the watcher cannot
// be started, caching is disabled.
func NewDirectory(ctx context.Context, logger logrus.FieldLogger, dir string, cacheSize int) (*Directory, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	d := &Directory{
		dir:    dir,
		logger: logger.WithField("TaskDirectory", dir),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.WithError(err).Warn("fsnotify setup failed, task cache disabled")
		return d, nil
	}
	err = watcher.Add(dir)
	if err != nil {
		watcher.Close()
		d.logger.WithError(err).Warn("fsnotify watcher failed, task cache disabled")
		return d, nil
	}
	d.cache, err = lru.New2Q(cacheSize)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	go d.watch(ctx, watcher)
	return d, nil
}

func (d *Directory) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.WithError(err).Warn("fsnotify watcher reported error, purging task cache")
			d.changes.Add(1)
			d.cache.Purge()
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			id := strings.TrimSuffix(name, filepath.Ext(name))
			d.logger.WithFields(logrus.Fields{
				"TaskID": id,
				"Op":     ev.Op.String(),
			}).Debug("task file changed")
			d.changes.Add(1)
			d.cache.Remove(id)
		}
	}
}

func (d *Directory) Task(ctx context.Context, id string) (jobs.Task, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid task id %q", ErrTaskNotFound, id)
	}
	if d.cache != nil {
		if t, ok := d.cache.Get(id); ok {
			return t.(jobs.Task), nil
		}
	}
	// A file read concurrently with a change must not be cached.
	changes := d.changes.Load()
	for _, ext := range extensions {
		buf, err := os.ReadFile(filepath.Join(d.dir, id+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		t, err := Parse(id, buf)
		if err != nil {
			return nil, err
		}
		if d.cache != nil && d.changes.Load() == changes {
			d.cache.Add(id, t)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
}
