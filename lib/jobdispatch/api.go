// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobdispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/httpserver"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const apiPrefix = "/jobdispatch/v1/"

// hostView is a connected host as reported by the management API.
type hostView struct {
	jobs.Host
	Unreachable bool `json:"unreachable"`
}

var knownStatuses = map[jobs.JobStatus]bool{
	jobs.JobPending:    true,
	jobs.JobStarting:   true,
	jobs.JobInProgress: true,
	jobs.JobSuccess:    true,
	jobs.JobFailed:     true,
	jobs.JobCancelled:  true,
	jobs.JobCancelling: true,
	jobs.JobTimeout:    true,
	jobs.JobError:      true,
}

// routes returns the dispatcher's HTTP handler: the host websocket
// endpoint and the management API. The management API requires
// Config.ManagementToken.
func (d *dispatcher) routes() http.Handler {
	api := httprouter.New()
	api.HandlerFunc("GET", apiPrefix+"hosts", d.apiHosts)
	api.HandlerFunc("GET", apiPrefix+"jobs", d.apiJobs)
	api.HandlerFunc("GET", apiPrefix+"jobs/:id", d.apiJob)
	api.HandlerFunc("POST", apiPrefix+"jobs/cancel", d.apiJobCancel)
	api.HandlerFunc("GET", apiPrefix+"scalars", d.apiScalars)

	mux := httprouter.New()
	mux.Handler("GET", "/websocket", d.hub)
	mux.NotFound = httpserver.RequireToken(d.Config.ManagementToken, api)
	return mux
}

// Management API: connected hosts.
func (d *dispatcher) apiHosts(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items   []hostView `json:"items"`
		Version uint64     `json:"version"`
	}
	resp.Version = d.hosts.Version()
	resp.Items = []hostView{}
	for _, h := range d.hosts.GetAll() {
		resp.Items = append(resp.Items, hostView{Host: h, Unreachable: d.orch.Unreachable(h.ID)})
	}
	sort.Slice(resp.Items, func(i, j int) bool { return resp.Items[i].ID < resp.Items[j].ID })
	writeJSON(w, resp)
}

// Management API: jobs, optionally filtered by a comma-separated
// list of statuses.
func (d *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []jobs.JobStatus
	for _, s := range strings.Split(r.FormValue("status"), ",") {
		if s == "" {
			continue
		}
		st := jobs.JobStatus(s)
		if !knownStatuses[st] {
			httpserver.Error(w, fmt.Sprintf("unknown job status %q", s), http.StatusBadRequest)
			return
		}
		statuses = append(statuses, st)
	}
	var resp struct {
		Items []jobs.Job `json:"items"`
	}
	resp.Items = []jobs.Job{}
	for _, queue := range d.orch.JobServices() {
		js, err := queue.Query(r.Context(), statuses...)
		if err != nil {
			httpserver.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Items = append(resp.Items, js...)
	}
	writeJSON(w, resp)
}

// Management API: a single job.
func (d *dispatcher) apiJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, httprouter.ParamsFromContext(r.Context()).ByName("id"))
	if !ok {
		return
	}
	for _, queue := range d.orch.JobServices() {
		job, found, err := queue.Get(r.Context(), id)
		if err != nil {
			httpserver.Error(w, err.Error(), http.StatusInternalServerError)
			return
		} else if found {
			writeJSON(w, job)
			return
		}
	}
	httpserver.Error(w, "job not found", http.StatusNotFound)
}

// Management API: cancel the job given by the job_id parameter.
func (d *dispatcher) apiJobCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r.FormValue("job_id"))
	if !ok {
		return
	}
	job, err := d.orch.CancelJob(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		httpserver.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrStaleTransition):
		httpserver.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		d.logger.WithField("JobID", id).Info("cancel requested via management API")
		writeJSON(w, job)
	}
}

// Management API: published scalars.
func (d *dispatcher) apiScalars(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []jobs.Scalar `json:"items"`
	}
	resp.Items = []jobs.Scalar{}
	if d.scalars != nil {
		resp.Items = append(resp.Items, d.scalars.GetAll()...)
	}
	sort.Slice(resp.Items, func(i, j int) bool { return resp.Items[i].Name < resp.Items[j].Name })
	writeJSON(w, resp)
}

func parseJobID(w http.ResponseWriter, s string) (uuid.UUID, bool) {
	if s == "" {
		httpserver.Error(w, "job_id parameter not provided", http.StatusBadRequest)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		httpserver.Error(w, "invalid job id: "+err.Error(), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
