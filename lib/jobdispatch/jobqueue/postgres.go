// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobqueue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobdispatch_jobs (
	id uuid PRIMARY KEY,
	task_id text NOT NULL,
	host_group text NOT NULL DEFAULT '',
	host_id text NOT NULL DEFAULT '',
	status text NOT NULL,
	priority integer NOT NULL DEFAULT 0,
	tag text NOT NULL DEFAULT '',
	parameters jsonb NOT NULL DEFAULT '{}',
	progress double precision NOT NULL DEFAULT 0,
	message text NOT NULL DEFAULT '',
	retries integer NOT NULL DEFAULT 0,
	max_runtime bigint NOT NULL DEFAULT 0,
	requested_at timestamptz NOT NULL,
	started_at timestamptz,
	finished_at timestamptz,
	heartbeat_at timestamptz,
	version bigint NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS jobdispatch_jobs_queue
	ON jobdispatch_jobs (status, priority DESC, requested_at);
`

const orderBy = ` ORDER BY priority DESC, requested_at, id`

// Postgres is a JobService backed by the jobdispatch_jobs table.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to the database described by cfg.
func OpenPostgres(ctx context.Context, cfg jobs.PostgreSQLConfig) (*Postgres, error) {
	db, err := sqlx.Open("postgres", cfg.Connection.String())
	if err != nil {
		return nil, fmt.Errorf("postgresql connect: %w", err)
	}
	if cfg.ConnectionPool > 0 {
		db.SetMaxOpenConns(cfg.ConnectionPool)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres returns a Postgres that uses an existing connection
// pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the jobs table and its index if they don't exist.
func (pg *Postgres) Migrate(ctx context.Context) error {
	_, err := pg.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (pg *Postgres) Close() error {
	return pg.db.Close()
}

func (pg *Postgres) Query(ctx context.Context, statuses ...jobs.JobStatus) ([]jobs.Job, error) {
	var rows []jobRow
	var err error
	if len(statuses) == 0 {
		err = pg.db.SelectContext(ctx, &rows, `SELECT * FROM jobdispatch_jobs`+orderBy)
	} else {
		err = pg.db.SelectContext(ctx, &rows, `SELECT * FROM jobdispatch_jobs WHERE status = ANY($1)`+orderBy, statusArray(statuses))
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	r := make([]jobs.Job, 0, len(rows))
	for _, row := range rows {
		r = append(r, row.job())
	}
	return r, nil
}

func (pg *Postgres) Add(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	fillDefaults(&job)
	job.Version = 1
	_, err := pg.db.NamedExecContext(ctx, `INSERT INTO jobdispatch_jobs
		(id, task_id, host_group, host_id, status, priority, tag, parameters, progress, message, retries, max_runtime, requested_at, started_at, finished_at, heartbeat_at, version)
		VALUES
		(:id, :task_id, :host_group, :host_id, :status, :priority, :tag, :parameters, :progress, :message, :retries, :max_runtime, :requested_at, :started_at, :finished_at, :heartbeat_at, :version)`,
		newJobRow(job))
	if err != nil {
		return jobs.Job{}, fmt.Errorf("add job %s: %w", job.ID, err)
	}
	return job, nil
}

func (pg *Postgres) Get(ctx context.Context, id uuid.UUID) (jobs.Job, bool, error) {
	var row jobRow
	err := pg.db.GetContext(ctx, &row, `SELECT * FROM jobdispatch_jobs WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, false, nil
	} else if err != nil {
		return jobs.Job{}, false, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.job(), true, nil
}

func (pg *Postgres) Update(ctx context.Context, job jobs.Job) error {
	res, err := pg.db.NamedExecContext(ctx, `UPDATE jobdispatch_jobs SET
		task_id=:task_id, host_group=:host_group, host_id=:host_id, status=:status,
		priority=:priority, tag=:tag, parameters=:parameters, progress=:progress,
		message=:message, retries=:retries, max_runtime=:max_runtime,
		requested_at=:requested_at, started_at=:started_at, finished_at=:finished_at,
		heartbeat_at=:heartbeat_at, version=version+1
		WHERE id=:id`, newJobRow(job))
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	} else if n == 0 {
		return fmt.Errorf("update %s: %w", job.ID, jobs.ErrJobNotFound)
	}
	return nil
}

// Transition applies upd in a single conditional UPDATE, so
// concurrent transitions of the same job are serialized by the
// database.
func (pg *Postgres) Transition(ctx context.Context, id uuid.UUID, from []jobs.JobStatus, upd jobs.JobUpdate) (jobs.Job, error) {
	var row jobRow
	err := pg.db.GetContext(ctx, &row, `UPDATE jobdispatch_jobs SET
		status=COALESCE($3, status),
		host_id=COALESCE($4, host_id),
		progress=COALESCE($5, progress),
		message=COALESCE($6, message),
		retries=COALESCE($7, retries),
		started_at=COALESCE($8, started_at),
		finished_at=COALESCE($9, finished_at),
		heartbeat_at=COALESCE($10, heartbeat_at),
		version=version+1
		WHERE id=$1 AND status = ANY($2)
		RETURNING *`,
		id, statusArray(from),
		nullString((*string)(upd.Status)), nullString(upd.HostID),
		upd.Progress, nullString(upd.Message), upd.Retries,
		nullTime(upd.StartedAt), nullTime(upd.FinishedAt), nullTime(upd.HeartbeatAt))
	if err == nil {
		return row.job(), nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("transition job %s: %w", id, err)
	}
	current, ok, err := pg.Get(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	} else if !ok {
		return jobs.Job{}, fmt.Errorf("transition %s: %w", id, jobs.ErrJobNotFound)
	}
	return current, fmt.Errorf("transition %s from %s: %w", id, current.Status, jobs.ErrStaleTransition)
}

func statusArray(statuses []jobs.JobStatus) interface{} {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	return pq.Array(strs)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// jobRow is the database representation of a jobs.Job.
type jobRow struct {
	ID          uuid.UUID    `db:"id"`
	TaskID      string       `db:"task_id"`
	HostGroup   string       `db:"host_group"`
	HostID      string       `db:"host_id"`
	Status      string       `db:"status"`
	Priority    int          `db:"priority"`
	Tag         string       `db:"tag"`
	Parameters  parameters   `db:"parameters"`
	Progress    float64      `db:"progress"`
	Message     string       `db:"message"`
	Retries     int          `db:"retries"`
	MaxRuntime  int64        `db:"max_runtime"`
	RequestedAt time.Time    `db:"requested_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at"`
	HeartbeatAt sql.NullTime `db:"heartbeat_at"`
	Version     int64        `db:"version"`
}

func newJobRow(job jobs.Job) jobRow {
	return jobRow{
		ID:          job.ID,
		TaskID:      job.TaskID,
		HostGroup:   job.HostGroup,
		HostID:      job.HostID,
		Status:      string(job.Status),
		Priority:    job.Priority,
		Tag:         job.Tag,
		Parameters:  parameters(job.Parameters),
		Progress:    job.Progress,
		Message:     job.Message,
		Retries:     job.Retries,
		MaxRuntime:  int64(job.MaxRuntime),
		RequestedAt: job.RequestedAt,
		StartedAt:   nullTime(&job.StartedAt),
		FinishedAt:  nullTime(&job.FinishedAt),
		HeartbeatAt: nullTime(&job.HeartbeatAt),
		Version:     job.Version,
	}
}

func (row jobRow) job() jobs.Job {
	return jobs.Job{
		ID:          row.ID,
		TaskID:      row.TaskID,
		HostGroup:   row.HostGroup,
		HostID:      row.HostID,
		Status:      jobs.JobStatus(row.Status),
		Priority:    row.Priority,
		Tag:         row.Tag,
		Parameters:  map[string]string(row.Parameters),
		Progress:    row.Progress,
		Message:     row.Message,
		Retries:     row.Retries,
		MaxRuntime:  jobs.Duration(row.MaxRuntime),
		RequestedAt: row.RequestedAt,
		StartedAt:   row.StartedAt.Time,
		FinishedAt:  row.FinishedAt.Time,
		HeartbeatAt: row.HeartbeatAt.Time,
		Version:     row.Version,
	}
}

// parameters is stored as a jsonb object.
type parameters map[string]string

func (p parameters) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(map[string]string(p))
	return string(buf), err
}

func (p *parameters) Scan(src interface{}) error {
	var buf []byte
	switch src := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		buf = src
	case string:
		buf = []byte(src)
	default:
		return fmt.Errorf("cannot scan %T into parameters", src)
	}
	var m map[string]string
	if err := json.Unmarshal(buf, &m); err != nil {
		return err
	}
	if len(m) == 0 {
		m = nil
	}
	*p = m
	return nil
}
