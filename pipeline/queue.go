// Package pipeline schedules and runs document processing. Jobs live in a
// SQLite-backed queue; a worker loop claims them, runs the stage chain
// (preflight, extract, OCR fan-out, structure, chunk write, finalize) and
// records the outcome.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of a queued job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPoison     Status = "poison"
)

// Job types handled by the runner.
const (
	JobTypeReconcile = "reconcile"
	// JobTypeRegenerate rebuilds blob artifacts from committed relational
	// state after an artifact write failed post-commit.
	JobTypeRegenerate = "regenerate_artifacts"
)

// ErrInFlight is returned when a job with the same dedupe key is already
// pending or processing. Reconciliation requires at-most-one in flight
// per document version.
var ErrInFlight = errors.New("job already in flight")

// Job is one queued task.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      Status         `json:"status"`
	DedupeKey   string         `json:"dedupe_key,omitempty"`
	Payload     map[string]any `json:"payload"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Queue is the SQLite-backed job queue.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue and initializes its schema.
func NewQueue(db *sql.DB) (*Queue, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			dedupe_key TEXT,
			payload TEXT NOT NULL,
			result TEXT,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_inflight
			ON jobs(type, dedupe_key)
			WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'processing');
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create jobs schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Submit enqueues a job.
func (q *Queue) Submit(ctx context.Context, jobType string, payload map[string]any) (string, error) {
	return q.submit(ctx, jobType, "", payload)
}

// SubmitUnique enqueues a job guarded by dedupeKey: if another job of the
// same type and key is pending or processing, ErrInFlight is returned.
func (q *Queue) SubmitUnique(ctx context.Context, jobType, dedupeKey string, payload map[string]any) (string, error) {
	return q.submit(ctx, jobType, dedupeKey, payload)
}

func (q *Queue) submit(ctx context.Context, jobType, dedupeKey string, payload map[string]any) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var key any
	if dedupeKey != "" {
		key = dedupeKey
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, dedupe_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, jobType, StatusPending, key, string(data), time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", fmt.Errorf("%s/%s: %w", jobType, dedupeKey, ErrInFlight)
		}
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// PollBatch atomically claims up to limit pending jobs of jobType.
func (q *Queue) PollBatch(ctx context.Context, jobType string, limit int) ([]*Job, error) {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ? AND type = ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, StatusProcessing, now.Unix(), StatusPending, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, type, dedupe_key, payload, attempts, max_attempts, created_at
		FROM jobs
		WHERE status = ? AND type = ? AND started_at = ?
		ORDER BY created_at ASC
	`, StatusProcessing, jobType, now.Unix())
	if err != nil {
		return nil, err
	}

	type raw struct {
		id, jobType, payload string
		dedupeKey            sql.NullString
		attempts, maxAtt     int
		createdAt            int64
	}
	var raws []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.id, &r.jobType, &r.dedupeKey, &r.payload, &r.attempts, &r.maxAtt, &r.createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Parse payloads after commit to keep the write lock short.
	jobs := make([]*Job, 0, len(raws))
	for _, r := range raws {
		j := &Job{
			ID:          r.id,
			Type:        r.jobType,
			Status:      StatusProcessing,
			DedupeKey:   r.dedupeKey.String,
			Attempts:    r.attempts,
			MaxAttempts: r.maxAtt,
			CreatedAt:   time.Unix(r.createdAt, 0),
		}
		t := now
		j.StartedAt = &t
		if err := json.Unmarshal([]byte(r.payload), &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", r.id, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Complete marks a job completed with its result.
func (q *Queue) Complete(ctx context.Context, jobID string, result map[string]any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, completed_at = ? WHERE id = ?
	`, StatusCompleted, string(data), time.Now().Unix(), jobID)
	return err
}

// Fail marks a job failed and increments attempts; a job that exhausted
// max_attempts becomes poison and is never retried automatically.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE
				WHEN attempts + 1 >= max_attempts THEN 'poison'
				ELSE 'failed'
			END,
			error = ?,
			attempts = attempts + 1,
			completed_at = ?
		WHERE id = ?
	`, errMsg, time.Now().Unix(), jobID)
	return err
}

// RetryFailed re-queues failed jobs that still have attempts left.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', started_at = NULL, completed_at = NULL
		WHERE status = 'failed' AND attempts < max_attempts
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, type, status, dedupe_key, payload, result, error,
			attempts, max_attempts, created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`, jobID)

	var j Job
	var dedupeKey, result, errMsg sql.NullString
	var payload string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&j.ID, &j.Type, &j.Status, &dedupeKey, &payload, &result, &errMsg,
		&j.Attempts, &j.MaxAttempts, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: not found", jobID)
		}
		return nil, err
	}
	j.DedupeKey = dedupeKey.String
	j.Error = errMsg.String
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	j.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		j.CompletedAt = &t
	}
	return &j, nil
}
