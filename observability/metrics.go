// Package observability persists pipeline metrics to SQLite.
//
// Persistence is async and non-blocking: metrics are buffered and flushed
// in batches, and buffer overflow flushes early instead of applying
// backpressure to pipeline stages.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "percent", "count"
}

// Metric names emitted by the pipeline.
const (
	MetricStageDurationMs = "stage_duration_ms"
	MetricDedupeDropPct   = "dedupe_drop_percent"
	MetricOCRHitRatio     = "ocr_cache_hit_ratio"
	MetricChunksWritten   = "chunks_written_count"
	MetricGateBreaches    = "gate_breach_count"
)

// Init creates the metrics schema on db.
func Init(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS metrics_timeseries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric_name TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			value REAL NOT NULL,
			labels TEXT,
			unit TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_name_ts
			ON metrics_timeseries(metric_name, timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	return nil
}

// Recorder buffers metrics and flushes them to SQLite in batches.
type Recorder struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewRecorder starts a Recorder. Sensible defaults: bufferSize=100,
// flushInterval=5s.
func NewRecorder(db *sql.DB, bufferSize int, flushInterval time.Duration) *Recorder {
	r := &Recorder{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Record queues a metric. Non-blocking.
func (r *Recorder) Record(m *Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(r.buffer, m)
	if len(r.buffer) >= r.bufferSize {
		r.flushLocked()
	}
}

// StageDuration records one pipeline stage's wall time for a document.
func (r *Recorder) StageDuration(stage, docID string, d time.Duration) {
	r.Record(&Metric{
		Name:      MetricStageDurationMs,
		Timestamp: time.Now(),
		Value:     float64(d.Milliseconds()),
		Labels:    map[string]string{"stage": stage, "doc_id": docID},
		Unit:      "milliseconds",
	})
}

// Gauge records a plain labeled value.
func (r *Recorder) Gauge(name string, value float64, labels map[string]string, unit string) {
	r.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Labels: labels, Unit: unit})
}

// Query retrieves metrics by name and time range, newest first.
func (r *Recorder) Query(name string, since *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 3)
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if since != nil {
		q += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labelsJSON sql.NullString
		var unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Flush forces a synchronous flush of buffered metrics.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Close flushes remaining metrics and stops the background goroutine.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.Flush()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

func (r *Recorder) flushLocked() {
	if len(r.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("metrics flush: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("metrics flush: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range r.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
			slog.Error("metrics flush: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("metrics flush: commit", "error", err)
	}
	r.buffer = r.buffer[:0]
}
