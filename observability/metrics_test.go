package observability

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndQuery(t *testing.T) {
	db := newTestDB(t)
	r := NewRecorder(db, 100, time.Hour)
	defer r.Close()

	r.StageDuration("extract", "doc1", 120*time.Millisecond)
	r.Gauge(MetricDedupeDropPct, 12.5, map[string]string{"doc_id": "doc1"}, "percent")
	r.Flush()

	got, err := r.Query(MetricStageDurationMs, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("metrics = %d", len(got))
	}
	if got[0].Value != 120 || got[0].Labels["stage"] != "extract" {
		t.Errorf("metric = %+v", got[0])
	}

	all, err := r.Query("", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all metrics = %d", len(all))
	}
}

func TestBufferOverflowFlushes(t *testing.T) {
	db := newTestDB(t)
	r := NewRecorder(db, 2, time.Hour)
	defer r.Close()

	for i := 0; i < 4; i++ {
		r.Gauge(MetricChunksWritten, float64(i), nil, "count")
	}
	// Buffer size 2: two synchronous flushes already happened.
	got, err := r.Query(MetricChunksWritten, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Errorf("persisted = %d, want 4", len(got))
	}
}
