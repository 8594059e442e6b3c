package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/docrec/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(store.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestSubmitUniqueBlocksInFlightDuplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := SubmitReconcile(ctx, q, "doc", "proj", "html", "raw/doc/a.html", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := SubmitReconcile(ctx, q, "doc", "proj", "html", "raw/doc/a.html", 1); !errors.Is(err, ErrInFlight) {
		t.Errorf("duplicate submit: err = %v, want ErrInFlight", err)
	}

	// A different version of the same document is independent.
	if _, err := SubmitReconcile(ctx, q, "doc", "proj", "html", "raw/doc/a.html", 2); err != nil {
		t.Errorf("distinct version must enqueue: %v", err)
	}

	// Completion releases the key.
	jobs, err := q.PollBatch(ctx, JobTypeReconcile, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if err := q.Complete(ctx, j.ID, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := SubmitReconcile(ctx, q, "doc", "proj", "html", "raw/doc/a.html", 1); err != nil {
		t.Errorf("completed job must not block resubmission: %v", err)
	}
	_ = id
}

func TestPollBatchClaims(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(ctx, "work", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := q.PollBatch(ctx, "work", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != StatusProcessing {
			t.Errorf("status = %s", j.Status)
		}
	}

	// Claimed jobs are not re-claimable.
	again, err := q.PollBatch(ctx, "work", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Errorf("second poll = %d, want 1", len(again))
	}
}

func TestFailRetryPoison(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, "work", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}

	// Default max_attempts is 3: two failures stay retryable.
	for i := 0; i < 2; i++ {
		if err := q.Fail(ctx, id, "boom"); err != nil {
			t.Fatal(err)
		}
		j, err := q.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status != StatusFailed {
			t.Fatalf("attempt %d: status = %s", i+1, j.Status)
		}
		n, err := q.RetryFailed(ctx)
		if err != nil || n != 1 {
			t.Fatalf("retry: n=%d err=%v", n, err)
		}
	}

	// Third failure exhausts attempts.
	if err := q.Fail(ctx, id, "boom"); err != nil {
		t.Fatal(err)
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusPoison {
		t.Errorf("status = %s, want poison", j.Status)
	}
	if n, _ := q.RetryFailed(ctx); n != 0 {
		t.Errorf("poison jobs must not be retried, got %d", n)
	}
	if j.Error != "boom" {
		t.Errorf("error = %q", j.Error)
	}
}
