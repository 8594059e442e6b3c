package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/derived"
	"github.com/hazyhaar/docrec/docpipe"
	"github.com/hazyhaar/docrec/gates"
	"github.com/hazyhaar/docrec/ocr"
	"github.com/hazyhaar/docrec/store"
)

type env struct {
	store  *store.Store
	blobs  *blob.Store
	runner *Runner
	ocr    atomic.Int64 // engine invocations
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := store.New(store.OpenMemory(t))
	b, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{store: s, blobs: b}
	engine := ocr.RunnerFunc(func(ctx context.Context, req ocr.Request) (string, error) {
		e.ocr.Add(1)
		return "ocr text for " + req.PageRef, nil
	})
	e.runner = NewRunner(
		s, b,
		docpipe.New(nil),
		derived.NewWriter(s, b, nil),
		gates.NewEvaluator(s, gates.DefaultThresholds(), nil),
		ocr.NewCache(engine, b, nil),
		nil,
		Options{MaxTokens: 200, DedupeEnabled: true, OCRWorkers: 2},
		nil,
	)
	return e
}

func (e *env) ingest(t *testing.T, docID, sourceType string, raw []byte) string {
	t.Helper()
	ctx := context.Background()
	if err := e.store.CreateDocument(ctx, &store.Document{ID: docID, ProjectID: "proj", SourceType: sourceType}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreateVersion(ctx, &store.Version{
		DocumentID: docID, Version: 1, DocHash: "h",
		Mime: docpipe.MimeFor(sourceType), Size: int64(len(raw)),
		Status: store.StatusIngested,
	}); err != nil {
		t.Fatal(err)
	}
	key := blob.RawKey(docID, "original")
	if err := e.blobs.Put(key, raw); err != nil {
		t.Fatal(err)
	}
	return key
}

func payload(docID, sourceType, rawKey string) map[string]any {
	return map[string]any{
		"doc_id":      docID,
		"project_id":  "proj",
		"source_type": sourceType,
		"raw_key":     rawKey,
		"version":     1,
	}
}

const sampleHTML = `<html><body>
<h1>Pump Manual</h1>
<p>This chapter explains the maintenance schedule for the coolant pump in plain language.</p>
<h2>Seals</h2>
<p>Replace the shaft seal every two thousand operating hours and inspect it for the wear pattern.</p>
<table><tr><th>Part</th><th>Interval</th></tr><tr><td>Seal</td><td>2000 h</td></tr></table>
</body></html>`

func TestHandleReconcileEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rawKey := e.ingest(t, "doc", docpipe.SourceHTML, []byte(sampleHTML))

	result, err := e.runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, rawKey))
	if err != nil {
		t.Fatal(err)
	}
	if result["status"] != store.StatusParsed {
		t.Errorf("status = %v", result["status"])
	}

	chunks, err := e.store.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks persisted")
	}
	if !e.blobs.Exists(blob.ChunksKey("doc", 1)) || !e.blobs.Exists(blob.ManifestKey("doc", 1)) {
		t.Error("artifacts missing")
	}

	v, err := e.store.GetVersion(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != store.StatusParsed {
		t.Errorf("version status = %s", v.Status)
	}
	parse, _ := v.Meta["parse"].(map[string]any)
	if parse == nil || parse["parts"] == nil {
		t.Error("part-hash map not persisted")
	}

	// Re-run: identical input, no rev churn, empty order delta.
	result, err = e.runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, rawKey))
	if err != nil {
		t.Fatal(err)
	}
	delta, _ := result["delta"].(map[string]any)
	if delta["added"] != 0 || delta["removed"] != 0 || delta["changed"] != 0 {
		t.Errorf("re-run delta = %v", delta)
	}
	chunks, _ = e.store.LoadChunks(ctx, "doc", 1)
	for _, c := range chunks {
		if c.Rev != 1 {
			t.Errorf("rev churn on identical re-run: %d", c.Rev)
		}
	}
}

func TestHandleReconcileDensifiesAfterDedupe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// The warranty paragraph repeats verbatim under two headings: distinct
	// ids (section path differs), identical text, so the near-duplicate
	// filter drops the second copy and leaves an order gap.
	raw := []byte(`<html><body>
<h1>Warranty</h1>
<p>Claims must be filed within thirty days of delivery with the serial number attached.</p>
<h1>Returns</h1>
<p>Claims must be filed within thirty days of delivery with the serial number attached.</p>
<h1>Contact</h1>
<p>The regional office handles every claim and forwards the paperwork to the factory.</p>
</body></html>`)
	rawKey := e.ingest(t, "doc", docpipe.SourceHTML, raw)

	if _, err := e.runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, rawKey)); err != nil {
		t.Fatal(err)
	}

	chunks, err := e.store.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	texts := map[string]int{}
	for i, c := range chunks {
		if c.Order != i {
			t.Errorf("order[%d] = %d, persisted orders must be dense zero-based", i, c.Order)
		}
		texts[c.Content.Text]++
	}
	if n := texts["Claims must be filed within thirty days of delivery with the serial number attached."]; n != 1 {
		t.Errorf("duplicate paragraph persisted %d times, want 1", n)
	}
}

func TestHandleReconcileOCRFanOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	raw := []byte(`<html><body><h1>Figures</h1>
		<p>The exploded views below show the assembly order for the housing.</p>
		<img src="fig1.png" alt=""><img src="fig2.png" alt="">
	</body></html>`)
	rawKey := e.ingest(t, "doc", docpipe.SourceHTML, raw)
	for _, img := range []string{"fig1.png", "fig2.png"} {
		if err := e.blobs.Put(blob.RawKey("doc", img), []byte("png:"+img)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := e.runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, rawKey)); err != nil {
		t.Fatal(err)
	}
	if n := e.ocr.Load(); n != 2 {
		t.Errorf("ocr invocations = %d, want 2", n)
	}

	chunks, err := e.store.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	var sawOCR bool
	for _, c := range chunks {
		if c.Content.OCRText != "" && strings.Contains(c.Content.OCRText, "fig1.png") {
			sawOCR = true
		}
	}
	if !sawOCR {
		t.Error("ocr text did not reach the persisted chunks")
	}

	// Redelivery hits the cache, not the engine.
	if _, err := e.runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, rawKey)); err != nil {
		t.Fatal(err)
	}
	if n := e.ocr.Load(); n != 2 {
		t.Errorf("redelivery must be served from cache, invocations = %d", n)
	}
}

func TestArtifactFailureQueuesRegeneration(t *testing.T) {
	db := store.OpenMemory(t)
	s := store.New(db)
	root := t.TempDir()
	b, err := blob.New(root)
	if err != nil {
		t.Fatal(err)
	}
	q, err := NewQueue(db)
	if err != nil {
		t.Fatal(err)
	}
	runner := NewRunner(
		s, b,
		docpipe.New(nil),
		derived.NewWriter(s, b, nil),
		gates.NewEvaluator(s, gates.DefaultThresholds(), nil),
		nil, nil,
		Options{MaxTokens: 200},
		nil,
	)
	runner.Attach(NewWorker(q, nil), 1)

	ctx := context.Background()
	if err := s.CreateDocument(ctx, &store.Document{ID: "doc", ProjectID: "proj", SourceType: docpipe.SourceHTML}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateVersion(ctx, &store.Version{
		DocumentID: "doc", Version: 1, DocHash: "h",
		Mime: "text/html", Status: store.StatusIngested,
	}); err != nil {
		t.Fatal(err)
	}
	rawKey := blob.RawKey("doc", "original")
	if err := b.Put(rawKey, []byte(sampleHTML)); err != nil {
		t.Fatal(err)
	}

	// Block the derived/ prefix with a plain file so artifact writes fail
	// after the relational commit.
	blocker := filepath.Join(root, "derived")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, rawKey)); err != nil {
		t.Fatalf("artifact failure must not fail the job: %v", err)
	}
	chunks, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("relational write must survive artifact failure")
	}

	jobs, err := q.PollBatch(ctx, JobTypeRegenerate, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("regeneration jobs queued = %d, want 1", len(jobs))
	}

	// Once the blob store recovers, the queued job rebuilds the artifacts.
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	result, err := runner.HandleRegenerate(ctx, jobs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Exists(blob.ChunksKey("doc", 1)) || !b.Exists(blob.ManifestKey("doc", 1)) {
		t.Error("regenerated artifacts missing")
	}
	if err := q.Complete(ctx, jobs[0].ID, result); err != nil {
		t.Fatal(err)
	}
}

func TestHandleReconcileFailureMarksVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ingest(t, "doc", docpipe.SourceHTML, []byte(sampleHTML))

	_, err := e.runner.HandleReconcile(ctx, payload("doc", docpipe.SourceHTML, "raw/doc/missing"))
	if err == nil {
		t.Fatal("missing raw object must fail")
	}

	v, err := e.store.GetVersion(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", v.Status)
	}
	errMeta, _ := v.Meta["error"].(map[string]any)
	if errMeta == nil || errMeta["message"] == "" {
		t.Error("failure must carry a human-readable message")
	}
	artifact, _ := errMeta["artifact"].(string)
	if artifact == "" || !e.blobs.Exists(artifact) {
		t.Error("failure must point at a diagnostic artifact")
	}
}

func TestPreviousParts(t *testing.T) {
	meta := map[string]any{
		"parse": map[string]any{
			"parts": map[string]any{"a.html": "h1", "b.html": "h2"},
		},
	}
	parts := previousParts(meta)
	if len(parts) != 2 || parts["a.html"] != "h1" {
		t.Errorf("parts = %v", parts)
	}
	if previousParts(nil) != nil {
		t.Error("missing meta must yield nil")
	}
}
