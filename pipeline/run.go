package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/dedupe"
	"github.com/hazyhaar/docrec/derived"
	"github.com/hazyhaar/docrec/docpipe"
	"github.com/hazyhaar/docrec/gates"
	"github.com/hazyhaar/docrec/incremental"
	"github.com/hazyhaar/docrec/observability"
	"github.com/hazyhaar/docrec/ocr"
	"github.com/hazyhaar/docrec/store"
	"github.com/hazyhaar/docrec/textlang"
)

// Options tune the reconciliation stage chain.
type Options struct {
	MaxTokens       int
	DedupeEnabled   bool
	DedupeThreshold float64
	OCRLangs        []string
	OCRDPI          int
	OCRWorkers      int
	Thresholds      gates.Thresholds
}

// Runner executes the reconciliation stage chain for one document version:
// preflight -> extract -> OCR fan-out -> structure -> chunk write -> finalize.
type Runner struct {
	store     *store.Store
	blobs     *blob.Store
	extractor *docpipe.Extractor
	writer    *derived.Writer
	evaluator *gates.Evaluator
	ocr       *ocr.Cache
	metrics   *observability.Recorder
	queue     *Queue // set by Attach; nil runners cannot self-requeue
	opts      Options
	log       *slog.Logger
}

// NewRunner wires the stage chain.
func NewRunner(s *store.Store, b *blob.Store, e *docpipe.Extractor, w *derived.Writer,
	g *gates.Evaluator, o *ocr.Cache, m *observability.Recorder, opts Options, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if opts.OCRWorkers < 1 {
		opts.OCRWorkers = 4
	}
	if opts.OCRDPI == 0 {
		opts.OCRDPI = 300
	}
	return &Runner{
		store: s, blobs: b, extractor: e, writer: w,
		evaluator: g, ocr: o, metrics: m, opts: opts, log: log,
	}
}

// Attach registers the runner's handlers on the worker. Reconciliations of
// distinct documents run in parallel; the queue's dedupe key keeps each
// document version at-most-once in flight.
func (r *Runner) Attach(w *Worker, concurrency int) {
	r.queue = w.queue
	w.Register(JobTypeReconcile, r.HandleReconcile)
	w.SetConcurrency(JobTypeReconcile, concurrency)
	w.Register(JobTypeRegenerate, r.HandleRegenerate)
}

// SubmitReconcile enqueues a reconciliation for a document version.
func SubmitReconcile(ctx context.Context, q *Queue, docID, projectID, sourceType, rawKey string, version int) (string, error) {
	return q.SubmitUnique(ctx, JobTypeReconcile,
		fmt.Sprintf("%s@%d", docID, version),
		map[string]any{
			"doc_id":      docID,
			"project_id":  projectID,
			"source_type": sourceType,
			"raw_key":     rawKey,
			"version":     version,
		})
}

// SubmitRegenerate enqueues an artifact regeneration for a document
// version whose relational state committed but whose blobs are stale.
func SubmitRegenerate(ctx context.Context, q *Queue, docID string, version int, info derived.ManifestInfo) (string, error) {
	return q.SubmitUnique(ctx, JobTypeRegenerate,
		fmt.Sprintf("%s@%d", docID, version),
		map[string]any{
			"doc_id":  docID,
			"version": version,
			"info":    info,
		})
}

// HandleRegenerate rebuilds blob artifacts from the committed chunk set.
// Relational state is never touched, so redelivery is harmless.
func (r *Runner) HandleRegenerate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	docID, _ := payload["doc_id"].(string)
	version := payloadInt(payload["version"])
	if docID == "" || version == 0 {
		return nil, fmt.Errorf("regenerate payload missing doc_id/version")
	}
	var info derived.ManifestInfo
	if raw, ok := payload["info"]; ok {
		data, err := json.Marshal(raw)
		if err == nil {
			if err := json.Unmarshal(data, &info); err != nil {
				return nil, fmt.Errorf("decode manifest info: %w", err)
			}
		}
	}
	res, err := r.writer.RegenerateArtifacts(ctx, docID, version, info)
	if err != nil {
		return nil, fmt.Errorf("regenerate artifacts: %w", err)
	}
	r.log.Info("artifacts regenerated", "doc_id", docID, "version", version)
	return map[string]any{
		"chunks_key":   res.ChunksKey,
		"manifest_key": res.ManifestKey,
	}, nil
}

// HandleReconcile runs the full stage chain for one job.
func (r *Runner) HandleReconcile(ctx context.Context, payload map[string]any) (map[string]any, error) {
	docID, _ := payload["doc_id"].(string)
	projectID, _ := payload["project_id"].(string)
	sourceType, _ := payload["source_type"].(string)
	rawKey, _ := payload["raw_key"].(string)
	version := payloadInt(payload["version"])
	if docID == "" || version == 0 {
		return nil, fmt.Errorf("reconcile payload missing doc_id/version")
	}
	log := r.log.With("doc_id", docID, "version", version)
	stageMetrics := map[string]float64{}

	fail := func(stage string, err error) (map[string]any, error) {
		r.markFailed(ctx, docID, version, stage, err)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	// Preflight: the version must exist and the raw object be readable.
	start := time.Now()
	ver, err := r.store.GetVersion(ctx, docID, version)
	if err != nil {
		return fail("preflight", err)
	}
	raw, err := r.blobs.Get(rawKey)
	if err != nil {
		return fail("preflight", err)
	}
	if err := r.store.SetVersionStatus(ctx, docID, version, store.StatusParsing); err != nil {
		return fail("preflight", err)
	}
	r.recordStage("preflight", docID, start, stageMetrics)

	// Extract.
	start = time.Now()
	ext, err := r.extractor.Extract(ctx, raw, sourceType)
	if err != nil {
		return fail("extract", err)
	}
	r.recordStage("extract", docID, start, stageMetrics)

	// OCR fan-out with a barrier before structuring.
	start = time.Now()
	pagesOCR, pageLangs, err := r.runOCR(ctx, docID, sourceType, raw, ext.Blocks)
	if err != nil {
		return fail("ocr", err)
	}
	r.recordStage("ocr", docID, start, stageMetrics)
	if r.ocr != nil && r.metrics != nil {
		r.metrics.Gauge(observability.MetricOCRHitRatio, r.ocr.HitRatio(),
			map[string]string{"doc_id": docID}, "percent")
	}

	// Structure: assemble, filter near-duplicates, plan part deltas.
	start = time.Now()
	assembler := chunk.NewAssembler(chunk.AssemblerConfig{MaxTokens: r.opts.MaxTokens})
	rows := assembler.Assemble(docID, version, ext.Blocks)

	var stats dedupe.Stats
	if r.opts.DedupeEnabled {
		filter := dedupe.NewFilter(r.opts.DedupeThreshold)
		rows, stats = filter.Filter(rows)
		if stats.Input > 0 && r.metrics != nil {
			r.metrics.Gauge(observability.MetricDedupeDropPct,
				100*float64(stats.Dropped)/float64(stats.Input),
				map[string]string{"doc_id": docID}, "percent")
		}
	}

	parts, delta := incremental.PlanDeltas(ext.Blocks, previousParts(ver.Meta))
	if err := r.store.UpdateVersionMeta(ctx, docID, version, map[string]any{
		"parse": map[string]any{"parts": parts},
	}); err != nil {
		return fail("structure", err)
	}
	if !delta.Empty() {
		log.Info("part deltas planned",
			"added", delta.Added, "removed", delta.Removed, "changed", delta.Changed)
	}
	r.recordStage("structure", docID, start, stageMetrics)

	// Chunk write: relational reconciliation plus artifacts.
	start = time.Now()
	langs := langsUsed(pageLangs, r.opts.OCRLangs)
	info := derived.ManifestInfo{
		Files:        ext.Files,
		PagesOCR:     pagesOCR,
		PageLangs:    pageLangs,
		LangsUsed:    langs,
		Parts:        parts,
		StageMetrics: stageMetrics,
		Thresholds:   r.opts.Thresholds,
	}
	res, err := r.writer.Reconcile(ctx, docID, version, rows, info)
	var artErr *derived.ArtifactError
	if err != nil && !errors.As(err, &artErr) {
		return fail("chunk_write", err)
	}
	if artErr != nil {
		// Recoverable: relational state committed, artifacts stale. Queue a
		// regeneration so the blobs catch up without re-parsing.
		log.Warn("artifacts stale, queueing regeneration", "error", artErr)
		if r.queue != nil {
			if _, err := SubmitRegenerate(ctx, r.queue, docID, version, info); err != nil && !errors.Is(err, ErrInFlight) {
				log.Error("could not queue artifact regeneration", "error", err)
			}
		}
	}
	r.recordStage("chunk_write", docID, start, stageMetrics)
	if r.metrics != nil {
		r.metrics.Gauge(observability.MetricChunksWritten, float64(len(rows)),
			map[string]string{"doc_id": docID}, "count")
	}

	// Finalize: quality gates decide parsed vs needs_review.
	start = time.Now()
	gateRes, err := r.evaluator.Evaluate(ctx, docID, projectID, version)
	if err != nil && !errors.Is(err, gates.ErrEvaluation) {
		return fail("finalize", err)
	}
	r.recordStage("finalize", docID, start, stageMetrics)
	if r.metrics != nil && len(gateRes.Breached) > 0 {
		r.metrics.Gauge(observability.MetricGateBreaches, float64(len(gateRes.Breached)),
			map[string]string{"doc_id": docID}, "count")
	}

	log.Info("reconciliation finished",
		"status", gateRes.Status,
		"chunks", len(rows),
		"dupes_dropped", stats.Dropped,
		"delta_added", res.Delta.Added,
		"delta_removed", res.Delta.Removed,
		"delta_changed", res.Delta.Changed)

	return map[string]any{
		"status":       gateRes.Status,
		"chunks":       len(rows),
		"chunks_key":   res.ChunksKey,
		"manifest_key": res.ManifestKey,
		"delta": map[string]any{
			"added":   res.Delta.Added,
			"removed": res.Delta.Removed,
			"changed": res.Delta.Changed,
		},
	}, nil
}

// runOCR resolves image blocks to OCR text in parallel. Workers share a
// semaphore; the WaitGroup is the fan-in barrier. Each unit is idempotent
// through the content-addressed cache, so at-least-once redelivery is safe.
func (r *Runner) runOCR(ctx context.Context, docID, sourceType string, raw []byte, blocks []chunk.Block) ([]int, map[string]string, error) {
	if r.ocr == nil {
		return nil, nil, nil
	}
	var targets []int
	for i, b := range blocks {
		if b.Type == chunk.BlockImage && b.Metadata[chunk.MetaOCRText] == "" {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return nil, nil, nil
	}

	langs := r.opts.OCRLangs
	if len(langs) == 0 {
		langs = []string{guessDocLang(blocks)}
	}

	sem := make(chan struct{}, r.opts.OCRWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var pages []int
	pageLangs := map[string]string{}
	var firstErr error

	for _, idx := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			b := blocks[i]
			req := ocr.Request{PageRef: b.Metadata[chunk.MetaImageRef], Langs: langs, DPI: r.opts.OCRDPI}
			if sourceType == docpipe.SourcePDF {
				req.Image = raw
			} else {
				img, err := r.blobs.Get(blob.RawKey(docID, b.Metadata[chunk.MetaImageRef]))
				if err != nil {
					// External or missing image: nothing to recognize.
					r.log.Debug("image not in blob store, skipping ocr",
						"doc_id", docID, "ref", b.Metadata[chunk.MetaImageRef])
					return
				}
				req.Image = img
			}

			text, err := r.ocr.Recognize(ctx, req)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			blocks[i].Metadata[chunk.MetaOCRText] = text
			if b.Page > 0 {
				pages = append(pages, b.Page)
				pageLangs[strconv.Itoa(b.Page)] = textlang.Guess(text)
			}
			mu.Unlock()
		}(idx)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	sort.Ints(pages)
	return pages, pageLangs, nil
}

// markFailed records the failure state and an error artifact the UI can
// point curators at.
func (r *Runner) markFailed(ctx context.Context, docID string, version int, stage string, cause error) {
	r.log.Error("reconciliation failed",
		"doc_id", docID, "version", version, "stage", stage, "error", cause)

	errKey := blob.ErrorKey(docID, version)
	artifact, _ := json.MarshalIndent(map[string]any{
		"stage":   stage,
		"error":   cause.Error(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"doc_id":  docID,
		"version": version,
	}, "", "  ")
	if err := r.blobs.Put(errKey, artifact); err != nil {
		r.log.Error("could not write error artifact", "key", errKey, "error", err)
		errKey = ""
	}

	if err := r.store.SetVersionStatus(ctx, docID, version, store.StatusFailed); err != nil {
		r.log.Error("could not mark version failed", "doc_id", docID, "error", err)
	}
	meta := map[string]any{"error": map[string]any{
		"stage":   stage,
		"message": cause.Error(),
	}}
	if errKey != "" {
		meta["error"].(map[string]any)["artifact"] = errKey
	}
	if err := r.store.UpdateVersionMeta(ctx, docID, version, meta); err != nil {
		r.log.Error("could not record failure meta", "doc_id", docID, "error", err)
	}
}

func (r *Runner) recordStage(stage, docID string, start time.Time, out map[string]float64) {
	d := time.Since(start)
	out[stage+"_ms"] = float64(d.Milliseconds())
	if r.metrics != nil {
		r.metrics.StageDuration(stage, docID, d)
	}
}

// previousParts digs the part-hash map out of version metadata.
func previousParts(meta map[string]any) map[string]string {
	parse, ok := meta["parse"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := parse["parts"].(map[string]any)
	if !ok {
		return nil
	}
	parts := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			parts[k] = s
		}
	}
	return parts
}

func guessDocLang(blocks []chunk.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == chunk.BlockText {
			sb.WriteString(b.Text)
			sb.WriteByte(' ')
			if sb.Len() > 4096 {
				break
			}
		}
	}
	return textlang.Guess(sb.String())
}

func langsUsed(pageLangs map[string]string, configured []string) []string {
	set := map[string]bool{}
	for _, l := range configured {
		set[l] = true
	}
	for _, l := range pageLangs {
		set[l] = true
	}
	langs := make([]string, 0, len(set))
	for l := range set {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

func payloadInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	}
	return 0
}
