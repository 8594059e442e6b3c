// Package derived is the reconciliation engine. Given the freshly
// assembled rows for a document version it reconciles the persisted
// chunk set (idempotently) and emits the derived artifacts: the chunk
// stream, the manifest, and the redaction report.
//
// The relational store is the writer-of-record; artifacts are
// rebuildable. The commit order is therefore always relational first,
// blobs after, and an artifact failure never rolls back the commit.
package derived

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/pii"
	"github.com/hazyhaar/docrec/store"
)

// Version is stamped into manifests as the reconciler tool version.
const Version = "docrec/1.2.0"

// ErrValidation marks a malformed input row batch. Nothing is written.
var ErrValidation = errors.New("invalid row batch")

// ArtifactError reports a blob write failure after the relational commit.
// The persisted chunk set is intact; only artifact regeneration is needed.
type ArtifactError struct {
	Key string
	Err error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s: %v", e.Key, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

// ManifestInfo carries the pipeline context recorded in the manifest.
type ManifestInfo struct {
	Files        []string           `json:"files,omitempty"`
	PagesOCR     []int              `json:"pages_ocr,omitempty"`
	PageLangs    map[string]string  `json:"page_langs,omitempty"`
	LangsUsed    []string           `json:"langs_used,omitempty"`
	Parts        map[string]string  `json:"parts,omitempty"`
	StageMetrics map[string]float64 `json:"stage_metrics,omitempty"`
	Thresholds   any                `json:"thresholds,omitempty"`
}

// Manifest is the per-version audit artifact, rebuilt on every
// reconciliation by diffing against the previous manifest.
type Manifest struct {
	ToolVersions map[string]string  `json:"tool_versions"`
	Thresholds   any                `json:"thresholds,omitempty"`
	StageMetrics map[string]float64 `json:"stage_metrics,omitempty"`
	Files        []string           `json:"files,omitempty"`
	PagesOCR     []int              `json:"pages_ocr,omitempty"`
	PageLangs    map[string]string  `json:"page_langs,omitempty"`
	LangsUsed    []string           `json:"langs_used,omitempty"`
	Parts        map[string]string  `json:"parts,omitempty"`
	Chunks       []ManifestChunk    `json:"chunks"`
	Deltas       Delta              `json:"deltas"`
	CreatedAt    time.Time          `json:"created_at"`
}

// ManifestChunk is one chunk entry in the manifest.
type ManifestChunk struct {
	ID       string `json:"id"`
	Order    int    `json:"order"`
	TextHash string `json:"text_hash"`
}

// Delta counts order-slot changes against the previous manifest.
type Delta struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

// Result references the emitted artifacts.
type Result struct {
	ChunksKey     string `json:"chunks_key"`
	ManifestKey   string `json:"manifest_key"`
	RedactionsKey string `json:"redactions_key,omitempty"`
	Delta         Delta  `json:"delta"`
	DupesDropped  int    `json:"dupes_dropped"`
}

// Writer reconciles chunk sets and emits artifacts.
type Writer struct {
	store *store.Store
	blobs *blob.Store
	log   *slog.Logger
}

// NewWriter builds a Writer.
func NewWriter(s *store.Store, b *blob.Store, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: s, blobs: b, log: log}
}

// Reconcile persists rows for (docID, version) and emits artifacts.
//
// The relational phase (validate, dedupe, migrate, upsert-and-prune) is
// atomic and idempotent: re-running with the same rows leaves the chunk
// set and every rev untouched. Artifact failures after the commit return
// an *ArtifactError alongside a usable Result.
func (w *Writer) Reconcile(ctx context.Context, docID string, version int, rows []chunk.Chunk, info ManifestInfo) (Result, error) {
	var res Result
	if err := validateRows(rows); err != nil {
		return res, err
	}

	rows, dropped := dedupeByID(rows)
	res.DupesDropped = dropped
	if dropped > 0 {
		w.log.Warn("duplicate chunk ids in batch", "doc_id", docID, "version", version, "dropped", dropped)
	}
	densifyOrder(rows)

	existing, err := w.store.LoadChunks(ctx, docID, version)
	if err != nil {
		return res, fmt.Errorf("load persisted chunks: %w", err)
	}
	migrateCuratedMeta(rows, existing)

	if err := w.store.UpsertAndPrune(ctx, docID, version, rows); err != nil {
		return res, err
	}

	// Relational state is committed. Everything below is derived.
	final, err := w.store.LoadChunks(ctx, docID, version)
	if err != nil {
		return res, fmt.Errorf("reload chunks: %w", err)
	}

	res.ChunksKey = blob.ChunksKey(docID, version)
	res.ManifestKey = blob.ManifestKey(docID, version)

	previous := w.loadPreviousManifest(docID, version)

	var artifactErr error
	if err := w.blobs.Put(res.ChunksKey, chunkStream(docID, final)); err != nil {
		artifactErr = &ArtifactError{Key: res.ChunksKey, Err: err}
	}

	manifest := buildManifest(final, previous, info)
	res.Delta = manifest.Deltas
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = w.blobs.Put(res.ManifestKey, data)
	}
	if err != nil && artifactErr == nil {
		artifactErr = &ArtifactError{Key: res.ManifestKey, Err: err}
	}

	if redactions := redactionStream(docID, final); len(redactions) > 0 {
		res.RedactionsKey = blob.RedactionsKey(docID, version)
		if err := w.blobs.Put(res.RedactionsKey, redactions); err != nil && artifactErr == nil {
			artifactErr = &ArtifactError{Key: res.RedactionsKey, Err: err}
		}
	}

	if artifactErr != nil {
		w.log.Error("artifact emission failed after commit",
			"doc_id", docID, "version", version, "error", artifactErr)
	}
	return res, artifactErr
}

// RegenerateArtifacts rebuilds blobs from the committed chunk set. Used to
// recover from an ArtifactError without touching relational state.
func (w *Writer) RegenerateArtifacts(ctx context.Context, docID string, version int, info ManifestInfo) (Result, error) {
	final, err := w.store.LoadChunks(ctx, docID, version)
	if err != nil {
		return Result{}, fmt.Errorf("load chunks: %w", err)
	}
	res := Result{
		ChunksKey:   blob.ChunksKey(docID, version),
		ManifestKey: blob.ManifestKey(docID, version),
	}
	if err := w.blobs.Put(res.ChunksKey, chunkStream(docID, final)); err != nil {
		return res, &ArtifactError{Key: res.ChunksKey, Err: err}
	}
	manifest := buildManifest(final, w.loadPreviousManifest(docID, version), info)
	res.Delta = manifest.Deltas
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return res, &ArtifactError{Key: res.ManifestKey, Err: err}
	}
	if err := w.blobs.Put(res.ManifestKey, data); err != nil {
		return res, &ArtifactError{Key: res.ManifestKey, Err: err}
	}
	return res, nil
}

func validateRows(rows []chunk.Chunk) error {
	for i, r := range rows {
		switch {
		case r.ID == uuid.Nil:
			return fmt.Errorf("row %d: missing id: %w", i, ErrValidation)
		case r.TextHash == "":
			return fmt.Errorf("row %d: missing text_hash: %w", i, ErrValidation)
		case r.Order < 0:
			return fmt.Errorf("row %d: negative order: %w", i, ErrValidation)
		case r.Content.Type == "":
			return fmt.Errorf("row %d: missing content type: %w", i, ErrValidation)
		}
	}
	seen := map[int]bool{}
	for i, r := range rows {
		if seen[r.Order] {
			return fmt.Errorf("row %d: duplicate order %d: %w", i, r.Order, ErrValidation)
		}
		seen[r.Order] = true
	}
	return nil
}

// dedupeByID keeps the last occurrence of each id, preserving the order of
// the surviving rows. An upstream bug must not corrupt storage.
func dedupeByID(rows []chunk.Chunk) ([]chunk.Chunk, int) {
	last := map[uuid.UUID]int{}
	for i, r := range rows {
		last[r.ID] = i
	}
	if len(last) == len(rows) {
		return rows, 0
	}
	out := make([]chunk.Chunk, 0, len(last))
	for i, r := range rows {
		if last[r.ID] == i {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, len(rows) - len(out)
}

// densifyOrder reassigns Order to the dense zero-based range, preserving
// relative order. Upstream filtering (near-duplicate drops, batch id
// dedupe) leaves gaps; persisted orders must always be 0..n-1.
func densifyOrder(rows []chunk.Chunk) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
	for i := range rows {
		rows[i].Order = i
	}
}

// migrateCuratedMeta copies curator-owned metadata and the rev baseline
// forward from persisted chunks whose text_hash matches an incoming row.
// Content identity survives id churn across assembler changes this way.
// On hash ties the persisted chunk with the lowest order is the donor.
func migrateCuratedMeta(rows []chunk.Chunk, existing []chunk.Chunk) {
	byHash := map[string]*chunk.Chunk{}
	sorted := make([]chunk.Chunk, len(existing))
	copy(sorted, existing)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for i := range sorted {
		if _, ok := byHash[sorted[i].TextHash]; !ok {
			byHash[sorted[i].TextHash] = &sorted[i]
		}
	}
	for i := range rows {
		donor, ok := byHash[rows[i].TextHash]
		if !ok {
			continue
		}
		if rows[i].Meta.Curator == nil {
			rows[i].Meta.Curator = map[string]any{}
		}
		for k, v := range donor.Meta.Curator {
			if _, set := rows[i].Meta.Curator[k]; !set {
				rows[i].Meta.Curator[k] = v
			}
		}
		rows[i].Rev = donor.Rev
	}
}

// streamLine is one chunks.jsonl record.
type streamLine struct {
	DocID    string         `json:"doc_id"`
	ChunkID  string         `json:"chunk_id"`
	Order    int            `json:"order"`
	Rev      int            `json:"rev"`
	Content  chunk.Content  `json:"content"`
	Source   streamSource   `json:"source"`
	TextHash string         `json:"text_hash"`
	Metadata map[string]any `json:"metadata"`
}

type streamSource struct {
	Page        int      `json:"page"`
	SectionPath []string `json:"section_path"`
}

func chunkStream(docID string, chunks []chunk.Chunk) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		sp := c.SectionPath()
		if sp == nil {
			sp = []string{}
		}
		enc.Encode(streamLine{
			DocID:    docID,
			ChunkID:  c.ID.String(),
			Order:    c.Order,
			Rev:      c.Rev,
			Content:  c.Content,
			Source:   streamSource{Page: c.Page(), SectionPath: sp},
			TextHash: c.TextHash,
			Metadata: c.Meta.Flat(),
		})
	}
	return buf.Bytes()
}

// redaction is one redactions.jsonl record.
type redaction struct {
	DocID   string `json:"doc_id"`
	ChunkID string `json:"chunk_id"`
	Order   int    `json:"order"`
	Kind    string `json:"kind"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

func redactionStream(docID string, chunks []chunk.Chunk) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		text := c.Content.Text
		if c.Content.Type == chunk.ContentImage {
			text = c.Content.OCRText
		}
		for _, m := range pii.Detect(text) {
			enc.Encode(redaction{
				DocID:   docID,
				ChunkID: c.ID.String(),
				Order:   c.Order,
				Kind:    m.Kind,
				Start:   m.Start,
				End:     m.End,
			})
		}
	}
	return buf.Bytes()
}

func (w *Writer) loadPreviousManifest(docID string, version int) *Manifest {
	data, err := w.blobs.Get(blob.ManifestKey(docID, version))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("previous manifest unreadable", "doc_id", docID, "version", version, "error", err)
		}
		return nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		w.log.Warn("previous manifest corrupt", "doc_id", docID, "version", version, "error", err)
		return nil
	}
	return &m
}

// buildManifest diffs the new order->text_hash map against the previous
// manifest's. The delta is keyed by order, the slot an end user perceives,
// while rev tracking stays keyed by id; the two are never conflated.
func buildManifest(chunks []chunk.Chunk, previous *Manifest, info ManifestInfo) Manifest {
	m := Manifest{
		ToolVersions: map[string]string{"reconciler": Version},
		Thresholds:   info.Thresholds,
		StageMetrics: info.StageMetrics,
		Files:        info.Files,
		PagesOCR:     info.PagesOCR,
		PageLangs:    info.PageLangs,
		LangsUsed:    info.LangsUsed,
		Parts:        info.Parts,
		CreatedAt:    time.Now().UTC(),
	}
	newByOrder := map[int]string{}
	for _, c := range chunks {
		m.Chunks = append(m.Chunks, ManifestChunk{ID: c.ID.String(), Order: c.Order, TextHash: c.TextHash})
		newByOrder[c.Order] = c.TextHash
	}
	oldByOrder := map[int]string{}
	if previous != nil {
		for _, c := range previous.Chunks {
			oldByOrder[c.Order] = c.TextHash
		}
	}
	for o, hash := range newByOrder {
		old, ok := oldByOrder[o]
		switch {
		case !ok:
			m.Deltas.Added++
		case old != hash:
			m.Deltas.Changed++
		}
	}
	for o := range oldByOrder {
		if _, ok := newByOrder[o]; !ok {
			m.Deltas.Removed++
		}
	}
	return m
}
