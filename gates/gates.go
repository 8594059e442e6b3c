// Package gates decides whether a reconciled document version is
// publishable. It computes aggregate parse metrics and curation
// completeness, compares them to configured thresholds, and sets the
// version status to parsed or needs_review.
package gates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/pii"
	"github.com/hazyhaar/docrec/store"
	"github.com/hazyhaar/docrec/textnorm"
)

// ErrEvaluation marks gate inputs that could not be loaded. Callers fall
// back to needs_review instead of failing the document.
var ErrEvaluation = errors.New("gate evaluation")

// Metrics are the aggregate parse metrics a version is judged on.
type Metrics struct {
	EmptyChunkRatio     float64 `json:"empty_chunk_ratio"`
	SectionPathCoverage float64 `json:"html_section_path_coverage"`
	TextCoverage        float64 `json:"text_coverage"`
	OCRRatio            float64 `json:"ocr_ratio"`
	UTFOtherRatio       float64 `json:"utf_other_ratio"`
	PIICount            int     `json:"pii_count"`
}

// Thresholds are the breach limits. Zero-value fields are filled by
// DefaultThresholds.
type Thresholds struct {
	MinCompleteness    float64 `yaml:"min_completeness" json:"min_completeness"`
	MaxEmptyRatio      float64 `yaml:"max_empty_ratio" json:"max_empty_ratio"`
	MinSectionCoverage float64 `yaml:"min_section_coverage" json:"min_section_coverage"`
	MinTextCoverage    float64 `yaml:"min_text_coverage" json:"min_text_coverage"`
	MaxOCRRatio        float64 `yaml:"max_ocr_ratio" json:"max_ocr_ratio"`
	MaxUTFOtherRatio   float64 `yaml:"max_utf_other_ratio" json:"max_utf_other_ratio"`
	BlockPII           bool    `yaml:"block_pii" json:"block_pii"`
}

// DefaultThresholds returns the stock gate policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCompleteness:    0.8,
		MaxEmptyRatio:      0.3,
		MinSectionCoverage: 0.5,
		MinTextCoverage:    0.85,
		MaxOCRRatio:        0.5,
		MaxUTFOtherRatio:   0.3,
	}
}

// ComputeParseMetrics derives Metrics from a reconciled chunk set.
func ComputeParseMetrics(chunks []chunk.Chunk) Metrics {
	var m Metrics
	if len(chunks) == 0 {
		return m
	}
	var empty, withSection, ocr int
	var texts []string
	for _, c := range chunks {
		text := effectiveText(c.Content)
		if c.Content.Type != chunk.ContentTablePlaceholder && strings.TrimSpace(text) == "" {
			empty++
		}
		if len(c.SectionPath()) > 0 {
			withSection++
		}
		if c.Content.Type == chunk.ContentImage {
			ocr++
		}
		if text != "" {
			texts = append(texts, text)
			m.PIICount += len(pii.Detect(text))
		}
	}
	n := float64(len(chunks))
	m.EmptyChunkRatio = float64(empty) / n
	m.SectionPathCoverage = float64(withSection) / n
	m.OCRRatio = float64(ocr) / n

	cov := textnorm.Coverage(strings.Join(texts, "\n"))
	m.TextCoverage = cov.ASCIIRatio + cov.Latin1Ratio
	m.UTFOtherRatio = cov.OtherRatio
	if len(texts) == 0 {
		m.TextCoverage = 0
	}
	return m
}

func effectiveText(c chunk.Content) string {
	if c.Type == chunk.ContentImage {
		return c.OCRText
	}
	return c.Text
}

// Completeness is the fraction of chunks carrying all required curator
// fields. Zero chunks means 0.0 even without required fields; a document
// that parsed to nothing is never complete. No required fields means 1.0.
func Completeness(chunks []chunk.Chunk, required []string) float64 {
	if len(chunks) == 0 {
		return 0.0
	}
	if len(required) == 0 {
		return 1.0
	}
	complete := 0
	for _, c := range chunks {
		if hasAllFields(c, required) {
			complete++
		}
	}
	return float64(complete) / float64(len(chunks))
}

func hasAllFields(c chunk.Chunk, required []string) bool {
	curated, _ := c.Meta.Curator["curated_fields"].(map[string]any)
	for _, name := range required {
		v, ok := curated[name]
		if !ok {
			v, ok = c.Meta.Curator[name]
		}
		if !ok || emptyValue(v) {
			return false
		}
	}
	return true
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// Evaluator loads current chunk state and decides the version status.
type Evaluator struct {
	store      *store.Store
	thresholds Thresholds
	log        *slog.Logger
}

// NewEvaluator builds an Evaluator over the store.
func NewEvaluator(s *store.Store, th Thresholds, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{store: s, thresholds: th, log: log}
}

// Result is the gate decision with the metrics that produced it.
type Result struct {
	Status       string   `json:"status"`
	Breached     []string `json:"breached,omitempty"`
	Completeness float64  `json:"curation_completeness"`
	Metrics      Metrics  `json:"metrics"`
}

// Evaluate re-derives completeness from the current chunk set, compares
// everything to thresholds, persists the new status, and returns the
// decision. Re-entrant: curator edits followed by another Evaluate can
// flip status in either direction without a re-parse.
func (e *Evaluator) Evaluate(ctx context.Context, docID, projectID string, version int) (Result, error) {
	chunks, err := e.store.LoadChunks(ctx, docID, version)
	if err != nil {
		return e.conservative(ctx, docID, version, fmt.Errorf("load chunks: %w (%w)", err, ErrEvaluation))
	}
	required, err := e.store.RequiredFields(ctx, projectID)
	if err != nil {
		return e.conservative(ctx, docID, version, fmt.Errorf("load taxonomy: %w (%w)", err, ErrEvaluation))
	}
	ver, err := e.store.GetVersion(ctx, docID, version)
	if err != nil {
		return e.conservative(ctx, docID, version, fmt.Errorf("load version: %w (%w)", err, ErrEvaluation))
	}

	res := Result{
		Metrics:      ComputeParseMetrics(chunks),
		Completeness: Completeness(chunks, required),
	}
	th := e.thresholds

	if res.Completeness < th.MinCompleteness {
		res.Breached = append(res.Breached, "curation_completeness")
	}
	if res.Metrics.EmptyChunkRatio > th.MaxEmptyRatio {
		res.Breached = append(res.Breached, "empty_chunk_ratio")
	}
	if isHTML(ver.Mime) && res.Metrics.SectionPathCoverage < th.MinSectionCoverage {
		res.Breached = append(res.Breached, "html_section_path_coverage")
	}
	if len(chunks) > 0 && res.Metrics.TextCoverage < th.MinTextCoverage {
		res.Breached = append(res.Breached, "text_coverage")
	}
	if res.Metrics.OCRRatio > th.MaxOCRRatio {
		res.Breached = append(res.Breached, "ocr_ratio")
	}
	if res.Metrics.UTFOtherRatio > th.MaxUTFOtherRatio {
		res.Breached = append(res.Breached, "utf_other_ratio")
	}
	if th.BlockPII && res.Metrics.PIICount > 0 {
		res.Breached = append(res.Breached, "pii_count")
	}

	res.Status = store.StatusParsed
	if len(res.Breached) > 0 {
		res.Status = store.StatusNeedsReview
	}
	if err := e.persist(ctx, docID, version, res); err != nil {
		return res, err
	}
	e.log.Info("gates evaluated",
		"doc_id", docID, "version", version,
		"status", res.Status, "breached", res.Breached,
		"completeness", res.Completeness)
	return res, nil
}

// conservative records needs_review when gate inputs are unavailable.
func (e *Evaluator) conservative(ctx context.Context, docID string, version int, cause error) (Result, error) {
	e.log.Warn("gate evaluation degraded", "doc_id", docID, "version", version, "error", cause)
	res := Result{Status: store.StatusNeedsReview, Breached: []string{"gate_evaluation_error"}}
	if err := e.persist(ctx, docID, version, res); err != nil {
		return res, errors.Join(cause, err)
	}
	return res, cause
}

func (e *Evaluator) persist(ctx context.Context, docID string, version int, res Result) error {
	if err := e.store.SetVersionStatus(ctx, docID, version, res.Status); err != nil {
		return fmt.Errorf("persist gate status: %w", err)
	}
	return e.store.UpdateVersionMeta(ctx, docID, version, map[string]any{
		"gates": map[string]any{
			"status":                res.Status,
			"breached":              res.Breached,
			"curation_completeness": res.Completeness,
			"metrics":               res.Metrics,
		},
	})
}

func isHTML(mime string) bool {
	return strings.Contains(mime, "html") || strings.Contains(mime, "zip")
}
