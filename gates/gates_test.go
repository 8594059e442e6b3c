package gates

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/store"
)

func setup(t *testing.T, mime string) (*store.Store, *Evaluator) {
	t.Helper()
	s := store.New(store.OpenMemory(t))
	ctx := context.Background()
	if err := s.CreateDocument(ctx, &store.Document{ID: "doc", ProjectID: "proj", SourceType: "html"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateVersion(ctx, &store.Version{
		DocumentID: "doc", Version: 1, DocHash: "h", Mime: mime, Status: store.StatusIngested,
	}); err != nil {
		t.Fatal(err)
	}
	return s, NewEvaluator(s, DefaultThresholds(), nil)
}

func curated(text string, order int, fields map[string]any) chunk.Chunk {
	content := chunk.Content{Type: chunk.ContentText, Text: text}
	c := chunk.Chunk{
		ID:       chunk.DeriveID([]string{"sec"}, content),
		Order:    order,
		Content:  content,
		TextHash: chunk.HashContent(content),
		Meta:     chunk.NewMetadata(),
		Rev:      1,
	}
	c.Meta.System["section_path"] = []string{"sec"}
	if fields != nil {
		c.Meta.Curator["curated_fields"] = fields
	}
	return c
}

func TestCompleteness(t *testing.T) {
	a := curated("alpha text here", 0, map[string]any{"category": "pump"})
	b := curated("beta text here", 1, nil)

	if got := Completeness([]chunk.Chunk{a, b}, []string{"category"}); got != 0.5 {
		t.Errorf("completeness = %v, want 0.5", got)
	}
	if got := Completeness([]chunk.Chunk{a, b}, nil); got != 1.0 {
		t.Errorf("no required fields: completeness = %v, want 1.0", got)
	}
	if got := Completeness(nil, []string{"category"}); got != 0.0 {
		t.Errorf("zero chunks: completeness = %v, want 0.0", got)
	}
	if got := Completeness(nil, nil); got != 0.0 {
		t.Errorf("zero chunks outrank no required fields: %v, want 0.0", got)
	}

	empty := curated("gamma", 2, map[string]any{"category": "  "})
	if got := Completeness([]chunk.Chunk{empty}, []string{"category"}); got != 0.0 {
		t.Errorf("blank field value must not count: %v", got)
	}
}

func TestEvaluateFlipsWithCuratorEdits(t *testing.T) {
	s, e := setup(t, "text/html")
	ctx := context.Background()

	if err := s.PutTaxonomy(ctx, "proj", 1, []store.TaxonomyField{{Name: "category", Required: true}}); err != nil {
		t.Fatal(err)
	}
	rows := []chunk.Chunk{
		curated("the pump seal procedure is documented here", 0, map[string]any{"category": "pump"}),
		curated("the valve torque table follows in the annex", 1, nil),
	}
	if err := s.UpsertAndPrune(ctx, "doc", 1, rows); err != nil {
		t.Fatal(err)
	}

	res, err := e.Evaluate(ctx, "doc", "proj", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusNeedsReview {
		t.Fatalf("completeness 0.5 under threshold 0.8 must gate: %+v", res)
	}
	if len(res.Breached) != 1 || res.Breached[0] != "curation_completeness" {
		t.Errorf("breached = %v", res.Breached)
	}

	// Curator fills in the missing field; no re-parse.
	rows[1].Meta.Curator["curated_fields"] = map[string]any{"category": "valve"}
	if err := s.UpdateChunkMeta(ctx, "doc", 1, rows[1].ID.String(), rows[1].Meta, 2); err != nil {
		t.Fatal(err)
	}

	res, err = e.Evaluate(ctx, "doc", "proj", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusParsed {
		t.Fatalf("re-evaluation after edit must flip to parsed: %+v", res)
	}
	if res.Completeness != 1.0 {
		t.Errorf("completeness = %v", res.Completeness)
	}

	v, err := s.GetVersion(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != store.StatusParsed {
		t.Errorf("status not persisted: %s", v.Status)
	}
	if _, ok := v.Meta["gates"]; !ok {
		t.Error("gate result not recorded in version meta")
	}
}

func TestEvaluateSectionCoverageHTMLOnly(t *testing.T) {
	ctx := context.Background()

	bare := chunk.Chunk{
		Content:  chunk.Content{Type: chunk.ContentText, Text: "plain text with no headings at all"},
		TextHash: "x",
		Meta:     chunk.NewMetadata(),
		Rev:      1,
	}
	bare.ID = chunk.DeriveID(nil, bare.Content)

	s, e := setup(t, "text/plain")
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{bare}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Evaluate(ctx, "doc", "proj", 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range res.Breached {
		if b == "html_section_path_coverage" {
			t.Error("section coverage must not gate non-HTML sources")
		}
	}

	s2, e2 := setup(t, "text/html")
	if err := s2.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{bare}); err != nil {
		t.Fatal(err)
	}
	res, err = e2.Evaluate(ctx, "doc", "proj", 1)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, b := range res.Breached {
		if b == "html_section_path_coverage" {
			found = true
		}
	}
	if !found {
		t.Errorf("HTML source without section paths must gate: %v", res.Breached)
	}
}

func TestEvaluateBlockPII(t *testing.T) {
	s, _ := setup(t, "text/html")
	ctx := context.Background()

	th := DefaultThresholds()
	th.BlockPII = true
	e := NewEvaluator(s, th, nil)

	row := curated("escalate to oncall@example.com immediately", 0, nil)
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{row}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Evaluate(ctx, "doc", "proj", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusNeedsReview {
		t.Fatalf("pii with block_pii must gate: %+v", res)
	}
	found := false
	for _, b := range res.Breached {
		if b == "pii_count" {
			found = true
		}
	}
	if !found {
		t.Errorf("breached = %v", res.Breached)
	}
}

func TestEvaluateMissingVersionConservative(t *testing.T) {
	s, e := setup(t, "text/html")
	ctx := context.Background()

	res, err := e.Evaluate(ctx, "nosuch", "proj", 1)
	if !errors.Is(err, ErrEvaluation) {
		t.Errorf("err = %v, want ErrEvaluation", err)
	}
	if res.Status != store.StatusNeedsReview {
		t.Errorf("degraded evaluation must default to needs_review: %+v", res)
	}
	_ = s
}

func TestComputeParseMetrics(t *testing.T) {
	img := chunk.Chunk{
		Content: chunk.Content{Type: chunk.ContentImage, ImageRef: "raw/d/p1.png", OCRText: "scanned words"},
		Meta:    chunk.NewMetadata(),
	}
	emptyText := chunk.Chunk{
		Content: chunk.Content{Type: chunk.ContentText, Text: "   "},
		Meta:    chunk.NewMetadata(),
	}
	normal := curated("regular body text", 0, nil)

	m := ComputeParseMetrics([]chunk.Chunk{img, emptyText, normal})
	if m.OCRRatio != 1.0/3 {
		t.Errorf("ocr_ratio = %v", m.OCRRatio)
	}
	if m.EmptyChunkRatio != 1.0/3 {
		t.Errorf("empty_chunk_ratio = %v", m.EmptyChunkRatio)
	}
	if m.SectionPathCoverage != 1.0/3 {
		t.Errorf("section coverage = %v", m.SectionPathCoverage)
	}
	if m.TextCoverage < 0.99 {
		t.Errorf("text_coverage = %v", m.TextCoverage)
	}

	zero := ComputeParseMetrics(nil)
	if zero != (Metrics{}) {
		t.Errorf("zero chunks must yield zero metrics: %+v", zero)
	}
}
