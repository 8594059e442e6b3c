package curate

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/gates"
	"github.com/hazyhaar/docrec/store"
)

func setup(t *testing.T) (*store.Store, *Service) {
	t.Helper()
	s := store.New(store.OpenMemory(t))
	ctx := context.Background()
	if err := s.CreateDocument(ctx, &store.Document{ID: "doc", ProjectID: "proj", SourceType: "html"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateVersion(ctx, &store.Version{
		DocumentID: "doc", Version: 1, DocHash: "h", Mime: "text/html", Status: store.StatusNeedsReview,
	}); err != nil {
		t.Fatal(err)
	}
	svc := New(s, gates.NewEvaluator(s, gates.DefaultThresholds(), nil), nil)
	return s, svc
}

func seedChunks(t *testing.T, s *store.Store, texts ...string) []chunk.Chunk {
	t.Helper()
	rows := make([]chunk.Chunk, len(texts))
	for i, text := range texts {
		content := chunk.Content{Type: chunk.ContentText, Text: text}
		rows[i] = chunk.Chunk{
			ID:       chunk.DeriveID([]string{"sec"}, content),
			Order:    i,
			Content:  content,
			TextHash: chunk.HashContent(content),
			Meta:     chunk.NewMetadata(),
			Rev:      1,
		}
		rows[i].Meta.System["section_path"] = []string{"sec"}
	}
	if err := s.UpsertAndPrune(context.Background(), "doc", 1, rows); err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestBulkApplyByOrderRange(t *testing.T) {
	s, svc := setup(t)
	ctx := context.Background()
	seedChunks(t, s, "alpha body text", "beta body text", "gamma body text")

	res, err := svc.BulkApply(ctx, Request{
		Selection: Selection{DocumentID: "doc", Version: 1, FromOrder: 0, ToOrder: 1},
		Patch:     Patch{"labels": []string{"reviewed"}},
		User:      "curator@ops",
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 2 {
		t.Errorf("updated = %d", res.Updated)
	}

	chunks, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks[:2] {
		if c.Rev != 2 {
			t.Errorf("curator edit must bump rev: %d", c.Rev)
		}
		labels, _ := c.Meta.Curator["labels"].([]any)
		if len(labels) != 1 || labels[0] != "reviewed" {
			t.Errorf("labels = %v", c.Meta.Curator["labels"])
		}
	}
	if chunks[2].Rev != 1 {
		t.Error("unselected chunk must be untouched")
	}
}

func TestBulkApplyReEvaluatesGates(t *testing.T) {
	s, svc := setup(t)
	ctx := context.Background()
	if err := s.PutTaxonomy(ctx, "proj", 1, []store.TaxonomyField{{Name: "category", Required: true}}); err != nil {
		t.Fatal(err)
	}
	rows := seedChunks(t, s, "only chunk in this document")

	res, err := svc.BulkApply(ctx, Request{
		Selection: Selection{ChunkIDs: []string{rows[0].ID.String()}},
		Patch:     Patch{"curated_fields": map[string]any{"category": "manual"}},
		User:      "curator@ops",
	})
	if err != nil {
		t.Fatal(err)
	}
	decision, ok := res.Statuses["doc@1"]
	if !ok {
		t.Fatal("gate decision missing")
	}
	if decision.Status != store.StatusParsed {
		t.Errorf("status = %s (completeness %v)", decision.Status, decision.Completeness)
	}

	v, err := s.GetVersion(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != store.StatusParsed {
		t.Errorf("version status = %s", v.Status)
	}
}

func TestBulkApplyNilDeletesKey(t *testing.T) {
	s, svc := setup(t)
	ctx := context.Background()
	rows := seedChunks(t, s, "labelled chunk body")

	if _, err := svc.BulkApply(ctx, Request{
		Selection: Selection{ChunkIDs: []string{rows[0].ID.String()}},
		Patch:     Patch{"notes": "temporary"},
		User:      "curator@ops",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.BulkApply(ctx, Request{
		Selection: Selection{ChunkIDs: []string{rows[0].ID.String()}},
		Patch:     Patch{"notes": nil},
		User:      "curator@ops",
	}); err != nil {
		t.Fatal(err)
	}

	chunks, _ := s.LoadChunks(ctx, "doc", 1)
	if _, ok := chunks[0].Meta.Curator["notes"]; ok {
		t.Error("nil patch value must delete the key")
	}
	if chunks[0].Rev != 3 {
		t.Errorf("rev = %d after two edits, want 3", chunks[0].Rev)
	}
}

func TestBulkApplySelectionValidation(t *testing.T) {
	_, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.BulkApply(ctx, Request{
		Selection: Selection{},
		Patch:     Patch{"labels": "x"},
	}); err == nil {
		t.Error("empty selection must error")
	}
	if _, err := svc.BulkApply(ctx, Request{
		Selection: Selection{ChunkIDs: []string{"a"}, DocumentID: "doc"},
		Patch:     Patch{"labels": "x"},
	}); err == nil {
		t.Error("ambiguous selection must error")
	}
	if _, err := svc.BulkApply(ctx, Request{
		Selection: Selection{DocumentID: "doc", Version: 1, FromOrder: 0, ToOrder: 10},
		Patch:     Patch{"labels": "x"},
	}); !errors.Is(err, ErrEmptySelection) {
		t.Errorf("no chunks: err = %v, want ErrEmptySelection", err)
	}
}
