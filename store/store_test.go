package store

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/docrec/chunk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(OpenMemory(t))
}

func seedDoc(t *testing.T, s *Store, docID string) {
	t.Helper()
	ctx := context.Background()
	err := s.CreateDocument(ctx, &Document{ID: docID, ProjectID: "proj", SourceType: "html"})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	err = s.CreateVersion(ctx, &Version{
		DocumentID: docID, Version: 1, DocHash: "h", Mime: "text/html",
		Size: 10, Status: StatusIngested,
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
}

func textRow(text string, order int) chunk.Chunk {
	content := chunk.Content{Type: chunk.ContentText, Text: text}
	return chunk.Chunk{
		ID:       chunk.DeriveID(nil, content),
		Order:    order,
		Content:  content,
		TextHash: chunk.HashContent(content),
		Meta:     chunk.NewMetadata(),
		Rev:      1,
	}
}

func TestUpsertAndPruneIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedDoc(t, s, "doc")
	ctx := context.Background()

	rows := []chunk.Chunk{textRow("alpha", 0), textRow("beta", 1)}
	for i := 0; i < 3; i++ {
		if err := s.UpsertAndPrune(ctx, "doc", 1, rows); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	got, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	for _, c := range got {
		if c.Rev != 1 {
			t.Errorf("chunk %s rev = %d after identical re-runs, want 1", c.ID, c.Rev)
		}
	}
}

func TestUpsertAndPruneRevBumpOnTextChange(t *testing.T) {
	s := newTestStore(t)
	seedDoc(t, s, "doc")
	ctx := context.Background()

	first := textRow("original text", 0)
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{first}); err != nil {
		t.Fatal(err)
	}

	// Same id, different hash: simulates re-parse where content under the
	// same identity changed (OCR improved for the same image ref).
	changed := first
	changed.TextHash = chunk.HashContent(chunk.Content{Type: chunk.ContentText, Text: "revised"})
	changed.Content.Text = "revised"
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{changed}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(got))
	}
	if got[0].Rev != 2 {
		t.Errorf("rev = %d, want 2", got[0].Rev)
	}
	if got[0].Content.Text != "revised" {
		t.Errorf("content not overwritten: %q", got[0].Content.Text)
	}
}

func TestUpsertAndPrunePrunesAbsentIDs(t *testing.T) {
	s := newTestStore(t)
	seedDoc(t, s, "doc")
	ctx := context.Background()

	a := textRow("keep me", 0)
	b := textRow("drop me", 1)
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{a}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("expected only %s to survive, got %d chunks", a.ID, len(got))
	}
}

func TestUpsertAndPruneReorderSwap(t *testing.T) {
	s := newTestStore(t)
	seedDoc(t, s, "doc")
	ctx := context.Background()

	a := textRow("first", 0)
	b := textRow("second", 1)
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{a, b}); err != nil {
		t.Fatal(err)
	}

	// Swapping orders must not trip the unique (doc, version, ord) index
	// and must not bump revs.
	a.Order, b.Order = 1, 0
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{b, a}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	got, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Error("orders not swapped")
	}
	for _, c := range got {
		if c.Rev != 1 {
			t.Errorf("reorder must not bump rev, got %d", c.Rev)
		}
	}
}

func TestUpsertAndPruneMetadataOverwritten(t *testing.T) {
	s := newTestStore(t)
	seedDoc(t, s, "doc")
	ctx := context.Background()

	row := textRow("stable", 0)
	row.Meta.Curator["labels"] = []string{"old"}
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{row}); err != nil {
		t.Fatal(err)
	}

	// The writer hands the store pre-migrated metadata; the store applies
	// it wholesale even when text is unchanged.
	row.Meta = chunk.NewMetadata()
	row.Meta.Curator["labels"] = []string{"new"}
	if err := s.UpsertAndPrune(ctx, "doc", 1, []chunk.Chunk{row}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadChunks(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	labels, _ := got[0].Meta.Curator["labels"].([]any)
	if len(labels) != 1 || labels[0] != "new" {
		t.Errorf("labels = %v, want [new]", got[0].Meta.Curator["labels"])
	}
	if got[0].Rev != 1 {
		t.Errorf("metadata-only overwrite must not bump rev, got %d", got[0].Rev)
	}
}

func TestVersionLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedDoc(t, s, "doc")
	ctx := context.Background()

	if err := s.SetVersionStatus(ctx, "doc", 1, StatusParsing); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateVersionMeta(ctx, "doc", 1, map[string]any{
		"parse": map[string]any{"parts": map[string]any{"intro.html": "abc"}},
	}); err != nil {
		t.Fatal(err)
	}

	v, err := s.GetVersion(ctx, "doc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != StatusParsing {
		t.Errorf("status = %s", v.Status)
	}
	if _, ok := v.Meta["parse"]; !ok {
		t.Error("parse meta not persisted")
	}

	if err := s.SetVersionStatus(ctx, "doc", 99, StatusParsed); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version: err = %v, want ErrNotFound", err)
	}

	d, err := s.GetDocument(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if d.LatestVersion != 1 {
		t.Errorf("latest_version = %d", d.LatestVersion)
	}
}

func TestRequiredFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.RequiredFields(ctx, "nosuch")
	if err != nil || got != nil {
		t.Fatalf("no taxonomy: fields=%v err=%v", got, err)
	}

	err = s.PutTaxonomy(ctx, "proj", 1, []TaxonomyField{
		{Name: "category", Required: true},
		{Name: "notes", Required: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.PutTaxonomy(ctx, "proj", 2, []TaxonomyField{
		{Name: "category", Required: true},
		{Name: "severity", Required: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err = s.RequiredFields(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "category" || got[1] != "severity" {
		t.Errorf("latest taxonomy must win: %v", got)
	}
}
