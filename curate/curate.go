// Package curate applies curator edits to chunk metadata. Edits bump rev,
// leave an audit trail, and re-trigger gate evaluation for the affected
// document versions without re-parsing.
package curate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/gates"
	"github.com/hazyhaar/docrec/store"
)

// ErrEmptySelection means the request matched no chunks.
var ErrEmptySelection = errors.New("selection matched no chunks")

// Selection picks chunks either by explicit ids or by a document order
// range. Exactly one form must be set.
type Selection struct {
	ChunkIDs []string `json:"chunk_ids,omitempty"`

	DocumentID string `json:"document_id,omitempty"`
	Version    int    `json:"version,omitempty"`
	FromOrder  int    `json:"from_order,omitempty"`
	ToOrder    int    `json:"to_order,omitempty"`
}

// Patch is the curator metadata change to apply. Nil values delete keys.
type Patch map[string]any

// Request is one bulk edit.
type Request struct {
	Selection Selection `json:"selection"`
	Patch     Patch     `json:"patch"`
	User      string    `json:"user"`
	RequestID string    `json:"request_id"`
}

// Result summarizes an applied bulk edit.
type Result struct {
	Updated  int                     `json:"updated"`
	Statuses map[string]gates.Result `json:"statuses"` // doc_id@version -> gate decision
}

// Service applies bulk edits.
type Service struct {
	store     *store.Store
	evaluator *gates.Evaluator
	log       *slog.Logger
}

// New builds a Service.
func New(s *store.Store, e *gates.Evaluator, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, evaluator: e, log: log}
}

// BulkApply patches curator metadata on every selected chunk, bumping rev
// and auditing each change, then re-evaluates gates for every touched
// document version.
func (s *Service) BulkApply(ctx context.Context, req Request) (*Result, error) {
	if len(req.Patch) == 0 {
		return nil, fmt.Errorf("empty patch")
	}
	chunks, err := s.resolve(ctx, req.Selection)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrEmptySelection
	}

	type docVer struct {
		docID   string
		version int
	}
	touched := map[docVer]string{} // -> project id resolved lazily

	for _, c := range chunks {
		before := c.Meta.Clone().Curator
		meta := c.Meta.Clone()
		for k, v := range req.Patch {
			if v == nil {
				delete(meta.Curator, k)
				continue
			}
			meta.Curator[k] = v
		}
		if err := s.store.UpdateChunkMeta(ctx, c.DocumentID, c.Version, c.ID.String(), meta, c.Rev+1); err != nil {
			return nil, fmt.Errorf("update %s: %w", c.ID, err)
		}
		if err := s.store.AddAudit(ctx, c.ID.String(), req.User, "bulk_apply",
			before, meta.Curator, req.RequestID); err != nil {
			return nil, fmt.Errorf("audit %s: %w", c.ID, err)
		}
		touched[docVer{c.DocumentID, c.Version}] = ""
	}

	res := &Result{Updated: len(chunks), Statuses: map[string]gates.Result{}}
	for dv := range touched {
		doc, err := s.store.GetDocument(ctx, dv.docID)
		if err != nil {
			return res, err
		}
		gateRes, err := s.evaluator.Evaluate(ctx, dv.docID, doc.ProjectID, dv.version)
		if err != nil && !errors.Is(err, gates.ErrEvaluation) {
			return res, err
		}
		res.Statuses[fmt.Sprintf("%s@%d", dv.docID, dv.version)] = gateRes
	}

	s.log.Info("bulk edit applied",
		"user", req.User, "request_id", req.RequestID,
		"updated", res.Updated, "versions", len(touched))
	return res, nil
}

func (s *Service) resolve(ctx context.Context, sel Selection) ([]chunk.Chunk, error) {
	switch {
	case len(sel.ChunkIDs) > 0 && sel.DocumentID != "":
		return nil, fmt.Errorf("selection must use ids or an order range, not both")
	case len(sel.ChunkIDs) > 0:
		return s.store.GetChunksByID(ctx, sel.ChunkIDs)
	case sel.DocumentID != "":
		if sel.ToOrder < sel.FromOrder {
			return nil, fmt.Errorf("invalid order range [%d, %d]", sel.FromOrder, sel.ToOrder)
		}
		return s.store.LoadChunkRange(ctx, sel.DocumentID, sel.Version, sel.FromOrder, sel.ToOrder)
	default:
		return nil, fmt.Errorf("empty selection")
	}
}
