// Package store is the relational writer-of-record for documents, versions
// and chunks. Chunk identity and rev live here; blob artifacts are derived
// and rebuildable, so the rule is always "commit relational first".
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/docrec/chunk"
)

// Status values of a document version.
const (
	StatusIngested    = "ingested"
	StatusParsing     = "parsing"
	StatusParsed      = "parsed"
	StatusNeedsReview = "needs_review"
	StatusFailed      = "failed"
)

// ErrNotFound is returned when a document or version does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict wraps unexpected constraint violations during reconciliation.
var ErrConflict = errors.New("persistence conflict")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators (pipeline queue,
// observability) that share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Document is an ingested document.
type Document struct {
	ID            string
	ProjectID     string
	SourceType    string
	LatestVersion int
	CreatedAt     time.Time
}

// Version is one parse generation of a document.
type Version struct {
	DocumentID string
	Version    int
	DocHash    string
	Mime       string
	Size       int64
	Status     string
	Meta       map[string]any
	CreatedAt  time.Time
}

// CreateDocument inserts a document row.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, source_type, latest_version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.SourceType, d.LatestVersion, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, source_type, COALESCE(latest_version, 0), created_at
		FROM documents WHERE id = ?
	`, id)
	var d Document
	var createdAt int64
	if err := row.Scan(&d.ID, &d.ProjectID, &d.SourceType, &d.LatestVersion, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	return &d, nil
}

// CreateVersion inserts a version row and bumps the document's latest pointer.
func (s *Store) CreateVersion(ctx context.Context, v *Version) error {
	meta, err := json.Marshal(orEmptyMap(v.Meta))
	if err != nil {
		return fmt.Errorf("marshal version meta: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, doc_hash, mime, size, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.DocumentID, v.Version, v.DocHash, v.Mime, v.Size, v.Status, string(meta), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET latest_version = ? WHERE id = ?
	`, v.Version, v.DocumentID)
	if err != nil {
		return fmt.Errorf("update latest version: %w", err)
	}
	return tx.Commit()
}

// GetVersion fetches one document version.
func (s *Store) GetVersion(ctx context.Context, docID string, version int) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, version, doc_hash, mime, size, status, metadata, created_at
		FROM document_versions WHERE document_id = ? AND version = ?
	`, docID, version)
	var v Version
	var meta string
	var createdAt int64
	if err := row.Scan(&v.DocumentID, &v.Version, &v.DocHash, &v.Mime, &v.Size, &v.Status, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("version %s/%d: %w", docID, version, ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &v.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal version meta: %w", err)
	}
	v.CreatedAt = time.Unix(createdAt, 0)
	return &v, nil
}

// SetVersionStatus updates the lifecycle status.
func (s *Store) SetVersionStatus(ctx context.Context, docID string, version int, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE document_versions SET status = ? WHERE document_id = ? AND version = ?
	`, status, docID, version)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %s/%d: %w", docID, version, ErrNotFound)
	}
	return nil
}

// UpdateVersionMeta merges patch into the version's metadata map.
func (s *Store) UpdateVersionMeta(ctx context.Context, docID string, version int, patch map[string]any) error {
	v, err := s.GetVersion(ctx, docID, version)
	if err != nil {
		return err
	}
	meta := orEmptyMap(v.Meta)
	for k, val := range patch {
		meta[k] = val
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal version meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE document_versions SET metadata = ? WHERE document_id = ? AND version = ?
	`, string(data), docID, version)
	if err != nil {
		return fmt.Errorf("update version meta: %w", err)
	}
	return nil
}

// LoadChunks returns the persisted chunk set for a version, ordered.
func (s *Store) LoadChunks(ctx context.Context, docID string, version int) ([]chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ord, content, text_hash, metadata, rev
		FROM chunks WHERE document_id = ? AND version = ?
		ORDER BY ord ASC
	`, docID, version)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var out []chunk.Chunk
	for rows.Next() {
		c, err := scanChunk(rows, docID, version)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunksByID returns chunks matching the given ids, any document.
func (s *Store) GetChunksByID(ctx context.Context, ids []string) ([]chunk.Chunk, error) {
	var out []chunk.Chunk
	for _, id := range ids {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, ord, content, text_hash, metadata, rev, document_id, version
			FROM chunks WHERE id = ?
		`, id)
		if err != nil {
			return nil, fmt.Errorf("get chunk %s: %w", id, err)
		}
		for rows.Next() {
			var c chunk.Chunk
			var content, meta, cid string
			if err := rows.Scan(&cid, &c.Order, &content, &c.TextHash, &meta, &c.Rev, &c.DocumentID, &c.Version); err != nil {
				rows.Close()
				return nil, err
			}
			if err := decodeChunk(&c, cid, content, meta); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, c)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadChunkRange returns chunks of a version with order in [from, to].
func (s *Store) LoadChunkRange(ctx context.Context, docID string, version, from, to int) ([]chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ord, content, text_hash, metadata, rev
		FROM chunks WHERE document_id = ? AND version = ? AND ord BETWEEN ? AND ?
		ORDER BY ord ASC
	`, docID, version, from, to)
	if err != nil {
		return nil, fmt.Errorf("load chunk range: %w", err)
	}
	defer rows.Close()

	var out []chunk.Chunk
	for rows.Next() {
		c, err := scanChunk(rows, docID, version)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertAndPrune reconciles the persisted chunk set with rows in one
// transaction, as an explicit diff-then-apply:
//
//   - existing id, different text_hash: rev = stored rev + 1
//   - existing id, same text_hash:      rev unchanged
//   - new id:                           rev = incoming rev (migration
//     baseline, 1 for genuinely new content)
//   - persisted ids absent from rows:   deleted
//
// content, metadata and order are always overwritten; only rev is
// change-gated. Any failure rolls the whole transaction back.
func (s *Store) UpsertAndPrune(ctx context.Context, docID string, version int, rows []chunk.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing := map[string]struct {
		textHash string
		rev      int
	}{}
	cur, err := tx.QueryContext(ctx, `
		SELECT id, text_hash, rev FROM chunks WHERE document_id = ? AND version = ?
	`, docID, version)
	if err != nil {
		return fmt.Errorf("load existing: %w", err)
	}
	for cur.Next() {
		var id, hash string
		var rev int
		if err := cur.Scan(&id, &hash, &rev); err != nil {
			cur.Close()
			return err
		}
		existing[id] = struct {
			textHash string
			rev      int
		}{hash, rev}
	}
	if err := cur.Err(); err != nil {
		cur.Close()
		return err
	}
	cur.Close()

	// Prune rows whose id vanished from the new set.
	keep := make(map[string]bool, len(rows))
	for _, r := range rows {
		keep[r.ID.String()] = true
	}
	var pruned []string
	for id := range existing {
		if !keep[id] {
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	for _, id := range pruned {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chunks WHERE document_id = ? AND version = ? AND id = ?
		`, docID, version, id); err != nil {
			return fmt.Errorf("prune %s: %w", id, err)
		}
	}

	// Park surviving rows on negative orders so dense reassignment cannot
	// trip the unique (document_id, version, ord) index mid-flight.
	if _, err := tx.ExecContext(ctx, `
		UPDATE chunks SET ord = -ord - 1 WHERE document_id = ? AND version = ?
	`, docID, version); err != nil {
		return fmt.Errorf("park orders: %w", err)
	}

	now := time.Now().Unix()
	for _, r := range rows {
		content, err := json.Marshal(r.Content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		meta, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		id := r.ID.String()
		if old, ok := existing[id]; ok {
			rev := old.rev
			if old.textHash != r.TextHash {
				rev++
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE chunks SET ord = ?, content = ?, text_hash = ?, metadata = ?, rev = ?
				WHERE document_id = ? AND version = ? AND id = ?
			`, r.Order, string(content), r.TextHash, string(meta), rev, docID, version, id)
			if err != nil {
				return fmt.Errorf("update %s: %w (%w)", id, err, ErrConflict)
			}
			continue
		}
		rev := r.Rev
		if rev < 1 {
			rev = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, version, ord, content, text_hash, metadata, rev, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, docID, version, r.Order, string(content), r.TextHash, string(meta), rev, now)
		if err != nil {
			return fmt.Errorf("insert %s: %w (%w)", id, err, ErrConflict)
		}
	}
	return tx.Commit()
}

// UpdateChunkMeta overwrites one chunk's metadata and rev (curator edits).
func (s *Store) UpdateChunkMeta(ctx context.Context, docID string, version int, id string, meta chunk.Metadata, rev int) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET metadata = ?, rev = ?
		WHERE document_id = ? AND version = ? AND id = ?
	`, string(data), rev, docID, version, id)
	if err != nil {
		return fmt.Errorf("update chunk meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddAudit records a curator action on a chunk.
func (s *Store) AddAudit(ctx context.Context, chunkID, user, action string, before, after map[string]any, requestID string) error {
	b, err := json.Marshal(orEmptyMap(before))
	if err != nil {
		return err
	}
	a, err := json.Marshal(orEmptyMap(after))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audits (chunk_id, user, action, before, after, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, chunkID, user, action, string(b), string(a), requestID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// TaxonomyField is one field definition of a project taxonomy.
type TaxonomyField struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// PutTaxonomy stores a taxonomy version for a project.
func (s *Store) PutTaxonomy(ctx context.Context, projectID string, version int, fields []TaxonomyField) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal taxonomy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO taxonomies (project_id, version, fields, created_at) VALUES (?, ?, ?, ?)
	`, projectID, version, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert taxonomy: %w", err)
	}
	return nil
}

// RequiredFields returns the required field names of the project's latest
// taxonomy. No taxonomy means no required fields.
func (s *Store) RequiredFields(ctx context.Context, projectID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fields FROM taxonomies WHERE project_id = ?
		ORDER BY version DESC LIMIT 1
	`, projectID)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var fields []TaxonomyField
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal taxonomy: %w", err)
	}
	var required []string
	for _, f := range fields {
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return required, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner, docID string, version int) (chunk.Chunk, error) {
	var c chunk.Chunk
	var id, content, meta string
	if err := r.Scan(&id, &c.Order, &content, &c.TextHash, &meta, &c.Rev); err != nil {
		return c, err
	}
	c.DocumentID = docID
	c.Version = version
	if err := decodeChunk(&c, id, content, meta); err != nil {
		return c, err
	}
	return c, nil
}

func decodeChunk(c *chunk.Chunk, id, content, meta string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("chunk id %q: %w", id, err)
	}
	c.ID = parsed
	if err := json.Unmarshal([]byte(content), &c.Content); err != nil {
		return fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	if c.Meta.System == nil {
		c.Meta.System = map[string]any{}
	}
	if c.Meta.Curator == nil {
		c.Meta.Curator = map[string]any{}
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
