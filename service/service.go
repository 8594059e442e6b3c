// Package service exposes the docrec HTTP API: document ingestion,
// reconciliation triggers, status and artifact reads, bulk curator edits,
// and project taxonomies. The same operations are also exported as MCP
// tools in mcp.go.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/config"
	"github.com/hazyhaar/docrec/curate"
	"github.com/hazyhaar/docrec/docpipe"
	"github.com/hazyhaar/docrec/pipeline"
	"github.com/hazyhaar/docrec/store"
)

// API wires the stores and queue into HTTP handlers.
type API struct {
	store   *store.Store
	blobs   *blob.Store
	queue   *pipeline.Queue
	curator *curate.Service
	cfg     *config.Config
	log     *slog.Logger
}

// New builds the API.
func New(s *store.Store, b *blob.Store, q *pipeline.Queue, c *curate.Service, cfg *config.Config, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &API{store: s, blobs: b, queue: q, curator: c, cfg: cfg, log: log}
}

// RegisterHTTP mounts the API routes on the router.
func (a *API) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", a.handleIngest)
		r.Get("/documents/{docID}", a.handleDocument)
		r.Route("/documents/{docID}/versions/{version}", func(r chi.Router) {
			r.Get("/", a.handleVersion)
			r.Post("/reconcile", a.handleReconcile)
			r.Get("/manifest", a.handleArtifact(blob.ManifestKey, "application/json"))
			r.Get("/chunks", a.handleArtifact(blob.ChunksKey, "application/x-ndjson"))
			r.Get("/redactions", a.handleArtifact(blob.RedactionsKey, "application/x-ndjson"))
		})
		r.Post("/chunks/bulk-apply", a.handleBulkApply)
		r.Put("/projects/{projectID}/taxonomy", a.handlePutTaxonomy)
		r.Get("/projects/{projectID}/required-fields", a.handleRequiredFields)
		r.Get("/jobs/{jobID}", a.handleJob)
	})
}

// handleIngest accepts a multipart upload, records the document version,
// stores the raw bytes, and enqueues a reconciliation. Re-uploading with an
// existing doc_id creates the next version of that document.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxFileBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	projectID := r.FormValue("project_id")
	sourceType := r.FormValue("source_type")
	if projectID == "" || sourceType == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project_id and source_type are required"))
		return
	}
	switch sourceType {
	case docpipe.SourceHTML, docpipe.SourceMarkdown, docpipe.SourceText, docpipe.SourcePDF, docpipe.SourceBundle:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported source_type %q", sourceType))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file part missing: %w", err))
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty upload"))
		return
	}

	docID := r.FormValue("doc_id")
	version := 1
	if docID == "" {
		docID = uuid.NewString()
		if err := a.store.CreateDocument(ctx, &store.Document{
			ID: docID, ProjectID: projectID, SourceType: sourceType,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	} else {
		doc, err := a.store.GetDocument(ctx, docID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		projectID = doc.ProjectID
		version = doc.LatestVersion + 1
	}

	sum := sha256.Sum256(raw)
	rawKey := blob.RawKey(docID, header.Filename)
	if err := a.blobs.Put(rawKey, raw); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.store.CreateVersion(ctx, &store.Version{
		DocumentID: docID,
		Version:    version,
		DocHash:    hex.EncodeToString(sum[:]),
		Mime:       docpipe.MimeFor(sourceType),
		Size:       int64(len(raw)),
		Status:     store.StatusIngested,
		Meta: map[string]any{
			"raw_key":  rawKey,
			"filename": header.Filename,
		},
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	jobID, err := pipeline.SubmitReconcile(ctx, a.queue, docID, projectID, sourceType, rawKey, version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	a.log.Info("document ingested",
		"doc_id", docID, "version", version,
		"source_type", sourceType, "size", len(raw), "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"doc_id":  docID,
		"version": version,
		"job_id":  jobID,
		"status":  store.StatusIngested,
	})
}

// handleReconcile re-enqueues a reconciliation for an existing version,
// reusing the raw object recorded at ingest. Safe to call repeatedly: a
// version already in flight gets 409 instead of a second job.
func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, version, ok := a.pathVersion(w, r)
	if !ok {
		return
	}
	doc, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ver, err := a.store.GetVersion(ctx, docID, version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rawKey, _ := ver.Meta["raw_key"].(string)
	if rawKey == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("version has no raw object recorded"))
		return
	}

	jobID, err := pipeline.SubmitReconcile(ctx, a.queue, docID, doc.ProjectID, doc.SourceType, rawKey, version)
	if errors.Is(err, pipeline.ErrInFlight) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"doc_id":  docID,
		"version": version,
		"job_id":  jobID,
	})
}

func (a *API) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.store.GetDocument(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":         doc.ID,
		"project_id":     doc.ProjectID,
		"source_type":    doc.SourceType,
		"latest_version": doc.LatestVersion,
		"created_at":     doc.CreatedAt,
	})
}

// handleVersion returns the version status including gate decisions and any
// failure diagnostics recorded in the version metadata.
func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	docID, version, ok := a.pathVersion(w, r)
	if !ok {
		return
	}
	ver, err := a.store.GetVersion(r.Context(), docID, version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":     ver.DocumentID,
		"version":    ver.Version,
		"status":     ver.Status,
		"doc_hash":   ver.DocHash,
		"mime":       ver.Mime,
		"size":       ver.Size,
		"meta":       ver.Meta,
		"created_at": ver.CreatedAt,
	})
}

// handleArtifact serves a derived artifact straight from the blob store.
func (a *API) handleArtifact(key func(string, int) string, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, version, ok := a.pathVersion(w, r)
		if !ok {
			return
		}
		data, err := a.blobs.Get(key(docID, version))
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("artifact not available"))
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (a *API) handleBulkApply(w http.ResponseWriter, r *http.Request) {
	var req curate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	res, err := a.curator.BulkApply(r.Context(), req)
	if errors.Is(err, curate.ErrEmptySelection) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePutTaxonomy(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req struct {
		Version int                   `json:"version"`
		Fields  []store.TaxonomyField `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("version must be > 0"))
		return
	}
	if err := a.store.PutTaxonomy(r.Context(), projectID, req.Version, req.Fields); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"project_id": projectID,
		"version":    req.Version,
		"fields":     len(req.Fields),
	})
}

func (a *API) handleRequiredFields(w http.ResponseWriter, r *http.Request) {
	required, err := a.store.RequiredFields(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if required == nil {
		required = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"required": required})
}

func (a *API) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) pathVersion(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	docID := chi.URLParam(r, "docID")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version"))
		return "", 0, false
	}
	return docID, version, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
