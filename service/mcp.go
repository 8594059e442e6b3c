package service

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/curate"
	"github.com/hazyhaar/docrec/store"
)

// StatusInput identifies a document version.
type StatusInput struct {
	DocID   string `json:"doc_id" jsonschema:"document identifier"`
	Version int    `json:"version,omitempty" jsonschema:"version number, defaults to the latest"`
}

// StatusOutput reports the parse state of a document version.
type StatusOutput struct {
	DocID        string   `json:"doc_id"`
	Version      int      `json:"version"`
	Status       string   `json:"status"`
	Breached     []string `json:"breached,omitempty"`
	Completeness float64  `json:"completeness,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ManifestOutput carries the raw manifest JSON of a reconciled version.
type ManifestOutput struct {
	DocID    string `json:"doc_id"`
	Version  int    `json:"version"`
	Manifest string `json:"manifest"`
}

// BulkEditOutput summarizes an applied bulk edit.
type BulkEditOutput struct {
	Updated  int               `json:"updated"`
	Statuses map[string]string `json:"statuses"`
}

// RegisterMCP registers the docrec tools on the MCP server.
func (a *API) RegisterMCP(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "docrec_status",
		Description: "Report the parse status, gate breaches, and curation completeness of a document version",
	}, a.toolStatus)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "docrec_manifest",
		Description: "Fetch the reconciliation manifest of a document version",
	}, a.toolManifest)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "docrec_bulk_edit",
		Description: "Apply a curator metadata patch to selected chunks and re-evaluate quality gates",
	}, a.toolBulkEdit)
}

func (a *API) toolStatus(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	version, err := a.resolveVersion(ctx, in.DocID, in.Version)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	ver, err := a.store.GetVersion(ctx, in.DocID, version)
	if err != nil {
		return nil, StatusOutput{}, err
	}

	out := StatusOutput{DocID: in.DocID, Version: version, Status: ver.Status}
	if g, ok := ver.Meta["gates"].(map[string]any); ok {
		if breached, ok := g["breached"].([]any); ok {
			for _, b := range breached {
				if s, ok := b.(string); ok {
					out.Breached = append(out.Breached, s)
				}
			}
		}
		if c, ok := g["curation_completeness"].(float64); ok {
			out.Completeness = c
		}
	}
	if e, ok := ver.Meta["error"].(map[string]any); ok {
		out.Error, _ = e["message"].(string)
	}
	return nil, out, nil
}

func (a *API) toolManifest(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, ManifestOutput, error) {
	version, err := a.resolveVersion(ctx, in.DocID, in.Version)
	if err != nil {
		return nil, ManifestOutput{}, err
	}
	data, err := a.blobs.Get(blob.ManifestKey(in.DocID, version))
	if err != nil {
		return nil, ManifestOutput{}, fmt.Errorf("manifest not available for %s@%d", in.DocID, version)
	}
	return nil, ManifestOutput{DocID: in.DocID, Version: version, Manifest: string(data)}, nil
}

func (a *API) toolBulkEdit(ctx context.Context, _ *mcp.CallToolRequest, in curate.Request) (*mcp.CallToolResult, BulkEditOutput, error) {
	res, err := a.curator.BulkApply(ctx, in)
	if err != nil {
		return nil, BulkEditOutput{}, err
	}
	out := BulkEditOutput{Updated: res.Updated, Statuses: map[string]string{}}
	for k, v := range res.Statuses {
		out.Statuses[k] = v.Status
	}
	return nil, out, nil
}

// resolveVersion defaults a zero version to the document's latest.
func (a *API) resolveVersion(ctx context.Context, docID string, version int) (int, error) {
	if version > 0 {
		return version, nil
	}
	doc, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	if doc.LatestVersion == 0 {
		return 0, fmt.Errorf("document %s has no versions: %w", docID, store.ErrNotFound)
	}
	return doc.LatestVersion, nil
}
