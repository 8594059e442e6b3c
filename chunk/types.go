// Package chunk defines the block and chunk model and the assembler that
// groups extracted blocks into content-addressed chunks.
package chunk

import (
	"github.com/google/uuid"

	"github.com/hazyhaar/docrec/textnorm"
)

// BlockType identifies the structural kind of an extracted block.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockTablePlaceholder BlockType = "table_placeholder"
	BlockTableText        BlockType = "table_text"
	BlockImage            BlockType = "image"
)

// Block is one typed unit emitted by the structural extractor. Blocks are
// ephemeral: they are never persisted, only assembled into chunks.
type Block struct {
	Text        string
	Type        BlockType
	FilePath    string   // source file within a bundle, "" when single-file
	Page        int      // 1-based page number, 0 when unknown
	SectionPath []string // heading trail, outermost first
	Metadata    map[string]string
}

// Block metadata keys understood by the assembler.
const (
	// MetaKind marks grouping resets: "title" starts a new run,
	// "step" starts a new run and assigns a sequential step id.
	MetaKind = "kind"

	KindTitle = "title"
	KindStep  = "step"

	// MetaImageRef carries the blob key of an image block.
	MetaImageRef = "image_ref"
	// MetaOCRText carries OCR output attached to an image block.
	MetaOCRText = "ocr_text"
	// MetaSourceStage records which pipeline stage produced the block.
	MetaSourceStage = "source_stage"
)

// ContentType identifies what a chunk holds.
type ContentType string

const (
	ContentText             ContentType = "text"
	ContentTablePlaceholder ContentType = "table_placeholder"
	ContentTableText        ContentType = "table_text"
	ContentImage            ContentType = "image"
)

// Content is the tagged payload of a chunk. Table placeholders carry no
// text; all other types do (images through OCRText).
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageRef string      `json:"image_ref,omitempty"`
	OCRText  string      `json:"ocr_text,omitempty"`
}

// Metadata splits chunk metadata into parser-owned and curator-owned maps.
// The split is structural, not a string-set convention: reconciliation
// overwrites System wholesale and migrates Curator forward.
type Metadata struct {
	System  map[string]any `json:"system"`
	Curator map[string]any `json:"curator"`
}

// NewMetadata returns an empty Metadata with both maps allocated.
func NewMetadata() Metadata {
	return Metadata{System: map[string]any{}, Curator: map[string]any{}}
}

// curatorKeys are the metadata keys owned by curators. Used only when
// ingesting flat maps from external callers; internally the split is typed.
var curatorKeys = map[string]bool{
	"labels":         true,
	"tags":           true,
	"notes":          true,
	"curated_fields": true,
	"suggestions":    true,
}

// SplitMeta sorts a flat metadata map into the typed System/Curator split.
func SplitMeta(flat map[string]any) Metadata {
	m := NewMetadata()
	for k, v := range flat {
		if curatorKeys[k] {
			m.Curator[k] = v
		} else {
			m.System[k] = v
		}
	}
	return m
}

// Flat merges both sub-maps for artifact emission. Curator keys win on
// collision, which cannot happen for well-formed input.
func (m Metadata) Flat() map[string]any {
	out := make(map[string]any, len(m.System)+len(m.Curator))
	for k, v := range m.System {
		out[k] = v
	}
	for k, v := range m.Curator {
		out[k] = v
	}
	return out
}

// Clone returns a deep-enough copy (sub-maps copied, values shared).
func (m Metadata) Clone() Metadata {
	c := NewMetadata()
	for k, v := range m.System {
		c.System[k] = v
	}
	for k, v := range m.Curator {
		c.Curator[k] = v
	}
	return c
}

// Chunk is the unit of truth for downstream curation.
type Chunk struct {
	ID         uuid.UUID `json:"id"`
	DocumentID string    `json:"document_id"`
	Version    int       `json:"version"`
	Order      int       `json:"order"`
	Content    Content   `json:"content"`
	TextHash   string    `json:"text_hash"`
	Meta       Metadata  `json:"metadata"`
	Rev        int       `json:"rev"`
}

// Page returns the source page recorded by the assembler, 0 when unknown.
func (c *Chunk) Page() int {
	if p, ok := c.Meta.System["page"].(int); ok {
		return p
	}
	// JSON round-trips land here.
	if p, ok := c.Meta.System["page"].(float64); ok {
		return int(p)
	}
	return 0
}

// SectionPath returns the section path recorded by the assembler.
func (c *Chunk) SectionPath() []string {
	switch v := c.Meta.System["section_path"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HashContent computes the content hash used for change detection.
// Text-bearing content hashes its normalized text; placeholders hash the
// content type; images hash the image ref plus OCR text.
func HashContent(c Content) string {
	switch c.Type {
	case ContentText, ContentTableText:
		if c.Text != "" {
			return textnorm.SHA256Hex(textnorm.Normalize(c.Text))
		}
		return textnorm.SHA256Hex(string(c.Type))
	case ContentImage:
		return textnorm.SHA256Hex(c.ImageRef + "\x00" + textnorm.Normalize(c.OCRText))
	default:
		return textnorm.SHA256Hex(string(c.Type))
	}
}

// DeriveID computes the deterministic chunk identity from the section path
// and content. Two parses of identical content yield the same id.
func DeriveID(sectionPath []string, c Content) uuid.UUID {
	var key string
	switch c.Type {
	case ContentText, ContentTableText:
		key = textnorm.StableChunkKey(sectionPath, c.Text)
	case ContentImage:
		key = textnorm.SHA256Hex("image\x00" + c.ImageRef + "\x00" + textnorm.Normalize(c.OCRText))
	default:
		key = textnorm.StableChunkKey(sectionPath, string(c.Type))
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("docrec:chunk:"+key))
}
