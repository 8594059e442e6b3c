package chunk

import (
	"strings"

	"github.com/hazyhaar/docrec/textnorm"
)

// AssemblerConfig bounds chunk sizes. Explicit struct, no ambient globals.
type AssemblerConfig struct {
	// MaxTokens is the whitespace-token budget per text chunk.
	MaxTokens int
}

func (c *AssemblerConfig) defaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 900
	}
}

// Assembler groups blocks into chunks. It is a pure function of its input:
// identical block sequences always produce identical chunk sequences (same
// ids, same order), which the reconciliation engine depends on.
type Assembler struct {
	cfg AssemblerConfig
}

// NewAssembler creates an Assembler with the given configuration.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	cfg.defaults()
	return &Assembler{cfg: cfg}
}

// run is the accumulating text buffer between flush points.
type run struct {
	texts   []string
	tokens  int
	page    int
	section []string
	file    string
	meta    map[string]string
}

// Assemble converts an ordered block sequence into an ordered chunk
// sequence. Text blocks accumulate until the token budget is reached, the
// section path or grouping metadata changes, or a structural block is
// encountered. Table and image blocks always flush the buffer first and
// become standalone chunks. Zero blocks produce zero chunks.
func (a *Assembler) Assemble(docID string, version int, blocks []Block) []Chunk {
	var chunks []Chunk
	var buf run
	var curStep, nextStep int
	nextStep = 1

	flush := func() {
		if len(buf.texts) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(buf.texts, "\n"))
		content := Content{Type: ContentText, Text: text}
		meta := NewMetadata()
		for k, v := range buf.meta {
			if k == MetaKind {
				continue
			}
			meta.System[k] = v
		}
		fillSystemMeta(meta, ContentText, buf.file, buf.page, buf.section, curStep)
		chunks = append(chunks, Chunk{
			ID:         DeriveID(buf.section, content),
			DocumentID: docID,
			Version:    version,
			Order:      len(chunks),
			Content:    content,
			TextHash:   HashContent(content),
			Meta:       meta,
			Rev:        1,
		})
		buf = run{}
	}

	standalone := func(b Block, content Content) {
		flush()
		meta := NewMetadata()
		for k, v := range b.Metadata {
			if k == MetaImageRef || k == MetaOCRText {
				continue
			}
			meta.System[k] = v
		}
		fillSystemMeta(meta, content.Type, b.FilePath, b.Page, b.SectionPath, curStep)
		chunks = append(chunks, Chunk{
			ID:         DeriveID(b.SectionPath, content),
			DocumentID: docID,
			Version:    version,
			Order:      len(chunks),
			Content:    content,
			TextHash:   HashContent(content),
			Meta:       meta,
			Rev:        1,
		})
	}

	for _, b := range blocks {
		switch b.Type {
		case BlockTablePlaceholder:
			standalone(b, Content{Type: ContentTablePlaceholder})
			continue

		case BlockTableText:
			flush()
			for _, part := range splitTableText(b.Text, a.cfg.MaxTokens) {
				standalone(b, Content{Type: ContentTableText, Text: part})
			}
			continue

		case BlockImage:
			standalone(b, Content{
				Type:     ContentImage,
				ImageRef: b.Metadata[MetaImageRef],
				OCRText:  b.Metadata[MetaOCRText],
			})
			continue
		}

		// Text block. Grouping resets: file change, title/step markers,
		// section path change.
		if len(buf.texts) > 0 && b.FilePath != buf.file {
			flush()
			curStep = 0
		}
		switch b.Metadata[MetaKind] {
		case KindTitle:
			flush()
			curStep = 0
		case KindStep:
			flush()
			curStep = nextStep
			nextStep++
		}
		if len(buf.texts) > 0 && !samePath(b.SectionPath, buf.section) {
			flush()
		}

		if len(buf.texts) == 0 {
			buf.page = b.Page
			buf.section = append([]string(nil), b.SectionPath...)
			buf.file = b.FilePath
			buf.meta = b.Metadata
		}
		buf.texts = append(buf.texts, b.Text)
		buf.tokens += textnorm.TokenCount(b.Text)
		if buf.tokens >= a.cfg.MaxTokens {
			flush()
		}
	}
	flush()
	return chunks
}

// splitTableText sub-splits table text by lines under the token budget,
// never breaking inside a row so column alignment survives. A single row
// over the budget still becomes its own part.
func splitTableText(text string, maxTokens int) []string {
	lines := strings.Split(text, "\n")
	var parts []string
	var buf []string
	tokens := 0
	for _, line := range lines {
		lt := textnorm.TokenCount(line)
		if len(buf) > 0 && tokens+lt > maxTokens {
			parts = append(parts, strings.TrimSpace(strings.Join(buf, "\n")))
			buf = buf[:0]
			tokens = 0
		}
		buf = append(buf, line)
		tokens += lt
	}
	if len(buf) > 0 {
		if p := strings.TrimSpace(strings.Join(buf, "\n")); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func fillSystemMeta(m Metadata, ct ContentType, file string, page int, section []string, step int) {
	m.System["content_type"] = string(ct)
	if file != "" {
		m.System["file_path"] = file
	}
	if page > 0 {
		m.System["page"] = page
	}
	m.System["section_path"] = append([]string(nil), section...)
	if step > 0 {
		m.System["step_id"] = step
	}
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
