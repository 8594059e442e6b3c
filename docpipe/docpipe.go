// Package docpipe extracts typed blocks from raw document bytes.
//
// Supported source types:
//   - html    : single HTML file (heading trail becomes the section path)
//   - markdown : Markdown with title and step-marker detection
//   - text    : plain text (blank-line paragraphs)
//   - pdf     : PDF via pdfcpu; weak-text pages become image blocks for OCR
//   - bundle  : zip of HTML files, each sanitized and converted to Markdown
//
// Blocks are ephemeral: the assembler turns them into chunks.
package docpipe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/docrec/chunk"
)

// Source types accepted by Extract.
const (
	SourceHTML     = "html"
	SourceMarkdown = "markdown"
	SourceText     = "text"
	SourcePDF      = "pdf"
	SourceBundle   = "bundle"
)

// Extraction is the output of one Extract call.
type Extraction struct {
	Blocks []chunk.Block
	Files  []string // bundle member paths, nil for single-file sources
	Pages  int      // pdf page count, 0 otherwise
}

// Extractor turns raw bytes into a block stream.
type Extractor struct {
	sanitizer   *bluemonday.Policy
	mdConverter *converter.Converter
	log         *slog.Logger
}

// New creates an Extractor.
func New(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{
		sanitizer: bluemonday.UGCPolicy(),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		log: log,
	}
}

// Extract parses raw into blocks according to sourceType.
func (e *Extractor) Extract(ctx context.Context, raw []byte, sourceType string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch sourceType {
	case SourceHTML:
		blocks, err := extractHTML(raw)
		if err != nil {
			return nil, err
		}
		return &Extraction{Blocks: blocks}, nil
	case SourceMarkdown:
		return &Extraction{Blocks: extractMarkdown(raw, "")}, nil
	case SourceText:
		return &Extraction{Blocks: extractText(raw, "")}, nil
	case SourcePDF:
		return extractPDF(raw)
	case SourceBundle:
		return e.extractBundle(raw)
	default:
		return nil, fmt.Errorf("unsupported source type %q", sourceType)
	}
}

// MimeFor maps a source type to the mime recorded on the version.
func MimeFor(sourceType string) string {
	switch sourceType {
	case SourceHTML:
		return "text/html"
	case SourceMarkdown:
		return "text/markdown"
	case SourceText:
		return "text/plain"
	case SourcePDF:
		return "application/pdf"
	case SourceBundle:
		return "application/zip"
	}
	return "application/octet-stream"
}
