package docpipe

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// maxBundleMember caps a single decompressed member (zip bomb guard).
const maxBundleMember = 64 << 20

// extractBundle walks a zip of HTML files. Each member is sanitized,
// converted to Markdown, and extracted with its path as file_path so the
// delta planner can track per-file changes.
func (e *Extractor) extractBundle(raw []byte) (*Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	members := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(path.Base(f.Name), ".") {
			continue
		}
		if strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
			members = append(members, f)
		}
	}
	// Stable member order keeps assembly deterministic.
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	out := &Extraction{}
	for _, f := range members {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxBundleMember))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read member %s: %w", f.Name, err)
		}

		clean := e.sanitizer.SanitizeBytes(data)
		md, err := e.mdConverter.ConvertString(string(clean))
		if err != nil {
			e.log.Warn("markdown conversion failed, extracting html directly",
				"file", f.Name, "error", err)
			blocks, herr := extractHTML(clean)
			if herr != nil {
				return nil, fmt.Errorf("member %s: %w", f.Name, herr)
			}
			for i := range blocks {
				blocks[i].FilePath = f.Name
			}
			out.Blocks = append(out.Blocks, blocks...)
			out.Files = append(out.Files, f.Name)
			continue
		}

		blocks := extractMarkdown([]byte(md), f.Name)
		out.Blocks = append(out.Blocks, blocks...)
		out.Files = append(out.Files, f.Name)
	}
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("bundle contains no html members")
	}
	return out, nil
}
