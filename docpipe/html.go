package docpipe

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/docrec/chunk"
)

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
}

func hasHiddenStyle(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

// extractHTML walks the DOM and emits blocks. The running heading trail
// (h1..h6, outermost first) becomes each block's section path.
func extractHTML(raw []byte) ([]chunk.Block, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	w := &htmlWalker{}
	w.walk(doc)

	if len(w.blocks) == 0 {
		if text := collectText(doc); text != "" {
			w.blocks = append(w.blocks, chunk.Block{Text: text, Type: chunk.BlockText})
		}
	}
	return w.blocks, nil
}

type htmlWalker struct {
	blocks []chunk.Block
	trail  []string // heading text per level, index = level-1
}

func (w *htmlWalker) sectionPath() []string {
	var path []string
	for _, h := range w.trail {
		if h != "" {
			path = append(path, h)
		}
	}
	return path
}

func (w *htmlWalker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header:
			return
		}
		if hasHiddenStyle(n) {
			return
		}

		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			text := collectText(n)
			if text == "" {
				return
			}
			level := int(n.Data[1] - '0')
			w.setHeading(level, text)
			w.blocks = append(w.blocks, chunk.Block{
				Text:        text,
				Type:        chunk.BlockText,
				SectionPath: w.sectionPath(),
				Metadata:    map[string]string{chunk.MetaKind: chunk.KindTitle},
			})
			return

		case atom.P, atom.Ul, atom.Ol, atom.Pre, atom.Blockquote:
			if text := collectText(n); text != "" {
				w.blocks = append(w.blocks, chunk.Block{
					Text:        text,
					Type:        chunk.BlockText,
					SectionPath: w.sectionPath(),
				})
			}
			return

		case atom.Table:
			if rows := tableRows(n); len(rows) > 0 {
				w.blocks = append(w.blocks, chunk.Block{
					Text:        strings.Join(rows, "\n"),
					Type:        chunk.BlockTableText,
					SectionPath: w.sectionPath(),
				})
			}
			return

		case atom.Img:
			var src, alt string
			for _, a := range n.Attr {
				switch a.Key {
				case "src":
					src = a.Val
				case "alt":
					alt = a.Val
				}
			}
			if src != "" {
				w.blocks = append(w.blocks, chunk.Block{
					Text:        alt,
					Type:        chunk.BlockImage,
					SectionPath: w.sectionPath(),
					Metadata:    map[string]string{chunk.MetaImageRef: src},
				})
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

// setHeading records a heading at level and clears deeper levels.
func (w *htmlWalker) setHeading(level int, text string) {
	for len(w.trail) < level {
		w.trail = append(w.trail, "")
	}
	w.trail[level-1] = text
	w.trail = w.trail[:level]
}

// tableRows flattens a table into TSV-style rows, one string per tr.
func tableRows(table *html.Node) []string {
	var rows []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					cells = append(cells, collectText(c))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, "\t"))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

// collectText extracts all visible text from a node subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
			if hasHiddenStyle(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
