package docpipe

import (
	"regexp"
	"strings"

	"github.com/hazyhaar/docrec/chunk"
)

var (
	mdHeadingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	stepRe      = regexp.MustCompile(`(?i)^(?:step|étape)\s+\d+\b`)
	mdTableRe   = regexp.MustCompile(`^\s*\|.*\|\s*$`)
)

// extractMarkdown parses Markdown into blocks. Headings carry the title
// kind; lines opening with a step marker carry the step kind; pipe tables
// become table-text blocks.
func extractMarkdown(raw []byte, filePath string) []chunk.Block {
	var blocks []chunk.Block
	var trail []string
	var para []string
	var tableLines []string

	flushPara := func() {
		if len(para) == 0 {
			return
		}
		text := strings.Join(para, " ")
		para = nil
		b := chunk.Block{
			Text:        text,
			Type:        chunk.BlockText,
			FilePath:    filePath,
			SectionPath: append([]string(nil), trail...),
		}
		if stepRe.MatchString(text) {
			b.Metadata = map[string]string{chunk.MetaKind: chunk.KindStep}
		}
		blocks = append(blocks, b)
	}
	flushTable := func() {
		if len(tableLines) == 0 {
			return
		}
		rows := tableLines
		tableLines = nil
		blocks = append(blocks, chunk.Block{
			Text:        strings.Join(mdTableToTSV(rows), "\n"),
			Type:        chunk.BlockTableText,
			FilePath:    filePath,
			SectionPath: append([]string(nil), trail...),
		})
	}

	for _, line := range strings.Split(string(raw), "\n") {
		if m := mdHeadingRe.FindStringSubmatch(line); m != nil {
			flushPara()
			flushTable()
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			for len(trail) < level {
				trail = append(trail, "")
			}
			trail[level-1] = title
			trail = trail[:level]
			blocks = append(blocks, chunk.Block{
				Text:        title,
				Type:        chunk.BlockText,
				FilePath:    filePath,
				SectionPath: cleanTrail(trail),
				Metadata:    map[string]string{chunk.MetaKind: chunk.KindTitle},
			})
			continue
		}
		if mdTableRe.MatchString(line) {
			flushPara()
			tableLines = append(tableLines, line)
			continue
		}
		flushTable()
		if strings.TrimSpace(line) == "" {
			flushPara()
			continue
		}
		para = append(para, strings.TrimSpace(line))
	}
	flushPara()
	flushTable()

	for i := range blocks {
		blocks[i].SectionPath = cleanTrail(blocks[i].SectionPath)
	}
	return blocks
}

func cleanTrail(trail []string) []string {
	var path []string
	for _, h := range trail {
		if h != "" {
			path = append(path, h)
		}
	}
	return path
}

// mdTableToTSV converts pipe-table rows to tab-joined cells, dropping the
// separator row.
func mdTableToTSV(lines []string) []string {
	sepRe := regexp.MustCompile(`^[\s|:\-]+$`)
	var rows []string
	for _, line := range lines {
		if sepRe.MatchString(line) {
			continue
		}
		trimmed := strings.Trim(strings.TrimSpace(line), "|")
		cells := strings.Split(trimmed, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rows = append(rows, strings.Join(cells, "\t"))
	}
	return rows
}
