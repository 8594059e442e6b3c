package docpipe

import (
	"strings"

	"github.com/hazyhaar/docrec/chunk"
)

// extractText splits plain text into paragraph blocks on blank lines.
func extractText(raw []byte, filePath string) []chunk.Block {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	var blocks []chunk.Block
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(strings.ReplaceAll(para, "\n", " "))
		if para == "" {
			continue
		}
		blocks = append(blocks, chunk.Block{
			Text:     para,
			Type:     chunk.BlockText,
			FilePath: filePath,
		})
	}
	return blocks
}
