// Package incremental plans file/page-level deltas between successive
// parses of the same document version. The result is a skip/report signal
// for callers; reconciliation correctness never depends on it.
package incremental

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/textnorm"
)

// Delta lists part keys that appeared, vanished, or changed content,
// each sorted ascending.
type Delta struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// HashParts maps each part key to the hash of its concatenated block texts
// in stream order. Part key = file path when present, else the page number;
// blocks with neither are excluded from part tracking.
func HashParts(blocks []chunk.Block) map[string]string {
	texts := map[string][]string{}
	var order []string
	for _, b := range blocks {
		var key string
		switch {
		case b.FilePath != "":
			key = b.FilePath
		case b.Page > 0:
			key = strconv.Itoa(b.Page)
		default:
			continue
		}
		if b.Text == "" {
			continue
		}
		if _, seen := texts[key]; !seen {
			order = append(order, key)
		}
		texts[key] = append(texts[key], b.Text)
	}
	parts := make(map[string]string, len(order))
	for _, key := range order {
		parts[key] = textnorm.SHA256Hex(strings.Join(texts[key], ""))
	}
	return parts
}

// PlanDeltas computes the new part-hash map for blocks and the delta
// against the previous map.
func PlanDeltas(blocks []chunk.Block, previous map[string]string) (map[string]string, Delta) {
	current := HashParts(blocks)
	var d Delta
	for k := range current {
		prev, ok := previous[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case prev != current[k]:
			d.Changed = append(d.Changed, k)
		}
	}
	for k := range previous {
		if _, ok := current[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return current, d
}
