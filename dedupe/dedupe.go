// Package dedupe drops near-duplicate chunks using a 64-bit SimHash with
// banded locality-sensitive hashing, confirmed by a MinHash Jaccard check.
//
// The 64 fingerprint bits are split into 8 bands of 8 bits; accepted items
// are indexed in all 8 band tables. A candidate only compares against items
// sharing at least one band slice, which keeps the check sub-quadratic:
// two fingerprints within the Hamming tolerance must agree exactly on at
// least one band.
package dedupe

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/docrec/chunk"
	"github.com/hazyhaar/docrec/textnorm"
)

const (
	bands       = 8
	bandBits    = 8
	minhashPerm = 64
)

// DefaultThreshold is the similarity above which two texts count as
// duplicates. 0.85 tolerates a Hamming distance of 9 bits (64×0.15).
const DefaultThreshold = 0.85

// Stats reports a filtering pass.
type Stats struct {
	Input   int `json:"input"`
	Dropped int `json:"dropped"`
	Kept    int `json:"kept"`
}

type entry struct {
	sig uint64
	min []uint64
}

// Filter holds the per-call LSH band tables. Not safe for concurrent use;
// create one Filter per document. First-seen items always win, so filtering
// is deliberately order-sensitive.
type Filter struct {
	threshold float64
	maxHam    int
	tables    [bands]map[uint8][]entry
}

// NewFilter creates a Filter. threshold <= 0 selects DefaultThreshold.
func NewFilter(threshold float64) *Filter {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	f := &Filter{
		threshold: threshold,
		maxHam:    int(64 * (1 - threshold)),
	}
	for b := range f.tables {
		f.tables[b] = make(map[uint8][]entry)
	}
	return f
}

// Filter returns the chunks considered novel, in input order, plus drop
// statistics. Chunks without text content pass through untouched.
func (f *Filter) Filter(chunks []chunk.Chunk) ([]chunk.Chunk, Stats) {
	stats := Stats{Input: len(chunks)}
	kept := make([]chunk.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		text := ch.Content.Text
		if text == "" {
			kept = append(kept, ch)
			continue
		}
		if f.Seen(text) {
			stats.Dropped++
			continue
		}
		f.Add(text)
		kept = append(kept, ch)
	}
	stats.Kept = len(kept)
	return kept, stats
}

// Seen reports whether text is a near-duplicate of an already-added item.
func (f *Filter) Seen(text string) bool {
	sig, min := fingerprints(text)
	for b := 0; b < bands; b++ {
		key := bandKey(sig, b)
		for _, e := range f.tables[b][key] {
			if bits.OnesCount64(e.sig^sig) <= f.maxHam && jaccard(e.min, min) >= f.threshold {
				return true
			}
		}
	}
	return false
}

// Add indexes text in all band tables.
func (f *Filter) Add(text string) {
	sig, min := fingerprints(text)
	e := entry{sig: sig, min: min}
	for b := 0; b < bands; b++ {
		key := bandKey(sig, b)
		f.tables[b][key] = append(f.tables[b][key], e)
	}
}

func bandKey(sig uint64, band int) uint8 {
	return uint8(sig >> (band * bandBits))
}

func fingerprints(text string) (uint64, []uint64) {
	tokens := strings.Fields(textnorm.Normalize(text))
	return Simhash(tokens), minhash(tokens)
}

// Simhash computes the 64-bit token-weighted fingerprint: each token's hash
// contributes +1 or -1 to every bit position, the final bit is the sign of
// the accumulated weight.
func Simhash(tokens []string) uint64 {
	var weights [64]int
	for _, tok := range tokens {
		h := tokenHash(tok)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	var sig uint64
	for i, w := range weights {
		if w > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// minhash computes a 64-permutation MinHash signature over the token set.
func minhash(tokens []string) []uint64 {
	sig := make([]uint64, minhashPerm)
	for i := range sig {
		min := ^uint64(0)
		for _, tok := range tokens {
			if h := tokenHash(fmt.Sprintf("%s-%d", tok, i)); h < min {
				min = h
			}
		}
		if len(tokens) == 0 {
			min = 0
		}
		sig[i] = min
	}
	return sig
}

// jaccard approximates set similarity as the fraction of matching
// signature positions.
func jaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// tokenHash maps a token to a stable 64-bit value.
func tokenHash(tok string) uint64 {
	sum := blake2b.Sum256([]byte(tok))
	return binary.BigEndian.Uint64(sum[:8])
}

// Hamming returns the bit distance between two fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// MaxHamming returns the tolerated Hamming distance for a threshold.
func MaxHamming(threshold float64) int {
	return int(64 * (1 - threshold))
}
