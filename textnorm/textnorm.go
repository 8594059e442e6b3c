// Package textnorm provides text normalization and stable hashing shared by
// the chunk assembler, the delta planner and the reconciliation engine.
//
// Every identity in the system (chunk id, text_hash, part hash) flows through
// Normalize + SHA256: two parses of the same bytes must produce the same
// hashes, so nothing here may depend on locale, map order or randomness.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize prepares text for stable hashing and token counting:
// Unicode NFC, soft hyphens and common ligatures replaced, control
// characters dropped, whitespace collapsed, lowercased.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "­", "") // soft hyphen
	s = strings.ReplaceAll(s, "ﬁ", "fi")
	s = strings.ReplaceAll(s, "ﬂ", "fl")
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			r = ' '
		}
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		prevSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}

// TokenCount approximates token count by whitespace splitting.
// Deterministic by construction; chunk identities depend on it.
func TokenCount(s string) int {
	return len(strings.Fields(s))
}

// SHA256Hex returns the SHA-256 hex digest of a UTF-8 string.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA256Bytes returns the SHA-256 hex digest of raw bytes.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StableChunkKey combines a section path and normalized text into the key
// chunk ids are derived from. The NUL separator keeps ("a/b", "c") and
// ("a", "b/c") distinct.
func StableChunkKey(sectionPath []string, text string) string {
	return SHA256Hex(strings.Join(sectionPath, "/") + "\x00" + Normalize(text))
}

// CharCoverage reports the share of ASCII, Latin-1 and other characters in
// text, plus the count of invalid (surrogate / replacement) code points.
// Feeds the utf_other_ratio quality gate.
type CharCoverage struct {
	ASCIIRatio   float64 `json:"ascii_ratio"`
	Latin1Ratio  float64 `json:"latin1_ratio"`
	OtherRatio   float64 `json:"other_ratio"`
	InvalidCount int     `json:"invalid_count"`
}

// Coverage computes character-set coverage ratios over text.
func Coverage(text string) CharCoverage {
	var ascii, latin1, other, invalid int
	for _, r := range text {
		if unicode.Is(unicode.Cs, r) || r == 0xFFFD {
			invalid++
			continue
		}
		switch {
		case r <= 0x7f:
			ascii++
		case r <= 0xff:
			latin1++
		default:
			other++
		}
	}
	total := ascii + latin1 + other
	if total == 0 {
		return CharCoverage{InvalidCount: invalid}
	}
	return CharCoverage{
		ASCIIRatio:   float64(ascii) / float64(total),
		Latin1Ratio:  float64(latin1) / float64(total),
		OtherRatio:   float64(other) / float64(total),
		InvalidCount: invalid,
	}
}
