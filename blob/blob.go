// Package blob is a filesystem object store for raw uploads and derived
// artifacts. Keys are slash-separated and validated against traversal;
// writes are atomic via rename.
package blob

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Store writes objects under a root directory.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

// RawKey is the key of an original uploaded file.
func RawKey(docID, filename string) string {
	return path.Join("raw", docID, filename)
}

// ChunksKey is the key of a version's chunks.jsonl artifact.
func ChunksKey(docID string, version int) string {
	return fmt.Sprintf("derived/%s/v%d/chunks.jsonl", docID, version)
}

// ManifestKey is the key of a version's manifest.json artifact.
func ManifestKey(docID string, version int) string {
	return fmt.Sprintf("derived/%s/v%d/manifest.json", docID, version)
}

// RedactionsKey is the key of a version's redactions.jsonl artifact.
func RedactionsKey(docID string, version int) string {
	return fmt.Sprintf("derived/%s/v%d/redactions.jsonl", docID, version)
}

// OCRKey is the key of a cached OCR result for a page image.
func OCRKey(cacheKey string) string {
	return path.Join("derived", "ocr_cache", cacheKey+".txt")
}

// ErrorKey is the key of a version's failure artifact.
func ErrorKey(docID string, version int) string {
	return fmt.Sprintf("derived/%s/v%d/error.json", docID, version)
}

func (s *Store) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes data under key atomically.
func (s *Store) Put(key string, data []byte) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit blob %s: %w", key, err)
	}
	return nil
}

// Get reads the object at key. Missing keys return os.ErrNotExist.
func (s *Store) Get(key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	p, err := s.resolve(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// List returns all keys under prefix, sorted.
func (s *Store) List(prefix string) ([]string, error) {
	base, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
