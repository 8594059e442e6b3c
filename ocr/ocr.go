// Package ocr runs page images through an OCR engine behind a
// content-addressed cache. The cache key covers the image bytes, the page
// selector, the language hints and the DPI, so a redelivered page task is
// a cache hit and the fan-out stage stays idempotent.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/textnorm"
)

// Request is one OCR unit of work. PageRef selects a page inside Image
// when Image holds a multi-page document; it is "" for standalone images.
type Request struct {
	Image   []byte
	PageRef string
	Langs   []string
	DPI     int
}

// Runner is the OCR engine. Implementations must be deterministic for a
// given Request.
type Runner interface {
	Run(ctx context.Context, req Request) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (string, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// CommandRunner shells out to an external OCR binary. The image is piped
// on stdin and the recognized text read from stdout, tesseract-style:
// <path> stdin stdout -l <langs> --dpi <dpi>.
type CommandRunner struct {
	Path string
}

func (r CommandRunner) Run(ctx context.Context, req Request) (string, error) {
	args := []string{"stdin", "stdout"}
	if len(req.Langs) > 0 {
		args = append(args, "-l", strings.Join(req.Langs, "+"))
	}
	if req.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(req.DPI))
	}
	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Stdin = bytes.NewReader(req.Image)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", r.Path, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

// Cache wraps a Runner with blob-backed result caching.
type Cache struct {
	runner Runner
	blobs  *blob.Store
	log    *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache builds a caching OCR front.
func NewCache(r Runner, b *blob.Store, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{runner: r, blobs: b, log: log}
}

// CacheKey derives the deterministic cache key for a request.
func CacheKey(req Request) string {
	langs := append([]string(nil), req.Langs...)
	sort.Strings(langs)
	return textnorm.SHA256Hex(textnorm.SHA256Bytes(req.Image) + "\x00" +
		req.PageRef + "\x00" + strings.Join(langs, "+") + "\x00" + strconv.Itoa(req.DPI))
}

// Recognize returns the OCR text for req, consulting the cache first.
func (c *Cache) Recognize(ctx context.Context, req Request) (string, error) {
	key := blob.OCRKey(CacheKey(req))
	if data, err := c.blobs.Get(key); err == nil {
		c.hits.Add(1)
		return string(data), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("ocr cache read failed", "key", key, "error", err)
	}
	c.misses.Add(1)

	text, err := c.runner.Run(ctx, req)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	if err := c.blobs.Put(key, []byte(text)); err != nil {
		// A write failure only costs a future recompute.
		c.log.Warn("ocr cache write failed", "key", key, "error", err)
	}
	return text, nil
}

// HitRatio reports the cache hit ratio since construction, 0 when unused.
func (c *Cache) HitRatio() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
