// Package config holds the docrec service configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/docrec/gates"
)

// Config is the full service configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	BlobDir    string           `yaml:"blob_dir"`
	MaxFileMB  int              `yaml:"max_file_mb"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	OCR        OCRConfig        `yaml:"ocr"`
	Thresholds gates.Thresholds `yaml:"thresholds"`
	Workers    WorkerConfig     `yaml:"workers"`
}

// ChunkingConfig bounds the assembler.
type ChunkingConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// DedupeConfig tunes the near-duplicate filter.
type DedupeConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// OCRConfig tunes the OCR fan-out stage. An empty Command disables OCR.
type OCRConfig struct {
	Command string   `yaml:"command"`
	Langs   []string `yaml:"langs"`
	DPI     int      `yaml:"dpi"`
	Workers int      `yaml:"workers"`
}

// WorkerConfig tunes the job worker.
type WorkerConfig struct {
	ReconcileConcurrency int `yaml:"reconcile_concurrency"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":8090",
		DBPath:    "docrec.db",
		BlobDir:   "blobs",
		MaxFileMB: 200,
		Chunking:  ChunkingConfig{MaxTokens: 900},
		Dedupe:    DedupeConfig{Enabled: true, Threshold: 0.85},
		OCR: OCRConfig{
			Langs:   []string{"eng"},
			DPI:     300,
			Workers: 4,
		},
		Thresholds: gates.DefaultThresholds(),
		Workers:    WorkerConfig{ReconcileConcurrency: 4},
	}
}

// Load reads a YAML config file merged over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields and value sanity.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.BlobDir == "" {
		return fmt.Errorf("blob_dir is required")
	}
	if c.MaxFileMB <= 0 {
		return fmt.Errorf("max_file_mb must be > 0")
	}
	if c.Chunking.MaxTokens <= 0 {
		return fmt.Errorf("chunking.max_tokens must be > 0")
	}
	if c.Dedupe.Threshold <= 0 || c.Dedupe.Threshold > 1 {
		return fmt.Errorf("dedupe.threshold must be in (0, 1]")
	}
	if c.OCR.DPI <= 0 {
		return fmt.Errorf("ocr.dpi must be > 0")
	}
	if c.OCR.Workers <= 0 {
		return fmt.Errorf("ocr.workers must be > 0")
	}
	if c.Workers.ReconcileConcurrency <= 0 {
		return fmt.Errorf("workers.reconcile_concurrency must be > 0")
	}
	return nil
}

// MaxFileBytes returns the upload size cap in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.MaxFileMB) * 1024 * 1024 }
