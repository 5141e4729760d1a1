package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UploadPolicy bounds inbound file uploads.
type UploadPolicy struct {
	// MaxBytes is the hard transport limit; larger bodies are refused.
	MaxBytes int64 `yaml:"max_bytes"`
	// SizeSignalBytes only raises a signal; it never blocks.
	SizeSignalBytes   int64    `yaml:"size_signal_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// ArchivePolicy locates and bounds zip extraction.
type ArchivePolicy struct {
	ExtractionRoot string `yaml:"extraction_root"`
	MaxEntryBytes  int64  `yaml:"max_entry_bytes"`
	MaxTotalBytes  int64  `yaml:"max_total_bytes"`
	MaxEntries     int    `yaml:"max_entries"`
}

// ParserPolicy bounds sandboxed XML/YAML parsing.
type ParserPolicy struct {
	TimeLimitMillis  int64 `yaml:"time_limit_ms"`
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`
	MaxResultBytes   int64 `yaml:"max_result_bytes"`
	// MaxConcurrent caps parser processes running at once; zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// FetchPolicy is the allow-list and budget for remote image fetches.
type FetchPolicy struct {
	AllowedHosts      []string `yaml:"allowed_hosts"`
	AllowedProtocols  []string `yaml:"allowed_protocols"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	ByteCeiling       int64    `yaml:"byte_ceiling"`
	TimeoutMillis     int64    `yaml:"timeout_ms"`
	UploadDir         string   `yaml:"upload_dir"`
	PublicPrefix      string   `yaml:"public_prefix"`
	UserAgent         string   `yaml:"user_agent"`
	RateLimitRPS      float64  `yaml:"rate_limit_rps"`
	RateBurst         int      `yaml:"rate_burst"`
}

// Policy is read once at startup and shared read-only by all requests.
type Policy struct {
	Upload  UploadPolicy  `yaml:"upload"`
	Archive ArchivePolicy `yaml:"archive"`
	Parser  ParserPolicy  `yaml:"parser"`
	Fetch   FetchPolicy   `yaml:"fetch"`
}

// TimeLimit returns the sandbox wall-clock deadline.
func (p ParserPolicy) TimeLimit() time.Duration {
	return time.Duration(p.TimeLimitMillis) * time.Millisecond
}

// Timeout returns the overall fetch deadline.
func (p FetchPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMillis) * time.Millisecond
}

// LoadPolicy loads a YAML policy file; returns defaults if missing.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPolicy(), fmt.Errorf("read ingest policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses policy data from YAML/JSON bytes. Sections left empty
// keep their defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	if len(data) == 0 {
		return DefaultPolicy(), nil
	}
	cfg := DefaultPolicy()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultPolicy(), fmt.Errorf("parse ingest policy: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return DefaultPolicy(), fmt.Errorf("invalid ingest policy: %w", err)
	}
	return cfg, nil
}

// Resolve pins every directory to an absolute path. It must run once before
// the policy is shared; request data never feeds into these paths.
func (p *Policy) Resolve() error {
	if p == nil {
		return errors.New("policy required")
	}
	root, err := filepath.Abs(p.Archive.ExtractionRoot)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}
	p.Archive.ExtractionRoot = root
	dir, err := filepath.Abs(p.Fetch.UploadDir)
	if err != nil {
		return fmt.Errorf("resolve upload dir: %w", err)
	}
	p.Fetch.UploadDir = dir
	return nil
}

func (p *Policy) validate() error {
	if p.Upload.MaxBytes <= 0 || p.Upload.SizeSignalBytes < 0 {
		return errors.New("upload limits must be positive")
	}
	if p.Archive.MaxEntryBytes < 0 || p.Archive.MaxTotalBytes < 0 || p.Archive.MaxEntries < 0 {
		return errors.New("archive limits must be non-negative")
	}
	if strings.TrimSpace(p.Archive.ExtractionRoot) == "" {
		return errors.New("archive.extraction_root is required")
	}
	if p.Parser.TimeLimitMillis <= 0 {
		return errors.New("parser.time_limit_ms must be positive")
	}
	if p.Parser.MaxResultBytes <= 0 || p.Parser.MaxConcurrent < 0 {
		return errors.New("parser result limit must be positive")
	}
	if p.Fetch.ByteCeiling <= 0 || p.Fetch.TimeoutMillis <= 0 {
		return errors.New("fetch limits must be positive")
	}
	if strings.TrimSpace(p.Fetch.UploadDir) == "" {
		return errors.New("fetch.upload_dir is required")
	}
	for _, proto := range p.Fetch.AllowedProtocols {
		switch strings.ToLower(strings.TrimSuffix(proto, ":")) {
		case "http", "https":
		default:
			return fmt.Errorf("fetch protocol %q not supported", proto)
		}
	}
	return nil
}

// DefaultPolicy mirrors the limits the upload and image routes have always used.
func DefaultPolicy() *Policy {
	return &Policy{
		Upload: UploadPolicy{
			MaxBytes:          10 << 20,
			SizeSignalBytes:   100000,
			AllowedExtensions: []string{"pdf", "xml", "zip", "yml", "yaml"},
		},
		Archive: ArchivePolicy{
			ExtractionRoot: "uploads/complaints",
			MaxEntryBytes:  64 << 20,
			MaxTotalBytes:  256 << 20,
			MaxEntries:     10000,
		},
		Parser: ParserPolicy{
			TimeLimitMillis:  2000,
			MemoryLimitBytes: 256 << 20,
			MaxResultBytes:   8 << 20,
			MaxConcurrent:    8,
		},
		Fetch: FetchPolicy{
			AllowedHosts:      []string{"example.com"},
			AllowedProtocols:  []string{"http", "https"},
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".svg", ".gif"},
			ByteCeiling:       5 << 20,
			TimeoutMillis:     5000,
			UploadDir:         "assets/public/images/uploads",
			PublicPrefix:      "/assets/public/images/uploads",
			UserAgent:         "Ingestguard ImageUploader",
			RateLimitRPS:      10,
			RateBurst:         5,
		},
	}
}
