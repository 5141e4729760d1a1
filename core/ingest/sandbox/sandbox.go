// Package sandbox parses attacker-supplied XML and YAML in a child process
// that holds no host file or network handles and is killed at a deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Format selects the parser run inside the sandbox.
type Format string

const (
	FormatXML  Format = "xml"
	FormatYAML Format = "yaml"
)

var (
	// ErrTimedOut is returned when the parse did not finish before its deadline.
	ErrTimedOut = errors.New("sandbox: parse timed out")
	// ErrOversize is returned when expansion or output crossed a size ceiling.
	ErrOversize = errors.New("sandbox: parse result too large")
)

// ParseError carries the parser's own message for a rejected document.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Job is one parse request.
type Job struct {
	Format      Format
	Payload     []byte
	TimeLimit   time.Duration
	MemoryLimit int64
	// MaxResultBytes bounds entity expansion and the serialized output.
	MaxResultBytes int64
}

// Result is a completed parse.
type Result struct {
	Output string
	// ExternalEntities names SYSTEM or PUBLIC entities that were declared but
	// not resolved.
	ExternalEntities []string
}

// Runner executes a parse job under isolation.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

func (j Job) validate() error {
	switch j.Format {
	case FormatXML, FormatYAML:
	default:
		return fmt.Errorf("sandbox: unsupported format %q", j.Format)
	}
	if j.TimeLimit <= 0 {
		return errors.New("sandbox: time limit must be positive")
	}
	return nil
}

var (
	etcPasswdPattern = regexp.MustCompile(`(?i)(\w*:\w*:\d*:\d*:\w*:.*)|(Note that this file is consulted directly)`)
	systemIniPattern = regexp.MustCompile(`(?i); for 16-bit app support`)
)

// DetectDisclosure reports whether parser output looks like host file content.
func DetectDisclosure(output string) bool {
	return etcPasswdPattern.MatchString(output) || systemIniPattern.MatchString(output)
}
