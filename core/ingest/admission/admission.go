// Package admission runs the ordered pre-checks on an uploaded file and
// picks the pipeline path it takes.
package admission

import (
	"errors"
	"io"
	"path"
	"strings"

	"github.com/cordum/ingestguard/core/ingest/outcome"
)

// ErrFileNotPassed is returned when the request carried no file.
var ErrFileNotPassed = errors.New("file is not passed")

// Content is an upload body that supports streaming and random access.
type Content interface {
	io.Reader
	io.ReaderAt
}

// Upload is one received file. It is not modified after construction.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Content     Content
}

// Kind is the pipeline path an upload takes.
type Kind string

const (
	KindZip         Kind = "zip"
	KindXML         Kind = "xml"
	KindYAML        Kind = "yaml"
	KindPassthrough Kind = "passthrough"
)

// Route selects exactly one path from the file name.
func Route(fileName string) Kind {
	name := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return KindZip
	case strings.HasSuffix(name, ".xml"):
		return KindXML
	case strings.HasSuffix(name, ".yml"), strings.HasSuffix(name, ".yaml"):
		return KindYAML
	default:
		return KindPassthrough
	}
}

// Extension returns the text after the last dot, lowercased, or the whole
// name when it has no dot.
func Extension(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}
	return strings.ToLower(base)
}

// Finding is a detection-only observation that never blocks the upload.
type Finding struct {
	Signal outcome.Signal
	Detail string
}

// Decision is the result of a passed chain.
type Decision struct {
	Kind     Kind
	Findings []Finding
}

// Check inspects an upload. Returning an error stops the chain.
type Check func(u *Upload, d *Decision) error

// Chain is an ordered list of checks.
type Chain struct {
	checks []Check
}

// NewChain returns the standard chain: presence, size, extension.
func NewChain(sizeSignalBytes int64, allowedExtensions []string) *Chain {
	return &Chain{checks: []Check{
		RequirePresence,
		ObserveSize(sizeSignalBytes),
		ObserveExtension(allowedExtensions),
	}}
}

// Use appends a check to the end of the chain.
func (c *Chain) Use(check Check) {
	c.checks = append(c.checks, check)
}

// Run applies every check in order and routes the upload.
func (c *Chain) Run(u *Upload) (Decision, error) {
	var d Decision
	for _, check := range c.checks {
		if err := check(u, &d); err != nil {
			return d, err
		}
	}
	d.Kind = Route(u.FileName)
	return d, nil
}

// RequirePresence fails when no file content was received.
func RequirePresence(u *Upload, _ *Decision) error {
	if u == nil || u.Content == nil {
		return ErrFileNotPassed
	}
	return nil
}

// ObserveSize records uploads larger than limit.
func ObserveSize(limit int64) Check {
	return func(u *Upload, d *Decision) error {
		if limit > 0 && u.Size > limit {
			d.Findings = append(d.Findings, Finding{Signal: outcome.OversizedUpload, Detail: u.FileName})
		}
		return nil
	}
}

// ObserveExtension records uploads whose extension is not allowed.
func ObserveExtension(allowed []string) Check {
	set := make(map[string]struct{}, len(allowed))
	for _, ext := range allowed {
		set[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))] = struct{}{}
	}
	return func(u *Upload, d *Decision) error {
		if _, ok := set[Extension(u.FileName)]; !ok {
			d.Findings = append(d.Findings, Finding{Signal: outcome.DisallowedFileType, Detail: u.FileName})
		}
		return nil
	}
}
