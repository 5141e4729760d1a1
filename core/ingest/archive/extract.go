package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cordum/ingestguard/core/ingest/containment"
)

var (
	// ErrUnsupportedEntry marks symlinks, devices and other non-regular entries.
	ErrUnsupportedEntry = errors.New("unsupported archive entry type")
	// ErrEntryTooLarge marks an entry whose body crossed a byte limit.
	ErrEntryTooLarge = errors.New("archive entry exceeds size limit")
)

// Limits bounds what one archive may write. Zero values disable a bound.
type Limits struct {
	MaxEntryBytes int64
	MaxTotalBytes int64
	MaxEntries    int
}

// Status is the per-entry result.
type Status string

const (
	StatusWritten     Status = "written"
	StatusDirectory   Status = "directory"
	StatusRejected    Status = "rejected"
	StatusUnsupported Status = "unsupported"
	StatusFailed      Status = "failed"
)

// EntryResult records what happened to one declared entry.
type EntryResult struct {
	Name   string
	Path   string
	Status Status
	Bytes  int64
	Err    error
}

// Report summarizes one extraction.
type Report struct {
	Accepted   int
	Rejected   int
	Failed     int
	Bytes      int64
	FirstError error
	// Truncated is set when a limit stopped extraction before the last entry.
	Truncated bool
	Entries   []EntryResult
}

func (r *Report) record(res EntryResult) {
	r.Entries = append(r.Entries, res)
	switch res.Status {
	case StatusWritten, StatusDirectory:
		r.Accepted++
		r.Bytes += res.Bytes
	case StatusRejected, StatusUnsupported:
		r.Rejected++
	case StatusFailed:
		r.Failed++
		if r.FirstError == nil {
			r.FirstError = res.Err
		}
	}
}

// Extractor writes contained archive entries below a fixed root.
type Extractor struct {
	root   containment.Root
	limits Limits
}

// NewExtractor builds an extractor for root.
func NewExtractor(root containment.Root, limits Limits) *Extractor {
	return &Extractor{root: root, limits: limits}
}

// Root returns the extraction root.
func (x *Extractor) Root() containment.Root { return x.root }

// Extract walks every entry of the zip in src. Entries that escape the root
// are skipped and counted; per-entry write failures are recorded and the walk
// continues. Only stream-level failures and cancellation return an error.
func (x *Extractor) Extract(ctx context.Context, src io.ReaderAt, size int64) (Report, error) {
	var report Report
	r, err := NewReader(src, size)
	if err != nil {
		return report, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			return report, nil
		}
		if err != nil {
			return report, err
		}
		if x.limits.MaxEntries > 0 && len(report.Entries) >= x.limits.MaxEntries {
			report.Truncated = true
			return report, nil
		}
		res := x.extractEntry(entry, x.remainingBudget(report.Bytes))
		report.record(res)
		if errors.Is(res.Err, ErrEntryTooLarge) && x.totalExhausted(report.Bytes, res.Bytes) {
			report.Truncated = true
			return report, nil
		}
	}
}

// remainingBudget returns the byte allowance for the next entry, or -1 for unbounded.
func (x *Extractor) remainingBudget(written int64) int64 {
	budget := int64(-1)
	if x.limits.MaxEntryBytes > 0 {
		budget = x.limits.MaxEntryBytes
	}
	if x.limits.MaxTotalBytes > 0 {
		left := x.limits.MaxTotalBytes - written
		if left < 0 {
			left = 0
		}
		if budget < 0 || left < budget {
			budget = left
		}
	}
	return budget
}

func (x *Extractor) totalExhausted(written, attempted int64) bool {
	return x.limits.MaxTotalBytes > 0 && written+attempted >= x.limits.MaxTotalBytes
}

func (x *Extractor) extractEntry(entry Entry, budget int64) EntryResult {
	res := EntryResult{Name: entry.Name}
	path, err := x.root.Resolve(entry.Name)
	if err != nil {
		res.Status = StatusRejected
		res.Err = err
		return res
	}
	res.Path = path

	switch {
	case entry.IsDir():
		if err := os.MkdirAll(path, 0o750); err != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("create directory %q: %w", entry.Name, err)
			return res
		}
		res.Status = StatusDirectory
		return res
	case !entry.IsRegular():
		res.Status = StatusUnsupported
		res.Err = fmt.Errorf("%w: %q (%s)", ErrUnsupportedEntry, entry.Name, entry.Mode.Type())
		return res
	}

	n, err := writeEntry(entry, path, budget)
	res.Bytes = n
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusWritten
	return res
}

// writeEntry copies the entry body to path, removing the file again when the
// copy fails or crosses budget (negative budget means unbounded).
func writeEntry(entry Entry, path string, budget int64) (n int64, err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return 0, fmt.Errorf("create parent of %q: %w", entry.Name, err)
		}
	}
	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %q: %w", entry.Name, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) // #nosec G304 -- path passed containment
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", entry.Name, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %q: %w", entry.Name, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	var body io.Reader = rc
	if budget >= 0 {
		body = io.LimitReader(rc, budget+1)
	}
	n, err = io.Copy(f, body)
	if err != nil {
		return n, fmt.Errorf("write %q: %w", entry.Name, err)
	}
	if budget >= 0 && n > budget {
		return n, fmt.Errorf("%w: %q", ErrEntryTooLarge, entry.Name)
	}
	return n, nil
}
