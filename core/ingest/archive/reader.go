// Package archive streams zip entries through the containment guard onto disk.
package archive

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/zip"
)

// Entry is one declared member of an archive. Its body is opened lazily.
type Entry struct {
	Name string
	Mode fs.FileMode
	// Size is the uncompressed size declared in the central directory. It is
	// attacker-controlled and only used for reporting.
	Size uint64

	file *zip.File
}

// IsDir reports whether the entry declares a directory.
func (e Entry) IsDir() bool { return e.Mode.IsDir() }

// IsRegular reports whether the entry declares a plain file.
func (e Entry) IsRegular() bool { return e.Mode.IsRegular() }

// Open returns a decompressing reader over the entry body.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.file == nil {
		return nil, fmt.Errorf("entry %q has no body", e.Name)
	}
	return e.file.Open()
}

// Reader iterates archive entries in central-directory order.
type Reader struct {
	files []*zip.File
	next  int
}

// NewReader reads the central directory of a zip held in src. A zero size
// yields a reader with no entries.
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	if size == 0 {
		return &Reader{}, nil
	}
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Reader{files: zr.File}, nil
}

// Len returns the number of declared entries.
func (r *Reader) Len() int { return len(r.files) }

// Next returns the next entry or io.EOF when the archive is exhausted.
func (r *Reader) Next() (Entry, error) {
	if r.next >= len(r.files) {
		return Entry{}, io.EOF
	}
	f := r.files[r.next]
	r.next++
	return Entry{
		Name: f.Name,
		Mode: f.Mode(),
		Size: f.UncompressedSize64,
		file: f,
	}, nil
}
