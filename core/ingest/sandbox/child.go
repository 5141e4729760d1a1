package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

const maxRequestBytes = 64 << 20

type request struct {
	Format         Format `json:"format"`
	Payload        []byte `json:"payload"`
	MaxResultBytes int64  `json:"maxResultBytes"`
	MemoryLimit    int64  `json:"memoryLimit,omitempty"`
}

type response struct {
	Output           string   `json:"output,omitempty"`
	ExternalEntities []string `json:"externalEntities,omitempty"`
	Error            string   `json:"error,omitempty"`
	Oversize         bool     `json:"oversize,omitempty"`
	Loop             bool     `json:"loop,omitempty"`
}

func (r response) result() (Result, error) {
	switch {
	case r.Oversize:
		return Result{}, ErrOversize
	case r.Loop:
		return Result{ExternalEntities: r.ExternalEntities}, ErrEntityLoop
	case r.Error != "":
		return Result{ExternalEntities: r.ExternalEntities}, &ParseError{Message: r.Error}
	default:
		return Result{Output: r.Output, ExternalEntities: r.ExternalEntities}, nil
	}
}

// ServeChild is the entry point of a sandbox child: it reads one request
// from stdin, parses it and writes one response to stdout. It returns the
// process exit code.
func ServeChild(stdin io.Reader, stdout io.Writer) int {
	var req request
	if err := json.NewDecoder(io.LimitReader(stdin, maxRequestBytes)).Decode(&req); err != nil {
		fmt.Fprintf(stdout, `{"error":%q}`, "sandbox: bad request: "+err.Error())
		return 2
	}
	if req.MemoryLimit > 0 {
		debug.SetMemoryLimit(req.MemoryLimit)
	}
	if req.MaxResultBytes <= 0 {
		req.MaxResultBytes = defaultMaxResultBytes
	}

	resp := parse(req)
	if err := json.NewEncoder(stdout).Encode(resp); err != nil {
		return 1
	}
	return 0
}

func parse(req request) response {
	var (
		res Result
		err error
	)
	switch req.Format {
	case FormatXML:
		res, err = parseXML(req.Payload, req.MaxResultBytes)
	case FormatYAML:
		res, err = parseYAML(req.Payload, req.MaxResultBytes)
	default:
		err = fmt.Errorf("unsupported format %q", req.Format)
	}
	if errors.Is(err, ErrOversize) {
		return response{Oversize: true}
	}
	if errors.Is(err, ErrEntityLoop) {
		return response{Loop: true, ExternalEntities: res.ExternalEntities}
	}
	if err != nil {
		return response{Error: err.Error(), ExternalEntities: res.ExternalEntities}
	}
	return response{Output: res.Output, ExternalEntities: res.ExternalEntities}
}
