package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseYAML decodes exactly one YAML document and returns it JSON-encoded.
func parseYAML(payload []byte, limit int64) (Result, error) {
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	var doc any
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "excessive aliasing") {
			return Result{}, ErrOversize
		}
		return Result{}, err
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return Result{}, errors.New("expected a single document in the stream, but found more")
	} else if !errors.Is(err, io.EOF) {
		return Result{}, err
	}

	normalized, err := normalizeYAML(doc, 0)
	if err != nil {
		return Result{}, err
	}
	var out limitedWriter
	out.limit = limit
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		if errors.Is(err, ErrOversize) {
			return Result{}, ErrOversize
		}
		return Result{}, fmt.Errorf("encode yaml document: %w", err)
	}
	return Result{Output: strings.TrimSuffix(out.buf.String(), "\n")}, nil
}

const maxYAMLDepth = 10000

// normalizeYAML converts mappings with non-string keys into string-keyed maps
// and replaces values JSON cannot represent.
func normalizeYAML(v any, depth int) (any, error) {
	if depth > maxYAMLDepth {
		return nil, errors.New("maximum nesting depth exceeded")
	}
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			n, err := normalizeYAML(item, depth+1)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			n, err := normalizeYAML(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		for i, item := range t {
			n, err := normalizeYAML(item, depth+1)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, nil
		}
		return t, nil
	default:
		return v, nil
	}
}

type limitedWriter struct {
	buf   bytes.Buffer
	limit int64
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if int64(w.buf.Len()+len(p)) > w.limit {
		return 0, ErrOversize
	}
	return w.buf.Write(p)
}
