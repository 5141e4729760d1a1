package sandbox

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// ErrEntityLoop is returned when entity declarations reference each other
// in a cycle.
var ErrEntityLoop = errors.New("sandbox: recursive entity reference")

var (
	entityDecl = regexp.MustCompile(`<!ENTITY\s+(%\s+)?([^\s%>"']+)\s+(?:(SYSTEM|PUBLIC)\s+(?:"[^"]*"|'[^']*')(?:\s+(?:"[^"]*"|'[^']*'))?|"([^"]*)"|'([^']*)')`)
	entityRef  = regexp.MustCompile(`&([^\s&;#<>"']+);`)
	charRef    = regexp.MustCompile(`&#(x[0-9a-fA-F]+|[0-9]+);`)
)

var predefinedEntities = map[string]bool{"lt": true, "gt": true, "amp": true, "apos": true, "quot": true}

type dtd struct {
	internal map[string]string
	external map[string]bool
}

func parseDoctype(directive string) dtd {
	d := dtd{internal: map[string]string{}, external: map[string]bool{}}
	for _, m := range entityDecl.FindAllStringSubmatch(directive, -1) {
		name := m[2]
		parameter := m[1] != ""
		switch {
		case m[3] != "":
			if parameter {
				name = "%" + name
			}
			d.external[name] = true
		case parameter:
			// Parameter entities only matter inside the DTD, which is not interpreted.
		default:
			if _, seen := d.internal[name]; seen {
				continue
			}
			value := m[4]
			if value == "" {
				value = m[5]
			}
			d.internal[name] = value
		}
	}
	return d
}

// entityTable expands internal entities into literal replacement text for
// the decoder. External entities expand to nothing. Every memoized expansion
// is charged against one budget shared by the whole table.
type entityTable struct {
	decl     dtd
	limit    int64
	used     int64
	expanded map[string]string
	visiting map[string]bool
}

func newEntityTable(decl dtd, limit int64) *entityTable {
	return &entityTable{
		decl:     decl,
		limit:    limit,
		expanded: map[string]string{},
		visiting: map[string]bool{},
	}
}

func (t *entityTable) remaining() int64 { return t.limit - t.used }

func (t *entityTable) resolve(name string) (string, error) {
	if v, ok := t.expanded[name]; ok {
		return v, nil
	}
	if t.decl.external[name] {
		return "", nil
	}
	raw, ok := t.decl.internal[name]
	if !ok {
		return "&" + name + ";", nil
	}
	if t.visiting[name] {
		return "", fmt.Errorf("%w: &%s;", ErrEntityLoop, name)
	}
	t.visiting[name] = true
	defer delete(t.visiting, name)

	var b strings.Builder
	last := 0
	for _, loc := range entityRef.FindAllStringSubmatchIndex(raw, -1) {
		b.WriteString(raw[last:loc[0]])
		ref := raw[loc[2]:loc[3]]
		if predefinedEntities[ref] {
			b.WriteString(raw[loc[0]:loc[1]])
		} else {
			v, err := t.resolve(ref)
			if err != nil {
				return "", err
			}
			if int64(b.Len()+len(v)) > t.remaining() {
				return "", ErrOversize
			}
			b.WriteString(v)
		}
		last = loc[1]
	}
	b.WriteString(raw[last:])
	if int64(b.Len()) > t.remaining() {
		return "", ErrOversize
	}
	v := unescapeReferences(b.String())
	t.used += int64(len(v))
	t.expanded[name] = v
	return v, nil
}

// build expands the entities referenced from body, plus whatever they
// reference in turn. Declarations nothing uses are never expanded.
func (t *entityTable) build(body []byte) (map[string]string, error) {
	var names []string
	seen := map[string]bool{}
	for _, m := range entityRef.FindAllSubmatch(body, -1) {
		name := string(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := t.decl.internal[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make(map[string]string, len(names)+len(t.decl.external))
	for _, name := range names {
		v, err := t.resolve(name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	for name := range t.decl.external {
		if !strings.HasPrefix(name, "%") {
			out[name] = ""
		}
	}
	return out, nil
}

// unescapeReferences resolves character references and predefined entities
// left in an expanded entity value.
func unescapeReferences(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	s = charRef.ReplaceAllStringFunc(s, func(ref string) string {
		digits := ref[2 : len(ref)-1]
		base := 10
		if digits[0] == 'x' {
			digits, base = digits[1:], 16
		}
		n, err := strconv.ParseInt(digits, base, 32)
		if err != nil || !utf8.ValidRune(rune(n)) {
			return ref
		}
		return string(rune(n))
	})
	return entityRef.ReplaceAllStringFunc(s, func(ref string) string {
		switch ref {
		case "&lt;":
			return "<"
		case "&gt;":
			return ">"
		case "&amp;":
			return "&"
		case "&apos;":
			return "'"
		case "&quot;":
			return `"`
		}
		return ref
	})
}

// checkAmplification bounds the text the decoder could produce from the
// entity references present in body.
func checkAmplification(body []byte, entities map[string]string, limit int64) error {
	var total int64
	for _, m := range entityRef.FindAllSubmatch(body, -1) {
		total += int64(len(entities[string(m[1])]))
		if total > limit {
			return ErrOversize
		}
	}
	return nil
}

type xmlWriter struct {
	b       strings.Builder
	limit   int64
	pending bool
}

func (w *xmlWriter) write(s string) error {
	w.b.WriteString(s)
	if int64(w.b.Len()) > w.limit {
		return ErrOversize
	}
	return nil
}

func (w *xmlWriter) closePending() error {
	if !w.pending {
		return nil
	}
	w.pending = false
	return w.write(">")
}

func (w *xmlWriter) escaped(s string) error {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return err
	}
	return w.write(buf.String())
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func syntaxError(d *xml.Decoder, msg string) error {
	line, _ := d.InputPos()
	return &xml.SyntaxError{Msg: msg, Line: line}
}

// parseXML parses payload strictly, substitutes internal entities, drops
// whitespace-only text and CDATA markers, and serializes the document again.
// External entities are never fetched.
func parseXML(payload []byte, limit int64) (Result, error) {
	var res Result
	d := xml.NewDecoder(bytes.NewReader(payload))
	d.Strict = true
	d.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	}

	w := &xmlWriter{limit: limit}
	var (
		stack      []xml.Name
		rootClosed bool
		sawRoot    bool
		sawDTD     bool
	)
	for {
		tok, err := d.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target == "xml" {
				if sawRoot || w.b.Len() > 0 {
					return res, syntaxError(d, "XML declaration allowed only at the start of the document")
				}
				if err := w.write(`<?xml version="1.0"?>` + "\n"); err != nil {
					return res, err
				}
				continue
			}
			if err := w.closePending(); err != nil {
				return res, err
			}
			if err := w.write("<?" + t.Target + " " + string(t.Inst) + "?>"); err != nil {
				return res, err
			}
		case xml.Directive:
			text := string(t)
			if !strings.HasPrefix(strings.TrimSpace(text), "DOCTYPE") {
				continue
			}
			if sawDTD || sawRoot {
				return res, syntaxError(d, "DOCTYPE not allowed here")
			}
			sawDTD = true
			decl := parseDoctype(text)
			res.ExternalEntities = externalNames(decl)
			body := afterDoctype(payload, text)
			entities, err := newEntityTable(decl, limit).build(body)
			if err != nil {
				return res, err
			}
			if err := checkAmplification(body, entities, limit); err != nil {
				return res, err
			}
			d.Entity = entities
		case xml.Comment:
			if err := w.closePending(); err != nil {
				return res, err
			}
			if err := w.write("<!--" + string(t) + "-->"); err != nil {
				return res, err
			}
		case xml.StartElement:
			if rootClosed {
				return res, syntaxError(d, "Extra content at the end of the document")
			}
			sawRoot = true
			if err := w.closePending(); err != nil {
				return res, err
			}
			if err := w.write("<" + qualified(t.Name)); err != nil {
				return res, err
			}
			for _, attr := range t.Attr {
				if err := w.write(" " + qualified(attr.Name) + `="`); err != nil {
					return res, err
				}
				if err := w.escaped(attr.Value); err != nil {
					return res, err
				}
				if err := w.write(`"`); err != nil {
					return res, err
				}
			}
			w.pending = true
			stack = append(stack, t.Name)
		case xml.EndElement:
			if len(stack) == 0 {
				return res, syntaxError(d, "unexpected end element </"+qualified(t.Name)+">")
			}
			open := stack[len(stack)-1]
			if open != t.Name {
				return res, syntaxError(d, "element <"+qualified(open)+"> closed by </"+qualified(t.Name)+">")
			}
			stack = stack[:len(stack)-1]
			if w.pending {
				w.pending = false
				err = w.write("/>")
			} else {
				err = w.write("</" + qualified(t.Name) + ">")
			}
			if err != nil {
				return res, err
			}
			if len(stack) == 0 {
				rootClosed = true
			}
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			if len(stack) == 0 {
				if rootClosed {
					return res, syntaxError(d, "Extra content at the end of the document")
				}
				return res, syntaxError(d, "Start tag expected, '<' not found")
			}
			if err := w.closePending(); err != nil {
				return res, err
			}
			if err := w.escaped(string(t)); err != nil {
				return res, err
			}
		}
	}
	if len(stack) > 0 {
		return res, syntaxError(d, "Premature end of data in tag "+qualified(stack[len(stack)-1]))
	}
	if !sawRoot {
		return res, syntaxError(d, "Document is empty")
	}
	res.Output = w.b.String()
	return res, nil
}

// afterDoctype returns the part of payload following the DOCTYPE directive.
// When the directive cannot be located in the raw bytes, as with a
// transcoded document, the whole payload is returned.
func afterDoctype(payload []byte, directive string) []byte {
	if i := bytes.Index(payload, []byte(directive)); i >= 0 {
		return payload[i+len(directive):]
	}
	return payload
}

func externalNames(decl dtd) []string {
	if len(decl.external) == 0 {
		return nil
	}
	names := make([]string, 0, len(decl.external))
	for name := range decl.external {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
