// Package outcome maps terminal pipeline states to caller-visible verdicts
// and internal security signals.
package outcome

import (
	"net/http"
	"strings"
)

// Source identifies the pipeline path that produced an outcome.
type Source string

const (
	SourceUpload  Source = "upload"
	SourceArchive Source = "archive"
	SourceXML     Source = "xml"
	SourceYAML    Source = "yaml"
	SourceFetch   Source = "fetch"
)

// Kind is the terminal state of one pipeline run.
type Kind int

const (
	Accepted Kind = iota
	Rejected
	ResourceExhausted
	Gone
	Error
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case ResourceExhausted:
		return "resource_exhausted"
	case Gone:
		return "gone"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Reason qualifies Rejected, ResourceExhausted and Error outcomes.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonFileNotPassed   Reason = "FileNotPassed"
	ReasonPathTraversal   Reason = "PathTraversal"
	ReasonInvalidImageURL Reason = "InvalidImageUrl"
	ReasonTimeout         Reason = "Timeout"
	ReasonEntityLoop      Reason = "EntityLoop"
	ReasonOversize        Reason = "Oversize"
	ReasonParseError      Reason = "ParseError"
	ReasonRemoteStatus    Reason = "RemoteStatus"
	ReasonRedirect        Reason = "RedirectBlocked"
)

// Signal is a named security signal for the telemetry sink.
type Signal string

const (
	TraversalBlocked           Signal = "TraversalBlocked"
	SensitiveFileDisclosure    Signal = "SensitiveFileDisclosure"
	ExternalEntityBlocked      Signal = "ExternalEntityBlocked"
	DenialOfServicePattern     Signal = "DenialOfServicePattern"
	MemoryAmplificationPattern Signal = "MemoryAmplificationPattern"
	BlockedActivity            Signal = "BlockedActivity"
	DeprecatedInterface        Signal = "DeprecatedInterface"
	OversizedUpload            Signal = "OversizedUpload"
	DisallowedFileType         Signal = "DisallowedFileType"
)

// MaxMessageChars bounds any raw text echoed back to a caller.
const MaxMessageChars = 400

const (
	msgFileNotPassed   = "File is not passed"
	msgInvalidImageURL = "Invalid Image URL"
	msgUnavailable     = "Sorry, we are temporarily not available! Please try again later."
	msgDeprecated      = "B2B customer complaints via file upload have been deprecated for security reasons"
	msgBlocked         = "Blocked illegal activity by "
	msgInternal        = "Unexpected error while processing the request"
)

// Outcome is the terminal state handed to Classify.
type Outcome struct {
	Source   Source
	Kind     Kind
	Reason   Reason
	Location string
	Detail   string
	FileName string
	Remote   string

	// Rejected counts archive entries skipped by the containment guard.
	Rejected int
	// Disclosure reports sensitive host-file content in parser output.
	Disclosure bool
	// ExternalEntities lists external entity declarations that were not resolved.
	ExternalEntities []string
}

// Verdict is what the caller sees plus the signals to emit.
type Verdict struct {
	Status   int
	Message  string
	Location string
	Signals  []Signal
}

// Classify maps an outcome to its verdict. It is pure.
func Classify(o Outcome) Verdict {
	switch o.Source {
	case SourceArchive:
		return classifyArchive(o)
	case SourceXML, SourceYAML:
		return classifyDocument(o)
	case SourceFetch:
		return classifyFetch(o)
	default:
		return classifyUpload(o)
	}
}

func classifyUpload(o Outcome) Verdict {
	switch o.Kind {
	case Accepted:
		return Verdict{Status: http.StatusNoContent}
	case Rejected:
		return Verdict{Status: http.StatusBadRequest, Message: msgFileNotPassed}
	default:
		return internal(o)
	}
}

func classifyArchive(o Outcome) Verdict {
	if o.Kind != Accepted {
		return internal(o)
	}
	v := Verdict{Status: http.StatusNoContent, Location: o.Location}
	if o.Rejected > 0 {
		v.Signals = append(v.Signals, TraversalBlocked)
	}
	return v
}

func classifyDocument(o Outcome) Verdict {
	signals := []Signal{DeprecatedInterface}
	switch o.Kind {
	case ResourceExhausted:
		if o.Reason == ReasonOversize {
			signals = append(signals, MemoryAmplificationPattern)
		} else {
			signals = append(signals, DenialOfServicePattern)
		}
		return Verdict{Status: http.StatusServiceUnavailable, Message: msgUnavailable, Signals: signals}
	case Gone:
		if o.Disclosure {
			signals = append(signals, SensitiveFileDisclosure)
		}
		if len(o.ExternalEntities) > 0 {
			signals = append(signals, ExternalEntityBlocked)
		}
		return Verdict{Status: http.StatusGone, Message: deprecated(o), Signals: signals}
	default:
		v := internal(o)
		v.Signals = signals
		return v
	}
}

func classifyFetch(o Outcome) Verdict {
	switch o.Kind {
	case Accepted:
		return Verdict{Status: http.StatusFound, Location: o.Location}
	case Rejected:
		return Verdict{Status: http.StatusBadRequest, Message: msgInvalidImageURL}
	case Error:
		if o.Reason == ReasonRemoteStatus || o.Reason == ReasonRedirect {
			return Verdict{
				Status:  http.StatusInternalServerError,
				Message: msgBlocked + o.Remote,
				Signals: []Signal{BlockedActivity},
			}
		}
		return internal(o)
	default:
		return internal(o)
	}
}

func deprecated(o Outcome) string {
	var b strings.Builder
	b.WriteString(msgDeprecated)
	if detail := Truncate(o.Detail, MaxMessageChars); detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	b.WriteString(" (")
	b.WriteString(Truncate(o.FileName, MaxMessageChars))
	b.WriteString(")")
	return b.String()
}

func internal(o Outcome) Verdict {
	msg := Truncate(o.Detail, MaxMessageChars)
	if msg == "" {
		msg = msgInternal
	}
	return Verdict{Status: http.StatusInternalServerError, Message: msg}
}

// Truncate strips line breaks and bounds s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
