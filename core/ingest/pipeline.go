// Package ingest wires admission, extraction, sandboxed parsing and remote
// fetching into the two request entry points.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cordum/ingestguard/core/infra/logging"
	"github.com/cordum/ingestguard/core/infra/metrics"
	"github.com/cordum/ingestguard/core/ingest/admission"
	"github.com/cordum/ingestguard/core/ingest/archive"
	"github.com/cordum/ingestguard/core/ingest/fetch"
	"github.com/cordum/ingestguard/core/ingest/outcome"
	"github.com/cordum/ingestguard/core/ingest/sandbox"
	"github.com/cordum/ingestguard/core/ingest/signals"
)

const component = "ingest"

// ImageFetcher downloads a validated image for a caller.
type ImageFetcher interface {
	Fetch(ctx context.Context, callerID, rawURL string) (fetch.Result, error)
}

// ParseLimits are applied to every sandboxed parse.
type ParseLimits struct {
	TimeLimit      time.Duration
	MemoryLimit    int64
	MaxResultBytes int64
}

// Options wires a Pipeline.
type Options struct {
	Chain       *admission.Chain
	Extractor   *archive.Extractor
	Parser      sandbox.Runner
	ParseLimits ParseLimits
	Fetcher     ImageFetcher
	Sink        signals.Sink
	Metrics     metrics.Metrics
	// ProfilePath is the redirect target after a stored image.
	ProfilePath string
	// MaxPayloadBytes bounds how much of a document is handed to the parser.
	MaxPayloadBytes int64
}

// Pipeline is safe for concurrent use; it holds no per-request state.
type Pipeline struct {
	opts Options
}

// New validates options and fills defaults.
func New(opts Options) (*Pipeline, error) {
	if opts.Chain == nil || opts.Extractor == nil || opts.Parser == nil || opts.Fetcher == nil {
		return nil, errors.New("ingest: chain, extractor, parser and fetcher are required")
	}
	if opts.ParseLimits.TimeLimit <= 0 {
		return nil, errors.New("ingest: parse time limit must be positive")
	}
	if opts.Sink == nil {
		opts.Sink = signals.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.ProfilePath == "" {
		opts.ProfilePath = "/profile"
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 10 << 20
	}
	return &Pipeline{opts: opts}, nil
}

// HandleUpload runs one uploaded file through admission and its route.
func (p *Pipeline) HandleUpload(ctx context.Context, u *admission.Upload) outcome.Verdict {
	decision, err := p.opts.Chain.Run(u)
	if err != nil {
		logging.Warn(component, "upload rejected", "error", err)
		o := outcome.Outcome{Source: outcome.SourceUpload, Kind: outcome.Error, Detail: err.Error()}
		if errors.Is(err, admission.ErrFileNotPassed) {
			o.Kind, o.Reason, o.Detail = outcome.Rejected, outcome.ReasonFileNotPassed, ""
		}
		return p.finish(o, "")
	}
	for _, f := range decision.Findings {
		e := signals.NewEvent(f.Signal, outcome.SourceUpload)
		e.FileName = f.Detail
		p.emit(e)
	}
	p.opts.Metrics.IncUploads(string(decision.Kind))

	var o outcome.Outcome
	switch decision.Kind {
	case admission.KindZip:
		o = p.extract(ctx, u)
	case admission.KindXML:
		o = p.parse(ctx, u, sandbox.FormatXML, outcome.SourceXML)
	case admission.KindYAML:
		o = p.parse(ctx, u, sandbox.FormatYAML, outcome.SourceYAML)
	default:
		o = outcome.Outcome{Source: outcome.SourceUpload, Kind: outcome.Accepted}
	}
	return p.finish(o, u.FileName)
}

func (p *Pipeline) extract(ctx context.Context, u *admission.Upload) outcome.Outcome {
	o := outcome.Outcome{Source: outcome.SourceArchive, FileName: u.FileName}
	report, err := p.opts.Extractor.Extract(ctx, u.Content, u.Size)
	for _, res := range report.Entries {
		p.opts.Metrics.IncArchiveEntries(string(res.Status))
		switch res.Status {
		case archive.StatusRejected, archive.StatusUnsupported:
			logging.Warn(component, "archive entry skipped", "file", u.FileName, "entry", res.Name, "error", res.Err)
		case archive.StatusFailed:
			logging.Error(component, "archive entry failed", "file", u.FileName, "entry", res.Name, "error", res.Err)
		}
	}
	if err != nil {
		logging.Error(component, "archive extraction failed", "file", u.FileName, "error", err)
		o.Kind = outcome.Error
		o.Detail = err.Error()
		return o
	}
	if report.Truncated {
		logging.Warn(component, "archive extraction stopped at limit", "file", u.FileName, "entries", len(report.Entries))
	}
	o.Kind = outcome.Accepted
	o.Location = p.opts.Extractor.Root().Dir()
	o.Rejected = report.Rejected
	return o
}

func (p *Pipeline) parse(ctx context.Context, u *admission.Upload, format sandbox.Format, source outcome.Source) outcome.Outcome {
	o := outcome.Outcome{Source: source, FileName: u.FileName}
	payload, err := io.ReadAll(io.LimitReader(io.NewSectionReader(u.Content, 0, u.Size), p.opts.MaxPayloadBytes))
	if err != nil {
		o.Kind = outcome.Error
		o.Detail = fmt.Sprintf("read upload: %v", err)
		return o
	}
	res, err := p.opts.Parser.Run(ctx, sandbox.Job{
		Format:         format,
		Payload:        payload,
		TimeLimit:      p.opts.ParseLimits.TimeLimit,
		MemoryLimit:    p.opts.ParseLimits.MemoryLimit,
		MaxResultBytes: p.opts.ParseLimits.MaxResultBytes,
	})
	o.ExternalEntities = res.ExternalEntities

	var parseErr *sandbox.ParseError
	switch {
	case err == nil:
		o.Kind = outcome.Gone
		o.Detail = res.Output
		o.Disclosure = sandbox.DetectDisclosure(res.Output)
		p.opts.Metrics.IncParseOutcomes(string(format), "parsed")
	case errors.Is(err, sandbox.ErrTimedOut):
		o.Kind, o.Reason = outcome.ResourceExhausted, outcome.ReasonTimeout
		p.opts.Metrics.IncParseOutcomes(string(format), "timeout")
	case errors.Is(err, sandbox.ErrEntityLoop):
		o.Kind, o.Reason = outcome.ResourceExhausted, outcome.ReasonEntityLoop
		p.opts.Metrics.IncParseOutcomes(string(format), "entity_loop")
	case errors.Is(err, sandbox.ErrOversize):
		o.Kind, o.Reason = outcome.ResourceExhausted, outcome.ReasonOversize
		p.opts.Metrics.IncParseOutcomes(string(format), "oversize")
	case errors.As(err, &parseErr):
		o.Kind, o.Reason = outcome.Gone, outcome.ReasonParseError
		o.Detail = parseErr.Message
		p.opts.Metrics.IncParseOutcomes(string(format), "parse_error")
	default:
		logging.Error(component, "sandbox run failed", "file", u.FileName, "format", format, "error", err)
		o.Kind = outcome.Error
		o.Detail = err.Error()
		p.opts.Metrics.IncParseOutcomes(string(format), "error")
	}
	return o
}

// HandleImageURL fetches rawURL for callerID. remoteAddr identifies the
// requesting client in blocked-activity messages.
func (p *Pipeline) HandleImageURL(ctx context.Context, callerID, rawURL, remoteAddr string) outcome.Verdict {
	o := outcome.Outcome{Source: outcome.SourceFetch, Remote: remoteAddr}
	res, err := p.opts.Fetcher.Fetch(ctx, callerID, rawURL)
	var statusErr *fetch.StatusError
	switch {
	case err == nil:
		o.Kind = outcome.Accepted
		o.Location = p.opts.ProfilePath
		p.opts.Metrics.IncFetches("stored")
		p.opts.Metrics.AddFetchedBytes(res.Bytes)
		logging.Info(component, "profile image stored", "caller", callerID, "path", res.PublicPath, "bytes", res.Bytes)
	case errors.Is(err, fetch.ErrInvalidImageURL):
		o.Kind, o.Reason = outcome.Rejected, outcome.ReasonInvalidImageURL
		p.opts.Metrics.IncFetches("invalid")
	case errors.As(err, &statusErr):
		o.Kind, o.Reason = outcome.Error, outcome.ReasonRemoteStatus
		o.Detail = err.Error()
		p.opts.Metrics.IncFetches("remote_status")
		logging.Warn(component, "remote returned non-2xx", "caller", callerID, "status", statusErr.StatusCode, "remote", remoteAddr)
	case errors.Is(err, fetch.ErrRedirectBlocked):
		o.Kind, o.Reason = outcome.Error, outcome.ReasonRedirect
		o.Detail = err.Error()
		p.opts.Metrics.IncFetches("redirect_blocked")
		logging.Warn(component, "redirect blocked", "caller", callerID, "remote", remoteAddr, "error", err)
	default:
		o.Kind = outcome.Error
		o.Detail = err.Error()
		p.opts.Metrics.IncFetches("error")
		logging.Error(component, "image fetch failed", "caller", callerID, "error", err)
	}
	v := outcome.Classify(o)
	p.emitVerdict(v, o, callerID)
	return v
}

func (p *Pipeline) finish(o outcome.Outcome, fileName string) outcome.Verdict {
	if o.FileName == "" {
		o.FileName = fileName
	}
	v := outcome.Classify(o)
	p.emitVerdict(v, o, "")
	return v
}

func (p *Pipeline) emitVerdict(v outcome.Verdict, o outcome.Outcome, callerID string) {
	for _, s := range v.Signals {
		e := signals.NewEvent(s, o.Source)
		e.Caller = callerID
		e.Remote = o.Remote
		e.FileName = o.FileName
		e.Detail = outcome.Truncate(string(o.Reason), outcome.MaxMessageChars)
		p.emit(e)
	}
}

func (p *Pipeline) emit(e signals.Event) {
	logging.Warn(component, "security signal", "signal", e.Signal, "source", e.Source, "file", e.FileName)
	p.opts.Sink.Emit(e)
}
