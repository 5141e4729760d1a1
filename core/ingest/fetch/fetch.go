// Package fetch downloads caller-supplied image URLs under a strict
// allow-list and stores them as the caller's profile image.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cordum/ingestguard/core/ingest/containment"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidImageURL is returned before any network I/O when a URL fails validation.
	ErrInvalidImageURL = errors.New("invalid image url")
	// ErrTooLarge is returned when the response crosses the byte ceiling.
	ErrTooLarge = errors.New("remote resource exceeds byte ceiling")
	// ErrRedirectBlocked is returned when the remote redirects outside the
	// allow-list or too many times.
	ErrRedirectBlocked = errors.New("redirect blocked")
	// ErrInvalidCaller is returned for caller ids unusable as file names.
	ErrInvalidCaller = errors.New("invalid caller id")
)

// StatusError reports a non-2xx response from the remote host.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d for %s", e.StatusCode, e.URL)
}

// ProfileStore records the stored image path for a caller.
type ProfileStore interface {
	UpdateProfileImage(ctx context.Context, callerID, imagePath string) error
}

// Spec is the allow-list and budget applied to every fetch.
type Spec struct {
	AllowedHosts      []string
	AllowedProtocols  []string
	AllowedExtensions []string
	ByteCeiling       int64
	Timeout           time.Duration
	ConnectTimeout    time.Duration
	UserAgent         string
	MaxRedirects      int
}

// Options wires a Fetcher.
type Options struct {
	Spec         Spec
	UploadDir    string
	PublicPrefix string
	Store        ProfileStore
	// Transport defaults to a dialer bounded by Spec.ConnectTimeout.
	Transport http.RoundTripper
	Limiter   *rate.Limiter
}

// Target is a validated URL.
type Target struct {
	URL *url.URL
	// Ext is the lowercased extension without the dot.
	Ext string
}

// Result describes a stored image.
type Result struct {
	PublicPath string
	Path       string
	Bytes      int64
}

const (
	defaultMaxRedirects   = 3
	defaultConnectTimeout = 2 * time.Second
)

var callerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Fetcher is safe for concurrent use.
type Fetcher struct {
	spec         Spec
	hosts        map[string]struct{}
	protocols    map[string]struct{}
	extensions   map[string]struct{}
	dir          containment.Root
	publicPrefix string
	store        ProfileStore
	client       *http.Client
	limiter      *rate.Limiter
}

func toSet(values []string, trim string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimSuffix(strings.TrimPrefix(v, trim), trim)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func extensionSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for ext := range toSet(values, "") {
		set["."+strings.TrimPrefix(ext, ".")] = struct{}{}
	}
	return set
}

// New builds a Fetcher. The upload directory is created if missing.
func New(opts Options) (*Fetcher, error) {
	if opts.Store == nil {
		return nil, errors.New("fetch: profile store is required")
	}
	if opts.Spec.ByteCeiling <= 0 {
		return nil, errors.New("fetch: byte ceiling must be positive")
	}
	if opts.Spec.Timeout <= 0 {
		return nil, errors.New("fetch: timeout must be positive")
	}
	dir, err := containment.NewRoot(opts.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("fetch: upload dir: %w", err)
	}
	if err := os.MkdirAll(dir.Dir(), 0o750); err != nil {
		return nil, fmt.Errorf("fetch: create upload dir: %w", err)
	}
	spec := opts.Spec
	if spec.MaxRedirects <= 0 {
		spec.MaxRedirects = defaultMaxRedirects
	}
	if spec.ConnectTimeout <= 0 {
		spec.ConnectTimeout = defaultConnectTimeout
	}
	f := &Fetcher{
		spec:         spec,
		hosts:        toSet(spec.AllowedHosts, ""),
		protocols:    toSet(spec.AllowedProtocols, ":"),
		extensions:   extensionSet(spec.AllowedExtensions),
		dir:          dir,
		publicPrefix: strings.TrimSuffix(opts.PublicPrefix, "/"),
		store:        opts.Store,
		limiter:      opts.Limiter,
	}
	if f.limiter == nil {
		f.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: spec.ConnectTimeout}).DialContext,
			TLSHandshakeTimeout:   spec.ConnectTimeout,
			ResponseHeaderTimeout: spec.Timeout,
			MaxIdleConns:          16,
			IdleConnTimeout:       30 * time.Second,
		}
	}
	f.client = &http.Client{
		Transport:     transport,
		Timeout:       spec.Timeout,
		CheckRedirect: f.checkRedirect,
	}
	return f, nil
}

// Validate checks raw against the allow-lists in order: absolute URL,
// protocol, exact host, path extension. It performs no I/O.
func (f *Fetcher) Validate(raw string) (*Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: not an absolute url", ErrInvalidImageURL)
	}
	if _, ok := f.protocols[strings.ToLower(u.Scheme)]; !ok {
		return nil, fmt.Errorf("%w: protocol %q not allowed", ErrInvalidImageURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := f.hosts[host]; !ok {
		return nil, fmt.Errorf("%w: host %q not allowed", ErrInvalidImageURL, host)
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, ok := f.extensions[ext]; !ok {
		return nil, fmt.Errorf("%w: extension %q not allowed", ErrInvalidImageURL, ext)
	}
	return &Target{URL: u, Ext: strings.TrimPrefix(ext, ".")}, nil
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= f.spec.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", ErrRedirectBlocked, len(via))
	}
	if _, err := f.Validate(req.URL.String()); err != nil {
		return fmt.Errorf("%w: to %s: %v", ErrRedirectBlocked, req.URL.Redacted(), err)
	}
	return nil
}

// Fetch validates raw, downloads it into the upload directory as
// <callerID>.<ext> and records the public path in the profile store. A
// failed download leaves neither a file nor a changed reference behind.
func (f *Fetcher) Fetch(ctx context.Context, callerID, raw string) (Result, error) {
	target, err := f.Validate(raw)
	if err != nil {
		return Result{}, err
	}
	if !callerIDPattern.MatchString(callerID) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidCaller, callerID)
	}
	name := callerID + "." + target.Ext
	dest, err := f.dir.Resolve(name)
	if err != nil {
		return Result{}, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("fetch: rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.spec.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: build request: %w", err)
	}
	if f.spec.UserAgent != "" {
		req.Header.Set("User-Agent", f.spec.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, URL: target.URL.Redacted()}
	}
	if resp.ContentLength > f.spec.ByteCeiling {
		return Result{}, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, resp.ContentLength)
	}

	n, err := f.writeAtomic(dest, name, resp.Body)
	if err != nil {
		return Result{}, err
	}
	public := f.publicPrefix + "/" + name
	if err := f.store.UpdateProfileImage(ctx, callerID, public); err != nil {
		return Result{}, fmt.Errorf("fetch: update profile: %w", err)
	}
	return Result{PublicPath: public, Path: dest, Bytes: n}, nil
}

// writeAtomic streams body into a hidden temp file next to dest, syncs it and
// renames it into place. The temp file is removed on any failure.
func (f *Fetcher) writeAtomic(dest, name string, body io.Reader) (n int64, err error) {
	tmpPath := filepath.Join(filepath.Dir(dest), "."+name+"."+uuid.NewString()+".part")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) // #nosec G304 -- path built from validated parts
	if err != nil {
		return 0, fmt.Errorf("fetch: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err = io.Copy(tmp, io.LimitReader(body, f.spec.ByteCeiling+1))
	if err != nil {
		return n, fmt.Errorf("fetch: read body: %w", err)
	}
	if n > f.spec.ByteCeiling {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.spec.ByteCeiling)
	}
	if err = tmp.Sync(); err != nil {
		return n, fmt.Errorf("fetch: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return n, fmt.Errorf("fetch: close: %w", err)
	}
	if err = os.Rename(tmpPath, dest); err != nil {
		return n, fmt.Errorf("fetch: rename: %w", err)
	}
	return n, nil
}
