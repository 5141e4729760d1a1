package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	paths map[string]string
	err   error
}

func (m *memStore) UpdateProfileImage(_ context.Context, id, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.paths == nil {
		m.paths = map[string]string{}
	}
	m.paths[id] = p
	return nil
}

func (m *memStore) get(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paths[id]
}

type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(r)
}

func testSpec(hosts ...string) Spec {
	return Spec{
		AllowedHosts:      hosts,
		AllowedProtocols:  []string{"http", "https"},
		AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".svg", ".gif"},
		ByteCeiling:       1024,
		Timeout:           5 * time.Second,
		UserAgent:         "Ingestguard ImageUploader",
	}
}

func newTestFetcher(t *testing.T, spec Spec) (*Fetcher, *memStore, *countingTransport, string) {
	t.Helper()
	store := &memStore{}
	transport := &countingTransport{next: http.DefaultTransport}
	dir := filepath.Join(t.TempDir(), "uploads")
	f, err := New(Options{
		Spec:         spec,
		UploadDir:    dir,
		PublicPrefix: "/assets/public/images/uploads/",
		Store:        store,
		Transport:    transport,
	})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f, store, transport, dir
}

func TestValidateOrderAndRules(t *testing.T) {
	f, _, transport, _ := newTestFetcher(t, testSpec("example.com"))
	valid := []string{
		"https://example.com/pic.jpg",
		"http://EXAMPLE.com:8080/a/b.PNG",
		"https://example.com/x.svg?size=2",
	}
	for _, raw := range valid {
		if _, err := f.Validate(raw); err != nil {
			t.Fatalf("%s: expected valid, got %v", raw, err)
		}
	}
	invalid := map[string]string{
		"relative":       "/pic.jpg",
		"garbage":        "::not a url",
		"ftp":            "ftp://example.com/pic.jpg",
		"file":           "file:///etc/passwd.png",
		"evil host":      "https://evil.com/pic.jpg",
		"subdomain":      "https://img.example.com/pic.jpg",
		"suffix host":    "https://example.com.evil.com/pic.jpg",
		"userinfo trick": "https://example.com@evil.com/pic.jpg",
		"bad extension":  "https://example.com/pic.php",
		"no extension":   "https://example.com/pic",
		"dotted dir":     "https://example.com/a.jpg/b",
	}
	for name, raw := range invalid {
		if _, err := f.Validate(raw); !errors.Is(err, ErrInvalidImageURL) {
			t.Fatalf("%s: expected ErrInvalidImageURL, got %v", name, err)
		}
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("validation must not touch the network")
	}
}

func TestFetchRejectsEvilHostWithoutConnecting(t *testing.T) {
	f, store, transport, _ := newTestFetcher(t, testSpec("example.com"))
	if _, err := f.Fetch(context.Background(), "42", "https://evil.com/pic.jpg"); !errors.Is(err, ErrInvalidImageURL) {
		t.Fatalf("expected ErrInvalidImageURL, got %v", err)
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("expected zero outbound connections, got %d", transport.calls.Load())
	}
	if store.get("42") != "" {
		t.Fatalf("profile must not be updated")
	}
}

func serverHost(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return u.Hostname()
}

func TestFetchStoresImageAndUpdatesProfile(t *testing.T) {
	body := strings.Repeat("P", 512)
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f, store, _, dir := newTestFetcher(t, testSpec(serverHost(t, srv)))
	res, err := f.Fetch(context.Background(), "42", srv.URL+"/pic.JPG")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.PublicPath != "/assets/public/images/uploads/42.jpg" || res.Bytes != int64(len(body)) {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(dir, "42.jpg"))
	if err != nil || string(data) != body {
		t.Fatalf("stored file mismatch: %v", err)
	}
	if store.get("42") != res.PublicPath {
		t.Fatalf("profile not updated: %q", store.get("42"))
	}
	if gotUA != "Ingestguard ImageUploader" {
		t.Fatalf("unexpected user agent %q", gotUA)
	}
	assertNoTempFiles(t, dir)
}

func TestFetchNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f, store, _, dir := newTestFetcher(t, testSpec(serverHost(t, srv)))
	_, err := f.Fetch(context.Background(), "42", srv.URL+"/pic.png")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
	if store.get("42") != "" {
		t.Fatalf("raw url must not be stored as fallback")
	}
	assertEmptyDir(t, dir)
}

func TestFetchDeclaredLengthOverCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(4096))
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	f, store, _, dir := newTestFetcher(t, testSpec(serverHost(t, srv)))
	if _, err := f.Fetch(context.Background(), "42", srv.URL+"/pic.gif"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if store.get("42") != "" {
		t.Fatalf("profile must not be updated")
	}
	assertEmptyDir(t, dir)
}

func TestFetchStreamOverCeilingAbortsAndCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := []byte(strings.Repeat("y", 256))
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer srv.Close()

	f, store, _, dir := newTestFetcher(t, testSpec(serverHost(t, srv)))
	if _, err := f.Fetch(context.Background(), "42", srv.URL+"/pic.png"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if store.get("42") != "" {
		t.Fatalf("profile must not be updated")
	}
	assertEmptyDir(t, dir)
}

func TestFetchRedirectRevalidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			http.Redirect(w, r, "/final.png", http.StatusFound)
		case "/final.png":
			_, _ = w.Write([]byte("img"))
		case "/evil.png":
			http.Redirect(w, r, "http://169.254.169.254/latest/meta-data.png", http.StatusFound)
		case "/loop.png":
			http.Redirect(w, r, "/loop.png", http.StatusFound)
		}
	}))
	defer srv.Close()

	f, store, _, _ := newTestFetcher(t, testSpec(serverHost(t, srv)))
	if _, err := f.Fetch(context.Background(), "7", srv.URL+"/ok.png"); err != nil {
		t.Fatalf("allowed redirect: %v", err)
	}
	if store.get("7") == "" {
		t.Fatalf("profile not updated after allowed redirect")
	}
	if _, err := f.Fetch(context.Background(), "8", srv.URL+"/evil.png"); !errors.Is(err, ErrRedirectBlocked) || errors.Is(err, ErrInvalidImageURL) {
		t.Fatalf("expected redirect to disallowed host to fail validation, got %v", err)
	}
	if _, err := f.Fetch(context.Background(), "9", srv.URL+"/loop.png"); !errors.Is(err, ErrRedirectBlocked) {
		t.Fatalf("expected redirect cap, got %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	spec := testSpec(serverHost(t, srv))
	spec.Timeout = 200 * time.Millisecond
	f, store, _, dir := newTestFetcher(t, spec)
	start := time.Now()
	if _, err := f.Fetch(context.Background(), "42", srv.URL+"/slow.png"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced")
	}
	if store.get("42") != "" {
		t.Fatalf("profile must not be updated")
	}
	assertEmptyDir(t, dir)
}

func TestFetchProfileUpdateFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("img"))
	}))
	defer srv.Close()

	f, store, _, _ := newTestFetcher(t, testSpec(serverHost(t, srv)))
	store.err = errors.New("db down")
	if _, err := f.Fetch(context.Background(), "42", srv.URL+"/pic.png"); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected profile update error, got %v", err)
	}
}

func TestFetchRejectsBadCallerID(t *testing.T) {
	f, _, transport, _ := newTestFetcher(t, testSpec("example.com"))
	for _, id := range []string{"", "../42", "a/b", strings.Repeat("a", 65)} {
		if _, err := f.Fetch(context.Background(), id, "https://example.com/pic.png"); !errors.Is(err, ErrInvalidCaller) {
			t.Fatalf("caller %q: expected ErrInvalidCaller, got %v", id, err)
		}
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("bad caller must not trigger network I/O")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Spec: testSpec("example.com"), UploadDir: t.TempDir()}); err == nil {
		t.Fatalf("expected error without store")
	}
	spec := testSpec("example.com")
	spec.ByteCeiling = 0
	if _, err := New(Options{Spec: spec, UploadDir: t.TempDir(), Store: &memStore{}}); err == nil {
		t.Fatalf("expected error without ceiling")
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files, found %d (first %s)", len(entries), entries[0].Name())
	}
}
