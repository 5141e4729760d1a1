package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/ingestguard/core/auth"
	"github.com/cordum/ingestguard/core/ingest/admission"
	"github.com/cordum/ingestguard/core/ingest/outcome"
	"github.com/cordum/ingestguard/core/ingest/signals"
	"github.com/gorilla/websocket"
)

type fakeIngestor struct {
	mu       sync.Mutex
	verdict  outcome.Verdict
	uploads  []*admission.Upload
	payloads []string
	fetches  []string
	remotes  []string
}

func (f *fakeIngestor) HandleUpload(_ context.Context, u *admission.Upload) outcome.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, u)
	if u != nil {
		data, _ := io.ReadAll(u.Content)
		f.payloads = append(f.payloads, string(data))
	}
	return f.verdict
}

func (f *fakeIngestor) HandleImageURL(_ context.Context, callerID, rawURL, remoteAddr string) outcome.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, callerID+" "+rawURL)
	f.remotes = append(f.remotes, remoteAddr)
	return f.verdict
}

type staticResolver map[string]string

func (s staticResolver) Resolve(_ context.Context, token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", auth.ErrNotAuthenticated
}

type recordingMetrics struct {
	mu       sync.Mutex
	observed []string
}

func (m *recordingMetrics) ObserveRequest(method, route, status string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, method+" "+route+" "+status)
}

func newTestServer(ing *fakeIngestor) (*server, *recordingMetrics) {
	m := &recordingMetrics{}
	return &server{
		ingest:         ing,
		callers:        staticResolver{"good-token": "u1"},
		operators:      newOperatorKeys("op-key"),
		hub:            signals.NewHub(isAllowedOrigin, wsAPIKeyProtocol),
		metrics:        m,
		profilePath:    "/base/profile",
		maxUploadBytes: 1 << 20,
	}, m
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	} else if err := mw.WriteField("note", "no file"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&fakeIngestor{})
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestFileUploadAccepted(t *testing.T) {
	ing := &fakeIngestor{verdict: outcome.Verdict{Status: http.StatusNoContent}}
	s, m := newTestServer(ing)
	body, ctype := multipartBody(t, "file", "complaint.pdf", "%PDF-1.4")
	req := httptest.NewRequest(http.MethodPost, "/file-upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 204, got %d %q", rec.Code, rec.Body.String())
	}
	if len(ing.uploads) != 1 || ing.uploads[0].FileName != "complaint.pdf" || ing.uploads[0].Size != 8 {
		t.Fatalf("unexpected upload %+v", ing.uploads)
	}
	if ing.payloads[0] != "%PDF-1.4" {
		t.Fatalf("unexpected payload %q", ing.payloads[0])
	}
	if len(m.observed) != 1 || m.observed[0] != "POST /file-upload 204" {
		t.Fatalf("unexpected metrics %v", m.observed)
	}
}

func TestFileUploadMissingFile(t *testing.T) {
	ing := &fakeIngestor{verdict: outcome.Verdict{Status: http.StatusBadRequest, Message: "File is not passed"}}
	s, _ := newTestServer(ing)
	body, ctype := multipartBody(t, "", "", "")
	req := httptest.NewRequest(http.MethodPost, "/file-upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Status != "error" || env.Error != "File is not passed" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(ing.uploads) != 1 || ing.uploads[0] != nil {
		t.Fatalf("expected nil upload to reach the pipeline, got %+v", ing.uploads)
	}
}

func TestFileUploadNotMultipart(t *testing.T) {
	ing := &fakeIngestor{verdict: outcome.Verdict{Status: http.StatusBadRequest, Message: "File is not passed"}}
	s, _ := newTestServer(ing)
	req := httptest.NewRequest(http.MethodPost, "/file-upload", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || ing.uploads[0] != nil {
		t.Fatalf("expected 400 with nil upload, got %d %+v", rec.Code, ing.uploads)
	}
}

func TestFileUploadTooLarge(t *testing.T) {
	ing := &fakeIngestor{verdict: outcome.Verdict{Status: http.StatusNoContent}}
	s, _ := newTestServer(ing)
	s.maxUploadBytes = 64
	body, ctype := multipartBody(t, "file", "big.zip", strings.Repeat("x", 4096))
	req := httptest.NewRequest(http.MethodPost, "/file-upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(ing.uploads) != 0 {
		t.Fatalf("oversized body must not reach the pipeline")
	}
}

func TestFileUploadGoneVerdict(t *testing.T) {
	msg := "B2B customer complaints via file upload have been deprecated for security reasons (a.xml)"
	ing := &fakeIngestor{verdict: outcome.Verdict{Status: http.StatusGone, Message: msg}}
	s, _ := newTestServer(ing)
	body, ctype := multipartBody(t, "file", "a.xml", "<a/>")
	req := httptest.NewRequest(http.MethodPost, "/file-upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusGone || decodeError(t, rec).Error != msg {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func imageRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/profile/image/url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.7:40000"
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	return req
}

func TestImageURLRequiresCaller(t *testing.T) {
	ing := &fakeIngestor{}
	s, _ := newTestServer(ing)
	for _, token := range []string{"", "bad-token"} {
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, imageRequest(`{"imageUrl":"https://example.com/a.png"}`, token))
		if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Error != "not authenticated" {
			t.Fatalf("expected 401, got %d %q", rec.Code, rec.Body.String())
		}
	}
	if len(ing.fetches) != 0 {
		t.Fatalf("unauthenticated request reached the pipeline")
	}
}

func TestImageURLStored(t *testing.T) {
	ing := &fakeIngestor{verdict: outcome.Verdict{Status: http.StatusFound, Location: "/base/profile"}}
	s, _ := newTestServer(ing)
	req := imageRequest(`{"imageUrl":"https://example.com/a.png"}`, "")
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/base/profile" {
		t.Fatalf("expected redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if len(ing.fetches) != 1 || ing.fetches[0] != "u1 https://example.com/a.png" {
		t.Fatalf("unexpected fetches %v", ing.fetches)
	}
	if ing.remotes[0] != "192.0.2.7" {
		t.Fatalf("expected remote without port, got %q", ing.remotes[0])
	}
}

func TestImageURLMissingRedirects(t *testing.T) {
	ing := &fakeIngestor{}
	s, _ := newTestServer(ing)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, imageRequest(`{}`, "good-token"))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/base/profile" {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if len(ing.fetches) != 0 {
		t.Fatalf("missing url must not fetch")
	}
}

func TestImageURLRejectsBadBody(t *testing.T) {
	ing := &fakeIngestor{}
	s, _ := newTestServer(ing)
	for _, body := range []string{`not json`, `{"imageUrl": 5}`, `[]`, `{"imageUrl":"` + strings.Repeat("a", 3000) + `"}`} {
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, imageRequest(body, "good-token"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %.20q: expected 400, got %d", body, rec.Code)
		}
		if env := decodeError(t, rec); env.Error == "" || len(env.Error) > outcome.MaxMessageChars {
			t.Fatalf("unexpected error message %q", env.Error)
		}
	}
	if len(ing.fetches) != 0 {
		t.Fatalf("invalid body reached the pipeline")
	}
}

func TestImageURLVerdictErrors(t *testing.T) {
	cases := []outcome.Verdict{
		{Status: http.StatusBadRequest, Message: "Invalid Image URL"},
		{Status: http.StatusInternalServerError, Message: "Blocked illegal activity by 192.0.2.7"},
	}
	for _, v := range cases {
		s, _ := newTestServer(&fakeIngestor{verdict: v})
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, imageRequest(`{"imageUrl":"http://evil.test/x.png"}`, "good-token"))
		if rec.Code != v.Status || decodeError(t, rec).Error != v.Message {
			t.Fatalf("expected %d %q, got %d %q", v.Status, v.Message, rec.Code, rec.Body.String())
		}
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	t.Setenv("INGEST_ALLOWED_ORIGINS", "https://shop.example")
	s, _ := newTestServer(&fakeIngestor{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/file-upload", nil)
	req.Header.Set("Origin", "https://shop.example")
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://shop.example" {
		t.Fatalf("unexpected preflight %d %v", rec.Code, rec.Header())
	}
}

type fakeBus struct{ connected bool }

func (b fakeBus) IsConnected() bool { return b.connected }

func (b fakeBus) Status() string {
	if b.connected {
		return "CONNECTED"
	}
	return "RECONNECTING"
}

func (b fakeBus) ConnectedURL() string { return "nats://bus:4222" }

func TestStatusRequiresOperatorKey(t *testing.T) {
	s, _ := newTestServer(&fakeIngestor{})
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStatusReportsDependencies(t *testing.T) {
	s, _ := newTestServer(&fakeIngestor{})
	s.bus = fakeBus{connected: true}
	s.pingRedis = func(context.Context) error { return errors.New("connection refused") }
	s.started = time.Now().Add(-time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "op-key")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NATS == nil || !resp.NATS.Connected || resp.NATS.Status != "CONNECTED" || resp.NATS.URL != "nats://bus:4222" {
		t.Fatalf("unexpected nats status %+v", resp.NATS)
	}
	if resp.Redis.OK || resp.Redis.Error != "connection refused" {
		t.Fatalf("unexpected redis status %+v", resp.Redis)
	}
	if resp.UptimeSeconds < 59 {
		t.Fatalf("unexpected uptime %d", resp.UptimeSeconds)
	}
}

func TestStatusWithoutBus(t *testing.T) {
	s, _ := newTestServer(&fakeIngestor{})
	s.pingRedis = func(context.Context) error { return nil }

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "op-key")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NATS != nil || !resp.Redis.OK {
		t.Fatalf("unexpected status %+v", resp)
	}
}

func TestSignalStreamRequiresOperatorKey(t *testing.T) {
	s, _ := newTestServer(&fakeIngestor{})
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/signals/stream", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignalStreamDeliversEvents(t *testing.T) {
	s, _ := newTestServer(&fakeIngestor{})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/signals/stream"
	header := http.Header{}
	header.Set("X-API-Key", "op-key")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.hub.Emit(signals.NewEvent(outcome.TraversalBlocked, outcome.SourceArchive))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got signals.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Signal != outcome.TraversalBlocked || got.Source != outcome.SourceArchive {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestOperatorKeysFromEnv(t *testing.T) {
	t.Setenv("INGEST_API_KEYS", " k1, ,k2")
	t.Setenv("INGEST_API_KEY", "k3")
	keys := operatorKeysFromEnv()
	for _, k := range []string{"k1", "k2", "k3"} {
		if !keys.allow(k) {
			t.Fatalf("expected %s to be allowed", k)
		}
	}
	if keys.allow("") || keys.allow("k4") || keys.allow("k1,k2") {
		t.Fatalf("unexpected key allowed")
	}

	t.Setenv("INGEST_API_KEYS", "")
	t.Setenv("INGEST_API_KEY", "")
	if keys := operatorKeysFromEnv(); len(keys.digests) != 0 || keys.allow("k1") {
		t.Fatalf("expected no operator keys")
	}
}

func TestKeyFromSubprotocols(t *testing.T) {
	cases := []struct {
		name      string
		protocols []string
		want      string
	}{
		{name: "encoded key", protocols: []string{wsAPIKeyProtocol, "b3Ata2V5"}, want: "op-key"},
		{name: "after other protocols", protocols: []string{"chat", wsAPIKeyProtocol, "b3Ata2V5"}, want: "op-key"},
		{name: "missing key", protocols: []string{wsAPIKeyProtocol}},
		{name: "not base64", protocols: []string{wsAPIKeyProtocol, "op key!"}},
		{name: "no marker", protocols: []string{"b3Ata2V5"}},
	}
	for _, tc := range cases {
		if got := keyFromSubprotocols(tc.protocols); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
