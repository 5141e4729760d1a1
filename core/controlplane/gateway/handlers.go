package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cordum/ingestguard/core/auth"
	"github.com/cordum/ingestguard/core/infra/logging"
	"github.com/cordum/ingestguard/core/infra/schema"
	"github.com/cordum/ingestguard/core/ingest/admission"
	"github.com/cordum/ingestguard/core/ingest/outcome"
)

const (
	msgTooLarge         = "File too large"
	msgNotAuthenticated = "not authenticated"
	msgBadRequestBody   = "invalid request body"
	msgInternal         = "Unexpected error while processing the request"
)

var imageURLRequestSchema = schema.MustCompile("image-url-request", []byte(`{
	"type": "object",
	"properties": {
		"imageUrl": {"type": "string", "maxLength": 2048}
	}
}`))

type errorEnvelope struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error(component, "write response", "error", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type natsStatus struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
}

type redisStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Time              string      `json:"time"`
	UptimeSeconds     int64       `json:"uptime_seconds"`
	NATS              *natsStatus `json:"nats,omitempty"`
	Redis             redisStatus `json:"redis"`
	StreamSubscribers int         `json:"stream_subscribers"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := statusResponse{Time: now.Format(time.RFC3339)}
	if !s.started.IsZero() {
		resp.UptimeSeconds = int64(now.Sub(s.started).Seconds())
	}
	// NATS is omitted when the bus is disabled.
	if s.bus != nil {
		resp.NATS = &natsStatus{
			Connected: s.bus.IsConnected(),
			Status:    s.bus.Status(),
			URL:       s.bus.ConnectedURL(),
		}
	}
	if s.pingRedis == nil {
		resp.Redis.Error = "redis unavailable"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.pingRedis(ctx)
		cancel()
		if err != nil {
			resp.Redis.Error = err.Error()
		} else {
			resp.Redis.OK = true
		}
	}
	if s.hub != nil {
		resp.StreamSubscribers = s.hub.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	var upload *admission.Upload
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Status: "error", Error: msgTooLarge})
			return
		}
		logging.Warn(component, "unreadable upload form", "remote", clientAddr(r), "error", err)
	} else {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			upload = &admission.Upload{
				FileName:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Content:     file,
			}
		}
	}

	v := s.ingest.HandleUpload(r.Context(), upload)
	if v.Status == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, v.Status, errorEnvelope{Status: "error", Error: v.Message})
}

func (s *server) handleImageURL(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.callers.Resolve(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		if !errors.Is(err, auth.ErrNotAuthenticated) {
			logging.Error(component, "caller lookup failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: msgInternal})
			return
		}
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: msgNotAuthenticated})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageURLBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: msgBadRequestBody})
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: msgBadRequestBody})
		return
	}
	if err := imageURLRequestSchema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: outcome.Truncate(err.Error(), outcome.MaxMessageChars)})
		return
	}
	fields, _ := doc.(map[string]any)
	rawURL, _ := fields["imageUrl"].(string)
	if rawURL == "" {
		http.Redirect(w, r, s.profilePath, http.StatusFound)
		return
	}

	v := s.ingest.HandleImageURL(r.Context(), callerID, rawURL, clientAddr(r))
	if v.Status == http.StatusFound {
		http.Redirect(w, r, v.Location, http.StatusFound)
		return
	}
	writeJSON(w, v.Status, errorEnvelope{Error: v.Message})
}
