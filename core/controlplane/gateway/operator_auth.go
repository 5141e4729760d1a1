package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

// Browsers cannot set headers on a websocket dial, so the key travels as the
// subprotocol following this one, base64url encoded.
//
// #nosec G101 -- protocol label, not a credential.
const wsAPIKeyProtocol = "ingest-api-key"

// operatorKeys guards the operator endpoints. An empty set denies everything.
type operatorKeys struct {
	digests [][sha256.Size]byte
}

func newOperatorKeys(keys ...string) *operatorKeys {
	o := &operatorKeys{}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			o.digests = append(o.digests, sha256.Sum256([]byte(key)))
		}
	}
	return o
}

// operatorKeysFromEnv reads INGEST_API_KEYS, a comma separated list, and the
// single INGEST_API_KEY.
func operatorKeysFromEnv() *operatorKeys {
	keys := strings.Split(os.Getenv("INGEST_API_KEYS"), ",")
	keys = append(keys, os.Getenv("INGEST_API_KEY"))
	return newOperatorKeys(keys...)
}

func (o *operatorKeys) allow(key string) bool {
	if o == nil || key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	allowed := false
	for i := range o.digests {
		if subtle.ConstantTimeCompare(o.digests[i][:], digest[:]) == 1 {
			allowed = true
		}
	}
	return allowed
}

func (s *server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" && websocket.IsWebSocketUpgrade(r) {
			key = keyFromSubprotocols(websocket.Subprotocols(r))
		}
		if !s.operators.allow(key) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func keyFromSubprotocols(protocols []string) string {
	for i := 0; i+1 < len(protocols); i++ {
		if protocols[i] != wsAPIKeyProtocol {
			continue
		}
		key, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(protocols[i+1]))
		if err != nil {
			return ""
		}
		return string(key)
	}
	return ""
}
