package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/ingestguard/core/infra/logging"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// NatsBus is a thin wrapper over a NATS connection that speaks structpb payloads.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	envNATSTLSCA       = "NATS_TLS_CA"
	envNATSTLSCert     = "NATS_TLS_CERT"
	envNATSTLSKey      = "NATS_TLS_KEY"
	envNATSTLSInsecure = "NATS_TLS_INSECURE"

	defaultMaxAge = 7 * 24 * time.Hour

	streamSignals = "INGEST_SIGNALS"

	// FieldMsgID names the payload field used as the JetStream dedup id.
	FieldMsgID = "id"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPayload = errors.New("nil bus payload")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("ingestguard-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a protobuf-encoded struct on the given subject.
func (b *NatsBus) Publish(subject string, payload *structpb.Struct) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if payload == nil {
		return errNilPayload
	}
	data, err := proto.Marshal(payload)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := computeMsgID(subject, payload); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// IsConnected reports whether the connection is currently up.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection state name, or UNKNOWN for a nil bus.
func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func envTrue(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func initJetStreamEnabled() bool {
	return envTrue(envUseJetStream)
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamSignals,
		Subjects:   []string{"ingest.>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamSignals); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamSignals, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamSignals, "max_age", maxAge)
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, "ingest.")
}

func computeMsgID(subject string, payload *structpb.Struct) string {
	if payload == nil {
		return ""
	}
	field, ok := payload.GetFields()[FieldMsgID]
	if !ok {
		return ""
	}
	id := strings.TrimSpace(field.GetStringValue())
	if id == "" {
		return ""
	}
	return subject + ":" + id
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	insecure := envTrue(envNATSTLSInsecure)
	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure} // #nosec G402 -- opt-in via env
	if caPath != "" {
		pem, err := os.ReadFile(caPath) // #nosec G304 -- operator-provided path
		if err != nil {
			return nil, fmt.Errorf("read nats tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("nats tls ca: no certificates found")
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("nats tls: both %s and %s are required", envNATSTLSCert, envNATSTLSKey)
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load nats tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
