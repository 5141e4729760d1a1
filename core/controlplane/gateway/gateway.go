package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cordum/ingestguard/core/auth"
	"github.com/cordum/ingestguard/core/infra/bus"
	"github.com/cordum/ingestguard/core/infra/config"
	"github.com/cordum/ingestguard/core/infra/logging"
	infraMetrics "github.com/cordum/ingestguard/core/infra/metrics"
	"github.com/cordum/ingestguard/core/infra/redisutil"
	"github.com/cordum/ingestguard/core/ingest"
	"github.com/cordum/ingestguard/core/ingest/admission"
	"github.com/cordum/ingestguard/core/ingest/archive"
	"github.com/cordum/ingestguard/core/ingest/containment"
	"github.com/cordum/ingestguard/core/ingest/fetch"
	"github.com/cordum/ingestguard/core/ingest/outcome"
	"github.com/cordum/ingestguard/core/ingest/sandbox"
	"github.com/cordum/ingestguard/core/ingest/signals"
	"github.com/cordum/ingestguard/core/profile"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	component         = "ingest-gateway"
	signalQueueSize   = 1024
	maxImageURLBody   = 64 << 10
	multipartMemory   = 8 << 20
	shutdownTimeout   = 10 * time.Second
	sandboxSubcommand = "sandbox-exec"
)

// Ingestor is the pipeline surface the HTTP handlers drive.
type Ingestor interface {
	HandleUpload(ctx context.Context, u *admission.Upload) outcome.Verdict
	HandleImageURL(ctx context.Context, callerID, rawURL, remoteAddr string) outcome.Verdict
}

type server struct {
	ingest         Ingestor
	callers        auth.Resolver
	operators      *operatorKeys
	hub            *signals.Hub
	metrics        infraMetrics.GatewayMetrics
	profilePath    string
	maxUploadBytes int64
	bus            busStatus
	pingRedis      func(context.Context) error
	started        time.Time
}

// busStatus is the connection view of the signal bus shown on the status endpoint.
type busStatus interface {
	IsConnected() bool
	Status() string
	ConnectedURL() string
}

// Run wires the pipeline from cfg and policy and serves until ctx is done.
func Run(ctx context.Context, cfg *config.Config, policy *config.Policy) error {
	if cfg == nil {
		cfg = config.Load()
	}
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	if err := policy.Resolve(); err != nil {
		return err
	}

	redisClient, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	var store profile.Store = profile.NewRedisStore(redisClient)
	if cfg.ProfileDSN != "" {
		pg, err := profile.OpenPostgres(ctx, cfg.ProfileDSN)
		if err != nil {
			return fmt.Errorf("connect profile database: %w", err)
		}
		defer pg.Close()
		store = pg
	}

	callers := auth.Chain{auth.NewSessionResolver(redisClient)}
	if cfg.JWTSecret != "" {
		jwtResolver, err := auth.NewJWTResolver(cfg.JWTSecret)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		callers = append(auth.Chain{jwtResolver}, callers...)
	} else {
		logging.Warn(component, "JWT_SECRET not set; only session tokens are accepted")
	}

	operators := operatorKeysFromEnv()
	if len(operators.digests) == 0 {
		logging.Warn(component, "no operator API keys configured; operator endpoints are disabled")
	}

	pipelineMetrics := infraMetrics.NewProm("ingest")
	hub := signals.NewHub(isAllowedOrigin, wsAPIKeyProtocol)
	sinks := signals.Multi{signals.MetricsSink{Metrics: pipelineMetrics}, hub}
	var signalBus busStatus
	if !cfg.DisableNATS {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		signalBus = natsBus
		natsSink := signals.NewNatsSink(natsBus, cfg.SignalSubject, signalQueueSize)
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	root, err := containment.NewRoot(policy.Archive.ExtractionRoot)
	if err != nil {
		return fmt.Errorf("extraction root: %w", err)
	}
	if err := os.MkdirAll(root.Dir(), 0o750); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}
	extractor := archive.NewExtractor(root, archive.Limits{
		MaxEntryBytes: policy.Archive.MaxEntryBytes,
		MaxTotalBytes: policy.Archive.MaxTotalBytes,
		MaxEntries:    policy.Archive.MaxEntries,
	})

	runner, err := sandbox.NewProcessRunner(policy.Parser.MaxConcurrent, sandboxSubcommand)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if policy.Fetch.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(policy.Fetch.RateLimitRPS), max(policy.Fetch.RateBurst, 1))
	}
	fetcher, err := fetch.New(fetch.Options{
		Spec: fetch.Spec{
			AllowedHosts:      policy.Fetch.AllowedHosts,
			AllowedProtocols:  policy.Fetch.AllowedProtocols,
			AllowedExtensions: policy.Fetch.AllowedExtensions,
			ByteCeiling:       policy.Fetch.ByteCeiling,
			Timeout:           policy.Fetch.Timeout(),
			UserAgent:         policy.Fetch.UserAgent,
		},
		UploadDir:    policy.Fetch.UploadDir,
		PublicPrefix: policy.Fetch.PublicPrefix,
		Store:        store,
		Limiter:      limiter,
	})
	if err != nil {
		return err
	}

	profilePath := strings.TrimSuffix(cfg.BasePath, "/") + "/profile"
	pipeline, err := ingest.New(ingest.Options{
		Chain:     admission.NewChain(policy.Upload.SizeSignalBytes, policy.Upload.AllowedExtensions),
		Extractor: extractor,
		Parser:    runner,
		ParseLimits: ingest.ParseLimits{
			TimeLimit:      policy.Parser.TimeLimit(),
			MemoryLimit:    policy.Parser.MemoryLimitBytes,
			MaxResultBytes: policy.Parser.MaxResultBytes,
		},
		Fetcher:         fetcher,
		Sink:            sinks,
		Metrics:         pipelineMetrics,
		ProfilePath:     profilePath,
		MaxPayloadBytes: policy.Upload.MaxBytes,
	})
	if err != nil {
		return err
	}

	s := &server{
		ingest:         pipeline,
		callers:        callers,
		operators:      operators,
		hub:            hub,
		metrics:        infraMetrics.NewGatewayProm("ingest_gateway"),
		profilePath:    profilePath,
		maxUploadBytes: policy.Upload.MaxBytes,
		bus:            signalBus,
		pingRedis:      func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		started:        time.Now().UTC(),
	}
	return serve(ctx, s, cfg)
}

func serve(ctx context.Context, s *server, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc (%s): %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer(grpc.Creds(grpcCredentials()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		logging.Info(component, "grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil {
			logging.Error(component, "grpc server error", "error", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(component, "metrics listening", "addr", cfg.MetricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logging.Error(component, "http server error", "error", serveErr)
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(component, "http shutdown", "error", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	return serveErr
}

func grpcCredentials() credentials.TransportCredentials {
	certFile := os.Getenv("GRPC_TLS_CERT")
	if certFile == "" {
		return insecure.NewCredentials()
	}
	keyFile := os.Getenv("GRPC_TLS_KEY")
	if keyFile == "" {
		logging.Error(component, "grpc tls key missing", "cert", certFile)
		return insecure.NewCredentials()
	}
	creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		logging.Error(component, "grpc tls setup failed", "error", err)
		return insecure.NewCredentials()
	}
	return creds
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /file-upload", s.instrumented("/file-upload", s.handleFileUpload))
	mux.HandleFunc("POST /profile/image/url", s.instrumented("/profile/image/url", s.handleImageURL))

	// Operator endpoints; require an operator API key.
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.requireOperator(s.handleStatus)))
	mux.HandleFunc("GET /api/v1/signals/stream", s.instrumented("/api/v1/signals/stream", s.requireOperator(s.hub.ServeWS)))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually omit Origin.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv("INGEST_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	return set, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// clientAddr is the peer address without its port.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
