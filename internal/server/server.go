package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"transcodeorc/internal/api"
	"transcodeorc/internal/dataplane"
	"transcodeorc/internal/dispatch"
	"transcodeorc/internal/observability/metrics"
	"transcodeorc/internal/session"
)

// TLSConfig defines certificate files that enable TLS for the HTTP listener
// created by Server. When both CertFile and KeyFile are provided the server
// starts with TLS; otherwise it falls back to plain HTTP on Config.Addr.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// RateLimitConfig bounds the pairing and admission endpoints, which are the
// only routes a misbehaving or compromised client can hit at volume without
// already holding a capability token. TrustedProxies/TrustForwardedHeaders
// control how the client IP used as the limiter key is resolved behind a
// reverse proxy.
type RateLimitConfig struct {
	RPS                   float64
	Burst                 int
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

// Config aggregates the dependencies and settings required to construct a
// Server.
type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Server wraps the configured http.Server alongside TLS metadata derived
// from Config. It exposes lifecycle methods for starting and gracefully
// shutting down the listener created by New.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the controller's HTTP surface: the management API (api.Handler),
// the data-plane byte-range endpoints (dataplane.Handler), the worker control
// channel upgrade (session.Accept backed by the supplied dispatch.Controller),
// and a Prometheus-text metrics endpoint. Routing is chi-based; admission
// control on the pairing and job-start endpoints uses a token-bucket limiter
// per client IP.
func New(apiHandler *api.Handler, dataHandler *dataplane.Handler, controller *dispatch.Controller, cfg Config) (*Server, error) {
	if apiHandler == nil {
		return nil, errors.New("api handler is required")
	}
	if dataHandler == nil {
		return nil, errors.New("dataplane handler is required")
	}
	if controller == nil {
		return nil, errors.New("dispatch controller is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	ipResolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolver: %w", err)
	}
	limiter := newAdmissionLimiter(cfg.RateLimit)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return requestIDMiddleware(logger, next) })
	r.Use(metricsMiddleware(recorder))
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(logger, ipResolver, next) })

	r.Get("/healthz", apiHandler.Health)
	r.Get("/api/health", apiHandler.Health)
	r.Get("/api/nodes", apiHandler.Nodes)
	r.Get("/api/settings", apiHandler.SettingsRoute)
	r.Post("/api/settings", apiHandler.SettingsRoute)
	r.With(admissionLimitMiddleware(limiter, ipResolver, logger)).Post("/api/pair", apiHandler.Pair)
	r.Get("/api/scan", apiHandler.Scan)
	r.With(admissionLimitMiddleware(limiter, ipResolver, logger)).Post("/api/start", apiHandler.Start)
	r.Handle("/metrics", recorder.Handler())

	dataHandler.Routes(r)

	r.Get("/agent", func(w http.ResponseWriter, req *http.Request) {
		sess, err := session.Accept(w, req, controller, logger)
		if err != nil {
			logger.Error("accept agent session", "error", err)
			return
		}
		sess.Run(req.Context())
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Start runs the HTTP listener, blocking until it is shut down or fails.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests before closing the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder wraps a ResponseWriter to capture the status code written,
// forwarding the optional interfaces a handler further down the chain (the
// websocket upgrade, range serving) may need.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (sr *statusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if readerFrom, ok := sr.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(sr.ResponseWriter, r)
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		requestLogger := loggingWithRequest(logger, resolver, r)
		if requestLogger == nil {
			requestLogger = logger
		}
		requestLogger.Info("request completed",
			"method", r.Method,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds())
	})
}

func metricsMiddleware(recorder *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if recorder == nil {
			recorder = metrics.Default()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := newStatusRecorder(w)
			start := time.Now()
			next.ServeHTTP(sr, r)
			recorder.ObserveRequest(r.Method, r.URL.Path, sr.status, time.Since(start))
		})
	}
}

// newAdmissionLimiter builds a per-client-IP token-bucket limiter guarding
// /api/pair and /api/start, the only endpoints reachable before a caller
// holds any capability token. A non-positive RPS disables limiting.
func newAdmissionLimiter(cfg RateLimitConfig) *admissionLimiter {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &admissionLimiter{
		rps:      rate.Limit(cfg.RPS),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

type admissionLimiter struct {
	rps      rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (a *admissionLimiter) allow(key string) bool {
	if a == nil {
		return true
	}
	a.mu.Lock()
	limiter, ok := a.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(a.rps, a.burst)
		a.limiters[key] = limiter
	}
	a.mu.Unlock()
	return limiter.Allow()
}

func admissionLimitMiddleware(limiter *admissionLimiter, resolver *clientIPResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, source := resolveClientIP(r, resolver)
			if !limiter.allow(ip) {
				if logger != nil {
					logger.Warn("admission rate limited", "remote_ip", ip, "ip_source", source, "path", r.URL.Path)
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

type clientIPResolver struct {
	trustForwarded bool
	trustedNets    []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(trimmed); err == nil {
			resolver.trustedNets = append(resolver.trustedNets, network)
			continue
		}
		ip := net.ParseIP(trimmed)
		if ip == nil {
			return nil, fmt.Errorf("parse trusted proxy %q: invalid address", trimmed)
		}
		maskSize := 128
		if ip.To4() != nil {
			maskSize = 32
		}
		resolver.trustedNets = append(resolver.trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(maskSize, maskSize)})
	}
	return resolver, nil
}

func (r *clientIPResolver) ClientIPFromRequest(req *http.Request) (string, string) {
	if req == nil {
		return "", ipSourceRemoteAddr
	}
	if r != nil && r.shouldTrust(req.RemoteAddr) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					return trimmed, ipSourceXForwardedFor
				}
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, ipSourceXRealIP
		}
	}
	return clientIP(req.RemoteAddr), ipSourceRemoteAddr
}

func (r *clientIPResolver) shouldTrust(remoteAddr string) bool {
	if r == nil {
		return false
	}
	if r.trustForwarded {
		return true
	}
	if len(r.trustedNets) == 0 {
		return false
	}
	host := clientIP(remoteAddr)
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range r.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver == nil {
		return clientIP(r.RemoteAddr), ipSourceRemoteAddr
	}
	return resolver.ClientIPFromRequest(r)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
