package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"oyamarket/observability"
	"oyamarket/observability/logging"
)

type ObservabilityConfig struct {
	ServiceName  string
	LogRequests  bool
	Metrics      bool
	Tracing      bool
	// CallerHeader defaults to DefaultCallerHeader.
	CallerHeader string
}

// Observability records request metrics, request logs and server spans.
type Observability struct {
	cfg    ObservabilityConfig
	logger *slog.Logger
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "oyad"
	}
	return &Observability{cfg: cfg, logger: logger}
}

// Trace wraps the full handler chain with otelhttp so inbound trace context
// is extracted before routing.
func (o *Observability) Trace(next http.Handler) http.Handler {
	if !o.cfg.Tracing {
		return next
	}
	return otelhttp.NewHandler(next, o.cfg.ServiceName)
}

func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		route := routePattern(r)
		if o.cfg.Metrics {
			observability.API().Observe(route, r.Method, recorder.status, duration)
		}
		if o.cfg.LogRequests {
			o.logger.Info("http request", o.requestAttrs(r, route, recorder.status, duration)...)
		}
	})
}

// requestAttrs never carries the raw caller address or bearer token.
func (o *Observability) requestAttrs(r *http.Request, route string, status int, duration time.Duration) []any {
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", status),
		slog.String("requestId", RequestIDFromContext(r.Context())),
		slog.Duration("duration", duration),
	}
	if caller := r.Header.Get(o.callerHeader()); caller != "" {
		attrs = append(attrs, slog.String("caller", logging.MaskAddress(caller)))
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		attrs = append(attrs, slog.String("authorization", logging.MaskCredential(auth)))
	}
	return attrs
}

func (o *Observability) callerHeader() string {
	if o.cfg.CallerHeader != "" {
		return o.cfg.CallerHeader
	}
	return DefaultCallerHeader
}

func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.written = true
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	s.written = true
	return h.Hijack()
}
