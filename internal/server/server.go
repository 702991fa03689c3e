package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/0xReLogic/carina-origin/internal/logging"
	"github.com/0xReLogic/carina-origin/internal/ratelimit"
	"github.com/0xReLogic/carina-origin/internal/tracing"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "origin_http_requests_total",
			Help: "Total number of HTTP requests answered by the origin",
		},
		[]string{"method", "status"},
	)
	httpRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "origin_http_request_latency_seconds",
			Help:    "Latency of HTTP requests answered by the origin",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	httpRequestBodyBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "origin_http_request_body_bytes_total",
			Help: "Request body bytes drained by the origin",
		},
		[]string{"method"},
	)
	httpRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "origin_http_rate_limited_total",
			Help: "Total number of HTTP requests rejected by the rate limiter",
		},
	)
)

// Timeouts bound how long a connection may take at each stage.
type Timeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
	Shutdown   time.Duration
}

// Server serves the canned responder on every path and, optionally,
// Prometheus metrics on a separate listener.
type Server struct {
	ListenAddr  string
	MetricsAddr string
	// Handler answers every request on the main listener
	Handler     http.Handler
	RateLimiter *ratelimit.RateLimiter
	TLSConfig   *tls.Config
	Timeouts    Timeouts
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

type countingBody struct {
	io.ReadCloser
	n int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

// Routes returns the handler mounted on the main listener: every path
// reaches s.Handler, wrapped with tracing, rate limiting, logging and
// metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracing.StartSpan(ctx, "http_request", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		ctx, _ = logging.WithRequestID(ctx)

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.user_agent", r.UserAgent()),
		)

		r = r.WithContext(ctx)

		if s.RateLimiter != nil {
			client := ratelimit.ClientKey(r)
			if !s.RateLimiter.Allow(client) {
				httpRateLimitedTotal.Inc()
				logging.LogRateLimited(ctx, client)
				span.SetStatus(codes.Error, "rate limited")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		body := &countingBody{ReadCloser: r.Body}
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = body
		}

		s.Handler.ServeHTTP(rec, r)
		latency := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", rec.status),
			attribute.Int64("http.request.body.size", body.n),
			attribute.Int64("http.response.size", int64(rec.size)),
		)
		if rec.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		} else {
			span.SetStatus(codes.Ok, "")
		}

		logging.LogHTTPRequest(ctx, r.Method, r.URL.Path, rec.status, latency.Milliseconds(), body.n, int64(rec.size), tracing.TraceIDFromContext(ctx))

		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestLatency.WithLabelValues(r.Method).Observe(latency.Seconds())
		httpRequestBodyBytes.WithLabelValues(r.Method).Add(float64(body.n))
	})
	return mux
}

// MetricsRoutes returns the handler for the metrics listener.
func MetricsRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: s.Timeouts.ReadHeader,
		ReadTimeout:       s.Timeouts.Read,
		WriteTimeout:      s.Timeouts.Write,
		IdleTimeout:       s.Timeouts.Idle,
	}
}

// Run listens on ListenAddr (and MetricsAddr when set) and serves until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return err
	}
	var metricsLn net.Listener
	if s.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", s.MetricsAddr)
		if err != nil {
			ln.Close()
			return err
		}
	}
	return s.Serve(ctx, ln, metricsLn)
}

// Serve serves on the given listeners until ctx is cancelled, then shuts
// both servers down gracefully. metricsLn may be nil.
func (s *Server) Serve(ctx context.Context, ln, metricsLn net.Listener) error {
	if s.TLSConfig != nil {
		ln = tls.NewListener(ln, s.TLSConfig)
	}

	servers := []*http.Server{s.newHTTPServer(s.Routes())}
	listeners := []net.Listener{ln}
	logging.LogHTTPServerStart(ln.Addr().String(), s.TLSConfig != nil)

	if metricsLn != nil {
		servers = append(servers, s.newHTTPServer(MetricsRoutes()))
		listeners = append(listeners, metricsLn)
		logging.LogInfo("metrics_server_start", map[string]interface{}{
			"listen_addr": metricsLn.Addr().String(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, l := servers[i], listeners[i]
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.Timeouts.Shutdown
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
