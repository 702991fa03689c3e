package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/0xReLogic/carina-origin/internal/config"
	"github.com/0xReLogic/carina-origin/internal/logging"
	"github.com/0xReLogic/carina-origin/internal/ratelimit"
	"github.com/0xReLogic/carina-origin/internal/responder"
	"github.com/0xReLogic/carina-origin/internal/server"
	tlsutils "github.com/0xReLogic/carina-origin/internal/tls"
	"github.com/0xReLogic/carina-origin/internal/tracing"
)

func main() {
	configPath := pflag.String("config", "", "Path to configuration file (optional)")
	pflag.String("port", "", "Listen port (overrides listen_port)")
	pflag.String("log-level", "", "Log level: debug, info, warn, error")
	pflag.Parse()

	loader, err := config.NewLoader(pflag.CommandLine)
	if err != nil {
		log.Fatalf("Failed to prepare configuration: %v", err)
	}
	cfg, err := loader.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Logging.Environment == "development" && os.Getenv("ORIGIN_ENV") == "" {
		os.Setenv("ORIGIN_ENV", "development")
	}
	if err := logging.Init(cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	if err := run(cfg, loader, *configPath); err != nil {
		logging.GetLogger().Error("origin_stopped", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, loader *config.Loader, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logging.LogError("Failed to initialize tracing", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
			logging.LogInfo("Tracing initialized", map[string]interface{}{
				"service":  cfg.Tracing.ServiceName,
				"endpoint": cfg.Tracing.Endpoint,
			})
		}
	}

	table, err := cfg.ResponseTable()
	if err != nil {
		return err
	}
	responses := responder.NewSwappable(table)

	srv := &server.Server{
		ListenAddr:  net.JoinHostPort("", cfg.ListenPort),
		MetricsAddr: cfg.Metrics.ListenAddr,
		Handler:     responder.NewHandler(responses, responder.WithMaxBodyBytes(cfg.Server.MaxBodyBytes)),
		Timeouts: server.Timeouts{
			ReadHeader: cfg.Server.ReadHeaderTimeout,
			Read:       cfg.Server.ReadTimeout,
			Write:      cfg.Server.WriteTimeout,
			Idle:       cfg.Server.IdleTimeout,
			Shutdown:   cfg.Server.ShutdownTimeout,
		},
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		srv.RateLimiter = ratelimit.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
		logging.LogInfo("Rate limiting initialized", map[string]interface{}{
			"rps":   cfg.RateLimit.RequestsPerSecond,
			"burst": cfg.RateLimit.BurstSize,
		})
	}

	if cfg.TLS.Enabled {
		certManager, err := tlsutils.NewCertManager(cfg.TLS.CertDir)
		if err != nil {
			return fmt.Errorf("initialize certificate manager in %s: %w", cfg.TLS.CertDir, err)
		}
		srv.TLSConfig = certManager.GetServerTLSConfig(cfg.TLS.RequireClientCert)
		logging.LogInfo("TLS certificate manager initialized", map[string]interface{}{
			"cert_dir":            cfg.TLS.CertDir,
			"require_client_cert": cfg.TLS.RequireClientCert,
		})
	}

	if configPath != "" {
		r := &reloader{current: cfg, responses: responses, source: configPath}
		loader.Watch(r.apply, func(err error) {
			logging.LogError("config_reload_failed", map[string]interface{}{"error": err})
		})
	}

	logging.GetLogger().Info("origin_started",
		zap.String("listen_port", cfg.ListenPort),
		zap.String("metrics_addr", cfg.Metrics.ListenAddr),
		zap.Int("methods", table.Len()),
	)

	err = srv.Run(ctx)
	logging.GetLogger().Info("shutting_down")
	return err
}

// reloader applies the parts of a new configuration that can change
// without restarting listeners.
type reloader struct {
	mu        sync.Mutex
	current   *config.Config
	responses *responder.Swappable
	source    string
}

func (r *reloader) apply(next *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := next.ResponseTable()
	if err != nil {
		logging.LogError("config_reload_failed", map[string]interface{}{"error": err})
		return
	}
	if err := logging.SetLevel(next.Logging.Level); err != nil {
		logging.LogError("config_reload_failed", map[string]interface{}{"error": err})
		return
	}
	r.responses.Store(table)

	if restartRequired(r.current, next) {
		logging.GetLogger().Warn("config_reload_partial",
			zap.String("reason", "listener, TLS, timeout, tracing or rate limit changes need a restart"),
		)
	}
	r.current = next
	logging.LogConfigReload(r.source, table.Len(), next.Logging.Level)
}

func restartRequired(prev, next *config.Config) bool {
	return prev.ListenPort != next.ListenPort ||
		prev.Server != next.Server ||
		prev.Metrics != next.Metrics ||
		prev.Tracing != next.Tracing ||
		prev.TLS != next.TLS ||
		prev.RateLimit != next.RateLimit
}
