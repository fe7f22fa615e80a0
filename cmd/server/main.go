package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/kebo-ai/billsplit/internal/amqp"
	"github.com/kebo-ai/billsplit/internal/api"
	"github.com/kebo-ai/billsplit/internal/auth"
	"github.com/kebo-ai/billsplit/internal/config"
	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/metrics"
	"github.com/kebo-ai/billsplit/internal/middleware"
	"github.com/kebo-ai/billsplit/internal/service"
	"github.com/kebo-ai/billsplit/internal/storage/sqlite"
	"github.com/kebo-ai/billsplit/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Configure(os.Stderr, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	relay := feed.NewRelay(feed.WithBuffer(cfg.FeedBuffer), feed.WithMetrics(m))

	// Without a broker the relay is the only sink. With one, changes also go
	// to the exchange and other instances' changes come back into the relay.
	var sink feed.Sink = relay
	var broker *amqp.Client
	if cfg.AMQPURL != "" {
		var err error
		broker, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("failed to connect to AMQP: %w", err)
		}
		defer broker.Close()
		sink = feed.Fanout{relay, broker}
		slog.Info("Change feed bridged over AMQP", "exchange", cfg.AMQPExchange, "origin", broker.Origin())
	}

	store, err := sqlite.New(cfg.DBPath,
		sqlite.WithChangeSink(sink),
		sqlite.WithClaimPolicy(cfg.Policy()),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	slog.Info("Storage initialized", "database", cfg.DBPath, "claim_policy", cfg.Policy())

	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenDuration)
		slog.Info("Device tokens required")
	} else {
		slog.Warn("JWT_SECRET not set, trusting device fingerprint header")
	}

	addr := ":" + cfg.Port
	srv := newServer(addr, newHandler(store, relay, m, reg, jwtManager), relay)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Connect server starting", "address", addr, "url", fmt.Sprintf("http://localhost%s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if broker != nil {
		g.Go(func() error {
			err := broker.ConsumeWithRetry(gctx, relay.Publish)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped")
	return nil
}

// newHandler mounts the session service, metrics and health check behind
// h2c so Connect streaming works without TLS.
func newHandler(store *sqlite.SQLiteStore, relay *feed.Relay, m *metrics.Metrics, reg *prometheus.Registry, jwtManager *auth.JWTManager) http.Handler {
	mux := http.NewServeMux()

	// Register Connect services
	sessionPath, sessionHandler := api.NewSessionServiceHandler(
		service.NewSessionService(store, relay, m),
		connect.WithInterceptors(
			middleware.DeviceIdentity(jwtManager),
			middleware.LoggingInterceptor(),
		),
	)
	mux.Handle(sessionPath, sessionHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return h2c.NewHandler(loggingMiddleware(corsMiddleware(mux)), &http2.Server{})
}

// newServer builds the HTTP server. Subscribe streams never finish on their
// own, so Shutdown closes the relay first and lets them return.
func newServer(addr string, handler http.Handler, relay *feed.Relay) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(relay.Close)
	return srv
}

// loggingMiddleware logs non-RPC requests; RPCs are logged by the Connect interceptor.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		slog.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms, Authorization, "+middleware.FingerprintHeader)
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
