package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	envoy_service_auth_v3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"

	"github.com/chrlshc/huntaze-edge-governor/internal/abuse"
	"github.com/chrlshc/huntaze-edge-governor/internal/authz"
	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/governor"
	"github.com/chrlshc/huntaze-edge-governor/internal/limiter"
	"github.com/chrlshc/huntaze-edge-governor/internal/load"
	"github.com/chrlshc/huntaze-edge-governor/internal/policy"
	"github.com/chrlshc/huntaze-edge-governor/internal/store"
	"github.com/chrlshc/huntaze-edge-governor/internal/timeouts"
	"github.com/chrlshc/huntaze-edge-governor/internal/upstream"
)

var (
	// Server configuration
	apiPort      = flag.String("api-port", "8080", "Port for the governed API server")
	adminPort    = flag.String("admin-port", "8082", "Port for admin HTTP server")
	metricsPort  = flag.String("metrics-port", "9090", "Port for metrics HTTP server")
	extAuthzPort = flag.String("ext-authz-port", "8081", "Port for ext_authz gRPC server")

	// Governance configuration
	governedPrefix = flag.String("governed-prefix", "/api", "Path prefix governed by the rate-limit middleware")
	policyFile     = flag.String("policy-file", "", "Path to the YAML policy file (optional)")
	loadCapacity   = flag.Int("load-capacity", 100, "In-flight requests considered full system load")

	// Store configuration
	storeBackend = flag.String("store-backend", "redis", "Store backend (memory or redis)")
	redisAddress = flag.String("redis-address", "localhost:6379", "Redis server address")

	// Breaker configuration
	storeFailureThreshold    = flag.Int("store-failure-threshold", 5, "Consecutive store failures before the store breaker opens")
	storeCoolDown            = flag.Duration("store-cooldown", 30*time.Second, "Store breaker cool-down before a half-open probe")
	upstreamFailureThreshold = flag.Int("upstream-failure-threshold", 5, "Consecutive upstream failures before the upstream breaker opens")
	upstreamCoolDown         = flag.Duration("upstream-cooldown", 30*time.Second, "Upstream breaker cool-down before a half-open probe")

	// Upstream configuration
	upstreamURL   = flag.String("upstream-url", "http://localhost:8000/v1/chat/completions", "Upstream inference API endpoint")
	upstreamRPS   = flag.Float64("upstream-rps", 50, "Outbound request rate cap toward the upstream (0 disables pacing)")
	upstreamBurst = flag.Int("upstream-burst", 10, "Outbound burst toward the upstream")

	// Logging
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// Setup logging
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("component", "governor").Logger()

	// Load policies and whitelist
	cfg, err := policy.LoadConfig(*policyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load policy configuration")
	}
	resolver := policy.NewResolver(cfg.Default, cfg.Routes)

	// Counter store and its breaker
	counterStore, err := store.NewStore(*storeBackend, *redisAddress, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create counter store")
	}
	defer counterStore.Close()

	storeBreaker := breaker.New("store", breaker.Config{
		FailureThreshold: *storeFailureThreshold,
		CoolDown:         *storeCoolDown,
	}, logger)
	upstreamBreaker := breaker.New("upstream", breaker.Config{
		FailureThreshold: *upstreamFailureThreshold,
		CoolDown:         *upstreamCoolDown,
	}, logger)

	// Governance components
	metrics := governor.NewMetrics(prometheus.DefaultRegisterer)
	loadTracker := load.NewTracker(*loadCapacity)
	calculator := timeouts.NewCalculator(logger,
		timeouts.WithLoadSource(loadTracker.Load),
		timeouts.WithObserver(governor.NewMetricsObserver(metrics)),
	)
	lim := limiter.New(counterStore, storeBreaker, logger)
	tracker := abuse.New(counterStore, storeBreaker, cfg.Whitelist, logger)
	gov := governor.New(lim, tracker, resolver, loadTracker, storeBreaker, metrics, logger)

	// Upstream envelope
	upstreamOpts := []upstream.Option{upstream.WithTimeoutHook(gov.NoteUpstreamTimeout)}
	if *upstreamRPS > 0 {
		upstreamOpts = append(upstreamOpts, upstream.WithPacer(rate.Limit(*upstreamRPS), *upstreamBurst))
	}
	inference := upstream.NewClient(httpDoFunc(*upstreamURL), upstreamBreaker, calculator, logger, upstreamOpts...)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info().
		Str("api_port", *apiPort).
		Str("admin_port", *adminPort).
		Str("metrics_port", *metricsPort).
		Str("ext_authz_port", *extAuthzPort).
		Str("store_backend", *storeBackend).
		Msg("starting governor service components")

	go startAPIServer(ctx, gov, inference, *apiPort, *governedPrefix, logger)
	go startAdminServer(ctx, gov, tracker, calculator, storeBreaker, upstreamBreaker, *adminPort, logger)
	go startMetricsServer(ctx, *metricsPort, logger)
	go startExtAuthzServer(ctx, gov, *extAuthzPort, logger)

	logger.Info().Msg("governor service started - all components initialized")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down governor service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	<-shutdownCtx.Done()

	logger.Info().Msg("governor service stopped")
}

// httpDoFunc builds the DoFunc that forwards an inference request body to
// the upstream endpoint. The governance envelope around it owns deadlines,
// retries, and the breaker.
func httpDoFunc(url string) upstream.DoFunc {
	client := &http.Client{}
	return func(ctx context.Context, req upstream.Request) (any, error) {
		body, _ := ctx.Value(requestBodyKey{}).([]byte)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, errors.New("upstream returned " + resp.Status)
		}
		return respBody, nil
	}
}

type requestBodyKey struct{}

func startAPIServer(ctx context.Context, gov *governor.Governor, inference *upstream.Client, port, governedPrefix string, logger zerolog.Logger) {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/inference", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4*1024*1024))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
			return
		}

		identity := governor.ResolveIdentity(r)
		req := upstream.Request{
			Model:           r.Header.Get("X-Model"),
			ReasoningEffort: r.Header.Get("X-Reasoning-Effort"),
			TokenCount:      estimateTokens(body),
			EnableRetry:     r.Header.Get("X-Stream") != "true",
			RequestID:       w.Header().Get("X-Request-ID"),
			UserID:          identity,
		}

		callCtx := context.WithValue(r.Context(), requestBodyKey{}, body)
		result, err := inference.Call(callCtx, req)
		if err != nil {
			switch {
			case errors.Is(err, upstream.ErrCircuitOpen):
				writeJSON(w, http.StatusServiceUnavailable, map[string]map[string]string{
					"error": {"code": "CIRCUIT_OPEN", "message": "upstream temporarily unavailable, try a smaller model"},
				})
			case errors.Is(err, timeouts.ErrTimeoutExceeded):
				writeJSON(w, http.StatusGatewayTimeout, map[string]map[string]string{
					"error": {"code": "TIMEOUT_EXCEEDED", "message": "upstream call exceeded its deadline"},
				})
			default:
				logger.Error().Err(err).Msg("inference call failed")
				writeJSON(w, http.StatusBadGateway, map[string]map[string]string{
					"error": {"code": "UPSTREAM_ERROR", "message": "upstream call failed"},
				})
			}
			return
		}
		gov.NoteUpstreamSuccess(identity)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if raw, ok := result.([]byte); ok {
			w.Write(raw)
		}
	}).Methods("POST")

	handler := gov.Middleware(governedPrefix)(router)

	server := &http.Server{
		Addr:    net.JoinHostPort("", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", port).Msg("API server started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("API server stopped")
	}
}

func startAdminServer(ctx context.Context, gov *governor.Governor, tracker *abuse.Tracker, calculator *timeouts.Calculator, storeBreaker, upstreamBreaker *breaker.Breaker, port string, logger zerolog.Logger) {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	// Readiness check
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	// Governance health: timeout calculator buckets and breaker states
	router.HandleFunc("/api/governor/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"timeouts": calculator.HealthMetrics(),
			"breakers": map[string]string{
				"store":    string(storeBreaker.State()),
				"upstream": string(upstreamBreaker.State()),
			},
		})
	}).Methods("GET")

	// Clear violation state for an IP
	router.HandleFunc("/api/governor/violations/{ip}", func(w http.ResponseWriter, r *http.Request) {
		ip := mux.Vars(r)["ip"]
		if !abuse.ValidIP(ip) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid IP"})
			return
		}
		tracker.ClearIPViolations(r.Context(), ip, r.Header.Get("X-Request-ID"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}).Methods("DELETE")

	server := &http.Server{
		Addr:    net.JoinHostPort("", port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", port).Msg("admin server started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("admin server stopped")
	}
}

func startMetricsServer(ctx context.Context, port string, logger zerolog.Logger) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    net.JoinHostPort("", port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", port).Msg("metrics server started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func startExtAuthzServer(ctx context.Context, gov *governor.Governor, port string, logger zerolog.Logger) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal().Err(err).Str("port", port).Msg("failed to listen for ext_authz")
	}

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(1000),
	)

	envoy_service_auth_v3.RegisterAuthorizationServer(grpcServer, authz.NewServer(gov, logger))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("envoy.service.auth.v3.Authorization", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for debugging
	reflection.Register(grpcServer)

	logger.Info().Str("port", port).Msg("ext_authz gRPC server started")

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down ext_authz gRPC server")
		healthServer.SetServingStatus("envoy.service.auth.v3.Authorization", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		logger.Error().Err(err).Msg("ext_authz gRPC server stopped")
	}
}

// estimateTokens approximates the generation size from the request body.
// Four bytes per token is the usual rough cut for English-ish payloads.
func estimateTokens(body []byte) int {
	return len(body) / 4
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
