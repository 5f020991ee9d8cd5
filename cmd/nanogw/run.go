package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/app"
	"github.com/nanogw/nanogw/internal/auth"
	"github.com/nanogw/nanogw/internal/cache"
	"github.com/nanogw/nanogw/internal/circuitbreaker"
	"github.com/nanogw/nanogw/internal/cloudauth"
	"github.com/nanogw/nanogw/internal/config"
	"github.com/nanogw/nanogw/internal/provider"
	"github.com/nanogw/nanogw/internal/provider/anthropic"
	"github.com/nanogw/nanogw/internal/provider/bedrock"
	"github.com/nanogw/nanogw/internal/provider/gemini"
	"github.com/nanogw/nanogw/internal/provider/ollama"
	"github.com/nanogw/nanogw/internal/provider/openai"
	"github.com/nanogw/nanogw/internal/provider/vertex"
	"github.com/nanogw/nanogw/internal/ratelimit"
	"github.com/nanogw/nanogw/internal/server"
	"github.com/nanogw/nanogw/internal/shutdown"
	"github.com/nanogw/nanogw/internal/storage"
	"github.com/nanogw/nanogw/internal/storage/sqlite"
	"github.com/nanogw/nanogw/internal/telemetry"
	"github.com/nanogw/nanogw/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

// breakerConfig is the circuit breaker tuning shared by every provider.
var breakerConfig = circuitbreaker.Config{
	ErrorThreshold: 0.30,
	MinSamples:     20,
	WindowSeconds:  120,
	OpenTimeout:    30 * time.Second,
}

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting nanogw", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded API keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, gateway.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Register providers
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		var prov gateway.Provider

		// Bedrock and Vertex both authenticate with cloud-native credential
		// chains (SigV4, ADC) rather than a static header, so they build
		// their own transport end to end instead of going through
		// buildProviderClient's api_key/gcp_oauth switch.
		switch p.ResolvedHosting() {
		case "bedrock":
			base := provider.NewTransport(dnsResolver, true)
			b, err := bedrock.New(ctx, p.Name, p.BaseURL, p.Region, base)
			if err != nil {
				return fmt.Errorf("provider %q: %w", p.Name, err)
			}
			prov = b
		case "vertex":
			base := provider.NewTransport(dnsResolver, true)
			switch p.ResolvedType() {
			case "anthropic":
				v, err := vertex.NewAnthropic(ctx, p.Name, p.Region, p.Project, base)
				if err != nil {
					return fmt.Errorf("provider %q: %w", p.Name, err)
				}
				prov = v
			case "gemini":
				v, err := vertex.NewGemini(ctx, p.Name, p.Region, p.Project, base)
				if err != nil {
					return fmt.Errorf("provider %q: %w", p.Name, err)
				}
				prov = v
			default:
				slog.Warn("vertex hosting unsupported for provider type, skipping", "name", p.Name, "type", p.ResolvedType())
				continue
			}
		default:
			// Build HTTP client with auth transport chain.
			client, err := buildProviderClient(ctx, p, dnsResolver)
			if err != nil {
				return fmt.Errorf("provider %q: %w", p.Name, err)
			}

			switch p.ResolvedType() {
			case "openai":
				prov = openai.New(p.Name, p.BaseURL, client)
			case "anthropic":
				prov = anthropic.New(p.Name, p.BaseURL, client)
			case "gemini":
				prov = gemini.New(p.Name, p.BaseURL, client)
			case "ollama":
				prov = ollama.New(p.Name, p.BaseURL, client)
			default:
				slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
				continue
			}
		}
		_, hasNative := prov.(gateway.NativeProxy)
		reg.Register(p.Name, prov)
		slog.Info("provider registered",
			"name", p.Name,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
			"native_proxy", hasNative,
		)
	}

	for _, m := range cfg.Models {
		slog.Info("model configured", "canonical_name", m.CanonicalName, "provider", m.Provider, "aliases", m.Aliases)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Wire services
	apiKeyAuth, err := auth.NewAPIKeyAuth(store, store)
	if err != nil {
		return err
	}
	sessionAuth := auth.NewSessionAuth(store)
	dispatcher := auth.NewDispatcher(apiKeyAuth, sessionAuth)

	models := app.NewModelResolver(store)
	breakers := circuitbreaker.NewRegistry(breakerConfig)
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		ts, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = ts
			tracer = telemetry.Tracer("nanogw/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}
	proxySvc := app.NewProviderPool(reg, models, store, tracer, breakers)
	keys := app.NewKeyManager(store)
	conversations := app.NewConversationService(store)

	// Usage recorder (async batch flush to DB) feeding the usage/billing pipeline.
	// Built before ResponseService so the streaming engine can bill partial
	// output on client disconnect through the same pipeline as chat completions.
	usageRecorder := worker.NewUsageRecorder(store)
	usagePipeline := app.NewUsagePipeline(usageRecorder, store)

	responses := app.NewResponseService(store, proxySvc, models, usagePipeline)
	attestation := app.NewAttestationService(store, proxySvc)

	// File uploads (optional, gated on a configured blob bucket).
	var files *app.FileService
	if cfg.Files.Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Files.Region))
		if err != nil {
			return fmt.Errorf("load aws config for file storage: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg)
		blobs, err := storage.NewS3BlobStore(s3Client, cfg.Files.Bucket, cfg.Files.EncryptionKey)
		if err != nil {
			return fmt.Errorf("init file blob store: %w", err)
		}
		files = app.NewFileService(store, blobs)
		slog.Info("file storage enabled", "bucket", cfg.Files.Bucket, "region", cfg.Files.Region)
	} else {
		slog.Info("file storage disabled (no bucket configured)")
	}

	// Admission control: per-key rate limiting, then org spend-limit check.
	admission, err := ratelimit.NewAdmission()
	if err != nil {
		return err
	}
	credit := ratelimit.NewCreditChecker(store, store)
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Workers.
	workers := []worker.Worker{usageRecorder, worker.NewBreakerSweepWorker(breakers)}
	runner := worker.NewRunner(workers...)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           dispatcher,
		KeyInvalidator: dispatcher,
		Proxy:          proxySvc,
		Providers:      reg,
		Models:         models,
		Keys:           keys,
		Store:          store,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		Usage:          usagePipeline,
		Admission:      admission,
		Credit:         credit,
		Cache:          responseCache,
		Conversations:  conversations,
		Responses:      responses,
		Attestation:    attestation,
		Files:          files,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("nanogw ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Graceful shutdown runs in stages under a total budget: HTTP drain
	// first (so in-flight requests finish recording usage), then workers,
	// then the tracing exporter.
	coordinator := shutdown.New(cfg.Server.ShutdownTimeout)
	shutdownCtx := context.Background()

	coordinator.Execute(shutdownCtx, shutdown.Stage{Name: "http_drain", Timeout: cfg.Server.ShutdownTimeout}, srv.Shutdown)

	coordinator.Execute(shutdownCtx, shutdown.Stage{Name: "worker_drain", Timeout: 5 * time.Second}, func(context.Context) error {
		workerCancel()
		return <-workerDone
	})

	if tracingShutdown != nil {
		coordinator.Execute(shutdownCtx, shutdown.Stage{Name: "tracing_flush", Timeout: 5 * time.Second}, tracingShutdown)
	}

	summary := coordinator.Finish()
	if summary.TimedOut() {
		slog.Warn("nanogw stopped with a timed-out shutdown stage")
	} else {
		slog.Info("nanogw stopped")
	}
	return nil
}

// buildProviderClient assembles an *http.Client with the auth transport chain
// for a provider entry. The base transport includes DNS caching and HTTP/2
// (except Ollama which uses HTTP/1.1).
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	useHTTP2 := p.ResolvedType() != "ollama"
	base := provider.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. local Ollama).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "openai" && hosting == "azure":
		return "api-key", ""
	case provType == "openai":
		return "Authorization", "Bearer "
	case provType == "anthropic":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "ollama":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}
