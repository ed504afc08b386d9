// Package main implements the entry point for the toonify service.
// It initializes all components and starts the HTTP server.
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

	"github.com/toonify/toonify-api/internal/auth"
	"github.com/toonify/toonify-api/internal/config"
	"github.com/toonify/toonify-api/internal/event"
	"github.com/toonify/toonify-api/internal/identity"
	"github.com/toonify/toonify-api/internal/images"
	"github.com/toonify/toonify-api/internal/jwks"
	"github.com/toonify/toonify-api/internal/media"
	"github.com/toonify/toonify-api/internal/metrics"
	"github.com/toonify/toonify-api/internal/pipeline"
	"github.com/toonify/toonify-api/internal/schema"
	"github.com/toonify/toonify-api/internal/server"
	"github.com/toonify/toonify-api/internal/session"
	"github.com/toonify/toonify-api/internal/storage"
	"github.com/toonify/toonify-api/internal/telemetry"
	"github.com/toonify/toonify-api/internal/transform"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("toonifyd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer("toonify-api", version, cfg.TraceStdout)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(shutdownCtx, tp)
	}()

	m := metrics.NewMetrics()
	readiness := map[string]func(context.Context) error{}

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
	} else {
		logger.Warn("no database configured, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()
	readiness["store"] = store.Ping

	// Initialize asset storage (S3 or in-memory served under /assets/)
	var (
		assets    media.Store
		devAssets http.Handler
	)
	if cfg.S3Bucket != "" {
		s3Store, err := media.NewS3Store(ctx, media.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.AssetPublicURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		assets = s3Store
		readiness["assets"] = s3Store.Ping
	} else {
		publicURL := cfg.AssetPublicURL
		if publicURL == "" {
			publicURL = "http://localhost:" + cfg.Port + "/assets"
		}
		logger.Warn("no bucket configured, serving assets from memory", "public_url", publicURL)
		mem := media.NewMemoryStore(publicURL)
		assets, devAssets = mem, mem
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL, logger)
	defer pub.Close()

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	// Identity provider client with JWKS-backed assertion verification
	providerHTTP := &http.Client{Timeout: 15 * time.Second}
	signer, err := identity.NewClientAssertion(cfg.IdentityTeamID, cfg.IdentityClientID, cfg.IdentityKeyID, cfg.IdentityIssuer, []byte(cfg.IdentityPrivateKey))
	if err != nil {
		return fmt.Errorf("%w: identity private key: %v", config.ErrConfiguration, err)
	}
	provider := identity.New(identity.Options{
		Issuer:      cfg.IdentityIssuer,
		ClientID:    cfg.IdentityClientID,
		RedirectURI: cfg.IdentityRedirectURI,
		Signer:      signer,
		Verifier:    jwks.NewClient(identity.JWKSURL(cfg.IdentityIssuer), providerHTTP),
		HTTPClient:  providerHTTP,
	})

	sessions := session.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	logger.Info("session tokens configured", "ttl", cfg.SessionTTL)

	// The stream client has no overall timeout; each run is bounded by the pipeline.
	transformer := transform.NewClient(cfg.TransformBaseURL, cfg.TransformAPIKey, cfg.TransformModel, nil)
	pipe := pipeline.New(pipeline.Options{
		Images:      store,
		Assets:      assets,
		Transformer: transformer,
		Validator:   validator,
		Events:      pub,
		Metrics:     m,
		Logger:      logger.With("component", "pipeline"),
		HTTPClient:  &http.Client{Timeout: time.Minute},
		Prompt:      cfg.TransformPrompt,
		Timeout:     cfg.PipelineTimeout,
		IdleTimeout: cfg.StreamIdleTimeout,
	})

	if cfg.SweepInterval > 0 {
		sweeper := pipeline.NewSweeper(store, pub, m, logger.With("component", "sweeper"), 2*pipe.Timeout())
		go sweeper.Run(ctx, cfg.SweepInterval)
	}

	handler := server.NewMux(server.Options{
		Auth: auth.NewService(provider, store, sessions, m, logger.With("component", "auth")),
		Images: images.NewService(images.Options{
			Users:          store,
			Images:         store,
			Assets:         assets,
			Pipeline:       pipe,
			Logger:         logger.With("component", "images"),
			MaxUploadSize:  cfg.MaxUploadSize,
			AllowedTypes:   cfg.AllowedMimeTypes,
			RequireCredits: cfg.RequireCredits,
		}),
		Sessions:           sessions,
		Validator:          validator,
		Metrics:            m,
		Logger:             logger,
		Readiness:          readiness,
		Assets:             devAssets,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// Uploads hold the connection for a whole pipeline run.
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      pipe.Timeout() + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	// In-flight uploads get a full pipeline run to finish.
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), pipe.Timeout()+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
