package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SpatialKey/skdm-sub000/pkg/actionconfig"
	"github.com/SpatialKey/skdm-sub000/pkg/config"
	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/observability"
	"github.com/SpatialKey/skdm-sub000/pkg/session"
	"github.com/SpatialKey/skdm-sub000/pkg/skapi"
	"github.com/SpatialKey/skdm-sub000/pkg/source"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// loadConfig is a variable to allow overriding in tests.
var loadConfig = config.Load

// app is the wired client stack shared by all subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	transport *transport.Client
	session   *session.AuthSession
	api       *skapi.Client
	stager    *source.Stager
}

func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, stderr)

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	otelCfg.Insecure = cfg.OTelInsecure
	otelCfg.Logger = logger
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	tc := transport.New(transport.Options{
		Proxy:             cfg.Auth.Proxy,
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	})
	sess := session.New(tc, session.Options{TTL: cfg.TokenTTL, Logger: logger})

	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
		transport: tc,
		session:   sess,
		api:       skapi.New(sess, tc, logger),
		stager: source.NewStager(source.Options{
			Region:     cfg.AWSRegion,
			S3Endpoint: cfg.S3Endpoint,
			Logger:     logger,
		}),
	}, nil
}

// bind merges the process defaults with the document's authentication node
// (when a document is given), validates and binds the result.
func (a *app) bind(ctx context.Context, doc *actionconfig.Document) error {
	cfg := a.cfg.Auth
	if doc != nil {
		cfg = cfg.Merge(doc.Auth())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.session.Init(ctx, cfg)
	return nil
}

// close ends the session when logout is set and releases the stack.
func (a *app) close(ctx context.Context, logout bool) {
	// Cleanup still runs after an interrupt cancelled ctx.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if logout {
		a.session.Logout(cleanupCtx)
	}
	if err := a.stager.Close(); err != nil {
		a.logger.WarnContext(ctx, "closing stager", "error", err)
	}
	if err := a.telemetry.Shutdown(cleanupCtx); err != nil {
		a.logger.WarnContext(ctx, "telemetry shutdown", "error", err)
	}
}

// commandContext is the context every subcommand runs under. It is cancelled
// on SIGINT or SIGTERM so in-flight HTTP calls stop.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadDocument loads path when set. An empty path yields a nil document.
func loadDocument(path string) (*actionconfig.Document, error) {
	if path == "" {
		return nil, nil
	}
	return actionconfig.Load(path)
}
