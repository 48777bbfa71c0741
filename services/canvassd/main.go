package canvassd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"canvassing/config"
	"canvassing/ledger"
	"canvassing/ledger/recon"
	"canvassing/observability"
	"canvassing/observability/logging"
	telemetry "canvassing/observability/otel"
	"canvassing/services/signer"
)

// PassphraseSource returns a lazy passphrase reader for the named
// environment variable.
type PassphraseSource func(envVar string) func() (string, error)

// Main initialises and runs canvassd until SIGINT or SIGTERM.
func Main(passphrase PassphraseSource) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/canvassd/config.yaml", "path to canvassd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var logFile *logging.FileOptions
	if strings.TrimSpace(cfg.LogFile) != "" {
		logFile = &logging.FileOptions{Path: cfg.LogFile}
	}
	logger := logging.SetupWithFile("canvassd", cfg.Environment, logFile)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("canvassd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	networks, err := config.Load(cfg.NetworksPath)
	if err != nil {
		return fmt.Errorf("load networks: %w", err)
	}

	db, err := ledger.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	store := ledger.New(db)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	var readPassphrase func() (string, error)
	if passphrase != nil {
		readPassphrase = passphrase(cfg.Signer.PassphraseEnv)
	}
	key, err := cfg.Signer.KeySource(readPassphrase).Load()
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}
	canvassMetrics := observability.Canvass()
	authority, err := signer.New(key, signer.WithMetrics(canvassMetrics), signer.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	tokens, err := NewTokenVerifier(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	admin, err := NewAdminAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}

	chains := NewChainResolver(networks)
	defer chains.Close()
	reconciler, err := recon.NewReconciler(recon.Config{
		Store:     store,
		Resolve:   chains.Resolve,
		OutputDir: cfg.Recon.OutputDir,
		DryRun:    cfg.Recon.DryRun,
		Logger:    logger,
		Metrics:   observability.Recon(),
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	server, err := NewServer(ServerConfig{
		Store:         store,
		Authority:     authority,
		Networks:      networks,
		Reconciler:    reconciler,
		Tokens:        tokens,
		Admin:         admin,
		Limiter:       NewRateLimiter(cfg.RateLimit),
		WebhookSecret: cfg.Webhook.Secret,
		WebhookMax:    cfg.Webhook.MaxBytes,
		Watch:         cfg.Watch,
		Metrics:       canvassMetrics,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Recon.Enabled {
		loc, err := time.LoadLocation(cfg.Recon.Timezone)
		if err != nil {
			return fmt.Errorf("recon timezone: %w", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Location:   loc,
			Logger:     logger,
			OnResult:   server.SetLastReconcile,
		})
		go scheduler.Start(stopCtx)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Timeouts.Read.Duration,
		WriteTimeout:      cfg.Timeouts.Write.Duration,
		IdleTimeout:       cfg.Timeouts.Idle.Duration,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("canvassd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("signer", authority.Address().Hex()))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
