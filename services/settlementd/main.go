package settlementd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"rivalry/gateway/auth"
	"rivalry/ledger"
	"rivalry/observability"
	"rivalry/observability/logging"
	telemetry "rivalry/observability/otel"
	"rivalry/settlement"
	"rivalry/storage"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RIVALRY_ENV"))
	logger := logging.Setup("settlementd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store, err := storage.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	gateway := ledger.NewClient(cfg.Ledger.Endpoint, cfg.Ledger.AuthToken,
		ledger.WithConfirmBudget(cfg.Ledger.ConfirmBudget.Duration))

	orch, err := settlement.New(store, gateway, settlement.Config{
		Authority:   cfg.Authority,
		FeeBudget:   cfg.FeeBudget,
		RewardSplit: settlement.SplitPolicy(cfg.RewardSplit),
	}, logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	authenticator := auth.NewAuthenticator(cfg.Secrets(), cfg.AuthSkew.Duration, cfg.NonceWindow.Duration, nil)
	server := NewServer(store, orch, authenticator, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server.Handler(), "settlementd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchStuckPending(stopCtx, store, cfg.PendingAlertAfter.Duration, logger)

	errs := make(chan error, 1)
	go func() {
		log.Printf("settlementd listening on %s", cfg.ListenAddress)
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
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func openDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	}
}

// watchStuckPending samples challenges held in PENDING beyond the alert
// threshold and publishes the count as a gauge. A non-zero value means an
// operator needs to re-invoke the protocol for those challenges.
func watchStuckPending(ctx context.Context, store *storage.Store, olderThan time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck, err := store.StuckPending(ctx, olderThan)
			if err != nil {
				logger.Warn("stuck pending scan failed", "err", err)
				continue
			}
			observability.Settlement().SetStuckPending(len(stuck))
			if len(stuck) > 0 {
				refs := make([]string, 0, len(stuck))
				for _, ch := range stuck {
					refs = append(refs, ch.LedgerRef)
				}
				logger.Warn("challenges stuck in pending", "count", len(stuck), "refs", strings.Join(refs, ","))
			}
		}
	}
}
