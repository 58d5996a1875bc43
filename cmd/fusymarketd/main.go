package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fusymarket/config"
	"fusymarket/core/events"
	"fusymarket/core/types"
	"fusymarket/native/market"
	"fusymarket/observability"
	"fusymarket/observability/logging"
	"fusymarket/rpc"
	"fusymarket/state"
	"fusymarket/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FUSY_ENV"))
	logger := logging.Setup("fusymarketd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	owner, err := cfg.Owner()
	if err != nil {
		logger.Error("Invalid owner address", slog.Any("error", err))
		os.Exit(1)
	}
	vault, err := cfg.Vault()
	if err != nil {
		logger.Error("Invalid vault address", slog.Any("error", err))
		os.Exit(1)
	}

	st := state.NewManager(db)
	registry := state.NewCollectionRegistry(st)

	var payments market.Payments
	switch cfg.PaymentMode {
	case config.PaymentModeToken:
		payments = market.NewTokenPayments(vault)
	default:
		payments = market.NewNativePayments(vault)
	}

	engine := market.NewEngine(owner, vault, payments, registry)
	engine.SetState(st)
	engine.SetEmitter(newLogEmitter(logger))

	if err := applyRatios(engine, owner, cfg); err != nil {
		logger.Error("Failed to apply fee configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := st.Commit(); err != nil {
		logger.Error("Failed to commit initial state", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	server := rpc.NewServer(engine, st, metrics)
	server.SetRegistry(registry)

	go func() {
		logger.Info("Starting metrics server", slog.String("addr", cfg.MetricsAddress))
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("Starting JSON-RPC server",
			slog.String("addr", cfg.RPCAddress),
			slog.String("paymentMode", cfg.PaymentMode))
		if err := server.Start(cfg.RPCAddress); err != nil && err != http.ErrServerClosed {
			logger.Error("RPC server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")
}

// applyRatios pushes the configured fee and floor percentages into state.
// ErrNoChange means the configured value already matches and is not an
// error at startup.
func applyRatios(engine *market.Engine, owner [20]byte, cfg *config.Config) error {
	if err := engine.SetFeeRatioFromPercentage(owner, cfg.FeePercentage); err != nil && err != market.ErrNoChange {
		return err
	}
	if err := engine.SetFloorRatioFromPercentage(owner, cfg.FloorPercentage); err != nil && err != market.ErrNoChange {
		return err
	}
	return nil
}

// logEmitter mirrors engine events into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func newLogEmitter(logger *slog.Logger) *logEmitter {
	return &logEmitter{logger: logger}
}

func (l *logEmitter) Emit(evt events.Event) {
	attrs := []any{slog.String("event", evt.EventType())}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	l.logger.Info("market event", attrs...)
}
