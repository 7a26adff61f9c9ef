// Command streamcore launches the synchronization runtime: it primes entity
// caches over REST, connects the stream, and keeps caches current until
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumetrade/streamcore/config"
	"github.com/lumetrade/streamcore/internal/auth"
	"github.com/lumetrade/streamcore/internal/cache"
	"github.com/lumetrade/streamcore/internal/dispatch"
	"github.com/lumetrade/streamcore/internal/observability"
	"github.com/lumetrade/streamcore/internal/rest"
	"github.com/lumetrade/streamcore/internal/schema"
	"github.com/lumetrade/streamcore/internal/stream"
	"github.com/lumetrade/streamcore/internal/subs"
	"github.com/lumetrade/streamcore/lib/logging"
	"github.com/lumetrade/streamcore/lib/telemetry"
)

const (
	defaultConfigPath        = "config/streamcore.yaml"
	primeTimeout             = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, wallet := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	bootLog := log.New(os.Stdout, "streamcore ", log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		bootLog.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		bootLog.Print("configuration file not found, using defaults")
	}
	bootLog.Printf("configuration initialised: env=%s, stream=%s", cfg.Environment, cfg.Stream.URL)

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		bootLog.Fatalf("initialise logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetLogger(logger)

	meterProvider, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		bootLog.Fatalf("initialise telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewMetrics(meterProvider))

	store := auth.NewMemoryStore()
	lifecycle := auth.NewLifecycle(store, cfg.Auth.RefreshThreshold)
	if lifecycle.Restore() {
		bootLog.Print("delegated credential restored from storage")
	}

	restClient := rest.NewClient(cfg.REST, store)
	entities := cache.New()
	dispatcher := dispatch.New(0)

	unregister := dispatcher.Register(func(_ context.Context, update schema.Update) error {
		switch u := update.(type) {
		case schema.PriceUpdate:
			entities.ApplyPriceUpdate(u)
		case schema.PositionUpdate:
			entities.ApplyPositionUpdate(u)
		case schema.FillUpdate:
			observability.Log().Info("order fill",
				observability.Field{Key: "order_id", Value: u.OrderID},
				observability.Field{Key: "status", Value: u.Status},
			)
		}
		return nil
	})
	defer unregister()

	manager := stream.NewManager(ctx, cfg.Stream, nil)
	defer manager.Close()

	registry := subs.NewRegistry(manager, lifecycle)
	lifecycle.SetDropper(registry)

	manager.SetHandler(func(ctx context.Context, frame []byte) {
		if err := dispatcher.Dispatch(ctx, frame); err != nil {
			observability.Log().Error("dispatch frame", observability.Field{Key: "error", Value: err.Error()})
		}
	})
	manager.SetOnConnected(func(ctx context.Context) {
		if err := registry.ReplayAll(ctx); err != nil {
			observability.Log().Error("replay subscriptions", observability.Field{Key: "error", Value: err.Error()})
		}
	})

	if err := primeCaches(ctx, restClient, entities, lifecycle, wallet); err != nil {
		bootLog.Fatalf("prime caches: %v", err)
	}
	assets, positions := entities.Len()
	bootLog.Printf("caches primed: assets=%d, positions=%d", assets, positions)

	if err := manager.Connect(ctx); err != nil {
		bootLog.Fatalf("connect stream: %v", err)
	}

	if err := subscribeAll(ctx, registry, entities, lifecycle, wallet); err != nil {
		bootLog.Fatalf("subscribe channels: %v", err)
	}
	bootLog.Printf("stream connected; channels=%d", len(registry.Channels()))

	<-ctx.Done()
	bootLog.Print("shutdown signal received")

	manager.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		bootLog.Printf("telemetry shutdown: %v", err)
	}
	bootLog.Print("shutdown complete")
}

func parseFlags() (cfgPath, wallet string) {
	path := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	walletFlag := flag.String("wallet", "", "Primary wallet address for position data (optional)")
	flag.Parse()
	if *path == "" {
		return defaultConfigPath, *walletFlag
	}
	return *path, *walletFlag
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// primeCaches loads initial snapshots over REST. Position snapshots require a
// valid delegated credential; without one only market data is primed.
func primeCaches(ctx context.Context, client *rest.Client, entities *cache.Cache, lifecycle *auth.Lifecycle, wallet string) error {
	primeCtx, cancel := context.WithTimeout(ctx, primeTimeout)
	defer cancel()

	assets, err := client.ActiveAssets(primeCtx)
	if err != nil {
		return fmt.Errorf("fetch active assets: %w", err)
	}
	entities.Prime(assets)

	if wallet == "" || !lifecycle.Authorized() {
		return nil
	}
	positions, err := client.Positions(primeCtx, wallet)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	entities.PrimePositions(positions)
	return nil
}

// subscribeAll registers interest in a price channel per primed asset and,
// when authorized, the wallet's position channel. Fill channels are opened
// per order by the consumer that placed it.
func subscribeAll(ctx context.Context, registry *subs.Registry, entities *cache.Cache, lifecycle *auth.Lifecycle, wallet string) error {
	for _, asset := range entities.Assets() {
		if err := registry.Subscribe(ctx, schema.PriceChannel(asset.ID)); err != nil {
			return err
		}
	}
	if wallet == "" || !lifecycle.Authorized() {
		return nil
	}
	return registry.Subscribe(ctx, schema.PositionChannel(wallet))
}
