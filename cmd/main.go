package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/ember/internal/admission"
	rediscache "github.com/davidbz/ember/internal/cache/redis"
	"github.com/davidbz/ember/internal/catalog"
	"github.com/davidbz/ember/internal/config"
	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/events/logbus"
	natsevents "github.com/davidbz/ember/internal/events/nats"
	redisevents "github.com/davidbz/ember/internal/events/redis"
	"github.com/davidbz/ember/internal/guardrail"
	"github.com/davidbz/ember/internal/httpserver"
	"github.com/davidbz/ember/internal/httpserver/middleware"
	"github.com/davidbz/ember/internal/objectstore/fs"
	"github.com/davidbz/ember/internal/observability"
	"github.com/davidbz/ember/internal/provider/echo"
	"github.com/davidbz/ember/internal/provider/openai"
	"github.com/davidbz/ember/internal/provider/registry"
	"github.com/davidbz/ember/internal/recorder"
	"github.com/davidbz/ember/internal/routing"
	"github.com/davidbz/ember/internal/storage/sqlite"
	"github.com/davidbz/ember/internal/tokens"
)

func main() {
	container := buildContainer()

	if err := container.Invoke(run); err != nil {
		log.Fatalf("Failed to run application: %v", err)
	}
}

// app holds what run needs to serve and shut down.
type app struct {
	dig.In

	Server  *httpserver.Server
	Catalog *catalog.Catalog
	Spawner *recorder.GoSpawner
	Store   *sqlite.Store
	Bus     domain.EventPublisher
	Redis   *redis.Client
	Gateway *config.GatewayConfig
}

// run serves until SIGINT/SIGTERM. SIGHUP reloads the catalog.
func run(a app) error {
	ctx := context.Background()
	logger := observability.FromContext(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := a.Catalog.Reload(ctx); err != nil {
					logger.Error("catalog reload failed, keeping previous catalog", observability.Error(err))
				}
				continue
			}
			logger.Info("shutdown signal received", observability.String("signal", sig.String()))
			return shutdown(a)
		}
	}
}

func shutdown(a app) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Gateway.ShutdownTimeout)
	defer cancel()

	logger := observability.FromContext(ctx)
	var errs []error

	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// Detached observability writes outlive their requests; give them the
	// rest of the shutdown budget.
	if err := a.Spawner.Wait(ctx); err != nil {
		logger.Warn("observability writes still pending at shutdown", observability.Error(err))
	}

	if closer, ok := a.Bus.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if err := a.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
	}

	_ = observability.FromContext(ctx).Sync()
	return errors.Join(errs...)
}

//nolint:funlen // Container wiring reads best as one list.
func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Invoke(func(*zap.Logger) {}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Provider Registry
	if err := container.Provide(func() domain.ProviderRegistry {
		return registry.NewRegistry()
	}); err != nil {
		log.Fatalf("Failed to provide registry: %v", err)
	}

	// Register providers with registry (invoked for side effects).
	// OpenAI is optional and skipped without an API key.
	if err := container.Invoke(func(reg domain.ProviderRegistry, cfg *openai.Config) error {
		ctx := context.Background()

		if err := reg.Register(ctx, echo.NewProvider(0)); err != nil {
			return fmt.Errorf("failed to register echo provider: %w", err)
		}

		if cfg.APIKey == "" {
			observability.FromContext(ctx).Warn("OPENAI_API_KEY not set, openai provider disabled")
			return nil
		}
		provider, err := openai.NewProvider(*cfg)
		if err != nil {
			return fmt.Errorf("failed to create OpenAI provider: %w", err)
		}
		if err := reg.Register(ctx, provider); err != nil {
			return fmt.Errorf("failed to register OpenAI provider: %w", err)
		}
		return nil
	}); err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}

	// Pricing and catalog. Catalog pricing overrides the provider defaults.
	if err := container.Provide(func(cfg *openai.Config) (domain.PricingRegistry, error) {
		pricing := domain.NewInMemoryPricingRegistry()
		if cfg.APIKey != "" {
			if err := openai.RegisterPricing(context.Background(), pricing); err != nil {
				return nil, err
			}
		}
		return pricing, nil
	}); err != nil {
		log.Fatalf("Failed to provide pricing registry: %v", err)
	}
	if err := container.Provide(func(gw *config.GatewayConfig, pricing domain.PricingRegistry) (*catalog.Catalog, error) {
		return catalog.New(context.Background(), gw.CatalogPath, pricing)
	}); err != nil {
		log.Fatalf("Failed to provide catalog: %v", err)
	}
	if err := container.Provide(func(c *catalog.Catalog) domain.ConfigSource {
		return c
	}); err != nil {
		log.Fatalf("Failed to provide config source: %v", err)
	}
	if err := container.Provide(func(gw *config.GatewayConfig, pricing domain.PricingRegistry) domain.CostCalculator {
		return domain.NewStandardCostCalculator(pricing, gw.FallbackPricing())
	}); err != nil {
		log.Fatalf("Failed to provide cost calculator: %v", err)
	}

	// Redis backs the optional event bus and model cache.
	if err := container.Provide(func(cfg *config.RedisConfig) *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}); err != nil {
		log.Fatalf("Failed to provide redis client: %v", err)
	}
	if err := container.Provide(func(cfg *config.CacheConfig, client *redis.Client) domain.ModelCache {
		if !cfg.Enabled {
			return nil
		}
		return rediscache.NewInferenceCache(client, cfg.TTL)
	}); err != nil {
		log.Fatalf("Failed to provide model cache: %v", err)
	}

	// Observability sinks
	if err := container.Provide(func(cfg *config.StorageConfig) (*sqlite.Store, error) {
		return sqlite.New(cfg.SQLitePath)
	}); err != nil {
		log.Fatalf("Failed to provide columnar store: %v", err)
	}
	if err := container.Provide(func(cfg *config.ObjectStoreConfig) (*fs.Store, error) {
		return fs.New(cfg.Root)
	}); err != nil {
		log.Fatalf("Failed to provide object store: %v", err)
	}
	if err := container.Provide(newEventBus); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}
	if err := container.Provide(recorder.NewGoSpawner); err != nil {
		log.Fatalf("Failed to provide spawner: %v", err)
	}
	if err := container.Provide(func(
		store *sqlite.Store,
		bus domain.EventPublisher,
		objects *fs.Store,
		spawner *recorder.GoSpawner,
		gw *config.GatewayConfig,
	) domain.RecordWriter {
		return recorder.NewFanOutWriter(store, bus, objects, spawner, recorder.Options{
			AsyncWrites:     gw.AsyncWrites,
			FallbackPricing: gw.FallbackPricing(),
		})
	}); err != nil {
		log.Fatalf("Failed to provide record writer: %v", err)
	}

	// Policy
	if err := container.Provide(newScanner); err != nil {
		log.Fatalf("Failed to provide guardrail scanner: %v", err)
	}
	if err := container.Provide(func(cfg *admission.Config) (domain.AdmissionController, error) {
		return admission.NewRules(*cfg)
	}); err != nil {
		log.Fatalf("Failed to provide admission rules: %v", err)
	}

	// Domain Services
	if err := container.Provide(routing.NewRouter); err != nil {
		log.Fatalf("Failed to provide router: %v", err)
	}
	if err := container.Provide(domain.NewDispatcher); err != nil {
		log.Fatalf("Failed to provide dispatcher: %v", err)
	}
	if err := container.Provide(func(gw *config.GatewayConfig) *domain.FallbackEngine {
		return domain.NewFallbackEngine(gw.MaxFallbackDuration)
	}); err != nil {
		log.Fatalf("Failed to provide fallback engine: %v", err)
	}
	if err := container.Provide(tokens.NewCounter); err != nil {
		log.Fatalf("Failed to provide token counter: %v", err)
	}
	if err := container.Provide(newInferenceService); err != nil {
		log.Fatalf("Failed to provide inference service: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware: %v", err)
	}
	if err := container.Provide(httpserver.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(httpserver.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

// serviceParams are the inference service collaborators.
type serviceParams struct {
	dig.In

	Config     domain.ConfigSource
	Router     *routing.SimpleRouter
	Dispatcher *domain.Dispatcher
	Fallback   *domain.FallbackEngine
	Scanner    domain.GuardrailScanner
	Admission  domain.AdmissionController
	Writer     domain.RecordWriter
	Costs      domain.CostCalculator
	Tokens     *tokens.Counter
	Gateway    *config.GatewayConfig
}

func newInferenceService(p serviceParams) *domain.InferenceService {
	return domain.NewInferenceService(domain.ServiceDeps{
		Config:     p.Config,
		Router:     p.Router,
		Dispatcher: p.Dispatcher,
		Fallback:   p.Fallback,
		Scanner:    p.Scanner,
		Admission:  p.Admission,
		Writer:     p.Writer,
		Costs:      p.Costs,
		Tokens:     p.Tokens,
	}, p.Gateway.StreamWindowChars)
}

// newScanner routes guard profiles to the keyword scanner and, when OpenAI
// is configured, the moderation scanner.
func newScanner(cfg *openai.Config) (domain.GuardrailScanner, error) {
	router := guardrail.NewRouter()
	if err := router.Register(guardrail.KeywordProvider, guardrail.NewKeywordScanner()); err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		if err := router.Register(guardrail.ModerationProvider, guardrail.NewModerationScanner(*cfg)); err != nil {
			return nil, err
		}
	}
	return router, nil
}

// newEventBus selects the event publisher named by EVENT_BUS.
func newEventBus(
	events *config.EventsConfig,
	client *redis.Client,
	natsCfg *natsevents.Config,
) (domain.EventPublisher, error) {
	switch events.Bus {
	case config.EventBusLog, "":
		return logbus.NewEventBus(), nil
	case config.EventBusRedis:
		return redisevents.NewPublisher(client, events.RedisStream, events.RedisMaxLen), nil
	case config.EventBusNATS:
		return natsevents.NewPublisher(context.Background(), *natsCfg)
	default:
		return nil, fmt.Errorf("unknown event bus %q", events.Bus)
	}
}
