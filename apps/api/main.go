package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	tenantshandler "github.com/tenancykit/tenancy/domains/tenants/be/handler"
	tenantsrepo "github.com/tenancykit/tenancy/domains/tenants/be/repo"
	tenantsservice "github.com/tenancykit/tenancy/domains/tenants/be/service"
	platformlogging "github.com/tenancykit/tenancy/platform/go/logging"
	platformmiddleware "github.com/tenancykit/tenancy/platform/go/middleware"
	"github.com/tenancykit/tenancy/platform/go/tenant"
	tenantmiddleware "github.com/tenancykit/tenancy/platform/go/tenant/middleware"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	StorageDriver   string        `env:"STORAGE_DRIVER" envDefault:"redis"` // redis | postgres | memory
	RedisURL        string        `env:"REDIS_URL"`                         // required when STORAGE_DRIVER=redis
	DatabaseURL     string        `env:"DATABASE_URL"`                      // required when STORAGE_DRIVER=postgres
	ResolveCacheTTL time.Duration `env:"RESOLVE_CACHE_TTL" envDefault:"30s"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "tenancy-api",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	driver, cleanup := buildDriver(ctx, cfg, logger)
	defer cleanup()

	svc := tenantsservice.New(driver, logger)
	tenantHTTPHandler := tenantshandler.New(svc, logger)

	resolver := tenantmiddleware.ResolverFunc(func(ctx context.Context, domain string) (tenant.Space, error) {
		t, err := svc.FindByDomain(ctx, domain)
		if err != nil {
			return tenant.Space{}, err
		}
		return tenant.Space{ID: t.ID, Domains: t.Domains}, nil
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	r.Use(platformmiddleware.DefaultCORS())
	r.Use(platformlogging.RequestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Admin surface: full driver contract, addressed by tenant id.
	r.Mount("/api/v1", tenantHTTPHandler.Routes())

	// Tenant-scoped surface: the tenant is resolved from the request
	// host, the way consuming applications identify "their" tenant.
	r.Group(func(r chi.Router) {
		r.Use(tenantmiddleware.ResolveFromHost(resolver, tenantmiddleware.Config{CacheTTL: cfg.ResolveCacheTTL}))
		r.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
			space, _ := tenant.FromContext(req.Context())
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"tenant_id": space.ID})
		})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("tenancy api listening", zap.String("port", cfg.Port), zap.String("driver", cfg.StorageDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", zap.Error(err))
	}
	logger.Info("tenancy api stopped")
}

// buildDriver selects the storage backend and returns it with its cleanup.
func buildDriver(ctx context.Context, cfg config, logger *zap.Logger) (tenantsservice.StorageDriver, func()) {
	switch cfg.StorageDriver {
	case "redis":
		if cfg.RedisURL == "" {
			logger.Fatal("REDIS_URL required when STORAGE_DRIVER=redis")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("parse redis url", zap.Error(err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("ping redis", zap.Error(err))
		}
		return tenantsrepo.NewRedisDriver(client), func() { _ = client.Close() }

	case "postgres":
		if cfg.DatabaseURL == "" {
			logger.Fatal("DATABASE_URL required when STORAGE_DRIVER=postgres")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("init postgres pool", zap.Error(err))
		}
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("ping postgres", zap.Error(err))
		}
		driver, err := tenantsrepo.NewPostgresDriver(ctx, pool)
		if err != nil {
			logger.Fatal("init postgres driver", zap.Error(err))
		}
		return driver, pool.Close

	case "memory":
		logger.Warn("using in-memory storage driver; data will not survive restarts")
		return tenantsrepo.NewMemoryDriver(), func() {}

	default:
		logger.Fatal("unknown storage driver", zap.String("driver", cfg.StorageDriver))
		return nil, nil
	}
}
