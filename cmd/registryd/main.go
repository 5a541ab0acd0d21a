package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mallku/internal/docstore"
	"mallku/internal/docstore/memory"
	pgdocstore "mallku/internal/docstore/postgres"
	redisdocstore "mallku/internal/docstore/redis"
	"mallku/internal/fieldsecurity/backup"
	"mallku/internal/fieldsecurity/handler"
	"mallku/internal/fieldsecurity/metrics"
	"mallku/internal/fieldsecurity/secured"
	"mallku/internal/fieldsecurity/service"
	"mallku/internal/fieldsecurity/store"
	"mallku/internal/fieldsecurity/transform"
	jwttoken "mallku/internal/jwt_token"
	"mallku/internal/platform/config"
	"mallku/internal/platform/httpserver"
	"mallku/internal/platform/logger"
	platformmetrics "mallku/internal/platform/metrics"
	platformredis "mallku/internal/platform/redis"
	"mallku/internal/reciprocity"
	audit "mallku/pkg/platform/audit"
	"mallku/pkg/platform/audit/publishers/compliance"
	"mallku/pkg/platform/audit/publishers/security"
	auditmemory "mallku/pkg/platform/audit/store/memory"
	auditpostgres "mallku/pkg/platform/audit/store/postgres"
	authmw "mallku/pkg/platform/middleware/auth"
)

// main wires high-level dependencies, exposes the admin router, and keeps the
// server lifecycle small. Field security logic lives in internal packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("registryd stopped", "error", err)
		os.Exit(1)
	}
}

// closer collects shutdown hooks and runs them in reverse order.
type closer []func() error

func (c *closer) add(fn func() error) { *c = append(*c, fn) }

func (c *closer) close(log *slog.Logger) {
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil {
			log.Warn("shutdown step failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	var cleanup closer
	defer cleanup.close(log)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	fsMetrics := metrics.New(promRegistry)

	var sqlDB *sql.DB
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		cleanup.add(db.Close)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		sqlDB = db
	}

	regStore, err := openRegistryStore(ctx, cfg, sqlDB, log, fsMetrics)
	if err != nil {
		return err
	}
	cleanup.add(regStore.Close)

	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if sqlDB != nil {
		pgAudit, err := auditpostgres.New(ctx, sqlDB)
		if err != nil {
			return err
		}
		auditStore = pgAudit
	}
	compliancePublisher := compliance.New(auditStore, compliance.WithLogger(log))
	securityPublisher := security.New(auditStore, security.WithLogger(log))
	cleanup.add(securityPublisher.Close)

	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithCompliancePublisher(compliancePublisher),
		service.WithSecurityPublisher(securityPublisher),
	}
	if cfg.ObjectStore.Enabled() {
		uploader, err := backup.NewMinIOUploader(ctx, backup.MinIOConfig{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			Prefix:    cfg.ObjectStore.Prefix,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("configure backup uploads: %w", err)
		}
		svcOpts = append(svcOpts, service.WithUploader(uploader))
	}
	registrySvc := service.New(regStore, svcOpts...)

	// A registry that exists but cannot be read must stop startup.
	reg, err := registrySvc.Load(ctx)
	if err != nil {
		return fmt.Errorf("load field registry: %w", err)
	}
	fsMetrics.SetRegisteredMappings(reg.Len())
	report, err := registrySvc.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify field registry: %w", err)
	}
	if !report.Healthy() {
		log.Warn("field registry integrity warnings at startup", "warnings", report.Warnings)
	}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		cleanup.add(redisClient.Close)
	}

	rawDocs, err := openDocstore(ctx, cfg, redisClient, &cleanup)
	if err != nil {
		return err
	}

	keys, err := transform.DeriveKeys([]byte(cfg.FieldSecret))
	if err != nil {
		return fmt.Errorf("derive field keys: %w", err)
	}
	securedDB := secured.NewDatabase(rawDocs, registrySvc, keys,
		secured.WithLogger(log),
		secured.WithMetrics(fsMetrics),
		secured.WithAuditor(securityPublisher),
		secured.WithCodecOptions(secured.WithDevelopmentMode(cfg.DevelopmentMode)),
	)
	policies := reciprocity.DefaultPolicies()
	if cfg.PolicyFile != "" {
		pf, err := config.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		if policies, err = reciprocity.Policies(pf.Collections); err != nil {
			return err
		}
	}
	for _, policy := range policies {
		if err := securedDB.RegisterPolicy(policy); err != nil {
			return err
		}
		if _, err := securedDB.Collection(ctx, policy.CollectionName); err != nil {
			return fmt.Errorf("open collection %q: %w", policy.CollectionName, err)
		}
		log.Info("collection policy registered",
			"collection", policy.CollectionName,
			"requires_security", policy.RequiresSecurity,
		)
	}

	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer)
	handlerOpts := []handler.Option{
		handler.WithHTTPMetrics(platformmetrics.NewHTTP(promRegistry)),
		handler.WithGatherer(promRegistry),
	}
	var revocations authmw.TokenRevocationChecker
	if redisClient != nil {
		list := jwttoken.NewRedisRevocationList(redisClient.Client)
		revocations = list
		handlerOpts = append(handlerOpts, handler.WithTokenRevoker(list))
	}
	handlerOpts = append(handlerOpts, handler.WithAuth(
		authmw.RequireAuth(jwttoken.NewAdapter(jwtService), revocations, jwttoken.RoleRegistryAdmin, log),
	))

	router := chi.NewRouter()
	handler.New(registrySvc, log, handlerOpts...).Register(router)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting registryd",
			"addr", cfg.Addr,
			"registry_driver", cfg.RegistryDriver,
			"docstore_driver", cfg.DocstoreDriver,
			"development_mode", cfg.DevelopmentMode,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := registrySvc.Save(shutdownCtx); err != nil {
		return fmt.Errorf("final registry save: %w", err)
	}
	securityPublisher.Flush(shutdownCtx)
	log.Info("registryd stopped cleanly", "dropped_security_events", securityPublisher.Dropped())
	return nil
}

type registryStore interface {
	service.Store
	Close() error
}

func openRegistryStore(ctx context.Context, cfg config.Server, db *sql.DB, log *slog.Logger, m *metrics.Metrics) (registryStore, error) {
	opts := []store.Option{
		store.WithLogger(log),
		store.WithMetrics(m),
		store.WithBackupDir(cfg.BackupDir),
	}
	switch cfg.RegistryDriver {
	case config.RegistryPostgres:
		return store.NewPostgresStore(ctx, db, opts...)
	default:
		return store.NewSQLiteStore(ctx, cfg.RegistryPath, opts...)
	}
}

func openDocstore(ctx context.Context, cfg config.Server, redisClient *platformredis.Client, cleanup *closer) (docstore.Database, error) {
	switch cfg.DocstoreDriver {
	case config.DocstoreRedis:
		return redisdocstore.New(redisClient.Client), nil
	case config.DocstorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		cleanup.add(func() error {
			pool.Close()
			return nil
		})
		return pgdocstore.New(ctx, pool)
	default:
		return memory.New(), nil
	}
}
