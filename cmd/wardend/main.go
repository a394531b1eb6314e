package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"warden.id/internal/auth"
	"warden.id/internal/config"
	"warden.id/internal/httpapi"
	"warden.id/internal/janitor"
	"warden.id/internal/migrate"
	"warden.id/internal/notify"
	"warden.id/internal/obs"
	"warden.id/internal/store/memory"
	"warden.id/internal/store/pg"
	"warden.id/internal/store/rediscache"
	"warden.id/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.String("config", os.Getenv("WARDEN_CONFIG"), "Path to the YAML configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := obs.InitLogger(cfg.Env, cfg.Log.Level, cfg.Service.TextID)
	defer func() { _ = log.Sync() }()

	if err := run(cfg); err != nil {
		log.Fatal("wardend stopped", zap.Error(err))
	}
}

type backends struct {
	store  auth.Store
	cache  auth.SessionCache
	codes  auth.CodeStore
	ready  httpapi.ReadyFunc
	closer []func() error
}

func (b *backends) close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		_ = b.closer[i]()
	}
}

func run(cfg config.Config) error {
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)
	shutdownTracing := obs.InitTracing(cfg.Service.TextID, cfg.Tracing.SampleRatio, cfg.Tracing.SlowSpan)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	notifier, closeNotifier := openNotifier(cfg)
	defer closeNotifier()

	rbac, err := auth.NewRBACService(be.store, be.cache)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionManager(be.store, be.store, rbac, be.cache,
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithSessionNotifier(notifier),
	)
	if err != nil {
		return err
	}

	introOpts := []auth.IntrospectorOption{auth.WithNotifier(notifier)}
	var signer *auth.AssertionSigner
	if cfg.Identity.AssertionSecret != "" {
		signer, err = auth.NewAssertionSigner(cfg.Identity.AssertionSecret, cfg.Identity.AssertionTTL)
		if err != nil {
			return err
		}
		introOpts = append(introOpts, auth.WithAssertions(signer))
	}
	intro, err := auth.NewIntrospector(sessions, introOpts...)
	if err != nil {
		return err
	}

	hasher := auth.NewArgon2Hasher()
	accounts, err := auth.NewAccountService(be.store, sessions, hasher, be.codes,
		auth.WithCodeTTL(cfg.Session.CodeTTL),
		auth.WithAccountNotifier(notifier),
	)
	if err != nil {
		return err
	}
	sync, err := auth.NewSynchronizer(be.store)
	if err != nil {
		return err
	}

	if cfg.Service.Bootstrap {
		boot, err := auth.NewBootstrapper(be.store, hasher, cfg.Service.TextID)
		if err != nil {
			return err
		}
		if _, err := boot.Run(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	var identity auth.IdentityProvider = auth.NewTokenIdentity(intro, cfg.Service.TextID)
	assertionHeader := ""
	if cfg.Identity.Mode == "header" {
		identity = auth.NewHeaderIdentity(signer, cfg.Service.TextID)
		assertionHeader = cfg.Identity.Header
	}

	api, err := httpapi.New(httpapi.Deps{
		Accounts:     accounts,
		Sessions:     sessions,
		RBAC:         rbac,
		Sync:         sync,
		Introspector: intro,
		Identity:     identity,
		Ready:        be.ready,
	}, httpapi.Settings{
		Version:         version,
		CookieName:      cfg.Session.CookieName,
		CookieSecure:    cfg.Session.CookieSecure,
		AssertionHeader: assertionHeader,
		ServiceToken:    cfg.Identity.ServiceToken,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		RateBurst:       cfg.HTTP.RateBurst,
		RatePerSec:      cfg.HTTP.RatePerSec,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
	})
	if err != nil {
		return err
	}

	jan, err := janitor.New(sessions, cfg.Session.Retention)
	if err != nil {
		return err
	}
	if err := jan.Schedule(cfg.Session.PruneSchedule); err != nil {
		return err
	}
	jan.Start()

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		httpapi.LoggingInterceptor,
		httpapi.ServiceTokenInterceptor(cfg.Identity.ServiceToken),
	))
	httpapi.NewGRPCServer(intro, sync, be.ready, version).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", httpSrv.Addr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	jan.Stop(shutdownCtx)
	log.Info("stopped")
	return runErr
}

// openBackends selects PostgreSQL or the in-memory store, and Redis or the local LRU.
func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	log := obs.Logger()
	be := &backends{}
	var pings []func(context.Context) error

	if cfg.Database.DSN != "" {
		st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		be.closer = append(be.closer, st.Close)
		if cfg.Database.Migrate {
			mgr := migrate.NewManager(st.DB(), migrations.FS, migrations.Dir, migrations.SeedsDir)
			applied, err := mgr.Up(ctx)
			if err != nil {
				be.close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			seeded, err := mgr.Seed(ctx)
			if err != nil {
				be.close()
				return nil, fmt.Errorf("seed: %w", err)
			}
			log.Info("schema ready", zap.Strings("applied", applied), zap.Strings("seeded", seeded))
		}
		be.store = st
		pings = append(pings, st.Ping)
	} else {
		log.Warn("no database configured; using the in-memory store")
		be.store = memory.New()
	}

	if cfg.Redis.Addr != "" {
		client, err := rediscache.Open(ctx, rediscache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			be.close()
			return nil, err
		}
		be.closer = append(be.closer, client.Close)
		be.cache = rediscache.NewCache(client, cfg.Redis.CacheTTL)
		be.codes = rediscache.NewCodeStore(client)
		pings = append(pings, func(ctx context.Context) error { return pingRedis(ctx, client) })
	} else {
		be.cache = memory.NewCache(cfg.Redis.LocalEntries, cfg.Redis.CacheTTL)
		be.codes = memory.NewCodeStore(cfg.Redis.LocalEntries, cfg.Session.CodeTTL)
	}

	be.ready = func(ctx context.Context) error {
		for _, ping := range pings {
			if err := ping(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return be, nil
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// openNotifier publishes to AMQP when configured and to the log otherwise.
func openNotifier(cfg config.Config) (auth.Notifier, func()) {
	if cfg.AMQP.URL == "" {
		return notify.Log{}, func() {}
	}
	pub, err := notify.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		obs.Logger().Error("amqp unavailable; events go to the log", zap.Error(err))
		return notify.Log{}, func() {}
	}
	return pub, func() { _ = pub.Close() }
}
