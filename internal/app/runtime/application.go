package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/sasha-s/go-deadlock"

	app "github.com/R3E-Network/sitcoin/internal/app"
	"github.com/R3E-Network/sitcoin/internal/app/httpapi"
	"github.com/R3E-Network/sitcoin/internal/app/locks"
	ledgersvc "github.com/R3E-Network/sitcoin/internal/app/services/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/storage/postgres"
	"github.com/R3E-Network/sitcoin/internal/config"
	"github.com/R3E-Network/sitcoin/internal/middleware"
	"github.com/R3E-Network/sitcoin/internal/platform/migrations"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	handler    *httpapi.Handler
	limiter    *middleware.RateLimiter
	httpServer *http.Server
	db         *sql.DB
	redis      redis.UniversalClient
}

// NewApplication constructs the service from cfg. A nil cfg is loaded from
// the environment.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	configureDeadlockDetection(cfg.Ledger.DeadlockTimeout, log.Named("deadlock"))

	secret, err := cfg.Auth.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET invalid: %w", err)
	}

	rt := &Application{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			rt.closeBackends()
		}
	}()

	stores, db, err := buildStores(ctx, cfg.Database, cfg.Ledger.LockTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}
	rt.db = db

	locker, client, err := buildLocker(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("configure locks: %w", err)
	}
	rt.redis = client

	application, err := app.New(stores, app.Options{
		Ledger: ledgersvc.Config{
			LockTimeout: cfg.Ledger.LockTimeout,
			Retry: ledgersvc.RetryPolicy{
				Attempts: cfg.Ledger.LogRetryAttempts,
				Initial:  cfg.Ledger.LogRetryInitial,
				Max:      cfg.Ledger.LogRetryMax,
			},
		},
		Locker:            locker,
		ReconcileSchedule: cfg.Reconcile.Schedule,
		DisableReconciler: strings.TrimSpace(cfg.Reconcile.Schedule) == "",
	}, log.Named("app"))
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	rt.app = application

	if cfg.Server.RateLimit > 0 {
		rt.limiter = middleware.NewRateLimiter(float64(cfg.Server.RateLimit), cfg.Server.RateBurst, log.Named("ratelimit"))
	}
	handler, err := httpapi.NewHandler(application, httpapi.Options{
		Auth: middleware.NewAuthMiddleware(secret, cfg.Auth.JWTIssuer, adminList(cfg.Auth),
			log.Named("auth"), []string{"/healthz", "/metrics"}),
		RateLimiter: rt.limiter,
		CORS:        middleware.NewCORSMiddleware(strings.Split(cfg.Server.AllowedOrigins, ",")),
		AuditFile:   cfg.Server.AuditLogFile,
		Logger:      log.Named("http"),
	})
	if err != nil {
		return nil, fmt.Errorf("build http handler: %w", err)
	}
	rt.handler = handler

	rt.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	ok = true
	return rt, nil
}

// Engine exposes the wired ledger application.
func (a *Application) Engine() *app.Application {
	return a.app
}

// Handler exposes the HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Run starts the engine services and the HTTP server, then blocks until ctx
// is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	if a.limiter != nil {
		a.limiter.StartCleanup(time.Minute)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", ln.Addr())
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server, stops the engine services and closes the
// backends.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("services: %w", err))
	}
	if err := a.handler.Close(); err != nil {
		a.log.WithError(err).Warn("error closing audit log")
	}
	a.closeBackends()
	return errors.Join(errs...)
}

func (a *Application) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
		a.db = nil
	}
}

// buildStores selects the in-memory store when no DSN is configured and the
// postgres store otherwise.
func buildStores(ctx context.Context, cfg config.DatabaseConfig, lockWait time.Duration, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		log.Warn("DATABASE_URL not set; using the in-memory store")
		return app.Stores{}, nil, nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if cfg.Migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	store := postgres.New(db).WithLockWait(lockWait)
	return app.Stores{Accounts: store, Transactions: store, Reversals: store}, db, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// buildLocker returns process-local locks unless a Redis address is set, in
// which case locks are shared by every instance using that Redis.
func buildLocker(ctx context.Context, cfg config.RedisConfig) (locks.Locker, redis.UniversalClient, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return locks.NewLocal(), nil, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.Addr, ","),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return locks.NewRedis(client, cfg.LockTTL, 0), client, nil
}

// configureDeadlockDetection replaces go-deadlock's default of exiting the
// process with an error log. The report itself goes to stderr.
func configureDeadlockDetection(timeout time.Duration, log *logger.Logger) {
	deadlock.Opts.DeadlockTimeout = timeout
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.WithField("timeout", timeout.String()).Error("potential deadlock detected on a ledger mutex")
	}
}

func adminList(cfg config.AuthConfig) []string {
	ids := cfg.AdminIDs()
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}
