// Package runtime builds the donation ledger process from configuration and
// runs its HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	app "github.com/R3E-Network/donation_ledger/internal/app"
	"github.com/R3E-Network/donation_ledger/internal/app/events"
	"github.com/R3E-Network/donation_ledger/internal/app/httpapi"
	"github.com/R3E-Network/donation_ledger/internal/app/services/reconciliation"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
	"github.com/R3E-Network/donation_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/donation_ledger/internal/app/storage/postgres"
	"github.com/R3E-Network/donation_ledger/internal/chain"
	"github.com/R3E-Network/donation_ledger/internal/config"
	"github.com/R3E-Network/donation_ledger/internal/middleware"
	"github.com/R3E-Network/donation_ledger/internal/platform/migrations"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	db         *sqlx.DB
	redis      *redis.Client
}

// NewApplication constructs the process from cfg. Nothing is started.
func NewApplication(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	a := &Application{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	stores, pinger, err := a.buildStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	ledger, err := buildLedger(cfg.Ledger, log.Component("chain"))
	if err != nil {
		return nil, fmt.Errorf("configure ledger: %w", err)
	}

	hub := events.NewHub(events.DefaultBuffer)
	opts := app.Options{Hub: hub}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts.Publisher = events.NewRedisBus(a.redis, cfg.Redis.Channel, hub, log.Component("events"))
	}
	if cfg.Sweeper.Enabled {
		opts.Sweeper = &reconciliation.SweeperConfig{
			Schedule:  cfg.Sweeper.Schedule,
			MinAge:    cfg.Sweeper.MinAge,
			BatchSize: cfg.Sweeper.BatchSize,
		}
	}

	a.app, err = app.New(stores, ledger, log, opts)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	httpLog := log.Component("http")
	a.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, httpLog)
	handler := httpapi.NewHandler(httpapi.Dependencies{
		Campaigns:      a.app.Campaigns,
		Reconciliation: a.app.Reconciliation,
		Events:         hub,
		Store:          pinger,
		Ledger:         ledger,
		Auth:           middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, httpLog).WithOperators(cfg.Auth.OperatorUserIDs),
		RateLimiter:    a.limiter,
		CORS:           middleware.NewCORSMiddleware(cfg.CORS.AllowedOrigins),
		Logger:         httpLog,
	})

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// Activation waits for the deployment to execute on chain.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ok = true
	return a, nil
}

// App exposes the composed services.
func (a *Application) App() *app.Application {
	return a.app
}

// Handler returns the HTTP handler served by Run.
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts the background services and the HTTP server, and blocks until
// ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	a.limiter.StartCleanup(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Shutdown drains HTTP requests, stops the services and releases connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
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

func (a *Application) buildStores(ctx context.Context) (app.Stores, storage.Pinger, error) {
	if strings.EqualFold(a.cfg.Database.Driver, "memory") {
		a.log.Warn("using in-memory store; records are lost on restart")
		mem := memory.New()
		return app.Stores{Campaigns: mem, Transactions: mem}, mem, nil
	}

	db, err := openDatabase(ctx, a.cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}
	a.db = db

	if a.cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db.DB); err != nil {
			return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	store := postgres.New(db)
	return app.Stores{Campaigns: store, Transactions: store}, store, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
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
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func buildLedger(cfg config.LedgerConfig, log *logger.Logger) (*chain.Ledger, error) {
	client, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.RPCURL,
		NetworkID: cfg.NetworkID,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	account, err := loadAccount(cfg)
	if err != nil {
		return nil, err
	}

	nef, err := readOptional(cfg.NEFPath)
	if err != nil {
		return nil, fmt.Errorf("read contract nef: %w", err)
	}
	manifest, err := readOptional(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("read contract manifest: %w", err)
	}
	if nef == nil || manifest == nil {
		log.Warn("donation contract artifacts not configured; campaign activation will fail")
	}

	l, err := chain.NewLedger(client, account, chain.LedgerConfig{
		Decimals:             cfg.Decimals,
		ValidBlocks:          cfg.ValidBlocks,
		NEF:                  nef,
		Manifest:             manifest,
		TransparencyContract: cfg.TransparencyContract,
		WaitTimeout:          cfg.WaitTimeout,
		PollInterval:         cfg.PollInterval,
	}, log)
	if err != nil {
		return nil, err
	}
	log.WithField("address", l.Address()).Info("ledger signer loaded")
	return l, nil
}

func loadAccount(cfg config.LedgerConfig) (*wallet.Account, error) {
	if wif := strings.TrimSpace(cfg.WIF); wif != "" {
		acc, err := chain.AccountFromWIF(wif)
		if err != nil {
			return nil, fmt.Errorf("load signer from WIF: %w", err)
		}
		return acc, nil
	}
	acc, err := chain.AccountFromPrivateKey(strings.TrimSpace(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("load signer from private key: %w", err)
	}
	return acc, nil
}

func readOptional(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return os.ReadFile(filepath.Clean(path))
}
