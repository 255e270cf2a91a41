// Package app wires the gateway's components together and runs the server.
package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/writgo/aigateway/internal/account"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/db"
	gatewayhttp "github.com/writgo/aigateway/internal/http"
	"github.com/writgo/aigateway/internal/ledger"
	"github.com/writgo/aigateway/internal/media"
	"github.com/writgo/aigateway/internal/proxy"
	"github.com/writgo/aigateway/internal/quota"
	"github.com/writgo/aigateway/internal/settings"
	"github.com/writgo/aigateway/internal/upstream"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App is the assembled gateway.
type App struct {
	cfg    *config.Config
	db     *gorm.DB
	server *gatewayhttp.Server
}

// New builds the full dependency graph from configuration. Everything is
// constructor-injected; nothing here is a package-level singleton except the
// settings snapshot, which is refreshed before first use.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return nil, fmt.Errorf("app: open database: %w", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, fmt.Errorf("app: migrate: %w", errMigrate)
	}

	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return nil, fmt.Errorf("app: load settings: %w", errRefresh)
	}

	policy, errPolicy := quota.NewPolicy(cfg.Quota.Mode, cfg.Quota.Tiers, cfg.Quota.Costs)
	if errPolicy != nil {
		return nil, fmt.Errorf("app: quota policy: %w", errPolicy)
	}

	usageLedger, errLedger := buildLedger(ctx, cfg, conn)
	if errLedger != nil {
		return nil, errLedger
	}

	mediaStore, errMedia := media.NewFileStore(cfg.Media.Dir, cfg.Media.BaseURL)
	if errMedia != nil {
		return nil, fmt.Errorf("app: media store: %w", errMedia)
	}

	accounts := account.NewStore(conn)
	gateway := upstream.NewGateway(cfg.Upstream, mediaStore)
	controller := proxy.NewController(accounts, usageLedger, policy, gateway, conn)

	router := gatewayhttp.NewRouter(cfg, controller, conn, accounts, usageLedger, policy)
	server := gatewayhttp.NewServer(cfg.Listen, router)

	return &App{cfg: cfg, db: conn, server: server}, nil
}

// buildLedger selects the usage ledger backend.
func buildLedger(ctx context.Context, cfg *config.Config, conn *gorm.DB) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if errPing := client.Ping(ctx).Err(); errPing != nil {
			return nil, fmt.Errorf("app: redis ping: %w", errPing)
		}
		log.Infof("app: usage ledger on redis %s", cfg.Redis.Addr)
		return ledger.NewRedisLedger(client), nil
	default:
		return ledger.NewGormLedger(conn), nil
	}
}

// DB exposes the database handle for management commands.
func (a *App) DB() *gorm.DB { return a.db }

// Run serves HTTP traffic until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	log.Infof("app: gateway starting, ledger backend %q", a.cfg.Ledger.Backend)
	return a.server.Run(ctx)
}
