// Command financial-core wires the config, store, settings, distributed
// lock, chain gateway, payment sender, and domain engines together and
// runs the background scheduler, mirroring the teacher's cmd/kcn wiring
// style (a urfave/cli App with a single long-running Action).
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v7"
	"github.com/jinzhu/gorm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/plexfi/financial-core/internal/chain"
	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/deposit"
	"github.com/plexfi/financial-core/internal/lock"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/plex"
	"github.com/plexfi/financial-core/internal/ratelimit"
	"github.com/plexfi/financial-core/internal/referral"
	"github.com/plexfi/financial-core/internal/scheduler"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
	"github.com/plexfi/financial-core/internal/withdrawal"
)

var devModeFlag = cli.BoolFlag{
	Name:  "dev",
	Usage: "enable development-mode console logging instead of JSON",
}

var mysqlDSNFlag = cli.StringFlag{
	Name:   "mysql-dsn",
	Usage:  "MySQL DSN, overrides MYSQL_DSN",
	EnvVar: "MYSQL_DSN",
}

var app = cli.NewApp()

func init() {
	app.Name = "financial-core"
	app.Usage = "deposit, PLEX, referral, and withdrawal engine for the platform"
	app.Flags = []cli.Flag{devModeFlag, mysqlDSNFlag}
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "financial-core:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger.SetDevelopment(c.Bool(devModeFlag.Name))
	log := logger.New("main")

	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dsn := c.String(mysqlDSNFlag.Name); dsn != "" {
		cfg.MySQLDSN = dsn
	}

	st, err := store.Open(cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if gdb, ok := underlyingGormDB(st); ok {
		if err := store.AutoMigrate(gdb); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := settings.NewSource(ctx, st)
	if err != nil {
		return fmt.Errorf("load global settings: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locker := lock.NewManager(rdb)

	pool, err := chain.Dial(ctx, cfg.RPCHTTPURLs, src, func(context.Context, string) {})
	if err != nil {
		return fmt.Errorf("dial chain pool: %w", err)
	}
	limiter := ratelimit.New(8, 20)
	defer limiter.Close()

	gateway := chain.NewGateway(pool, limiter,
		common.HexToAddress(cfg.USDTContractAddress),
		common.HexToAddress(cfg.PLEXContractAddress),
		common.HexToAddress(cfg.SystemWalletAddress))

	var sink notify.Sink = notify.Noop{}

	referralEngine := referral.New(st, sink, nil)
	depositEngine := deposit.New(st, gateway, locker, src, referralEngine, sink, cfg)
	plexEngine := plex.New(st, gateway, locker, src, sink, cfg)
	withdrawalValidator := withdrawal.New(st, gateway, src, cfg)
	_ = withdrawalValidator // exposed to the (out-of-scope) UI surface, constructed here for lifecycle parity

	if cfg.PayoutWalletPrivateKey != "" {
		sender := chain.NewPaymentSender(gateway, locker, cfg.PayoutWalletPrivateKey,
			common.HexToAddress(cfg.PayoutWalletAddress), big.NewInt(cfg.ChainID), chain.GasBounds{MinGwei: 3, MaxGwei: 20})
		_ = sender // wired into the (out-of-scope) withdrawal payout path
	}

	depositMonitor := scheduler.NewDepositMonitor(st, gateway, locker, depositEngine, sink, cfg)
	plexMonitor := scheduler.NewPlexMonitor(plexEngine)
	reconcileJob := scheduler.NewReconcileJob(st, gateway, locker, common.HexToAddress(cfg.SystemWalletAddress), sink)
	accrualJob := scheduler.NewAccrualJob(st, locker, depositEngine)

	go serveMetrics(cfg.MetricsAddr, log)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	go runPeriodic(ctx, pollInterval, "deposit_monitor", log, depositMonitor.Run)
	go runPeriodic(ctx, pollInterval, "plex_monitor", log, plexMonitor.Run)
	go runPeriodic(ctx, pollInterval, "roi_accrual", log, accrualJob.Run)
	go runPeriodic(ctx, 5*time.Minute, "reconcile", log, reconcileJob.Run)

	log.Sugar().Infow("financial-core started", "rpc_endpoints", len(cfg.RPCHTTPURLs), "chain_id", cfg.ChainID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Sugar().Info("shutting down")
	cancel()
	return nil
}

// runPeriodic calls fn every interval until ctx is cancelled, logging but
// never propagating a single tick's error (the scheduler keeps running
// regardless of a transient failure in one run).
func runPeriodic(ctx context.Context, interval time.Duration, name string, log *logger.Logger, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Sugar().Warnw("periodic job failed", "job", name, "error", err)
			}
		}
	}
}

func serveMetrics(addr string, log *logger.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Sugar().Warnw("metrics server stopped", "error", err)
	}
}

// underlyingGormDB recovers the *gorm.DB behind the Store interface for
// AutoMigrate, which is an operational concern not part of the Store
// contract itself.
func underlyingGormDB(st store.Store) (*gorm.DB, bool) {
	type gormBacked interface {
		GormDB() *gorm.DB
	}
	gb, ok := st.(gormBacked)
	if !ok {
		return nil, false
	}
	return gb.GormDB(), true
}
