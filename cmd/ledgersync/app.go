package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"position-ledger/internal/config"
	"position-ledger/internal/domain"
	"position-ledger/internal/evm"
	"position-ledger/internal/ingestion"
	"position-ledger/internal/lock"
	"position-ledger/internal/notify"
	"position-ledger/internal/orchestrator"
	"position-ledger/internal/storage"
	chstore "position-ledger/internal/storage/clickhouse"
	"position-ledger/internal/storage/memory"
	"position-ledger/internal/storage/migrations"
	pgstore "position-ledger/internal/storage/postgres"
)

// app holds the wired components shared by all modes.
type app struct {
	orch      *orchestrator.Orchestrator
	runner    *orchestrator.Runner
	positions storage.PositionStore
	ledger    storage.LedgerEventStore
	heads     storage.HeadProgressStore

	closers []func()
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, logger *slog.Logger, cfg *config.Config, useMemory bool) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Require database.postgres_dsn unless -use-memory is explicitly set
	if !useMemory && cfg.Database.PostgresDSN == "" {
		return nil, errors.New("database.postgres_dsn is required (use -use-memory for in-memory storage)")
	}

	var positions storage.PositionStore = memory.NewPositionStore()
	var ledgerStore storage.LedgerEventStore = memory.NewLedgerEventStore()
	var syncStates storage.SyncStateStore = memory.NewSyncStateStore()
	var periods storage.AprPeriodStore = memory.NewAprPeriodStore()
	var heads storage.HeadProgressStore = memory.NewHeadProgressStore()

	if !useMemory {
		pool, err := pgstore.NewPool(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		if cfg.Database.AutoMigrate {
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				return nil, err
			}
		}

		positions = pgstore.NewPositionStore(pool)
		ledgerStore = pgstore.NewLedgerEventStore(pool)
		syncStates = pgstore.NewSyncStateStore(pool)
		periods = pgstore.NewAprPeriodStore(pool)
		heads = pgstore.NewHeadProgressStore(pool)
		logger.Info("using postgres storage")
	} else {
		logger.Info("using in-memory storage")
	}
	a.positions = positions
	a.ledger = ledgerStore
	a.heads = heads

	var mirror storage.AprPeriodStore
	if cfg.Database.ClickHouseDSN != "" {
		var conn *chstore.Conn
		var err error
		if cfg.Database.AutoMigrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.Database.ClickHouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, cfg.Database.ClickHouseDSN)
		}
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		mirror = chstore.NewAprPeriodStore(conn)
		logger.Info("mirroring apr periods to clickhouse")
	}

	if err := registerPositions(ctx, positions, cfg.Positions); err != nil {
		return nil, err
	}

	router, err := newRouter(ctx, a, cfg, logger)
	if err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockPrefix)
		logger.Info("using redis sync lock", "addr", cfg.Redis.Addr)
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, js, err := notify.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { drainNATS(nc, logger) })
		if err := notify.EnsureStream(ctx, js); err != nil {
			return nil, err
		}
		publisher = notify.NewJetStreamPublisher(js, logger)
		logger.Info("publishing sync notifications", "stream", notify.StreamName)
	}

	a.orch = orchestrator.New(orchestrator.Options{
		Positions:        positions,
		Ledger:           ledgerStore,
		SyncStates:       syncStates,
		Periods:          periods,
		PeriodsMirror:    mirror,
		Events:           router,
		Finality:         router,
		Prices:           router,
		DeploymentBlocks: cfg.DeploymentBlocks(),
		Publisher:        publisher,
		SyncedBy:         cfg.Sync.SyncedBy,
		Logger:           logger,
	})
	a.runner = orchestrator.NewRunner(orchestrator.RunnerOptions{
		Orchestrator: a.orch,
		Positions:    positions,
		Locker:       locker,
		Concurrency:  cfg.Sync.Concurrency,
		LockTTL:      cfg.Sync.LockTTL,
		Logger:       logger,
	})

	ok = true
	return a, nil
}

// newRouter builds RPC-backed sources for every configured chain.
// Clients are closed with a.
func newRouter(ctx context.Context, a *app, cfg *config.Config, logger *slog.Logger) (*ingestion.Router, error) {
	router := ingestion.NewRouter()
	for _, chainID := range cfg.ChainIDs() {
		ch, _ := cfg.Chain(chainID)
		client, err := evm.Dial(ctx, ch.RPCURL,
			evm.WithTimeout(ch.Timeout),
			evm.WithMaxRetries(ch.MaxRetries),
			evm.WithMinInterval(ch.MinRequestInterval),
		)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", chainID, err)
		}
		a.closers = append(a.closers, client.Close)
		chainLogger := logger.With("chain", chainID)
		router.Register(chainID, ingestion.ChainSources{
			Events:   ingestion.NewRPCEventSource(chainID, client, common.HexToAddress(ch.PositionManager), ch.MaxLogRange, chainLogger),
			Finality: ingestion.NewRPCFinalitySource(chainID, client, ch.Confirmations),
			Prices:   ingestion.NewRPCPriceSource(chainID, client),
		})
		chainLogger.Info("registered chain", "rpc", ch.RPCURL, "deployment_block", ch.DeploymentBlock)
	}
	if len(router.Chains()) == 0 {
		return nil, errors.New("no chains configured")
	}
	return router, nil
}

// registerPositions upserts positions declared in the config.
func registerPositions(ctx context.Context, store storage.PositionStore, positions []config.PositionConfig) error {
	for _, p := range positions {
		err := store.Upsert(ctx, &domain.Position{
			ID:            p.ID,
			ChainID:       p.ChainID,
			NFTID:         p.NFTID,
			PoolID:        p.PoolID,
			Token0:        domain.Token{Address: p.Token0.Address, Symbol: p.Token0.Symbol, Decimals: p.Token0.Decimals},
			Token1:        domain.Token{Address: p.Token1.Address, Symbol: p.Token1.Symbol, Decimals: p.Token1.Decimals},
			IsToken0Quote: p.IsToken0Quote,
		})
		if err != nil {
			return fmt.Errorf("register position %s: %w", p.ID, err)
		}
	}
	return nil
}

func drainNATS(nc *nats.Conn, logger *slog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("nats drain failed", "error", err)
		nc.Close()
	}
}

func chainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}
