package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dataspace-hub/connector/internal/config"
	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
	"github.com/dataspace-hub/connector/internal/infrastructure/bolt"
	"github.com/dataspace-hub/connector/internal/infrastructure/memory"
	"github.com/dataspace-hub/connector/internal/infrastructure/postgres"
	"github.com/dataspace-hub/connector/internal/infrastructure/redis"
	"github.com/dataspace-hub/connector/internal/infrastructure/sqlite"
)

const (
	negotiationTable = "contract_negotiations"
	transferTable    = "transfer_processes"
)

// backend is everything the connector persists.
type backend struct {
	negotiations negotiation.Store
	transfers    transfer.Store
	negotiationQ command.Queue
	transferQ    command.Queue
	health       map[string]func(ctx context.Context) error
	closers      []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{health: make(map[string]func(ctx context.Context) error)}
	if err := b.openStores(ctx, cfg); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("entity stores ready")

	if cfg.RedisAddr == "" {
		b.negotiationQ = memory.NewQueue()
		b.transferQ = memory.NewQueue()
		return b, nil
	}
	client := redis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	b.closers = append(b.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("redis error: %w", err)
	}
	b.health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	b.negotiationQ = redis.NewQueue(client, "negotiations")
	b.transferQ = redis.NewQueue(client, "transfers")
	logger.Info().Str("addr", cfg.RedisAddr).Msg("command queues on redis")
	return b, nil
}

func (b *backend) openStores(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxConns: cfg.DatabaseMaxConns})
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.health["postgres"] = pool.Ping
		if err := postgres.RunMigrations(ctx, pool, postgres.Migrations()); err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		if b.negotiations, err = postgres.NewStore[*negotiation.ContractNegotiation](pool, negotiationTable, nil); err != nil {
			return err
		}
		b.transfers, err = postgres.NewStore[*transfer.Process](pool, transferTable, nil)
		return err

	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, db.Close)
		b.health["sqlite"] = db.PingContext
		for _, table := range []string{negotiationTable, transferTable} {
			if err := sqlite.Migrate(ctx, db, table); err != nil {
				return fmt.Errorf("migration error: %w", err)
			}
		}
		if b.negotiations, err = sqlite.NewStore[*negotiation.ContractNegotiation](db, negotiationTable, nil); err != nil {
			return err
		}
		b.transfers, err = sqlite.NewStore[*transfer.Process](db, transferTable, nil)
		return err

	case config.BackendBolt:
		db, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, db.Close)
		if b.negotiations, err = bolt.NewStore[*negotiation.ContractNegotiation](db, negotiationTable, nil); err != nil {
			return err
		}
		b.transfers, err = bolt.NewStore[*transfer.Process](db, transferTable, nil)
		return err

	default:
		b.negotiations = memory.NewStore[*negotiation.ContractNegotiation]()
		b.transfers = memory.NewStore[*transfer.Process]()
		return nil
	}
}
