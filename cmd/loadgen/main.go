// Package main is the entrypoint for the load generator. It drives leases
// and transactions against one configured pool and prints the resulting
// pool summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/dblease/internal/config"
	"github.com/joao-brasil/dblease/internal/lease"
	"github.com/joao-brasil/dblease/internal/logging"
	"github.com/joao-brasil/dblease/internal/registry"
	"github.com/joao-brasil/dblease/pkg/datasource"
)

var (
	serviceConfigPath = flag.String("config", "configs/service.yaml", "Path to service configuration file")
	poolsConfigPath   = flag.String("pools", "configs/pools.yaml", "Path to pools configuration file")
	poolID            = flag.String("pool", "", "Pool to load (default: first configured pool)")
	workers           = flag.Int("workers", 16, "Concurrent workers")
	duration          = flag.Duration("duration", 30*time.Second, "How long to run")
	txRatio           = flag.Float64("tx-ratio", 0.3, "Fraction of iterations run as explicit transactions")
	query             = flag.String("query", "SELECT 1", "Statement issued on every iteration")
	isolation         = flag.String("isolation", "", "Isolation level for transactions (e.g. serializable)")
	think             = flag.Duration("think", 10*time.Millisecond, "Pause between iterations of a worker")
)

type counters struct {
	leases     atomic.Uint64
	txs        atomic.Uint64
	failures   atomic.Uint64
	timeouts   atomic.Uint64
	acqFailure atomic.Uint64
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*serviceConfigPath, *poolsConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger.Named("loadgen")); err != nil {
		logger.Error("load generator failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	level, err := datasource.ParseIsolationLevel(*isolation)
	if err != nil {
		return err
	}
	id := *poolID
	if id == "" {
		id = cfg.Pools[0].ID
	}
	if _, ok := cfg.PoolByID(id); !ok {
		return fmt.Errorf("unknown pool: %s", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	reg, err := registry.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	log.Info("load started",
		zap.String("pool_id", id),
		zap.Int("workers", *workers),
		zap.Duration("duration", *duration),
		zap.Float64("tx_ratio", *txRatio))

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			return worker(gctx, reg, id, level, &c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("load finished",
		zap.Uint64("leases", c.leases.Load()),
		zap.Uint64("transactions", c.txs.Load()),
		zap.Uint64("failures", c.failures.Load()),
		zap.Uint64("query_timeouts", c.timeouts.Load()),
		zap.Uint64("acquisition_failures", c.acqFailure.Load()))

	summary, err := reg.Summary(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func worker(ctx context.Context, reg *registry.Registry, poolID string, level datasource.IsolationLevel, c *counters) error {
	tx, err := reg.NewTx(poolID)
	if err != nil {
		return err
	}
	defer tx.Dispose()

	for ctx.Err() == nil {
		if rand.Float64() < *txRatio {
			err = runTx(ctx, tx, level)
			if err == nil {
				c.txs.Add(1)
			}
		} else {
			err = runLease(ctx, reg, poolID)
			if err == nil {
				c.leases.Add(1)
			}
		}
		if err != nil && ctx.Err() == nil {
			c.failures.Add(1)
			var acqErr *lease.AcquisitionError
			switch {
			case lease.IsQueryTimeout(err):
				c.timeouts.Add(1)
			case errors.As(err, &acqErr):
				c.acqFailure.Add(1)
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(*think):
		}
	}
	return nil
}

func runLease(ctx context.Context, reg *registry.Registry, poolID string) error {
	h, err := reg.Acquire(ctx, poolID, lease.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	rows, err := h.QueryContext(ctx, *query)
	if err == nil {
		for rows.Next() {
		}
		err = rows.Err()
		_ = rows.Close()
	}
	reg.Release(h, lease.ReleaseOptions{Err: err})
	return err
}

type txRunner interface {
	Begin(ctx context.Context, opts lease.Options) error
	Client() (*lease.Handle, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func runTx(ctx context.Context, tx txRunner, level datasource.IsolationLevel) error {
	if err := tx.Begin(ctx, lease.Options{IsolationLevel: level}); err != nil {
		return err
	}
	h, err := tx.Client()
	if err != nil {
		return err
	}
	if _, err := h.ExecContext(ctx, *query); err != nil {
		// Report the statement error, not the rollback outcome.
		_ = tx.Rollback(context.Background())
		return err
	}
	return tx.Commit(ctx)
}
