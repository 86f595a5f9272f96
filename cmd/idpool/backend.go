package main

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"backfeed.org/internal/config"
	"backfeed.org/internal/obs"
	"backfeed.org/internal/reserve"
	"backfeed.org/internal/store/pg"
	"backfeed.org/internal/store/redisstore"
	"backfeed.org/internal/wordpair"
)

type backend struct {
	allocator *reserve.Allocator
	close     func() error
}

// openBackend connects the configured store and builds an allocator over it.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	var (
		store   reserve.Store
		closeFn = func() error { return nil }
	)
	switch cfg.Store {
	case config.StoreMemory:
		store = reserve.NewInMemory()
	case config.StorePostgres:
		s, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, closeFn = s, s.Close
	case config.StoreRedis:
		s, err := redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		store, closeFn = s, s.Close
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	gen := wordpair.New(wordpair.DefaultCorpus(), wordpair.WithSuffix(cfg.SuffixMax))
	opts := []reserve.Option{
		reserve.WithLowWaterMark(cfg.LowWaterMark),
		reserve.WithLeaseTimeout(cfg.LeaseTimeout),
		reserve.WithGenerationAttempts(cfg.GenerationAttempts),
		reserve.WithLogger(obs.Component("allocator").With().Str("store", cfg.Store).Logger()),
	}
	if cfg.ReplenishRPS > 0 {
		opts = append(opts, reserve.WithReplenishLimiter(rate.NewLimiter(rate.Limit(cfg.ReplenishRPS), 1)))
	}
	return &backend{
		allocator: reserve.NewAllocator(reserve.Instrument(store), gen, opts...),
		close:     closeFn,
	}, nil
}
