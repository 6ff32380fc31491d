package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Signal is the outcome of one gate evaluation.
type Signal struct {
	Stop      bool
	Indicator string
	Reason    string
}

// Indicator inspects one dependency and reports whether work should back off.
type Indicator interface {
	Name() string
	Check(ctx context.Context) (Signal, error)
}

// Gate runs indicators in order; the first stop signal wins.
type Gate struct {
	indicators []Indicator
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewGate(logger zerolog.Logger, timeout time.Duration, indicators ...Indicator) *Gate {
	return &Gate{
		indicators: indicators,
		timeout:    timeout,
		logger:     logger.With().Str("component", "health").Logger(),
	}
}

func (g *Gate) Evaluate(ctx context.Context) Signal {
	for _, ind := range g.indicators {
		checkCtx := ctx
		cancel := func() {}
		if g.timeout > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, g.timeout)
		}
		sig, err := ind.Check(checkCtx)
		cancel()

		if err != nil {
			g.logger.Warn().Err(err).Str("indicator", ind.Name()).Msg("Health indicator failed")
			return Signal{Stop: true, Indicator: ind.Name(), Reason: err.Error()}
		}
		if sig.Stop {
			sig.Indicator = ind.Name()
			g.logger.Info().Str("indicator", ind.Name()).Str("reason", sig.Reason).Msg("Health gate closed")
			return sig
		}
	}
	return Signal{}
}

// Open reports whether every indicator lets work through. A nil gate is always open.
func (g *Gate) Open(ctx context.Context) (bool, Signal) {
	if g == nil {
		return true, Signal{}
	}
	sig := g.Evaluate(ctx)
	return !sig.Stop, sig
}

// PoolStater is satisfied by *sql.DB.
type PoolStater interface {
	Stats() sql.DBStats
}

// DatabasePool stops work when the connection pool is close to exhausted.
type DatabasePool struct {
	DB         PoolStater
	Saturation float64
}

func (DatabasePool) Name() string { return "database_pool" }

func (d DatabasePool) Check(ctx context.Context) (Signal, error) {
	stats := d.DB.Stats()
	if stats.MaxOpenConnections <= 0 {
		return Signal{}, nil
	}
	ratio := float64(stats.InUse) / float64(stats.MaxOpenConnections)
	if ratio >= d.Saturation {
		return Signal{Stop: true, Reason: fmt.Sprintf("pool %.0f%% in use", ratio*100)}, nil
	}
	return Signal{}, nil
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheLatency stops work when the shared cache responds slowly.
type CacheLatency struct {
	Cache     Pinger
	Threshold time.Duration
	Now       func() time.Time
}

func (CacheLatency) Name() string { return "cache_latency" }

func (c CacheLatency) Check(ctx context.Context) (Signal, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	start := now()
	if err := c.Cache.Ping(ctx); err != nil {
		return Signal{}, err
	}
	if elapsed := now().Sub(start); elapsed >= c.Threshold {
		return Signal{Stop: true, Reason: fmt.Sprintf("cache ping took %s", elapsed)}, nil
	}
	return Signal{}, nil
}
