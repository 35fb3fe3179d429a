// Package app wires configuration into stores, throttles and the auth
// service shared by the server and the admin CLI.
package app

import (
	"context"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/config"
	"qazna.org/authcore/internal/migrate"
	"qazna.org/authcore/internal/obs"
	"qazna.org/authcore/internal/store/memstore"
	"qazna.org/authcore/internal/store/pg"
	"qazna.org/authcore/internal/throttle"
)

// Runtime holds the constructed dependencies and their cleanup.
type Runtime struct {
	Config  *config.Config
	Log     *zap.Logger
	Metrics *obs.Metrics
	Service *auth.Service
	// Store is nil when running on process memory.
	Store *pg.Store

	closers []func() error
}

// Ready pings the database when one is configured.
func (r *Runtime) Ready(ctx context.Context) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Ping(ctx)
}

// Close releases every resource in reverse construction order.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// Build constructs the runtime. metrics may be nil.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, metrics *obs.Metrics) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &Runtime{Config: cfg, Log: log, Metrics: metrics}

	var (
		credentials auth.CredentialStore
		refresh     auth.RefreshStore
	)
	if cfg.Storage.DSN != "" {
		store, err := pg.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		rt.Store = store
		rt.closers = append(rt.closers, store.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if cfg.Storage.Migrate {
			applied, err := migrate.NewManager(store.DB(), migrate.WithLogger(log)).Up(ctx)
			if err != nil {
				_ = rt.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("schema up to date", zap.Int("applied", len(applied)))
		}
		credentials, refresh = store.Credentials(), store.Refresh()
	} else {
		log.Warn("no database configured, using in-memory stores")
		credentials, refresh = memstore.NewCredentialStore(), memstore.NewRefreshStore()
	}

	ring, err := cfg.KeyRing(time.Now().UTC())
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	opts, err := cfg.ServiceOptions()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	opts = append(opts, auth.WithLogger(log))
	if metrics != nil {
		opts = append(opts, auth.WithMetrics(metrics))
	}
	if cfg.ThrottleEnabled() {
		t, err := rt.buildThrottle(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		opts = append(opts, auth.WithThrottle(t))
	}

	svc, err := auth.NewService(credentials, refresh, ring, cfg.HashKey(), opts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Service = svc
	log.Info("auth service ready",
		zap.Strings("key_ids", ring.KeyIDs()),
		zap.Duration("access_ttl", cfg.Token.AccessTTL),
		zap.Duration("refresh_ttl", cfg.Token.RefreshTTL),
		zap.Bool("throttle", cfg.ThrottleEnabled()),
	)
	return rt, nil
}

func (r *Runtime) buildThrottle(ctx context.Context) (auth.Throttle, error) {
	policy := throttle.Policy{
		MaxFailures: r.Config.Throttle.MaxFailures,
		Window:      r.Config.Throttle.Window,
	}
	if r.Config.Throttle.Kind != "redis" {
		return throttle.NewMemory(policy), nil
	}
	client := rdb.NewClient(&rdb.Options{
		Addr: r.Config.Throttle.Redis.Addr,
		DB:   r.Config.Throttle.Redis.DB,
	})
	r.closers = append(r.closers, client.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return throttle.NewRedis(client, r.Config.Throttle.Redis.Prefix, policy), nil
}

// RunPurge deletes expired refresh records every interval until ctx is done.
func (r *Runtime) RunPurge(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Service.PurgeExpired(ctx, grace)
			if err != nil {
				r.Log.Warn("purge expired refresh records failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.Log.Info("purged expired refresh records", zap.Int64("count", n))
			}
		}
	}
}
