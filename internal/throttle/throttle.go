// Package throttle locks out identifiers after repeated failed logins.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	rdb "github.com/redis/go-redis/v9"

	"qazna.org/authcore/internal/auth"
)

// Policy locks a key once MaxFailures failures land within Window. The lock
// lifts when the window ends or on a successful login.
type Policy struct {
	MaxFailures int
	Window      time.Duration
}

// DefaultPolicy allows five failures per fifteen minutes.
var DefaultPolicy = Policy{MaxFailures: 5, Window: 15 * time.Minute}

func (p Policy) normalize() Policy {
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultPolicy.MaxFailures
	}
	if p.Window <= 0 {
		p.Window = DefaultPolicy.Window
	}
	return p
}

var (
	_ auth.Throttle = (*Memory)(nil)
	_ auth.Throttle = (*Redis)(nil)
)

// Memory keeps failure counters in process.
type Memory struct {
	mu     sync.Mutex
	policy Policy
	c      *gocache.Cache
}

func NewMemory(p Policy) *Memory {
	p = p.normalize()
	return &Memory{policy: p, c: gocache.New(p.Window, time.Minute)}
}

func (m *Memory) Locked(_ context.Context, key string) (bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return false, nil
	}
	n, _ := v.(int)
	return n >= m.policy.MaxFailures, nil
}

func (m *Memory) Failure(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The first failure opens the window; later ones keep its expiry.
	if err := m.c.Add(key, 1, m.policy.Window); err == nil {
		return nil
	}
	if _, err := m.c.IncrementInt(key, 1); err != nil {
		m.c.Set(key, 1, m.policy.Window)
	}
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// Redis shares failure counters across instances with INCR + EXPIRE.
type Redis struct {
	client *rdb.Client
	prefix string
	policy Policy
}

func NewRedis(client *rdb.Client, prefix string, p Policy) *Redis {
	if prefix == "" {
		prefix = "authcore:fail:"
	}
	return &Redis{client: client, prefix: prefix, policy: p.normalize()}
}

func (r *Redis) key(k string) string {
	return r.prefix + strings.ReplaceAll(k, " ", "_")
}

func (r *Redis) Locked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int()
	if err == rdb.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("throttle lookup: %w", err)
	}
	return n >= r.policy.MaxFailures, nil
}

func (r *Redis) Failure(ctx context.Context, key string) error {
	k := r.key(key)
	// INCR and EXPIRE NX travel in one MULTI so a counter never outlives the
	// window; NX keeps later failures from extending it.
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, r.policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("throttle failure: %w", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
