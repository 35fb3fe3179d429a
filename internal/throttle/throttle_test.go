package throttle

import (
	"context"
	"os"
	"testing"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"qazna.org/authcore/internal/ids"
)

func exercise(t *testing.T, th interface {
	Locked(context.Context, string) (bool, error)
	Failure(context.Context, string) error
	Reset(context.Context, string) error
}, key string) {
	t.Helper()
	ctx := context.Background()

	locked, err := th.Locked(ctx, key)
	require.NoError(t, err)
	require.False(t, locked)

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Failure(ctx, key))
	}
	locked, err = th.Locked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)

	other, err := th.Locked(ctx, key+"-other")
	require.NoError(t, err)
	require.False(t, other)

	require.NoError(t, th.Reset(ctx, key))
	locked, err = th.Locked(ctx, key)
	require.NoError(t, err)
	require.False(t, locked)
}

func TestMemoryThrottle(t *testing.T) {
	exercise(t, NewMemory(Policy{MaxFailures: 3, Window: time.Minute}), "t1|member|alice")
}

func TestMemoryThrottleWindowExpires(t *testing.T) {
	th := NewMemory(Policy{MaxFailures: 1, Window: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, th.Failure(ctx, "k"))
	locked, _ := th.Locked(ctx, "k")
	require.True(t, locked)

	require.Eventually(t, func() bool {
		locked, _ := th.Locked(ctx, "k")
		return !locked
	}, time.Second, 10*time.Millisecond)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.normalize()
	require.Equal(t, DefaultPolicy, p)
}

func TestRedisThrottle(t *testing.T) {
	addr := os.Getenv("AUTHCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHCORE_TEST_REDIS_ADDR not set")
	}
	client := rdb.NewClient(&rdb.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	th := NewRedis(client, "authcore:test:", Policy{MaxFailures: 3, Window: time.Minute})
	exercise(t, th, ids.New())
}

func TestRedisThrottleCounterCarriesWindow(t *testing.T) {
	addr := os.Getenv("AUTHCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHCORE_TEST_REDIS_ADDR not set")
	}
	client := rdb.NewClient(&rdb.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	th := NewRedis(client, "authcore:test:", Policy{MaxFailures: 3, Window: time.Minute})
	key := ids.New()
	require.NoError(t, th.Failure(ctx, key))
	first, err := client.TTL(ctx, th.key(key)).Result()
	require.NoError(t, err)
	require.Greater(t, first, time.Duration(0))
	require.LessOrEqual(t, first, time.Minute)

	require.NoError(t, th.Failure(ctx, key))
	second, err := client.TTL(ctx, th.key(key)).Result()
	require.NoError(t, err)
	require.LessOrEqual(t, second, first)
}
