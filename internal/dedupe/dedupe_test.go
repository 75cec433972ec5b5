package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Millisecond)

	ok, err := m.Claim(ctx, "a", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Claim(ctx, "a", 20*time.Millisecond)
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	ok, _ = m.Claim(ctx, "a", 20*time.Millisecond)
	assert.True(t, ok)
}

func TestMemoryRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	ok, _ := m.Claim(ctx, "a", time.Minute)
	require.True(t, ok)
	require.NoError(t, m.Release(ctx, "a"))

	ok, _ = m.Claim(ctx, "a", time.Minute)
	assert.True(t, ok)
}

func TestClaimHasOneWinner(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	stores := map[string]Store{
		"memory": NewMemory(time.Minute),
		"redis":  NewRedis(client, "corridor"),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.Claim(context.Background(), "fp-"+name, time.Minute)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	r := NewRedis(client, "corridor")

	ok, err := r.Claim(ctx, "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, server.Exists("corridor:signal:fp"))

	ok, err = r.Claim(ctx, "fp", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	server.FastForward(2 * time.Minute)
	ok, err = r.Claim(ctx, "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Release(ctx, "fp"))
	assert.False(t, server.Exists("corridor:signal:fp"))
}
