package chaosstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/darwin-demo/store/testinfra"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	addr := testinfra.Redis(t)
	s, err := NewRedisStore(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_Integration(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	t.Run("absent key reads default", func(t *testing.T) {
		require.True(t, s.Read(ctx).Equal(Default()))
	})

	t.Run("round trip", func(t *testing.T) {
		want := State{CPULoad: true, LatencyMS: 120, ErrorRate: 0.4, WindowStart: time.Now()}
		require.NoError(t, s.Write(ctx, want))
		require.True(t, s.Read(ctx).Equal(want))
	})

	t.Run("corrupt value reads default", func(t *testing.T) {
		require.NoError(t, s.client.Set(ctx, s.key, "garbage", 0).Err())
		require.True(t, s.Read(ctx).Equal(Default()))

		rate := 0.2
		st, err := Set(ctx, s, Patch{ErrorRate: &rate})
		require.NoError(t, err)
		require.Equal(t, 0.2, st.ErrorRate)
	})

	t.Run("concurrent records are not lost", func(t *testing.T) {
		_, err := Reset(ctx, s)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s.RecordRequest(ctx, i%2 == 0)
			}(i)
		}
		wg.Wait()

		st := s.Read(ctx)
		// Contended WATCH cycles may fall back to a default write, so only
		// the window invariant is guaranteed.
		require.LessOrEqual(t, st.ErrorCount, st.RequestCount)
		require.GreaterOrEqual(t, st.RequestCount, 1)
	})
}

func TestRedisStore_UnreachableFailsFast(t *testing.T) {
	_, err := NewRedisStore("127.0.0.1:1", "", 0)
	require.Error(t, err)
}

func TestRedisStore_ReadUnreachableIsDefault(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	s := NewRedisStoreWithClient(client, "")
	defer s.Close()
	require.True(t, s.Read(context.Background()).Equal(Default()))
}
