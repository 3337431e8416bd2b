package rendezvous

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiredPath(t *testing.T) {
	tests := []struct {
		key  string
		path string
		ours bool
	}{
		{redisKeyPrefix + "rooms/ABCDEF/members/bob", "rooms/ABCDEF/members/bob", true},
		{redisKeyPrefix + "rooms", "rooms", true},
		{"session:4711", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		path, ours := expiredPath(tt.key)
		assert.Equal(t, tt.ours, ours, tt.key)
		assert.Equal(t, tt.path, path, tt.key)
	}
}

// redisTestStore connects to the server named by REDIS_ADDR, skipping the
// test when none is available.
func redisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s := NewRedisStore(RedisOptions{Addr: addr, DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		s.Close()
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// A member key that lapses must reach value subscribers of the members
// branch even though no client ever writes again.
func TestRedisExpiryNotifiesValueSubscribers(t *testing.T) {
	s := redisTestStore(t)
	ctx := context.Background()

	const room = "rooms/EXPIRY1"
	require.NoError(t, s.Delete(ctx, room))
	require.NoError(t, s.Set(ctx, room+"/members/bob", []byte(`{"role":"answerer"}`)))

	values := make(chan []byte, 8)
	sub, err := s.SubscribeValue(ctx, room+"/members", func(v []byte) {
		values <- v
	})
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case v := <-values:
		assert.NotNil(t, v)
	case <-time.After(waitTimeout):
		t.Fatal("no initial membership snapshot")
	}

	// Let the key lapse as if bob's heartbeat died.
	require.NoError(t, s.client.Expire(ctx, s.key(room+"/members/bob"), time.Second).Err())

	deadline := time.After(10 * time.Second)
	for {
		select {
		case v := <-values:
			if v == nil {
				return
			}
		case <-deadline:
			t.Fatal("membership snapshot never emptied after the member key expired")
		}
	}
}
