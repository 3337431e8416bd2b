package rendezvous

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
	"github.com/LingByte/LingLink/pkg/logger"
)

const (
	redisKeyPrefix = "linglink:rv:"
	redisValueChan = "linglink:rvch:"
	redisChildChan = "linglink:rvadd:"
	presenceTTL    = 15 * time.Second
	presencePeriod = 5 * time.Second
	transportPing  = 2 * time.Second
)

// RedisStore implements Store on a shared Redis instance. Value changes and
// child additions fan out over pub/sub; multi-path updates use a transaction
// pipeline. Disconnect hooks are approximated with a TTL on the guarded key,
// refreshed by a heartbeat, since Redis has no server-side on-disconnect
// primitive: if the client vanishes, the key expires on its own. Keyspace
// expiry events are translated back into value-changed notifications so
// surviving subscribers observe the lapse.
type RedisStore struct {
	client *redis.Client

	mu        sync.Mutex
	reconnect map[int]func()
	nextID    int
	up        bool
	closed    bool
	done      chan struct{}
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr string
	DB   int
}

func NewRedisStore(opt RedisOptions) *RedisStore {
	s := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr: opt.Addr,
			DB:   opt.DB,
		}),
		reconnect: make(map[int]func()),
		up:        true,
		done:      make(chan struct{}),
	}
	go s.watchTransport()
	go s.watchExpiry()
	return s
}

// watchTransport pings the server and fires reconnect listeners on a
// down-to-up transition.
func (s *RedisStore) watchTransport() {
	ticker := time.NewTicker(transportPing)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), transportPing)
		err := s.client.Ping(ctx).Err()
		cancel()

		s.mu.Lock()
		wasUp := s.up
		s.up = err == nil
		var fns []func()
		if !wasUp && err == nil {
			for _, fn := range s.reconnect {
				fns = append(fns, fn)
			}
		}
		s.mu.Unlock()

		if !wasUp && err == nil {
			logger.Info("rendezvous: redis transport recovered")
			for _, fn := range fns {
				fn()
			}
		} else if wasUp && err != nil {
			logger.Warn("rendezvous: redis transport lost", zap.Error(err))
		}
	}
}

// watchExpiry turns server-side key expirations into value-changed
// notifications. A key guarded by a disconnect hook expires precisely when
// its owner stopped writing, so nothing else would ever publish for that
// path. Every subscribed instance re-publishes the event; subscribers
// re-read on notification, so duplicates collapse into identical snapshots.
func (s *RedisStore) watchExpiry() {
	ctx := context.Background()
	if err := s.enableExpiryEvents(ctx); err != nil {
		logger.Warn("rendezvous: keyspace expiry events unavailable", zap.Error(err))
	}
	pubsub := s.client.Subscribe(ctx,
		fmt.Sprintf("__keyevent@%d__:expired", s.client.Options().DB))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			path, ours := expiredPath(msg.Payload)
			if !ours {
				continue
			}
			logger.Debug("rendezvous: presence lapsed", zap.String("path", path))
			s.publishValueChanged(ctx, path)
		}
	}
}

// enableExpiryEvents merges the E and x flags into notify-keyspace-events
// without clobbering whatever else the server already emits.
func (s *RedisStore) enableExpiryEvents(ctx context.Context) error {
	cur, err := s.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return err
	}
	flags := cur["notify-keyspace-events"]
	merged := flags
	for _, f := range []string{"E", "x"} {
		if !strings.Contains(merged, f) {
			merged += f
		}
	}
	if merged == flags {
		return nil
	}
	return s.client.ConfigSet(ctx, "notify-keyspace-events", merged).Err()
}

// expiredPath maps an expired Redis key back to its store path. Keys outside
// our prefix belong to other tenants of the instance.
func expiredPath(key string) (string, bool) {
	if !strings.HasPrefix(key, redisKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, redisKeyPrefix), true
}

func (s *RedisStore) key(path string) string {
	return redisKeyPrefix + path
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(path)).Bytes()
	if err == nil {
		return v, nil
	}
	if err != redis.Nil {
		return nil, apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	// Not a leaf; compose the branch from descendant keys.
	return s.composeBranch(ctx, path)
}

// composeBranch scans descendant keys and rebuilds the nested JSON object.
// Returns (nil, nil) when nothing lives under the path.
func (s *RedisStore) composeBranch(ctx context.Context, path string) ([]byte, error) {
	prefix := s.key(path) + "/"
	root := &node{children: make(map[string]*node)}
	found := false

	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue // expired between SCAN and GET
		}
		found = true
		rel := strings.TrimPrefix(key, prefix)
		cur := root
		for _, seg := range splitPath(rel) {
			child, ok := cur.children[seg]
			if !ok {
				child = &node{children: make(map[string]*node)}
				cur.children[seg] = child
			}
			cur = child
		}
		cur.value = val
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	if !found {
		return nil, nil
	}
	return snapshot(root), nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value []byte) error {
	if err := s.client.Set(ctx, s.key(path), value, 0).Err(); err != nil {
		return apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	s.publishValueChanged(ctx, path)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, writes map[string][]byte) error {
	pipe := s.client.TxPipeline()
	for path, value := range writes {
		if value == nil {
			pipe.Del(ctx, s.key(path))
		} else {
			pipe.Set(ctx, s.key(path), value, 0)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	for path := range writes {
		s.publishValueChanged(ctx, path)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	// Remove the whole subtree; best effort, not transactional with the leaf.
	prefix := s.key(path) + "/"
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		s.client.Del(ctx, iter.Val())
	}
	s.publishValueChanged(ctx, path)
	return nil
}

type childEvent struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (s *RedisStore) Push(ctx context.Context, path string, value []byte) (string, error) {
	key := uuid.NewString()
	if err := s.client.Set(ctx, s.key(joinPath(path, key)), value, 0).Err(); err != nil {
		return "", apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	payload, err := sonic.Marshal(childEvent{Key: key, Value: value})
	if err != nil {
		return "", err
	}
	s.client.Publish(ctx, redisChildChan+path, payload)
	s.publishValueChanged(ctx, joinPath(path, key))
	return key, nil
}

// publishValueChanged notifies subscribers of the path and every ancestor.
// The message carries no payload; subscribers re-read their own path so the
// delivered snapshot is never stale relative to the notification.
func (s *RedisStore) publishValueChanged(ctx context.Context, path string) {
	segs := splitPath(path)
	for i := len(segs); i > 0; i-- {
		s.client.Publish(ctx, redisValueChan+joinPath(segs[:i]...), "")
	}
}

type redisSub struct {
	pubsub *redis.PubSub
	stop   chan struct{}
	once   sync.Once
}

func (r *redisSub) Cancel() {
	r.once.Do(func() {
		close(r.stop)
		_ = r.pubsub.Close()
	})
}

func (s *RedisStore) SubscribeValue(ctx context.Context, path string, fn func([]byte)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, redisValueChan+path)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, apperrors.WrapError(apperrors.ErrCodeSubscriptionDead, err)
	}
	sub := &redisSub{pubsub: pubsub, stop: make(chan struct{})}
	go func() {
		// Initial delivery, then one re-read per notification. A single
		// goroutine keeps per-subscription ordering.
		if v, err := s.Get(ctx, path); err == nil {
			fn(v)
		}
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.stop:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				v, err := s.Get(context.Background(), path)
				if err != nil {
					logger.Warn("rendezvous: re-read after change failed",
						zap.String("path", path), zap.Error(err))
					continue
				}
				fn(v)
			}
		}
	}()
	return sub, nil
}

func (s *RedisStore) SubscribeChildAdded(ctx context.Context, path string, fn func(string, []byte)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, redisChildChan+path)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, apperrors.WrapError(apperrors.ErrCodeSubscriptionDead, err)
	}
	sub := &redisSub{pubsub: pubsub, stop: make(chan struct{})}
	go func() {
		// Replay children already present, then stream new ones. A child
		// pushed during the replay scan shows up in both; seen dedupes it.
		seen := make(map[string]bool)
		prefix := s.key(path) + "/"
		iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			k := iter.Val()
			val, err := s.client.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			rel := splitPath(strings.TrimPrefix(k, prefix))
			if len(rel) != 1 || seen[rel[0]] {
				continue
			}
			seen[rel[0]] = true
			fn(rel[0], val)
		}
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev childEvent
				if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("rendezvous: malformed child event", zap.Error(err))
					continue
				}
				if seen[ev.Key] {
					continue
				}
				seen[ev.Key] = true
				fn(ev.Key, ev.Value)
			}
		}
	}()
	return sub, nil
}

// redisHook keeps a TTL on the guarded key alive until canceled. The hook
// only supports the delete-on-disconnect form; Redis cannot run an arbitrary
// write on our behalf when we vanish.
type redisHook struct {
	store *RedisStore
	path  string
	stop  chan struct{}
	once  sync.Once
}

func (h *redisHook) Cancel(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		err = h.store.client.Persist(ctx, h.store.key(h.path)).Err()
	})
	return err
}

func (s *RedisStore) OnDisconnect(ctx context.Context, path string, value []byte) (DisconnectHook, error) {
	if value != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput,
			"redis store only supports delete-on-disconnect hooks")
	}
	h := &redisHook{store: s, path: path, stop: make(chan struct{})}
	if err := s.client.Expire(ctx, s.key(path), presenceTTL).Err(); err != nil {
		return nil, apperrors.WrapError(apperrors.ErrCodeStoreUnavailable, err)
	}
	go func() {
		ticker := time.NewTicker(presencePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				hctx, cancel := context.WithTimeout(context.Background(), presencePeriod)
				if err := s.client.Expire(hctx, s.key(path), presenceTTL).Err(); err != nil {
					logger.Debug("rendezvous: presence refresh failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	return h, nil
}

func (s *RedisStore) OnReconnect(fn func()) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.reconnect[id] = fn
	return &memorySub{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reconnect, id)
	}}
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.client.Close()
}

// Ping verifies the backing server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.WrapError(apperrors.ErrCodeStoreUnavailable,
			fmt.Errorf("redis at %s: %w", s.client.Options().Addr, err))
	}
	return nil
}
