package rendezvous

import (
	"context"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
	"github.com/LingByte/LingLink/pkg/logger"
)

// deliveryQueueSize bounds pending callback deliveries. Writes block once the
// queue is full rather than dropping notifications.
const deliveryQueueSize = 1024

type node struct {
	value    []byte
	children map[string]*node
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

// MemoryStore is the in-process reference implementation of Store. All
// callbacks are delivered in write order by a single dispatcher goroutine,
// so a callback may safely call back into the store. It also supports
// simulating a transport drop for exercising disconnect hooks and
// reconnection repair.
type MemoryStore struct {
	mu        sync.Mutex
	root      *node
	valueSubs map[string]map[int]func([]byte)
	childSubs map[string]map[int]func(string, []byte)
	hooks     map[int]*memoryHook
	reconnect map[int]func()
	nextID    int
	offline   bool

	queue chan func()
	done  chan struct{}
}

type memoryHook struct {
	store *MemoryStore
	id    int
	path  string
	value []byte
}

func (h *memoryHook) Cancel(ctx context.Context) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	delete(h.store.hooks, h.id)
	return nil
}

type memorySub struct {
	cancel func()
	once   sync.Once
}

func (s *memorySub) Cancel() {
	s.once.Do(s.cancel)
}

// NewMemoryStore creates an empty store and starts its dispatcher.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		root:      &node{children: make(map[string]*node)},
		valueSubs: make(map[string]map[int]func([]byte)),
		childSubs: make(map[string]map[int]func(string, []byte)),
		hooks:     make(map[int]*memoryHook),
		reconnect: make(map[int]func()),
		queue:     make(chan func(), deliveryQueueSize),
		done:      make(chan struct{}),
	}
	go m.dispatch()
	return m
}

func (m *MemoryStore) dispatch() {
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) find(segs []string) *node {
	cur := m.root
	for _, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// snapshot marshals the subtree at n. Leafs return their raw value, branches
// a JSON object of their children.
func snapshot(n *node) []byte {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		return append([]byte(nil), n.value...)
	}
	obj := make(map[string]sonicRaw, len(n.children))
	for k, child := range n.children {
		obj[k] = sonicRaw(snapshot(child))
	}
	b, err := sonic.Marshal(obj)
	if err != nil {
		logger.Error("rendezvous: snapshot marshal failed", zap.Error(err))
		return nil
	}
	return b
}

// sonicRaw marshals pre-encoded JSON bytes verbatim.
type sonicRaw []byte

func (r sonicRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, apperrors.NewAppError(apperrors.ErrCodeStoreUnavailable, "store offline")
	}
	return snapshot(m.find(splitPath(path))), nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeStoreUnavailable, "store offline")
	}
	pending := m.setLocked(path, value)
	m.mu.Unlock()
	m.deliver(pending)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, writes map[string][]byte) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeStoreUnavailable, "store offline")
	}
	var pending []func()
	for path, value := range writes {
		if value == nil {
			pending = append(pending, m.deleteLocked(path)...)
		} else {
			pending = append(pending, m.setLocked(path, value)...)
		}
	}
	m.mu.Unlock()
	m.deliver(pending)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeStoreUnavailable, "store offline")
	}
	pending := m.deleteLocked(path)
	m.mu.Unlock()
	m.deliver(pending)
	return nil
}

func (m *MemoryStore) Push(ctx context.Context, path string, value []byte) (string, error) {
	key := uuid.NewString()
	if err := m.Set(ctx, joinPath(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// setLocked writes the leaf and collects notification deliveries. Caller
// holds mu and hands the result to deliver after releasing it.
func (m *MemoryStore) setLocked(path string, value []byte) []func() {
	segs := splitPath(path)
	type created struct {
		parent string
		key    string
		node   *node
	}
	var fresh []created
	cur := m.root
	for i, seg := range segs {
		child, ok := cur.children[seg]
		if !ok {
			child = &node{children: make(map[string]*node)}
			cur.children[seg] = child
			fresh = append(fresh, created{parent: joinPath(segs[:i]...), key: seg, node: child})
		}
		cur = child
	}
	cur.value = append([]byte(nil), value...)
	// Child-added fires after the value lands so the delivered snapshot is complete.
	var pending []func()
	for _, c := range fresh {
		pending = append(pending, m.childAddedLocked(c.parent, c.key, snapshot(c.node))...)
	}
	return append(pending, m.valueChangedLocked(segs)...)
}

// deleteLocked removes the subtree and collects notification deliveries.
// Caller holds mu.
func (m *MemoryStore) deleteLocked(path string) []func() {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil
	}
	parent := m.find(segs[:len(segs)-1])
	if parent == nil {
		return nil
	}
	last := segs[len(segs)-1]
	if _, ok := parent.children[last]; !ok {
		return nil
	}
	delete(parent.children, last)
	return m.valueChangedLocked(segs)
}

// valueChangedLocked collects deliveries for value subscriptions on the
// changed path, its ancestors and its descendants. Snapshots are taken now,
// under the lock; the tree may have moved on by delivery time.
func (m *MemoryStore) valueChangedLocked(segs []string) []func() {
	changed := joinPath(segs...)
	var pending []func()
	for path, subs := range m.valueSubs {
		if !pathsRelated(path, changed) {
			continue
		}
		snap := snapshot(m.find(splitPath(path)))
		for _, fn := range subs {
			fn := fn
			pending = append(pending, func() { fn(snap) })
		}
	}
	return pending
}

func (m *MemoryStore) childAddedLocked(parent, key string, snap []byte) []func() {
	subs, ok := m.childSubs[parent]
	if !ok {
		return nil
	}
	pending := make([]func(), 0, len(subs))
	for _, fn := range subs {
		fn := fn
		pending = append(pending, func() { fn(key, snap) })
	}
	return pending
}

// deliver enqueues collected callbacks. Must run with mu released: a full
// queue blocks the sender, and a dispatcher callback re-entering the store
// would then deadlock against a writer still holding the lock.
func (m *MemoryStore) deliver(pending []func()) {
	for _, fn := range pending {
		m.queue <- fn
	}
}

// pathsRelated reports whether one path is an ancestor of (or equal to) the other.
func pathsRelated(a, b string) bool {
	if a == b {
		return true
	}
	return hasPathPrefix(a, b) || hasPathPrefix(b, a)
}

func hasPathPrefix(longer, prefix string) bool {
	if len(longer) <= len(prefix) {
		return false
	}
	return longer[:len(prefix)] == prefix && longer[len(prefix)] == '/'
}

func (m *MemoryStore) SubscribeValue(ctx context.Context, path string, fn func([]byte)) (Subscription, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.valueSubs[path] == nil {
		m.valueSubs[path] = make(map[int]func([]byte))
	}
	m.valueSubs[path][id] = fn
	// Initial delivery with the current snapshot.
	snap := snapshot(m.find(splitPath(path)))
	m.mu.Unlock()

	m.deliver([]func(){func() { fn(snap) }})
	return &memorySub{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.valueSubs[path], id)
	}}, nil
}

func (m *MemoryStore) SubscribeChildAdded(ctx context.Context, path string, fn func(string, []byte)) (Subscription, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.childSubs[path] == nil {
		m.childSubs[path] = make(map[int]func(string, []byte))
	}
	m.childSubs[path][id] = fn
	// Replay children that landed before the subscription existed.
	var pending []func()
	if n := m.find(splitPath(path)); n != nil {
		keys := make([]string, 0, len(n.children))
		for k := range n.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k, snap := k, snapshot(n.children[k])
			pending = append(pending, func() { fn(k, snap) })
		}
	}
	m.mu.Unlock()

	m.deliver(pending)
	return &memorySub{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.childSubs[path], id)
	}}, nil
}

func (m *MemoryStore) OnDisconnect(ctx context.Context, path string, value []byte) (DisconnectHook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	h := &memoryHook{store: m, id: id, path: path, value: value}
	m.hooks[id] = h
	return h, nil
}

func (m *MemoryStore) OnReconnect(fn func()) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.reconnect[id] = fn
	return &memorySub{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reconnect, id)
	}}
}

// SimulateDisconnect runs every registered disconnect hook the way the server
// would and marks the transport down. Hooks are consumed; clients re-register
// them after repair, mirroring the real store's behavior.
func (m *MemoryStore) SimulateDisconnect() {
	m.mu.Lock()
	var pending []func()
	for id, h := range m.hooks {
		if h.value == nil {
			pending = append(pending, m.deleteLocked(h.path)...)
		} else {
			pending = append(pending, m.setLocked(h.path, h.value)...)
		}
		delete(m.hooks, id)
	}
	m.offline = true
	m.mu.Unlock()
	m.deliver(pending)
	logger.Debug("rendezvous: simulated transport drop")
}

// SimulateReconnect marks the transport up again and fires reconnect listeners.
func (m *MemoryStore) SimulateReconnect() {
	m.mu.Lock()
	m.offline = false
	fns := make([]func(), 0, len(m.reconnect))
	for _, fn := range m.reconnect {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn := fn
		m.queue <- func() { fn() }
	}
	logger.Debug("rendezvous: simulated transport recovery")
}

func (m *MemoryStore) Close() error {
	close(m.done)
	m.mu.Lock()
	m.valueSubs = make(map[string]map[int]func([]byte))
	m.childSubs = make(map[string]map[int]func(string, []byte))
	m.reconnect = make(map[int]func())
	m.hooks = make(map[int]*memoryHook)
	m.mu.Unlock()
	return nil
}
