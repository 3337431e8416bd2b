package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
)

const waitTimeout = 2 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for delivery")
		panic("unreachable")
	}
}

func expectSilence[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStoreGetSetDelete(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	v, err := m.Get(ctx, "rooms/ABC234/offer")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, m.Set(ctx, "rooms/ABC234/offer", []byte(`{"type":"offer"}`)))
	v, err = m.Get(ctx, "rooms/ABC234/offer")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer"}`, string(v))

	require.NoError(t, m.Delete(ctx, "rooms/ABC234"))
	v, err = m.Get(ctx, "rooms/ABC234/offer")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryStoreBranchSnapshot(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "rooms/R/members/alice", []byte(`{"role":"offerer","joinedAt":1}`)))
	require.NoError(t, m.Set(ctx, "rooms/R/members/bob", []byte(`{"role":"answerer","joinedAt":2}`)))

	v, err := m.Get(ctx, "rooms/R/members")
	require.NoError(t, err)
	var members map[string]map[string]any
	require.NoError(t, sonic.Unmarshal(v, &members))
	assert.Len(t, members, 2)
	assert.Equal(t, "offerer", members["alice"]["role"])
}

func TestMemoryStoreUpdateAtomic(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "rooms/R/old", []byte(`1`)))
	err := m.Update(ctx, map[string][]byte{
		"rooms/R/createdAt": []byte(`123`),
		"rooms/R/old":       nil,
	})
	require.NoError(t, err)

	v, _ := m.Get(ctx, "rooms/R/createdAt")
	assert.Equal(t, []byte(`123`), v)
	v, _ = m.Get(ctx, "rooms/R/old")
	assert.Nil(t, v)
}

func TestMemoryStoreSubscribeValue(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	got := make(chan []byte, 8)
	sub, err := m.SubscribeValue(ctx, "rooms/R/answer", func(v []byte) { got <- v })
	require.NoError(t, err)
	defer sub.Cancel()

	// Initial delivery for an absent path is nil.
	assert.Nil(t, recv(t, got))

	require.NoError(t, m.Set(ctx, "rooms/R/answer", []byte(`{"type":"answer"}`)))
	assert.JSONEq(t, `{"type":"answer"}`, string(recv(t, got)))

	require.NoError(t, m.Delete(ctx, "rooms/R/answer"))
	assert.Nil(t, recv(t, got))

	sub.Cancel()
	require.NoError(t, m.Set(ctx, "rooms/R/answer", []byte(`2`)))
	expectSilence(t, got)
}

func TestMemoryStoreSubscribeValueAncestor(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	got := make(chan []byte, 8)
	sub, err := m.SubscribeValue(ctx, "rooms/R/members", func(v []byte) { got <- v })
	require.NoError(t, err)
	defer sub.Cancel()
	recv(t, got) // initial

	// A write below the subscribed path refreshes the branch snapshot.
	require.NoError(t, m.Set(ctx, "rooms/R/members/alice", []byte(`{"role":"offerer","joinedAt":1}`)))
	var members map[string]any
	require.NoError(t, sonic.Unmarshal(recv(t, got), &members))
	assert.Contains(t, members, "alice")
}

func TestMemoryStoreSubscribeChildAdded(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	type child struct {
		key string
		val []byte
	}
	got := make(chan child, 8)
	sub, err := m.SubscribeChildAdded(ctx, "rooms/R/offerCandidates", func(k string, v []byte) {
		got <- child{k, v}
	})
	require.NoError(t, err)
	defer sub.Cancel()

	key, err := m.Push(ctx, "rooms/R/offerCandidates", []byte(`{"candidate":"a"}`))
	require.NoError(t, err)
	ev := recv(t, got)
	assert.Equal(t, key, ev.key)
	assert.JSONEq(t, `{"candidate":"a"}`, string(ev.val))
}

func TestMemoryStoreSubscribeChildAddedReplaysExisting(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Push(ctx, "rooms/R/answerCandidates", []byte(`{"candidate":"early"}`))
	require.NoError(t, err)

	got := make(chan []byte, 8)
	sub, err := m.SubscribeChildAdded(ctx, "rooms/R/answerCandidates", func(_ string, v []byte) {
		got <- v
	})
	require.NoError(t, err)
	defer sub.Cancel()

	assert.JSONEq(t, `{"candidate":"early"}`, string(recv(t, got)))
}

func TestMemoryStoreDisconnectHook(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "rooms/R/members/alice", []byte(`{}`)))
	_, err := m.OnDisconnect(ctx, "rooms/R/members/alice", nil)
	require.NoError(t, err)

	m.SimulateDisconnect()

	// Hook fired: the member entry is gone once the transport recovers.
	m.SimulateReconnect()
	v, err := m.Get(ctx, "rooms/R/members/alice")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryStoreDisconnectHookCanceled(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "rooms/R/members/alice", []byte(`{}`)))
	h, err := m.OnDisconnect(ctx, "rooms/R/members/alice", nil)
	require.NoError(t, err)
	require.NoError(t, h.Cancel(ctx))

	m.SimulateDisconnect()
	m.SimulateReconnect()
	v, _ := m.Get(ctx, "rooms/R/members/alice")
	assert.NotNil(t, v)
}

func TestMemoryStoreOfflineErrors(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	m.SimulateDisconnect()
	_, err := m.Get(ctx, "rooms/R")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStoreUnavailable))
	err = m.Set(ctx, "rooms/R", []byte(`1`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStoreUnavailable))

	m.SimulateReconnect()
	assert.NoError(t, m.Set(ctx, "rooms/R", []byte(`1`)))
}

func TestMemoryStoreReconnectNotification(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()

	fired := make(chan struct{}, 2)
	sub := m.OnReconnect(func() { fired <- struct{}{} })
	defer sub.Cancel()

	m.SimulateDisconnect()
	m.SimulateReconnect()
	recv(t, fired)

	sub.Cancel()
	m.SimulateDisconnect()
	m.SimulateReconnect()
	expectSilence(t, fired)
}

func TestWriteBurstWithReentrantSubscriber(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	// The subscriber reads back through the store while the writer floods
	// more notifications than the delivery queue holds.
	sub, err := m.SubscribeValue(ctx, "burst/leaf", func([]byte) {
		_, _ = m.Get(ctx, "burst/leaf")
	})
	require.NoError(t, err)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*deliveryQueueSize; i++ {
			_ = m.Set(ctx, "burst/leaf", []byte{byte(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("write burst deadlocked against a re-entrant subscriber")
	}
}
