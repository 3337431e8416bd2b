package call

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
	"github.com/LingByte/LingLink/pkg/rendezvous"
	"github.com/LingByte/LingLink/pkg/rtc"
	"github.com/LingByte/LingLink/pkg/signaling"
)

type handlerRec struct {
	states  chan rtc.State
	audio   chan rtc.AudioPacket
	joined  chan struct{}
	left    chan struct{}
	deleted chan struct{}
	errs    chan error
}

func newHandlerRec() *handlerRec {
	return &handlerRec{
		states:  make(chan rtc.State, 16),
		audio:   make(chan rtc.AudioPacket, 16),
		joined:  make(chan struct{}, 8),
		left:    make(chan struct{}, 8),
		deleted: make(chan struct{}, 8),
		errs:    make(chan error, 8),
	}
}

func (h *handlerRec) OnConnectionState(s rtc.State) { h.states <- s }

func (h *handlerRec) OnAudio(p rtc.AudioPacket) { h.audio <- p }

func (h *handlerRec) OnPartnerJoined() { h.joined <- struct{}{} }

func (h *handlerRec) OnPartnerLeft() { h.left <- struct{}{} }

func (h *handlerRec) OnRoomDeleted() { h.deleted <- struct{}{} }

func (h *handlerRec) OnError(err error) { h.errs <- err }

func waitState(t *testing.T, h *handlerRec, want rtc.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func TestSessionCreateAndLeave(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s := NewSession(store, "alice", Config{}, newHandlerRec())
	code, err := s.Create(ctx)
	require.NoError(t, err)
	assert.Len(t, code, signaling.RoomCodeLength)
	assert.Equal(t, rtc.StateDisconnected, s.State())

	require.NoError(t, s.Leave(ctx))
	v, err := store.Get(ctx, "rooms/"+code)
	require.NoError(t, err)
	assert.Nil(t, v)

	// A finished session rejects further sends.
	err = s.SendAudio(rtc.AudioPacket{Audio: []byte{1}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionClosed))
}

func TestSessionDoubleCreate(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s := NewSession(store, "alice", Config{}, newHandlerRec())
	_, err := s.Create(ctx)
	require.NoError(t, err)
	defer s.Leave(ctx)

	_, err = s.Create(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyJoined))
}

func TestSessionJoinUnknownRoom(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()

	s := NewSession(store, "bob", Config{}, newHandlerRec())
	err := s.Join(context.Background(), "AAAAAA")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRoomNotFound))

	// The failed join released the manager; a retry is allowed.
	err = s.Join(context.Background(), "AAAAAA")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRoomNotFound))
}

func TestSessionMute(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()

	s := NewSession(store, "alice", Config{}, newHandlerRec())
	assert.False(t, s.Muted())
	s.SetMuted(true)
	assert.True(t, s.Muted())

	// Muted frames are dropped before the transport is consulted, so even
	// an inactive session accepts them.
	assert.NoError(t, s.SendAudio(rtc.AudioPacket{Audio: []byte{1}}))

	s.SetMuted(false)
	assert.Error(t, s.SendAudio(rtc.AudioPacket{Audio: []byte{1}}))
}

func TestSessionNegotiation(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	aliceH, bobH := newHandlerRec(), newHandlerRec()
	alice := NewSession(store, "alice", Config{}, aliceH)
	bob := NewSession(store, "bob", Config{}, bobH)

	code, err := alice.Create(ctx)
	require.NoError(t, err)
	defer alice.Leave(ctx)

	require.NoError(t, bob.Join(ctx, code))
	defer bob.Leave(ctx)

	select {
	case <-aliceH.joined:
	case <-time.After(5 * time.Second):
		t.Fatal("creator never saw the partner join")
	}

	// The offer/answer exchange runs through the store on its own.
	waitState(t, aliceH, rtc.StateConnecting)
	waitState(t, bobH, rtc.StateConnecting)

	id, err := alice.PartnerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", id)
}

func TestDuplicatePartnerJoinedSendsOneOffer(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	h := newHandlerRec()
	s := NewSession(store, "alice", Config{}, h)
	code, err := s.Create(ctx)
	require.NoError(t, err)
	defer s.Leave(ctx)

	offers := make(chan []byte, 8)
	sub, err := store.SubscribeValue(ctx, "rooms/"+code+"/offer", func(v []byte) {
		if v != nil {
			offers <- v
		}
	})
	require.NoError(t, err)
	defer sub.Cancel()

	// The membership stream can re-fire for the same partner when their
	// transport cycles; only the first sighting may start negotiation.
	s.OnPartnerJoined()
	s.OnPartnerJoined()

	select {
	case <-offers:
	case <-time.After(5 * time.Second):
		t.Fatal("no offer written after the partner joined")
	}
	select {
	case <-offers:
		t.Fatal("duplicate partner notification produced a second offer")
	case <-time.After(300 * time.Millisecond):
	}
	select {
	case err := <-h.errs:
		t.Fatalf("duplicate partner notification surfaced an error: %v", err)
	default:
	}
	assert.Len(t, h.joined, 2)
}

func TestDescriptionConversionRoundTrip(t *testing.T) {
	orig := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	got := descToPion(descFromPion(orig))
	assert.Equal(t, orig, got)
}

func TestCandidateConversionRoundTrip(t *testing.T) {
	mid := "0"
	var idx uint16 = 1
	orig := webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx}
	got := candToPion(candFromPion(orig))
	assert.Equal(t, orig, got)
}
