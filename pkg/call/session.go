// Package call glues the signaling channel and the peer connection manager
// into one audio call session. It owns nothing about audio capture or
// playback; frames go in and out as opaque encoded payloads.
package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
	"github.com/LingByte/LingLink/pkg/logger"
	"github.com/LingByte/LingLink/pkg/rendezvous"
	"github.com/LingByte/LingLink/pkg/rtc"
	"github.com/LingByte/LingLink/pkg/signaling"
)

// Handler receives call-level events. All callbacks may arrive concurrently.
type Handler interface {
	OnConnectionState(rtc.State)
	OnAudio(rtc.AudioPacket)
	OnPartnerJoined()
	OnPartnerLeft()
	OnRoomDeleted()
	OnError(error)
}

// Config carries the transport knobs a Session forwards to its Manager.
type Config struct {
	ICEServers   []string
	RestartGrace time.Duration
}

const callOpTimeout = 10 * time.Second

// Session is one participant's end of a two-party audio call. It implements
// both the signaling and rtc event surfaces and routes between them.
type Session struct {
	store   rendezvous.Store
	selfID  string
	cfg     Config
	handler Handler

	mu      sync.Mutex
	channel *signaling.Channel
	manager *rtc.Manager

	muted atomic.Bool
}

func NewSession(store rendezvous.Store, selfID string, cfg Config, handler Handler) *Session {
	return &Session{
		store:   store,
		selfID:  selfID,
		cfg:     cfg,
		handler: handler,
	}
}

// Create opens a new room and waits for a partner. Returns the room code to
// share out of band.
func (s *Session) Create(ctx context.Context) (string, error) {
	if err := s.setup(true); err != nil {
		return "", err
	}
	code, err := s.channel.CreateRoom(ctx)
	if err != nil {
		s.teardownManager()
		return "", err
	}
	return code, nil
}

// Join enters an existing room by code and answers the incoming offer.
func (s *Session) Join(ctx context.Context, code string) error {
	if err := s.setup(false); err != nil {
		return err
	}
	if err := s.channel.JoinRoom(ctx, code); err != nil {
		s.teardownManager()
		return err
	}
	return nil
}

func (s *Session) setup(offerer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manager != nil {
		return apperrors.NewAppError(apperrors.ErrCodeAlreadyJoined, "session already active")
	}
	mgr, err := rtc.NewManager(rtc.Options{
		Offerer:      offerer,
		ICEServers:   s.cfg.ICEServers,
		RestartGrace: s.cfg.RestartGrace,
	}, s)
	if err != nil {
		return err
	}
	s.manager = mgr
	s.channel = signaling.NewChannel(s.store, s.selfID, s)
	return nil
}

func (s *Session) teardownManager() {
	s.mu.Lock()
	mgr := s.manager
	s.manager = nil
	s.channel = nil
	s.mu.Unlock()
	if mgr != nil {
		_ = mgr.Close()
	}
}

// SendAudio ships one encoded frame to the partner. Muted sessions drop the
// frame silently so capture loops need no mute awareness.
func (s *Session) SendAudio(pkt rtc.AudioPacket) error {
	if s.muted.Load() {
		return nil
	}
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr == nil {
		return apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "session not active")
	}
	if err := mgr.SendAudio(pkt); err != nil {
		return err
	}
	packetsSent.Inc()
	return nil
}

func (s *Session) SetMuted(muted bool) { s.muted.Store(muted) }

func (s *Session) Muted() bool { return s.muted.Load() }

// State reports the current call state.
func (s *Session) State() rtc.State {
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr == nil {
		return rtc.StateDisconnected
	}
	return mgr.State()
}

// PartnerID resolves who else is in the room, empty when alone.
func (s *Session) PartnerID(ctx context.Context) (string, error) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return "", apperrors.NewAppError(apperrors.ErrCodeRoomNotFound, "session not active")
	}
	return ch.PartnerID(ctx)
}

// Leave ends the call and releases both halves.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	ch := s.channel
	mgr := s.manager
	s.channel = nil
	s.manager = nil
	s.mu.Unlock()

	var first error
	if ch != nil {
		if err := ch.Leave(ctx); err != nil {
			first = err
		}
	}
	if mgr != nil {
		if err := mgr.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// --- signaling.Events ---

// OnPartnerJoined starts negotiation on the offerer side. The membership
// stream may re-fire when a partner's transport cycles, so an offer only
// goes out while the connection is still idle.
func (s *Session) OnPartnerJoined() {
	s.handler.OnPartnerJoined()

	s.mu.Lock()
	mgr, ch := s.manager, s.channel
	role := signaling.Role("")
	if ch != nil {
		role = ch.Role()
	}
	s.mu.Unlock()

	if mgr == nil || ch == nil || role != signaling.RoleOfferer {
		return
	}
	if mgr.State() != rtc.StateDisconnected {
		return
	}
	offer, err := mgr.CreateOffer()
	if err != nil {
		s.fail("create offer", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callOpTimeout)
	defer cancel()
	if err := ch.SendOffer(ctx, descFromPion(offer)); err != nil {
		s.fail("send offer", err)
	}
}

func (s *Session) OnPartnerLeft() { s.handler.OnPartnerLeft() }

func (s *Session) OnRoomDeleted() { s.handler.OnRoomDeleted() }

func (s *Session) OnOffer(desc signaling.Description) {
	s.mu.Lock()
	mgr, ch := s.manager, s.channel
	s.mu.Unlock()
	if mgr == nil || ch == nil {
		return
	}
	answer, err := mgr.HandleOffer(descToPion(desc))
	if err != nil {
		s.fail("handle offer", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callOpTimeout)
	defer cancel()
	if err := ch.SendAnswer(ctx, descFromPion(answer)); err != nil {
		s.fail("send answer", err)
	}
}

func (s *Session) OnAnswer(desc signaling.Description) {
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr == nil {
		return
	}
	if err := mgr.HandleAnswer(descToPion(desc)); err != nil {
		s.fail("handle answer", err)
	}
}

func (s *Session) OnRemoteCandidate(cand signaling.Candidate) {
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr == nil {
		return
	}
	if err := mgr.AddRemoteCandidate(candToPion(cand)); err != nil {
		logger.Warn("call: remote candidate rejected", zap.Error(err))
	}
}

func (s *Session) OnSignalingError(err error) { s.handler.OnError(err) }

// --- rtc.Events ---

func (s *Session) OnStateChange(state rtc.State) {
	stateTransitions.WithLabelValues(state.String()).Inc()
	s.handler.OnConnectionState(state)
}

// OnLocalOffer relays restart offers through the same offer slot as the
// initial one.
func (s *Session) OnLocalOffer(offer webrtc.SessionDescription) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callOpTimeout)
	defer cancel()
	if err := ch.SendOffer(ctx, descFromPion(offer)); err != nil {
		s.fail("send restart offer", err)
	}
}

func (s *Session) OnLocalCandidate(cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callOpTimeout)
	defer cancel()
	if err := ch.SendCandidate(ctx, candFromPion(cand)); err != nil {
		logger.Warn("call: local candidate not published", zap.Error(err))
	}
}

func (s *Session) OnAudioPacket(pkt rtc.AudioPacket) {
	packetsReceived.Inc()
	s.handler.OnAudio(pkt)
}

func (s *Session) fail(op string, err error) {
	logger.Error("call: "+op+" failed", zap.Error(err))
	s.handler.OnError(err)
}

// --- conversions between the signaling wire models and pion types ---

func descFromPion(d webrtc.SessionDescription) signaling.Description {
	return signaling.Description{Type: d.Type.String(), SDP: d.SDP}
}

func descToPion(d signaling.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candFromPion(c webrtc.ICECandidateInit) signaling.Candidate {
	return signaling.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func candToPion(c signaling.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
