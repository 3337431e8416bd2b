package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
	"github.com/LingByte/LingLink/pkg/logger"
)

// State is the call-level connection state, coarser than pion's ICE states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Events is the upward surface of a Manager. Callbacks arrive from pion
// goroutines and from the restart timer; implementations must not call back
// into the Manager synchronously while holding their own locks.
type Events interface {
	OnStateChange(State)
	// OnLocalOffer fires for restart offers the Manager generates on its
	// own. The initial offer is returned from CreateOffer instead.
	OnLocalOffer(webrtc.SessionDescription)
	OnLocalCandidate(webrtc.ICECandidateInit)
	OnAudioPacket(AudioPacket)
}

const defaultRestartGrace = 3 * time.Second

// Options configures a Manager.
type Options struct {
	// Offerer marks the side that initiated the call. Only the offerer
	// performs ICE restarts; both sides restarting at once would glare.
	Offerer      bool
	ICEServers   []string
	RestartGrace time.Duration
}

// Manager owns one peer connection and its audio data channel for the
// lifetime of a call. Remote candidates that arrive before the remote
// description are queued and flushed in arrival order.
type Manager struct {
	events  Events
	offerer bool
	grace   time.Duration

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	dc           *webrtc.DataChannel
	state        State
	haveRemote   bool
	pending      []webrtc.ICECandidateInit
	restartTimer *time.Timer
	closed       bool

	// addCandidate is swappable in tests to observe flush ordering.
	addCandidate func(webrtc.ICECandidateInit) error
}

// NewManager builds the underlying peer connection. The returned Manager is
// in StateDisconnected until negotiation starts.
func NewManager(opts Options, events Events) (*Manager, error) {
	grace := opts.RestartGrace
	if grace <= 0 {
		grace = defaultRestartGrace
	}
	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}

	m := &Manager{
		events:  events,
		offerer: opts.Offerer,
		grace:   grace,
		pc:      pc,
		state:   StateDisconnected,
	}
	m.addCandidate = pc.AddICECandidate

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		events.OnLocalCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(m.handlePCState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.mu.Lock()
		m.dc = dc
		m.mu.Unlock()
		m.bindDataChannel(dc)
	})
	return m, nil
}

// State returns the current call state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CreateOffer opens the audio data channel and produces the initial offer.
// The channel is unordered with no retransmits: a late audio frame is worse
// than a lost one.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	if m.closed || pc == nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "peer connection closed")
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, apperrors.NewAppErrorf(apperrors.ErrCodeNegotiation,
			"cannot start negotiation while %s", m.state)
	}
	m.mu.Unlock()

	ordered := false
	var maxRetransmits uint16
	dc, err := pc.CreateDataChannel("audio", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	m.mu.Lock()
	m.dc = dc
	m.mu.Unlock()
	m.bindDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	m.setState(StateConnecting)
	return offer, nil
}

// HandleOffer applies a remote offer (initial or restart) and produces the
// answer. Queued candidates flush once the remote description lands.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	if m.closed || pc == nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "peer connection closed")
	}
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	m.flushPending()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	m.setState(StateConnecting)
	return answer, nil
}

// HandleAnswer applies the remote answer on the offerer side.
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	pc := m.pc
	if m.closed || pc == nil {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "peer connection closed")
	}
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		return apperrors.WrapError(apperrors.ErrCodeNegotiation, err)
	}
	m.flushPending()
	return nil
}

// AddRemoteCandidate applies a remote candidate, queuing it when the remote
// description has not arrived yet.
func (m *Manager) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "peer connection closed")
	}
	if !m.haveRemote {
		m.pending = append(m.pending, cand)
		m.mu.Unlock()
		return nil
	}
	add := m.addCandidate
	m.mu.Unlock()
	return add(cand)
}

// flushPending marks the remote description present and applies queued
// candidates in arrival order. Individual failures are logged, not fatal:
// one bad candidate must not discard the rest.
func (m *Manager) flushPending() {
	m.mu.Lock()
	m.haveRemote = true
	queued := m.pending
	m.pending = nil
	add := m.addCandidate
	m.mu.Unlock()

	for _, cand := range queued {
		if err := add(cand); err != nil {
			logger.Warn("rtc: queued candidate rejected", zap.Error(err))
		}
	}
}

func (m *Manager) handlePCState(s webrtc.PeerConnectionState) {
	logger.Debug("rtc: peer connection state", zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.cancelRestartTimer()
		m.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		m.setState(StateReconnecting)
		if m.offerer {
			m.scheduleRestart()
		}
	case webrtc.PeerConnectionStateFailed:
		m.cancelRestartTimer()
		m.setState(StateFailed)
		if m.offerer {
			m.attemptRestart()
		}
	case webrtc.PeerConnectionStateClosed:
		m.cancelRestartTimer()
		m.setState(StateDisconnected)
	}
}

// scheduleRestart arms a one-shot restart after the grace period. The grace
// absorbs the brief disconnected blips pion reports on flaky networks.
func (m *Manager) scheduleRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.restartTimer != nil {
		return
	}
	m.restartTimer = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		m.restartTimer = nil
		m.mu.Unlock()
		m.attemptRestart()
	})
}

func (m *Manager) cancelRestartTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
}

// attemptRestart creates an ICE restart offer and hands it to the caller
// for signaling. A connection that recovered on its own is left alone.
func (m *Manager) attemptRestart() {
	m.mu.Lock()
	pc := m.pc
	if m.closed || pc == nil || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		logger.Error("rtc: restart offer failed", zap.Error(err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		logger.Error("rtc: restart local description failed", zap.Error(err))
		return
	}
	// The old remote description only goes stale once the restart offer is
	// committed; a failed attempt must not strand candidates in the queue.
	m.mu.Lock()
	m.haveRemote = false
	m.mu.Unlock()
	iceRestarts.Inc()
	logger.Info("rtc: ice restart initiated")
	m.events.OnLocalOffer(offer)
}

func (m *Manager) bindDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		logger.Debug("rtc: data channel open", zap.String("label", dc.Label()))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.events.OnAudioPacket(DecodeFrame(msg.Data))
	})
}

// SendAudio encodes and ships one frame. Fails when the channel is not yet
// open; callers drop the frame and move on.
func (m *Manager) SendAudio(pkt AudioPacket) error {
	m.mu.Lock()
	dc := m.dc
	closed := m.closed
	m.mu.Unlock()
	if closed || dc == nil {
		return apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "audio channel unavailable")
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return apperrors.NewAppError(apperrors.ErrCodeConnectionClosed, "audio channel not open")
	}
	b, err := EncodeFrame(pkt)
	if err != nil {
		return apperrors.WrapError(apperrors.ErrCodeInternal, err)
	}
	return dc.Send(b)
}

// Close releases the peer connection. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	pc := m.pc
	m.pending = nil
	m.dc = nil
	m.mu.Unlock()

	m.setState(StateDisconnected)
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()

	recordState(s)
	logger.Info("rtc: state change",
		zap.String("from", prev.String()), zap.String("to", s.String()))
	m.events.OnStateChange(s)
}
