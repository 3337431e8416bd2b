package signaling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	apperrors "github.com/LingByte/LingLink/pkg/errors"
	"github.com/LingByte/LingLink/pkg/logger"
	"github.com/LingByte/LingLink/pkg/rendezvous"
)

// Channel is one participant's signaling session for a single room. It owns
// the room/membership/negotiation-message lifecycle on the store; it never
// touches the peer connection itself.
//
// The store handle and the participant identity are passed in explicitly so
// concurrent sessions (and tests) cannot interfere through shared globals.
type Channel struct {
	store  rendezvous.Store
	selfID string
	events Events

	mu          sync.Mutex
	code        string
	role        Role
	joined      bool
	partnerSeen bool
	lastCount   int
	subs        []rendezvous.Subscription
	hook        rendezvous.DisconnectHook
}

// NewChannel creates an idle channel. CreateRoom or JoinRoom activates it.
func NewChannel(store rendezvous.Store, selfID string, events Events) *Channel {
	return &Channel{
		store:  store,
		selfID: selfID,
		events: events,
	}
}

// RoomCode returns the active room code, empty when idle.
func (c *Channel) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Role returns this participant's role, empty when idle.
func (c *Channel) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// CreateRoom generates a fresh room code, writes the room with this
// participant as offerer and wires all subscriptions. The registered
// disconnect hook removes only this member's entry, never the room: deleting
// the room on a transient drop would strand the partner mid-call.
func (c *Channel) CreateRoom(ctx context.Context) (string, error) {
	if c.selfID == "" {
		return "", apperrors.NewAppError(apperrors.ErrCodeNotAuthenticated, "no identity for room creation")
	}
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return "", apperrors.NewAppError(apperrors.ErrCodeAlreadyJoined, "channel already active")
	}
	c.mu.Unlock()

	code, err := GenerateRoomCode()
	if err != nil {
		return "", apperrors.WrapError(apperrors.ErrCodeInternal, err)
	}

	now := time.Now().UnixMilli()
	createdAt, _ := sonic.Marshal(now)
	createdBy, _ := sonic.Marshal(c.selfID)
	member, _ := sonic.Marshal(Member{Role: RoleOfferer, JoinedAt: now})
	err = c.store.Update(ctx, map[string][]byte{
		createdAtPath(code):        createdAt,
		createdByPath(code):        createdBy,
		memberPath(code, c.selfID): member,
	})
	if err != nil {
		return "", err
	}

	if err := c.activate(ctx, code, RoleOfferer); err != nil {
		return "", err
	}
	logger.Info("signaling: room created",
		zap.String("room", code), zap.String("self", c.selfID))
	return code, nil
}

// JoinRoom joins an existing room as answerer. Codes compare
// case-insensitively. Fails with ROOM_NOT_FOUND when the room is absent and
// ALREADY_JOINED when this identity already holds a member slot (the same
// account joining twice from two devices).
func (c *Channel) JoinRoom(ctx context.Context, code string) error {
	if c.selfID == "" {
		return apperrors.NewAppError(apperrors.ErrCodeNotAuthenticated, "no identity for room join")
	}
	code = NormalizeRoomCode(code)

	existing, err := c.store.Get(ctx, createdAtPath(code))
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.NewAppErrorf(apperrors.ErrCodeRoomNotFound, "room %s does not exist", code)
	}
	mine, err := c.store.Get(ctx, memberPath(code, c.selfID))
	if err != nil {
		return err
	}
	if mine != nil {
		return apperrors.NewAppErrorf(apperrors.ErrCodeAlreadyJoined, "identity %s already in room %s", c.selfID, code)
	}

	member, _ := sonic.Marshal(Member{Role: RoleAnswerer, JoinedAt: time.Now().UnixMilli()})
	if err := c.store.Set(ctx, memberPath(code, c.selfID), member); err != nil {
		return err
	}

	if err := c.activate(ctx, code, RoleAnswerer); err != nil {
		return err
	}
	logger.Info("signaling: room joined",
		zap.String("room", code), zap.String("self", c.selfID))
	return nil
}

// NormalizeRoomCode upper-cases and trims a user-entered room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// activate registers the disconnect hook and every subscription for the
// given role. The offerer listens to the answer slot and answer candidates,
// the answerer to the offer slot and offer candidates; both watch membership.
func (c *Channel) activate(ctx context.Context, code string, role Role) error {
	hook, err := c.store.OnDisconnect(ctx, memberPath(code, c.selfID), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.code = code
	c.role = role
	c.joined = true
	c.partnerSeen = false
	c.lastCount = 0
	c.hook = hook
	c.mu.Unlock()

	descPath, remoteRole := answerPath(code), RoleAnswerer
	onDesc := c.events.OnAnswer
	if role == RoleAnswerer {
		descPath, remoteRole = offerPath(code), RoleOfferer
		onDesc = c.events.OnOffer
	}

	memberSub, err := c.store.SubscribeValue(ctx, membersPath(code), c.handleMembership)
	if err != nil {
		return err
	}
	descSub, err := c.store.SubscribeValue(ctx, descPath, func(v []byte) {
		c.handleDescription(v, onDesc)
	})
	if err != nil {
		memberSub.Cancel()
		return err
	}
	candSub, err := c.store.SubscribeChildAdded(ctx, candidatesPath(code, remoteRole), c.handleCandidate)
	if err != nil {
		memberSub.Cancel()
		descSub.Cancel()
		return err
	}
	reconnSub := c.store.OnReconnect(c.repairPresence)

	c.mu.Lock()
	c.subs = []rendezvous.Subscription{memberSub, descSub, candSub, reconnSub}
	c.mu.Unlock()
	return nil
}

// handleMembership derives partner presence from member count transitions.
// Count, not identity diffing, is the authoritative signal: the member map
// is mutated by both participants and by server-side disconnect hooks with
// last-writer-wins semantics.
func (c *Channel) handleMembership(value []byte) {
	var members map[string]Member
	if value != nil {
		if err := sonic.Unmarshal(value, &members); err != nil {
			logger.Warn("signaling: bad membership snapshot", zap.Error(err))
			return
		}
	}
	count := len(members)

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	last := c.lastCount
	c.lastCount = count
	seen := c.partnerSeen
	joinedNow := count >= 2 && last < 2
	if joinedNow {
		c.partnerSeen = true
	}
	// No partner to lose before one was ever seen.
	leftNow := count <= 1 && last >= 2 && seen
	checkRoom := count == 0
	code := c.code
	c.mu.Unlock()

	switch {
	case joinedNow:
		logger.Debug("signaling: partner joined", zap.String("room", code))
		c.events.OnPartnerJoined()
	case leftNow:
		logger.Debug("signaling: partner left", zap.String("room", code), zap.Int("count", count))
		c.events.OnPartnerLeft()
	}
	if checkRoom {
		// Everyone gone: distinguish a drained room from a deleted one.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := c.store.Get(ctx, createdAtPath(code))
		if err == nil && v == nil {
			logger.Info("signaling: room deleted", zap.String("room", code))
			c.events.OnRoomDeleted()
		}
	}
}

func (c *Channel) handleDescription(value []byte, deliver func(Description)) {
	if value == nil {
		return
	}
	var desc Description
	if err := sonic.Unmarshal(value, &desc); err != nil {
		logger.Warn("signaling: bad description payload", zap.Error(err))
		return
	}
	if desc.SDP == "" {
		return
	}
	deliver(desc)
}

func (c *Channel) handleCandidate(key string, value []byte) {
	var cand Candidate
	if err := sonic.Unmarshal(value, &cand); err != nil {
		logger.Warn("signaling: bad candidate payload", zap.String("key", key), zap.Error(err))
		return
	}
	c.events.OnRemoteCandidate(cand)
}

// SendOffer writes the offer slot. Offerer only; an initial offer and an ICE
// restart offer go through the same slot so the answerer has a single path.
func (c *Channel) SendOffer(ctx context.Context, desc Description) error {
	return c.sendDescription(ctx, desc, RoleOfferer)
}

// SendAnswer writes the answer slot. Answerer only.
func (c *Channel) SendAnswer(ctx context.Context, desc Description) error {
	return c.sendDescription(ctx, desc, RoleAnswerer)
}

func (c *Channel) sendDescription(ctx context.Context, desc Description, want Role) error {
	c.mu.Lock()
	code, role, joined := c.code, c.role, c.joined
	c.mu.Unlock()
	if !joined {
		return apperrors.NewAppError(apperrors.ErrCodeRoomNotFound, "channel not active")
	}
	if role != want {
		return apperrors.NewAppErrorf(apperrors.ErrCodeRoleViolation,
			"%s cannot send %s", role, desc.Type)
	}
	b, err := sonic.Marshal(desc)
	if err != nil {
		return apperrors.WrapError(apperrors.ErrCodeInternal, err)
	}
	if want == RoleOfferer {
		return c.store.Set(ctx, offerPath(code), b)
	}
	return c.store.Set(ctx, answerPath(code), b)
}

// SendCandidate appends the candidate to this side's stream; the partner
// subscribes to the stream it did not produce.
func (c *Channel) SendCandidate(ctx context.Context, cand Candidate) error {
	c.mu.Lock()
	code, role, joined := c.code, c.role, c.joined
	c.mu.Unlock()
	if !joined {
		return apperrors.NewAppError(apperrors.ErrCodeRoomNotFound, "channel not active")
	}
	b, err := sonic.Marshal(cand)
	if err != nil {
		return apperrors.WrapError(apperrors.ErrCodeInternal, err)
	}
	_, err = c.store.Push(ctx, candidatesPath(code, role), b)
	return err
}

// PartnerID resolves the other member currently present, empty when alone.
func (c *Channel) PartnerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	code, joined := c.code, c.joined
	c.mu.Unlock()
	if !joined {
		return "", apperrors.NewAppError(apperrors.ErrCodeRoomNotFound, "channel not active")
	}
	v, err := c.store.Get(ctx, membersPath(code))
	if err != nil {
		return "", err
	}
	var members map[string]Member
	if v != nil {
		if err := sonic.Unmarshal(v, &members); err != nil {
			return "", apperrors.WrapError(apperrors.ErrCodeInternal, err)
		}
	}
	for id := range members {
		if id != c.selfID {
			return id, nil
		}
	}
	return "", nil
}

// repairPresence re-creates this member's entry and disconnect hook after
// the store transport cycled. Without it a transient drop would make the
// room believe this participant left for good.
func (c *Channel) repairPresence() {
	c.mu.Lock()
	code, role, joined := c.code, c.role, c.joined
	c.mu.Unlock()
	if !joined {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	member, _ := sonic.Marshal(Member{Role: role, JoinedAt: time.Now().UnixMilli()})
	if err := c.store.Set(ctx, memberPath(code, c.selfID), member); err != nil {
		logger.Error("signaling: presence repair failed", zap.String("room", code), zap.Error(err))
		c.events.OnSignalingError(err)
		return
	}
	hook, err := c.store.OnDisconnect(ctx, memberPath(code, c.selfID), nil)
	if err != nil {
		logger.Error("signaling: hook re-registration failed", zap.String("room", code), zap.Error(err))
		c.events.OnSignalingError(err)
		return
	}
	c.mu.Lock()
	c.hook = hook
	c.mu.Unlock()
	logger.Info("signaling: presence repaired after transport drop", zap.String("room", code))
}

// Leave tears the session down: every subscription is drained before any
// state is released so no callback can fire against a dead room. The
// disconnect hook is canceled because cleanup is now explicit. The offerer
// owns the room and deletes it entirely; the answerer removes only itself.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	code, role := c.code, c.role
	subs := c.subs
	hook := c.hook
	c.subs = nil
	c.hook = nil
	c.code = ""
	c.partnerSeen = false
	c.lastCount = 0
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	if hook != nil {
		if err := hook.Cancel(ctx); err != nil {
			logger.Warn("signaling: disconnect hook cancel failed", zap.Error(err))
		}
	}

	var err error
	if role == RoleOfferer {
		err = c.store.Delete(ctx, roomPath(code))
	} else {
		err = c.store.Delete(ctx, memberPath(code, c.selfID))
	}
	if err != nil {
		return err
	}
	logger.Info("signaling: left room", zap.String("room", code), zap.String("role", string(role)))
	return nil
}
