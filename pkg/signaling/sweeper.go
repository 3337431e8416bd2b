package signaling

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/LingByte/LingLink/pkg/logger"
	"github.com/LingByte/LingLink/pkg/rendezvous"
)

// RoomSweeper periodically removes rooms that are empty and older than the
// configured TTL. Rooms with members are never touched regardless of age: a
// long call is not garbage.
type RoomSweeper struct {
	store    rendezvous.Store
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
}

func NewRoomSweeper(store rendezvous.Store, ttl time.Duration, schedule string) *RoomSweeper {
	return &RoomSweeper{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the sweep job and begins the schedule.
func (s *RoomSweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := s.Sweep(ctx); err != nil {
			logger.Error("sweeper: pass failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("sweeper: removed stale rooms", zap.Int("count", n))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *RoomSweeper) Stop() {
	s.cron.Stop()
}

type roomSnapshot struct {
	CreatedAt int64             `json:"createdAt"`
	Members   map[string]Member `json:"members"`
}

// Sweep runs a single pass and reports how many rooms were deleted.
func (s *RoomSweeper) Sweep(ctx context.Context) (int, error) {
	raw, err := s.store.Get(ctx, roomsRoot)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	var rooms map[string]roomSnapshot
	if err := sonic.Unmarshal(raw, &rooms); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	removed := 0
	for code, room := range rooms {
		if len(room.Members) > 0 || room.CreatedAt > cutoff {
			continue
		}
		if err := s.store.Delete(ctx, roomPath(code)); err != nil {
			logger.Warn("sweeper: delete failed", zap.String("room", code), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
