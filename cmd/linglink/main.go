package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LingByte/LingLink/pkg/call"
	"github.com/LingByte/LingLink/pkg/config"
	"github.com/LingByte/LingLink/pkg/logger"
	"github.com/LingByte/LingLink/pkg/rendezvous"
	"github.com/LingByte/LingLink/pkg/rtc"
	"github.com/LingByte/LingLink/pkg/signaling"
)

func main() {
	var (
		createRoom = flag.Bool("create", false, "create a room and wait for a partner")
		joinCode   = flag.String("join", "", "join an existing room by code")
		name       = flag.String("name", "", "participant identity, random when empty")
		mode       = flag.String("mode", "", "run mode: development or production")
		demoAudio  = flag.Bool("demo-audio", false, "send synthetic silence frames while connected, to exercise the audio path")
	)
	flag.Parse()

	if *createRoom == (*joinCode != "") {
		fmt.Fprintln(os.Stderr, "exactly one of -create or -join CODE is required")
		os.Exit(2)
	}

	if *mode != "" {
		os.Setenv("MODE", *mode)
	}
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GlobalConfig
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer store.Close()

	selfID := *name
	if selfID == "" {
		selfID = uuid.NewString()
	}

	sweeper := signaling.NewRoomSweeper(store, cfg.RoomTTL, cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("sweeper start failed", zap.Error(err))
	}
	defer sweeper.Stop()

	session := call.NewSession(store, selfID, call.Config{
		ICEServers:   cfg.StunServers,
		RestartGrace: cfg.RestartGrace,
	}, &cliHandler{})

	srv := startStatusServer(cfg, session)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if *createRoom {
		code, err := session.Create(ctx)
		cancel()
		if err != nil {
			logger.Fatal("create room failed", zap.Error(err))
		}
		fmt.Printf("room code: %s\n", code)
	} else {
		err := session.Join(ctx, *joinCode)
		cancel()
		if err != nil {
			logger.Fatal("join room failed", zap.Error(err))
		}
		fmt.Printf("joined room %s\n", signaling.NormalizeRoomCode(*joinCode))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Real capture only ships voiced frames; the synthetic feed is opt-in.
	var frames <-chan time.Time
	if *demoAudio {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		frames = tick.C
	}
	silence := make([]byte, 160)

loop:
	for {
		select {
		case <-stop:
			break loop
		case <-frames:
			if session.State() != rtc.StateConnected {
				continue
			}
			if err := session.SendAudio(rtc.AudioPacket{Audio: silence}); err != nil {
				logger.Debug("audio frame dropped", zap.Error(err))
			}
		}
	}

	logger.Info("shutting down")
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer leaveCancel()
	if err := session.Leave(leaveCtx); err != nil {
		logger.Warn("leave failed", zap.Error(err))
	}
}

func buildStore(cfg *config.Config) (rendezvous.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		store := rendezvous.NewRedisStore(rendezvous.RedisOptions{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return rendezvous.NewMemoryStore(), nil
	}
}

func startStatusServer(cfg *config.Config, session *call.Session) *http.Server {
	if cfg.Mode != "dev" && cfg.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state": session.State().String(),
			"muted": session.Muted(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: cfg.StatusAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()
	return srv
}

// cliHandler prints call events for the terminal user and logs the rest.
type cliHandler struct{}

func (h *cliHandler) OnConnectionState(s rtc.State) {
	fmt.Printf("connection: %s\n", s)
}

func (h *cliHandler) OnAudio(pkt rtc.AudioPacket) {
	logger.Debug("audio frame received",
		zap.Int("bytes", len(pkt.Audio)),
		zap.Int("sampleRate", pkt.SampleRate),
		zap.Int("channels", pkt.Channels))
}

func (h *cliHandler) OnPartnerJoined() { fmt.Println("partner joined") }

func (h *cliHandler) OnPartnerLeft() { fmt.Println("partner left") }

func (h *cliHandler) OnRoomDeleted() { fmt.Println("room closed by the other side") }

func (h *cliHandler) OnError(err error) {
	logger.Error("call error", zap.Error(err))
	fmt.Printf("error: %v\n", err)
}
