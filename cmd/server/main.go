// Package main runs the emergency session HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Timolanda/Micall-sub001/config"
	"github.com/Timolanda/Micall-sub001/internal/auth"
	"github.com/Timolanda/Micall-sub001/internal/evidence"
	"github.com/Timolanda/Micall-sub001/internal/middleware"
	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/negotiation"
	"github.com/Timolanda/Micall-sub001/internal/presence"
	"github.com/Timolanda/Micall-sub001/internal/ptt"
	"github.com/Timolanda/Micall-sub001/internal/realtime"
	"github.com/Timolanda/Micall-sub001/internal/relay"
	"github.com/Timolanda/Micall-sub001/internal/session"
	"github.com/Timolanda/Micall-sub001/internal/trigger"
	"github.com/Timolanda/Micall-sub001/pkg/database"
	"github.com/Timolanda/Micall-sub001/pkg/queue"
	"github.com/Timolanda/Micall-sub001/pkg/redis"
	"github.com/Timolanda/Micall-sub001/pkg/response"
	"github.com/Timolanda/Micall-sub001/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		EvidenceBucket:       cfg.AWS.EvidenceBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		// Evidence durability is not optional for this service.
		logger.Fatal("s3", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	// Relay transport and presence reducer shared by all sessions.
	bus := relay.NewRedisBus(rdb.Client, logger)
	tracker := presence.NewTracker(presence.Config{
		HeartbeatTimeout: cfg.Presence.HeartbeatTimeout,
		SweepInterval:    cfg.Presence.SweepInterval,
	}, logger)

	// Evidence pipeline: chunk metadata in Postgres, payloads in S3, repairs
	// over the job queue.
	evidenceRepo := evidence.NewRepository(pool)
	uploader := evidence.NewUploader(s3Client, evidenceRepo, evidence.UploaderConfig{
		BackoffBase: cfg.Upload.BackoffBase,
		BackoffCap:  cfg.Upload.BackoffCap,
	}, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	uploader.SetReconcileHandler(func(chunkID uuid.UUID) {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jobQueue.EnqueueMetadataRepair(rctx, queue.MetadataRepairPayload{ChunkID: chunkID}); err != nil {
			logger.Error("enqueue metadata repair failed", zap.String("chunk_id", chunkID.String()), zap.Error(err))
		}
	})

	sessionRepo := session.NewRepository(pool)
	participantRepo := session.NewParticipantRepository(pool)

	engine := session.NewEngine(session.Config{
		Relay: relay.Config{
			OutboxLimit:  cfg.Relay.OutboxLimit,
			ReconnectMin: cfg.Relay.ReconnectMin,
			ReconnectMax: cfg.Relay.ReconnectMax,
		},
		PTT: ptt.Config{
			ReceiveTimeout: cfg.PushToTalk.ReceiveTimeout,
			MaxFrameBytes:  cfg.PushToTalk.MaxFrameBytes,
		},
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		DisconnectGrace:   cfg.Presence.DisconnectGrace,
		FlushInterval:     cfg.Upload.FlushInterval,
	}, bus, sessionRepo, participantRepo, session.ContextLocator{}, tracker, uploader,
		func() (negotiation.Transport, error) { return negotiation.NewPionTransport(iceServers) },
		func() (negotiation.Capture, error) { return negotiation.NewMediaCapture(uuid.New().String()) },
		logger)

	// Reactive fan-out: engine, roster and upload events reach every connected
	// UI through the hub, Redis carries them across instances.
	engine.SetEventHandler(func(ev session.Event) {
		hub.BroadcastToSessionAndPublish(ev.SessionID, ev.Type, ev.Payload)
	})
	tracker.SetChangeHandler(func(sessionID uuid.UUID, roster []models.PresenceEntry, viewerCount int) {
		hub.BroadcastToSessionAndPublish(sessionID, session.EventPresenceUpdate, gin.H{
			"roster":       roster,
			"viewer_count": viewerCount,
		})
	})
	uploader.SetStatusHandler(func(chunk models.EvidenceChunk) {
		hub.BroadcastToSessionAndPublish(chunk.SessionID, session.EventUploadStatus, chunk)
	})

	sessionHandler := session.NewHandler(engine, participantRepo, trigger.Config{
		Cooldown:        cfg.Trigger.Cooldown,
		ShakeThreshold:  cfg.Trigger.ShakeThreshold,
		LockedThreshold: cfg.Trigger.LockedThreshold,
	}, logger)
	evidenceHandler := evidence.NewHandler(evidenceRepo, uploader, s3Client, jobQueue, logger)

	jwtValidate := func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID.String(), nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Activation
		api.POST("/emergency/trigger", sessionHandler.Trigger)
		api.POST("/emergency/activate", sessionHandler.Activate)

		// Sessions
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/end", sessionHandler.End)
		api.GET("/sessions/:id/presence", sessionHandler.Presence)
		api.GET("/sessions/:id/participants", sessionHandler.Participants)
		api.GET("/sessions/:id/evidence", evidenceHandler.ListBySession)

		// Evidence
		api.GET("/evidence/:id", evidenceHandler.Get)
		api.POST("/evidence/:id/retry", evidenceHandler.Retry)
		api.GET("/evidence/:id/url", evidenceHandler.SignedURL)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, engine, bus))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops: presence eviction and the upload drain.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go tracker.Run(runCtx)
	go uploader.Run(runCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Let in-flight evidence uploads drain before stopping their loop.
	drainDeadline := time.Now().Add(30 * time.Second)
	for uploader.PendingCount() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(time.Second)
	}
	if n := uploader.PendingCount(); n > 0 {
		logger.Warn("evidence uploads still pending at shutdown", zap.Int("pending", n))
	}
	runCancel()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
