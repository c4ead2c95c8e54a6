package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/auth"
	"github.com/commsync-dev/commsync/internal/collector"
	"github.com/commsync-dev/commsync/internal/config"
	"github.com/commsync-dev/commsync/internal/cursor"
	"github.com/commsync-dev/commsync/internal/identity"
	"github.com/commsync-dev/commsync/internal/logging"
	"github.com/commsync-dev/commsync/internal/msgstore"
	"github.com/commsync-dev/commsync/internal/natsjs"
	"github.com/commsync-dev/commsync/internal/orchestrator"
	"github.com/commsync-dev/commsync/internal/outbox"
	chatprovider "github.com/commsync-dev/commsync/internal/providers/chat"
	gmailprovider "github.com/commsync-dev/commsync/internal/providers/gmail"
	"github.com/commsync-dev/commsync/internal/retry"
	"github.com/commsync-dev/commsync/internal/synclog"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, err := identity.Open(filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		logger.Fatal("failed to open identity store", zap.Error(err))
	}
	defer users.Close()

	store, err := msgstore.Open(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		logger.Fatal("failed to open message store", zap.Error(err))
	}
	defer store.Close()

	cursors, err := cursor.Open(filepath.Join(cfg.DataDir, "cursors.db"))
	if err != nil {
		logger.Fatal("failed to open cursor store", zap.Error(err))
	}
	defer cursors.Close()

	exec := retry.New(cfg.RetryBase, logger)

	orch := &orchestrator.Orchestrator{
		Users:     users,
		Refresher: auth.NewRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.TokenSafetyMargin, exec, logger),
		Chat: &collector.ChatCollector{
			Store:    store,
			Cursors:  cursors,
			Exec:     exec,
			PageSize: cfg.ChatPageSize,
			Pause:    cfg.CourtesyPause,
			Logger:   logger,
		},
		Mail: &collector.MailCollector{
			Store:          store,
			Cursors:        cursors,
			Exec:           exec,
			InitialMax:     cfg.MailInitialMax,
			IncrementalMax: cfg.MailIncrementalMax,
			InitialWindow:  time.Duration(cfg.MailInitialWindow) * 24 * time.Hour,
			FallbackWindow: time.Duration(cfg.MailFallbackWindow) * 24 * time.Hour,
			Pause:          cfg.CourtesyPause,
			Logger:         logger,
		},
		Recorder: synclog.New(users, logger),
		Factory: orchestrator.APIFactory{
			Chat: func(ctx context.Context, cred identity.Credential) (collector.ChatAPI, error) {
				return chatprovider.New(ctx, cred)
			},
			Mail: func(ctx context.Context, cred identity.Credential) (collector.MailAPI, error) {
				return gmailprovider.New(ctx, cred)
			},
		},
		Interval:     cfg.SyncInterval,
		InitialDelay: cfg.InitialDelay,
		Logger:       logger,
	}

	var wg sync.WaitGroup

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(); err != nil {
			logger.Fatal("failed to ensure event stream", zap.Error(err))
		}

		dispatcher := outbox.New(store, publisher, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
		logger.Info("event fan-out enabled", zap.String("nats_url", cfg.NATSURL))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Schedule(ctx)
	}()

	router, err := buildRouter(cfg, orch, users)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: router}
	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

func buildRouter(cfg *config.Config, orch *orchestrator.Orchestrator, users *identity.Store) (*gin.Engine, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/")
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		api.Use(verifier.Middleware())
	}

	api.POST("/sync/run", func(c *gin.Context) {
		// Detached from the request context: the cycle outlives the 202.
		if err := orch.Trigger(context.WithoutCancel(c.Request.Context())); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	})

	api.GET("/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Status())
	})

	api.GET("/sync/attempts", func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
			return
		}
		attempts, err := users.ListAttempts(c.Request.Context(), userID, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attempts})
	})

	return r, nil
}
