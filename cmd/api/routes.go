package main

import (
	"database/sql"
	"log/slog"
	"time"

	"receptionist-platform/internal/billing"
	"receptionist-platform/internal/config"
	"receptionist-platform/internal/speech"
	"receptionist-platform/internal/store"
	"receptionist-platform/internal/streamtoken"
	"receptionist-platform/internal/telephony"
	"receptionist-platform/internal/tools"
	"receptionist-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type app struct {
	cfg        config.Config
	log        *slog.Logger
	db         *sql.DB
	rdb        *redis.Client
	store      *store.Service
	tokens     *streamtoken.Manager
	dialer     *speech.Dialer
	dispatcher *tools.Dispatcher
	finalizer  *billing.Service
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), a.db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, protected by signature validation).
	webhook := telephony.WebhookHandler{
		AuthToken:         a.cfg.Twilio.AuthToken,
		ValidateSignature: a.cfg.Twilio.ValidateSignature,
		PublicWebhookURL:  a.cfg.VoiceWebhookURL(),
		StreamURL:         a.cfg.StreamURL(),
		Tokens:            a.tokens,
		Calls:             a.store,
	}
	tw := r.Group("/twilio")
	{
		tw.POST("/voice", webhook.HandleVoice)
		tw.POST("/fallback", webhook.HandleFallback)
		tw.POST("/recording-status", webhook.HandleRecordingStatus)
		tw.GET("/stream", a.handleStream)
	}
}
