package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"receptionist-platform/internal/bridge"
	"receptionist-platform/internal/speech"
	"receptionist-platform/internal/store"
	"receptionist-platform/internal/telephony"
	"receptionist-platform/pkg/logger"
	"receptionist-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider connects server-to-server; there is no browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades the media stream websocket and runs the call
// bridge until either side hangs up.
func (a *app) handleStream(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromGin(c).Warn("stream upgrade failed", "err", err)
		return
	}

	session := bridge.NewSession(bridge.Deps{
		Log:       logger.FromGin(c),
		Telephony: telephony.NewLeg(conn),
		Dialer: bridge.SpeechDialerFunc(func(ctx context.Context) (bridge.SpeechLeg, error) {
			return a.dialer.Dial(ctx)
		}),
		Tenants:   tenantResolver{store: a.store},
		Tools:     a.dispatcher,
		Saver:     a.store,
		Finalizer: a.finalizer,
		Gate: redisGate{
			rdb:   a.rdb,
			limit: a.cfg.Redis.MaxConcurrentCalls,
		},
		Verifier: a.tokens,
	})

	// The websocket is already hijacked; run the whole call on this
	// goroutine and let gin finish when the call does.
	if err := session.Run(c.Request.Context()); err != nil {
		logger.FromGin(c).Error("bridge session failed", "err", err)
	}
}

// tenantResolver adapts the store's tenant rows to what the bridge needs.
type tenantResolver struct {
	store *store.Service
}

func (t tenantResolver) ByID(ctx context.Context, id string) (bridge.TenantInfo, error) {
	return t.info(t.store.TenantByID(ctx, id))
}

func (t tenantResolver) ByPhoneNumber(ctx context.Context, number string) (bridge.TenantInfo, error) {
	return t.info(t.store.TenantByPhoneNumber(ctx, number))
}

func (t tenantResolver) info(row store.Tenant, err error) (bridge.TenantInfo, error) {
	if err != nil {
		return bridge.TenantInfo{}, err
	}
	return bridge.TenantInfo{
		ID:   row.ID,
		Name: row.Name,
		Profile: speech.TenantProfile{
			Name:           row.Name,
			Industry:       row.Industry,
			Description:    row.Description,
			CommonServices: strings.Join(row.Services, ", "),
			FAQs:           row.FAQs,
		},
	}, nil
}

// redisGate caps concurrent live calls per tenant. The TTL is a safety
// valve in case a release is lost.
type redisGate struct {
	rdb   *redis.Client
	limit int
}

const gateTTL = 4 * time.Hour

func (g redisGate) key(tenantID string) string { return "live_calls:" + tenantID }

func (g redisGate) Acquire(ctx context.Context, tenantID string) (bool, error) {
	if g.limit <= 0 {
		return true, nil
	}
	return utils.AcquireConcurrencyCap(ctx, g.rdb, g.key(tenantID), g.limit, gateTTL)
}

func (g redisGate) Release(ctx context.Context, tenantID string) error {
	if g.limit <= 0 {
		return nil
	}
	return utils.ReleaseConcurrencyCap(ctx, g.rdb, g.key(tenantID))
}
