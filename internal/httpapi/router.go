// Package httpapi implements the HTTP Surface (spec.md §4.G, §6.1-6.2):
// REST endpoints for account administration, force-processing, status,
// history, and scheduler control, plus the /ws/status WebSocket. Grounded
// on the reference backend's gin router with metrics/rate-limit/circuit-
// breaker middleware chain, generalized from a single EmailHandler to the
// Cat-Emails surface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/catemails/engine/internal/audit"
	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/config"
	"github.com/catemails/engine/internal/gate"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/publisher"
	"github.com/catemails/engine/internal/registry"
)

// Runner executes one pipeline invocation for account, in the background.
type Runner interface {
	Run(ctx context.Context, account models.Account) (runID string, err error)
}

// AccountStore is the subset of *audit.Store the HTTP surface needs for
// account administration, connection health, and category rankings.
type AccountStore interface {
	RegisterAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, addr string) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	DeactivateAccount(ctx context.Context, addr string) error
	DeleteAccount(ctx context.Context, addr string) error
	TopCategories(ctx context.Context, account string, limit int) (map[string]int, error)
	GetConnectionStatus(ctx context.Context) audit.ConnectionStatus

	SaveOAuthState(ctx context.Context, token, account string) error
	ConsumeOAuthState(ctx context.Context, token string) (string, error)
	UpsertOAuthCredential(ctx context.Context, account, refreshToken string) error
}

// SchedulerControl is the subset of *scheduler.Scheduler the HTTP surface
// drives.
type SchedulerControl interface {
	Start() error
	Stop()
	Running() bool
	NextExecutionAt() time.Time
}

// Handler bundles every collaborator the HTTP surface reads or mutates.
type Handler struct {
	audit     AccountStore
	registry  *registry.Registry
	gate      *gate.Gate
	scheduler SchedulerControl
	runner    Runner
	publisher *publisher.Publisher
	cfg       *config.Config
	log       *zap.Logger

	oauthExchanger OAuthExchanger
	stateIssuer    StateIssuer

	breaker  *gobreaker.CircuitBreaker
	upgrader websocket.Upgrader
}

// New returns a Handler ready to be registered onto a gin engine. oauthEx
// and stateIssuer may both be nil, in which case the oauth routes respond
// 501 Not Implemented instead of panicking.
func New(
	auditStore AccountStore,
	reg *registry.Registry,
	g *gate.Gate,
	sched SchedulerControl,
	runner Runner,
	pub *publisher.Publisher,
	cfg *config.Config,
	log *zap.Logger,
	oauthEx OAuthExchanger,
	stateIssuer StateIssuer,
) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "force-process",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Handler{
		audit:          auditStore,
		registry:       reg,
		gate:           g,
		scheduler:      sched,
		runner:         runner,
		publisher:      pub,
		cfg:            cfg,
		log:            log,
		oauthExchanger: oauthEx,
		stateIssuer:    stateIssuer,
		breaker:        breaker,
		upgrader:       websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// NewRouter builds a gin engine with every REST route and the WebSocket
// upgrade endpoint registered.
func (h *Handler) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.loggingMiddleware())

	limiter := rate.NewLimiter(rate.Limit(20), 40)

	api := r.Group("/api")
	api.Use(h.apiKeyMiddleware())
	{
		api.GET("/health", h.getHealth)
		api.GET("/config", h.getConfig)

		api.POST("/accounts", h.registerAccount)
		api.GET("/accounts", h.listAccounts)
		api.PUT("/accounts/:addr/deactivate", h.deactivateAccount)
		api.DELETE("/accounts/:addr", h.deleteAccount)
		api.POST("/accounts/:addr/process", h.rateLimitMiddleware(limiter), h.forceProcess)
		api.GET("/accounts/:addr/categories/top", h.topCategories)

		api.GET("/oauth/authorize", h.oauthAuthorize)

		api.GET("/processing/status", h.processingStatus)
		api.GET("/processing/history", h.processingHistory)
		api.GET("/processing/statistics", h.processingStatistics)
		api.GET("/processing/current-status", h.currentStatus)

		api.GET("/background/start", h.backgroundStart)
		api.GET("/background/stop", h.backgroundStop)
		api.GET("/background/status", h.backgroundStatus)
		api.GET("/background/next-execution", h.backgroundNextExecution)
	}

	r.GET("/ws/status", h.wsStatus)
	r.GET("/oauth/callback", h.oauthCallback)

	return r
}

func (h *Handler) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// apiKeyMiddleware enforces X-API-Key when cfg.APIKey is set; an empty
// configured key disables auth entirely (local/dev mode).
func (h *Handler) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg == nil || h.cfg.APIKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != h.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing X-API-Key"})
			return
		}
		c.Next()
	}
}

func (h *Handler) rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited", "retry_after": 1})
			return
		}
		c.Next()
	}
}

func errorStatus(err error) int {
	switch {
	case catserrors.Is(err, catserrors.ErrUnknownAccount):
		return http.StatusNotFound
	case catserrors.Is(err, catserrors.ErrAccountExists):
		return http.StatusConflict
	case catserrors.Is(err, catserrors.ErrBusy):
		return http.StatusConflict
	case catserrors.Is(err, catserrors.ErrAuth):
		return http.StatusBadRequest
	case catserrors.Is(err, catserrors.ErrOAuthState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
