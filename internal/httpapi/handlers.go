package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

var validate = validator.New()

func (h *Handler) getHealth(c *gin.Context) {
	status := h.audit.GetConnectionStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"database":  status,
		"scheduler": gin.H{"running": h.scheduler.Running()},
	})
}

func (h *Handler) getConfig(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"environment":             h.cfg.Environment,
		"scan_interval_seconds":   h.cfg.ScanInterval.Seconds(),
		"lookback_hours":          h.cfg.LookbackHours,
		"min_interval_seconds":    h.cfg.MinInterval.Seconds(),
		"max_recent":              h.cfg.MaxRecent,
		"blocked_category_action": h.cfg.BlockedCategoryAction,
		"default_blocked_action":  h.cfg.DefaultBlockedAction,
	})
}

type registerAccountRequest struct {
	Address         string `json:"address" validate:"required,email"`
	AuthMethod      string `json:"auth_method" validate:"required,oneof=imap_password oauth"`
	IMAPUsername    string `json:"imap_username"`
	IMAPAppPassword string `json:"imap_app_password"`
	OAuthRefreshToken string `json:"oauth_refresh_token"`
}

func (h *Handler) registerAccount(c *gin.Context) {
	var req registerAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := models.Account{
		Address: models.CanonicalAddress(req.Address),
		Active:  true,
	}
	switch req.AuthMethod {
	case "imap_password":
		account.Credential = models.Credential{
			Kind:            models.CredentialIMAPPassword,
			IMAPUsername:    req.IMAPUsername,
			IMAPAppPassword: req.IMAPAppPassword,
		}
	case "oauth":
		account.Credential = models.Credential{
			Kind:              models.CredentialOAuth,
			OAuthRefreshToken: req.OAuthRefreshToken,
		}
	}
	if err := account.Credential.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unusable credentials"})
		return
	}

	if err := h.audit.RegisterAccount(c.Request.Context(), account); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"address": account.Address})
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.audit.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"address":     a.Address,
			"active":      a.Active,
			"auth_method": a.Credential.Kind,
			"last_scan":   a.LastScanAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"total_count": len(out), "accounts": out})
}

func (h *Handler) deactivateAccount(c *gin.Context) {
	addr := c.Param("addr")
	if err := h.audit.DeactivateAccount(c.Request.Context(), addr); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": models.CanonicalAddress(addr), "active": false})
}

func (h *Handler) deleteAccount(c *gin.Context) {
	addr := c.Param("addr")
	if err := h.audit.DeleteAccount(c.Request.Context(), addr); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// forceProcess invokes the pipeline through the Gate, returning 202 if
// accepted, 409 if busy, 429 if rate-limited, 404 if unknown account, 400
// if unusable credentials (spec.md §4.G, scenarios S2/S3).
func (h *Handler) forceProcess(c *gin.Context) {
	addr := models.CanonicalAddress(c.Param("addr"))

	account, err := h.audit.GetAccount(c.Request.Context(), addr)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := account.Credential.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unusable credentials"})
		return
	}

	lease, err := h.gate.Acquire(addr, models.SourceManual)
	if err != nil {
		var tooSoon *catserrors.TooSoon
		if errors.As(err, &tooSoon) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited", "retry_after": tooSoon.SecondsRemaining})
			return
		}
		if catserrors.Is(err, catserrors.ErrBusy) {
			current := h.registry.GetCurrent(addr)
			step := ""
			state := models.StateProcessing
			if current != nil {
				step = current.CurrentStep
				state = current.State
			}
			c.JSON(http.StatusConflict, gin.H{"state": state, "current_step": step})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if hours := c.Query("hours"); hours != "" {
		// Accepted for interface compatibility; the concrete per-run
		// lookback override is threaded through the pipeline config at
		// construction, not per-request, matching spec.md §6.5.
		_, _ = strconv.Atoi(hours)
	}

	go func() {
		defer h.gate.Release(lease)
		_, err := h.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			return h.runner.Run(ctx, account)
		})
		if err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
			h.log.Warn("force-process run failed", zap.String("address", addr), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"address": addr, "accepted": true})
}

func (h *Handler) topCategories(c *gin.Context) {
	addr := models.CanonicalAddress(c.Param("addr"))
	limit := 10
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	categories, err := h.audit.TopCategories(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "categories": categories})
}

func (h *Handler) processingStatus(c *gin.Context) {
	accounts := h.registry.ActiveAccounts()
	out := make([]*models.AccountStatus, 0, len(accounts))
	for _, addr := range accounts {
		if s := h.registry.GetCurrent(addr); s != nil {
			out = append(out, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"active": out})
}

func (h *Handler) processingHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	// The history endpoint is backed by the in-memory RecentRuns ring, not
	// the database, per the Open Question resolution in SPEC_FULL.md §9.
	c.JSON(http.StatusOK, gin.H{"runs": h.registry.RecentRuns(limit)})
}

func (h *Handler) processingStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Statistics())
}

func (h *Handler) currentStatus(c *gin.Context) {
	resp := gin.H{"active": h.processingStatusData()}
	if c.Query("include_recent") == "true" {
		resp["recent"] = h.registry.RecentRuns(h.defaultMaxRecent())
	}
	if c.Query("include_stats") == "true" {
		resp["statistics"] = h.registry.Statistics()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) processingStatusData() []*models.AccountStatus {
	accounts := h.registry.ActiveAccounts()
	out := make([]*models.AccountStatus, 0, len(accounts))
	for _, addr := range accounts {
		if s := h.registry.GetCurrent(addr); s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handler) defaultMaxRecent() int {
	if h.cfg != nil && h.cfg.MaxRecent > 0 {
		return h.cfg.MaxRecent
	}
	return 50
}

func (h *Handler) backgroundStart(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running()})
}

func (h *Handler) backgroundStop(c *gin.Context) {
	h.scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running()})
}

func (h *Handler) backgroundStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running()})
}

func (h *Handler) backgroundNextExecution(c *gin.Context) {
	next := h.scheduler.NextExecutionAt()
	c.JSON(http.StatusOK, gin.H{"next_execution_at": next})
}

func (h *Handler) wsStatus(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.publisher.Subscribe(conn)
}
