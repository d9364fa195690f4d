package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/catemails/engine/internal/models"
)

// StateIssuer signs and verifies the oauth_state handshake token; satisfied
// by *oauthstate.Issuer.
type StateIssuer interface {
	Issue(account string) (string, error)
	Verify(token string) (string, error)
}

// OAuthExchanger builds the provider consent URL and trades an
// authorization code for a refresh token; satisfied by
// *gmailstore.Factory.
type OAuthExchanger interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// oauthAuthorize redirects the caller to the provider's consent screen,
// after minting and persisting a state token bound to address (spec.md
// §6.3 oauth_state, SPEC_FULL.md §4.I).
func (h *Handler) oauthAuthorize(c *gin.Context) {
	if h.oauthExchanger == nil || h.stateIssuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "oauth is not configured"})
		return
	}
	address := models.CanonicalAddress(c.Query("address"))
	if err := validate.Var(address, "required,email"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be a valid email address"})
		return
	}

	state, err := h.stateIssuer.Issue(address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.SaveOAuthState(c.Request.Context(), state, address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Redirect(http.StatusFound, h.oauthExchanger.AuthCodeURL(state))
}

// oauthCallback completes the handshake: verifies state, exchanges the
// authorization code for a refresh token, and links it to the account that
// originated the request.
func (h *Handler) oauthCallback(c *gin.Context) {
	if h.oauthExchanger == nil || h.stateIssuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "oauth is not configured"})
		return
	}
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
		return
	}

	signedAddr, err := h.stateIssuer.Verify(state)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired state"})
		return
	}
	storedAddr, err := h.audit.ConsumeOAuthState(c.Request.Context(), state)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": "invalid or expired state"})
		return
	}
	if storedAddr != signedAddr {
		h.log.Warn("oauth state address mismatch", zap.String("signed", signedAddr), zap.String("stored", storedAddr))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	refreshToken, err := h.oauthExchanger.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.UpsertOAuthCredential(c.Request.Context(), storedAddr, refreshToken); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": storedAddr, "linked": true})
}
