package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/audit"
	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/config"
	"github.com/catemails/engine/internal/gate"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/publisher"
	"github.com/catemails/engine/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAccountStore struct {
	accounts map[string]models.Account
	states   map[string]string
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{
		accounts: make(map[string]models.Account),
		states:   make(map[string]string),
	}
}

func (f *fakeAccountStore) RegisterAccount(ctx context.Context, account models.Account) error {
	if _, ok := f.accounts[account.Address]; ok {
		return catserrors.ErrAccountExists
	}
	f.accounts[account.Address] = account
	return nil
}

func (f *fakeAccountStore) GetAccount(ctx context.Context, addr string) (models.Account, error) {
	a, ok := f.accounts[models.CanonicalAddress(addr)]
	if !ok {
		return models.Account{}, catserrors.ErrUnknownAccount
	}
	return a, nil
}

func (f *fakeAccountStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	out := make([]models.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAccountStore) DeactivateAccount(ctx context.Context, addr string) error {
	a, ok := f.accounts[models.CanonicalAddress(addr)]
	if !ok {
		return catserrors.ErrUnknownAccount
	}
	a.Active = false
	f.accounts[a.Address] = a
	return nil
}

func (f *fakeAccountStore) DeleteAccount(ctx context.Context, addr string) error {
	key := models.CanonicalAddress(addr)
	if _, ok := f.accounts[key]; !ok {
		return catserrors.ErrUnknownAccount
	}
	delete(f.accounts, key)
	return nil
}

func (f *fakeAccountStore) TopCategories(ctx context.Context, account string, limit int) (map[string]int, error) {
	return map[string]int{"Marketing": 5}, nil
}

func (f *fakeAccountStore) GetConnectionStatus(ctx context.Context) audit.ConnectionStatus {
	return audit.ConnectionStatus{Connected: true, Message: "ok"}
}

func (f *fakeAccountStore) SaveOAuthState(ctx context.Context, token, account string) error {
	f.states[token] = models.CanonicalAddress(account)
	return nil
}

func (f *fakeAccountStore) ConsumeOAuthState(ctx context.Context, token string) (string, error) {
	addr, ok := f.states[token]
	if !ok {
		return "", catserrors.ErrOAuthState
	}
	delete(f.states, token)
	return addr, nil
}

func (f *fakeAccountStore) UpsertOAuthCredential(ctx context.Context, account, refreshToken string) error {
	addr := models.CanonicalAddress(account)
	a, ok := f.accounts[addr]
	if !ok {
		a = models.Account{Address: addr, Active: true}
	}
	a.Credential = models.Credential{Kind: models.CredentialOAuth, OAuthRefreshToken: refreshToken}
	f.accounts[addr] = a
	return nil
}

type fakeStateIssuer struct{ bound string }

func (f *fakeStateIssuer) Issue(account string) (string, error) { return "state-token", nil }
func (f *fakeStateIssuer) Verify(token string) (string, error) {
	if token != "state-token" {
		return "", catserrors.ErrOAuthState
	}
	return f.bound, nil
}

type fakeExchanger struct{ refreshToken string }

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://provider.example.com/consent?state=" + state
}

func (f *fakeExchanger) ExchangeCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", catserrors.ErrAuth
	}
	return f.refreshToken, nil
}

type fakeScheduler struct{ running bool }

func (f *fakeScheduler) Start() error              { f.running = true; return nil }
func (f *fakeScheduler) Stop()                      { f.running = false }
func (f *fakeScheduler) Running() bool              { return f.running }
func (f *fakeScheduler) NextExecutionAt() time.Time { return time.Time{} }

type fakeRunner struct {
	blockUntil chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, account models.Account) (string, error) {
	if f.blockUntil != nil {
		<-f.blockUntil
	}
	return "run-1", nil
}

func testAccount(addr string) models.Account {
	return models.Account{
		Address: addr,
		Active:  true,
		Credential: models.Credential{
			Kind:            models.CredentialIMAPPassword,
			IMAPUsername:    addr,
			IMAPAppPassword: "app-password",
		},
	}
}

func newTestHandler(store *fakeAccountStore, reg *registry.Registry, g *gate.Gate, runner Runner) *Handler {
	pub := publisher.New(reg, nil)
	sched := &fakeScheduler{}
	cfg := &config.Config{MaxRecent: 50}
	return New(store, reg, g, sched, runner, pub, cfg, nil, nil, nil)
}

func newOAuthTestHandler(store *fakeAccountStore, bound, refreshToken string) *Handler {
	reg := registry.New(10)
	pub := publisher.New(reg, nil)
	sched := &fakeScheduler{}
	cfg := &config.Config{MaxRecent: 50}
	return New(store, reg, gate.New(0), sched, &fakeRunner{}, pub, cfg, nil,
		&fakeExchanger{refreshToken: refreshToken}, &fakeStateIssuer{bound: bound})
}

func TestHealthEndpoint(t *testing.T) {
	store := newFakeAccountStore()
	h := newTestHandler(store, registry.New(10), gate.New(0), &fakeRunner{})
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndListAccounts(t *testing.T) {
	store := newFakeAccountStore()
	h := newTestHandler(store, registry.New(10), gate.New(0), &fakeRunner{})
	router := h.NewRouter()

	body, _ := json.Marshal(map[string]string{
		"address": "u@example.com", "auth_method": "imap_password",
		"imap_username": "u@example.com", "imap_app_password": "secret",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	router.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	var resp struct {
		TotalCount int `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalCount)
}

// TestForceProcess_BusyReturns409 covers scenario S2.
func TestForceProcess_BusyReturns409(t *testing.T) {
	store := newFakeAccountStore()
	store.accounts["u@example.com"] = testAccount("u@example.com")
	g := gate.New(0)
	reg := registry.New(10)

	blocker := make(chan struct{})
	runner := &fakeRunner{blockUntil: blocker}
	h := newTestHandler(store, reg, g, runner)
	router := h.NewRouter()

	w1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodPost, "/api/accounts/u@example.com/process", nil)
	router.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)

	// The lease is held by the background goroutine; poll briefly for it.
	require.Eventually(t, func() bool { return g.InFlight("u@example.com") }, time.Second, 5*time.Millisecond)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/accounts/u@example.com/process", nil)
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusConflict, w2.Code)

	close(blocker)
}

// TestForceProcess_UnknownAccountReturns404 covers the 404 branch.
func TestForceProcess_UnknownAccountReturns404(t *testing.T) {
	store := newFakeAccountStore()
	h := newTestHandler(store, registry.New(10), gate.New(0), &fakeRunner{})
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/missing@example.com/process", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestForceProcess_RateLimitReturns429 covers scenario S3: two manual
// triggers within minInterval for the same account.
func TestForceProcess_RateLimitReturns429(t *testing.T) {
	store := newFakeAccountStore()
	store.accounts["u@example.com"] = testAccount("u@example.com")
	g := gate.New(time.Hour)
	h := newTestHandler(store, registry.New(10), g, &fakeRunner{})
	router := h.NewRouter()

	w1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodPost, "/api/accounts/u@example.com/process", nil)
	router.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)

	require.Eventually(t, func() bool { return !g.InFlight("u@example.com") }, time.Second, 5*time.Millisecond)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/accounts/u@example.com/process", nil)
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestOAuthAuthorize_RedirectsToConsentScreen(t *testing.T) {
	store := newFakeAccountStore()
	h := newOAuthTestHandler(store, "u@example.com", "refresh-1")
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?address=u@example.com", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "state=state-token")
	assert.Equal(t, "u@example.com", store.states["state-token"])
}

func TestOAuthAuthorize_RejectsInvalidAddress(t *testing.T) {
	store := newFakeAccountStore()
	h := newOAuthTestHandler(store, "u@example.com", "refresh-1")
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?address=not-an-email", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOAuthCallback_LinksAccountCredential(t *testing.T) {
	store := newFakeAccountStore()
	store.states["state-token"] = "u@example.com"
	h := newOAuthTestHandler(store, "u@example.com", "refresh-1")
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state=state-token", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, store.states["state-token"])

	account, err := store.GetAccount(context.Background(), "u@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialOAuth, account.Credential.Kind)
	assert.Equal(t, "refresh-1", account.Credential.OAuthRefreshToken)
}

func TestOAuthCallback_RejectsUnknownState(t *testing.T) {
	store := newFakeAccountStore()
	h := newOAuthTestHandler(store, "u@example.com", "refresh-1")
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state=bogus", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyMiddleware_RejectsMissingKey(t *testing.T) {
	store := newFakeAccountStore()
	h := newTestHandler(store, registry.New(10), gate.New(0), &fakeRunner{})
	h.cfg.APIKey = "secret-key"
	router := h.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req2.Header.Set("X-API-Key", "secret-key")
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}
