// Package gmailstore adapts the Gmail API into the Pipeline's MailStore
// interface: OAuth2-authenticated connect, envelope listing by internal
// date, and label/trash/archive actions. Grounded on the reference
// backend's GmailClient (rate-limited, retrying API client wrapping
// google.golang.org/api/gmail/v1), generalized from a single GetEmail call
// into the full Connect/FetchSince/Label/Delete/Archive/Close surface the
// pipeline needs.
package gmailstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/tokencache"
)

const (
	maxRetries = 3
	// rateLimit mirrors Gmail's documented per-user quota of 250
	// quota-units/second; each call here costs roughly one unit.
	rateLimit = 250
	// tokenRefreshSkew is how far ahead of actual expiry a cached access
	// token is treated as already expired.
	tokenRefreshSkew = 2 * time.Minute
	// tokenCacheTTL bounds how long an access token stays in the shared
	// cache; after that Connect calls refreshAccessToken again, which reuses
	// the credential's stored token if it is not within tokenRefreshSkew of
	// expiry.
	tokenCacheTTL = 50 * time.Minute
)

// OAuthConfig supplies the client ID/secret/redirect and scopes used to
// build a token source for each account's refresh token.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Client is a per-invocation Gmail MailStore session. A new Client is
// constructed for every pipeline Run via Factory, matching the pipeline's
// scoped-acquisition lifecycle (spec.md §5).
type Client struct {
	oauthCfg *oauth2.Config
	tokens   *tokencache.Cache
	service  *gmail.Service
	limiter  *rate.Limiter

	mu         sync.Mutex
	labelCache map[string]string // category name -> Gmail label ID
}

// Factory builds Clients bound to oauthCfg, suitable for passing as the
// pipeline's mailStoreFor callback when an account's Credential is OAuth.
type Factory struct {
	oauthCfg *oauth2.Config
	tokens   *tokencache.Cache
}

// NewFactory returns a Factory using cfg for every constructed Client. All
// Clients built by the same Factory share one access-token cache, so a
// scheduler sweep and a concurrent force-process for the same account never
// both hit the OAuth provider's refresh endpoint at once.
func NewFactory(cfg OAuthConfig) *Factory {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gmail.GmailModifyScope, gmail.GmailLabelsScope}
	}
	return &Factory{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		tokens: tokencache.New(tokenCacheTTL),
	}
}

// AuthCodeURL returns the Google consent-screen URL for state, requesting
// offline access so the exchange below returns a refresh token.
func (f *Factory) AuthCodeURL(state string) string {
	return f.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for a refresh token, failing if
// the provider didn't grant one (it won't on a repeat consent without
// ApprovalForce, which AuthCodeURL always sets).
func (f *Factory) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := f.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: %v", catserrors.ErrAuth, err)
	}
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("%w: provider did not return a refresh token", catserrors.ErrAuth)
	}
	return tok.RefreshToken, nil
}

// New returns an unconnected Client; Connect must be called before use.
func (f *Factory) New() *Client {
	return &Client{
		oauthCfg:   f.oauthCfg,
		tokens:     f.tokens,
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), 1),
		labelCache: make(map[string]string),
	}
}

// Connect exchanges cred's OAuth refresh token for an access token, reusing
// a cached one if still fresh, and builds the underlying Gmail service.
func (c *Client) Connect(ctx context.Context, cred models.Credential) error {
	if cred.Kind != models.CredentialOAuth {
		return fmt.Errorf("%w: gmailstore requires an OAuth credential", catserrors.ErrAuth)
	}

	cached, err := c.tokens.GetOrRefresh(ctx, cred.OAuthRefreshToken, tokenRefreshSkew, func(ctx context.Context) (*models.CachedToken, error) {
		return c.refreshAccessToken(ctx, cred)
	})
	if err != nil {
		return err
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  cached.AccessToken,
		Expiry:       cached.Expiry,
		RefreshToken: cred.OAuthRefreshToken,
	})
	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return fmt.Errorf("%w: %s", catserrors.ErrNetwork, err.Error())
	}
	c.service = service
	return nil
}

// refreshAccessToken honors an already-fresh AccessTokenCache on cred
// before falling back to the OAuth2 refresh-token exchange.
func (c *Client) refreshAccessToken(ctx context.Context, cred models.Credential) (*models.CachedToken, error) {
	if cred.AccessTokenCache != nil && !cred.AccessTokenCache.Expired(tokenRefreshSkew) {
		return cred.AccessTokenCache, nil
	}
	src := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.OAuthRefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh oauth token: %s", catserrors.ErrAuth, err.Error())
	}
	return &models.CachedToken{AccessToken: fresh.AccessToken, Expiry: fresh.Expiry}, nil
}

// FetchSince lists message envelopes received at or after since.
func (c *Client) FetchSince(ctx context.Context, since time.Time) ([]models.Envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %s", catserrors.ErrNetwork, err.Error())
	}

	query := fmt.Sprintf("after:%d", since.Unix())
	var envelopes []models.Envelope
	pageToken := ""
	for {
		call := c.service.Users.Messages.List("me").Q(query).MaxResults(100)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := callWithRetry(ctx, func() (*gmail.ListMessagesResponse, error) { return call.Do() })
		if err != nil {
			return nil, fmt.Errorf("%w: list messages: %s", catserrors.ErrNetwork, err.Error())
		}

		for _, m := range resp.Messages {
			env, err := c.fetchEnvelope(ctx, m.Id)
			if err != nil {
				return nil, err
			}
			envelopes = append(envelopes, env)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return envelopes, nil
}

func (c *Client) fetchEnvelope(ctx context.Context, msgID string) (models.Envelope, error) {
	msg, err := callWithRetry(ctx, func() (*gmail.Message, error) {
		return c.service.Users.Messages.Get("me", msgID).Format("metadata").
			MetadataHeaders("Subject", "From", "Date").Do()
	})
	if err != nil {
		return models.Envelope{}, fmt.Errorf("%w: get message %s: %s", catserrors.ErrNetwork, msgID, err.Error())
	}

	env := models.Envelope{MessageID: msg.Id}
	if msg.Payload != nil {
		env.Subject = headerValue(msg.Payload.Headers, "Subject")
		env.From = headerValue(msg.Payload.Headers, "From")
	}
	env.Date = time.UnixMilli(msg.InternalDate)
	return env, nil
}

// Label applies a Gmail label equal to category, creating it lazily.
func (c *Client) Label(ctx context.Context, msgID, category string) error {
	labelID, err := c.ensureLabel(ctx, category)
	if err != nil {
		return err
	}
	_, err = callWithRetry(ctx, func() (*gmail.Message, error) {
		return c.service.Users.Messages.Modify("me", msgID, &gmail.ModifyMessageRequest{
			AddLabelIds: []string{labelID},
		}).Do()
	})
	if err != nil {
		return fmt.Errorf("%w: label message %s: %s", catserrors.ErrNetwork, msgID, err.Error())
	}
	return nil
}

// Delete moves msgID to Gmail's trash; it is not purged permanently, so the
// "delete" action stays reversible while the message is in the trash.
func (c *Client) Delete(ctx context.Context, msgID string) error {
	_, err := callWithRetry(ctx, func() (*gmail.Message, error) {
		return c.service.Users.Messages.Trash("me", msgID).Do()
	})
	if err != nil {
		return fmt.Errorf("%w: trash message %s: %s", catserrors.ErrNetwork, msgID, err.Error())
	}
	return nil
}

// Archive removes msgID from the inbox without trashing it.
func (c *Client) Archive(ctx context.Context, msgID string) error {
	_, err := callWithRetry(ctx, func() (*gmail.Message, error) {
		return c.service.Users.Messages.Modify("me", msgID, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"INBOX"},
		}).Do()
	})
	if err != nil {
		return fmt.Errorf("%w: archive message %s: %s", catserrors.ErrNetwork, msgID, err.Error())
	}
	return nil
}

// Close releases this session. The Gmail API client holds no persistent
// connection, so this is a no-op beyond clearing caches.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labelCache = nil
	return nil
}

func (c *Client) ensureLabel(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if id, ok := c.labelCache[name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	list, err := callWithRetry(ctx, func() (*gmail.ListLabelsResponse, error) {
		return c.service.Users.Labels.List("me").Do()
	})
	if err != nil {
		return "", fmt.Errorf("%w: list labels: %s", catserrors.ErrNetwork, err.Error())
	}
	for _, l := range list.Labels {
		if strings.EqualFold(l.Name, name) {
			c.mu.Lock()
			c.labelCache[name] = l.Id
			c.mu.Unlock()
			return l.Id, nil
		}
	}

	created, err := callWithRetry(ctx, func() (*gmail.Label, error) {
		return c.service.Users.Labels.Create("me", &gmail.Label{Name: name}).Do()
	})
	if err != nil {
		return "", fmt.Errorf("%w: create label %s: %s", catserrors.ErrNetwork, name, err.Error())
	}
	c.mu.Lock()
	c.labelCache[name] = created.Id
	c.mu.Unlock()
	return created.Id, nil
}

func headerValue(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// callWithRetry retries a Gmail API call with exponential backoff, mirroring
// the reference client's retry loop but generalized to any response type.
func callWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		select {
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
