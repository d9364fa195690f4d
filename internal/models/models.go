// Package models provides the data structures shared across the account
// pipeline, status registry, audit store, and HTTP surface.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCredential indicates a Credential has zero or more than one
// populated arm.
var ErrInvalidCredential = errors.New("models: exactly one credential arm must be populated")

// GenerateRunID returns a new globally unique run identifier.
func GenerateRunID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// RunState enumerates the lifecycle states of a ProcessingRun and, by
// extension, the live AccountStatus that mirrors it.
type RunState string

const (
	StateIdle         RunState = "idle"
	StateConnecting   RunState = "connecting"
	StateFetching     RunState = "fetching"
	StateProcessing   RunState = "processing"
	StateCategorizing RunState = "categorizing"
	StateLabeling     RunState = "labeling"
	StateCompleted    RunState = "completed"
	StateError        RunState = "error"
)

// Terminal reports whether the state ends a run; no further transitions are
// valid once a run reaches one of these.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// LeaseSource distinguishes a scheduler-driven pipeline invocation from an
// API-triggered one, since only the latter is subject to the minimum
// interval rate limit.
type LeaseSource string

const (
	SourceSchedule LeaseSource = "schedule"
	SourceManual   LeaseSource = "manual"
)

// CredentialKind tags which arm of Credential is populated.
type CredentialKind string

const (
	CredentialIMAPPassword CredentialKind = "imap_password"
	CredentialOAuth        CredentialKind = "oauth"
)

// CachedToken is the short-lived OAuth access token cached alongside a
// refresh token.
type CachedToken struct {
	AccessToken string
	Expiry      time.Time
}

// Expired reports whether the cached token is within skew of expiring.
func (c *CachedToken) Expired(skew time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	return time.Now().Add(skew).After(c.Expiry)
}

// Credential is a tagged union with exactly one populated arm: either an
// IMAP app-password or an OAuth refresh token (plus its cached access
// token). Exactly one of Kind's corresponding fields is meaningful.
type Credential struct {
	Kind CredentialKind

	// IMAP app-password arm.
	IMAPUsername    string
	IMAPAppPassword string

	// OAuth arm.
	OAuthRefreshToken string
	AccessTokenCache  *CachedToken
}

// Validate checks that exactly one credential arm is populated consistently
// with Kind.
func (c Credential) Validate() error {
	switch c.Kind {
	case CredentialIMAPPassword:
		if c.IMAPUsername == "" || c.IMAPAppPassword == "" {
			return ErrInvalidCredential
		}
		if c.OAuthRefreshToken != "" {
			return ErrInvalidCredential
		}
	case CredentialOAuth:
		if c.OAuthRefreshToken == "" {
			return ErrInvalidCredential
		}
		if c.IMAPUsername != "" || c.IMAPAppPassword != "" {
			return ErrInvalidCredential
		}
	default:
		return ErrInvalidCredential
	}
	return nil
}

// Account is a mailbox identity with credentials and runtime policy.
type Account struct {
	Address    string
	Active     bool
	LastScanAt time.Time
	Credential Credential
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanonicalAddress lowercases and trims an address the way Account.Address
// is always stored.
func CanonicalAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// StateTransition records one entry of a ProcessingRun's timeline.
type StateTransition struct {
	State RunState
	At    time.Time
}

// Counters holds the additive per-run tallies shared by ProcessingRun and
// AccountStatus.
type Counters struct {
	EmailsFound       int
	EmailsProcessed   int
	EmailsCategorized int
	EmailsSkipped     int
	EmailsDeleted     int
	EmailsArchived    int
	EmailsErrored     int
}

// Add returns the element-wise sum of two Counters.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		EmailsFound:       c.EmailsFound + d.EmailsFound,
		EmailsProcessed:   c.EmailsProcessed + d.EmailsProcessed,
		EmailsCategorized: c.EmailsCategorized + d.EmailsCategorized,
		EmailsSkipped:     c.EmailsSkipped + d.EmailsSkipped,
		EmailsDeleted:     c.EmailsDeleted + d.EmailsDeleted,
		EmailsArchived:    c.EmailsArchived + d.EmailsArchived,
		EmailsErrored:     c.EmailsErrored + d.EmailsErrored,
	}
}

// ProcessingRun is the durable audit record of one pipeline invocation.
type ProcessingRun struct {
	RunID          string
	AccountAddress string
	StartTime      time.Time
	EndTime        *time.Time
	State          RunState
	CurrentStep    string
	Counters       Counters
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Timeline       []StateTransition
}

// Progress is the {current, total} pair reported during the per-message
// loop.
type Progress struct {
	Current int
	Total   int
}

// AccountStatus is the live in-memory mirror of the active run for an
// account.
type AccountStatus struct {
	RunID          string
	AccountAddress string
	StartTime      time.Time
	EndTime        *time.Time
	State          RunState
	CurrentStep    string
	Counters       Counters
	Progress       Progress
	ErrorMessage   string
	LastUpdated    time.Time
}

// Clone returns a deep copy suitable for handing to a reader outside the
// registry's lock.
func (s *AccountStatus) Clone() *AccountStatus {
	if s == nil {
		return nil
	}
	cp := *s
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	return &cp
}

// CategoryAggregate is a per-account per-day counter bucket keyed by
// category.
type CategoryAggregate struct {
	AccountAddress string
	Day            string // YYYY-MM-DD, UTC
	Category       string
	Count          int
	Deleted        int
	Archived       int
}

// SenderAggregate is a per-account per-day counter bucket keyed by sender.
type SenderAggregate struct {
	AccountAddress string
	Day            string
	Sender         string
	Count          int
	Deleted        int
	Archived       int
}

// DomainAggregate is a per-account per-day counter bucket keyed by sender
// domain.
type DomainAggregate struct {
	AccountAddress string
	Day            string
	Domain         string
	Count          int
	Deleted        int
	Archived       int
}

// AggregateDeltas bundles the per-key deltas produced by completing a
// single run, ready for UpsertAggregates.
type AggregateDeltas struct {
	Day      string
	Category map[string]Counters
	Sender   map[string]Counters
	Domain   map[string]Counters
}

// Action is the disposition applied to a message once categorized.
type Action string

const (
	ActionKeep    Action = "keep"
	ActionDelete  Action = "delete"
	ActionArchive Action = "archive"
)

// PolicySnapshot is the allow-list, block-list, and blocked-category set
// consulted per run, cached with a short TTL.
type PolicySnapshot struct {
	AllowedDomains   map[string]bool
	BlockedDomains   map[string]bool
	BlockedCategory  map[string]bool
	CategoryAction   map[string]Action // explicit archive/delete override per blocked category
	DefaultBlockedOp Action            // fallback when CategoryAction has no entry
	FetchedAt        time.Time
}

// ActionFor resolves the disposition for a blocked category, honoring any
// explicit per-category override before falling back to DefaultBlockedOp.
func (p *PolicySnapshot) ActionFor(category string) Action {
	if p == nil {
		return ActionDelete
	}
	if a, ok := p.CategoryAction[category]; ok {
		return a
	}
	if p.DefaultBlockedOp != "" {
		return p.DefaultBlockedOp
	}
	return ActionDelete
}

// Envelope is the minimal per-message data the pipeline fetches and carries
// through classification; message bodies are never retained past the
// classify step (spec Non-goals: no streaming of message bodies).
type Envelope struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	// Body is the message body text, if the adapter fetched one; the
	// pipeline strips HTML from it and truncates subject+body before
	// handing them to the classifier. Neither bundled adapter fills it.
	Body string
}

// SenderDomain extracts the domain portion of the From header, lowercased.
func (e Envelope) SenderDomain() string {
	addr := e.From
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}

// Statistics is the aggregate view over RecentRuns.
type Statistics struct {
	Total          int
	Success        int
	Error          int
	SuccessRate    float64
	AvgDurationSec float64
}
