// Package pipeline implements the Account Pipeline (spec.md §4.E): the
// single critical path that connects to a mailbox, fetches new messages,
// classifies and acts on each, and records the outcome. Grounded on the
// reference backend's EmailService retry/metrics shape, generalized from a
// one-shot email-processing call into a connect→fetch→classify→act→record
// loop.
package pipeline

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/publisher"
)

const (
	// classifyBaseDelay is the first retry backoff for classifier calls.
	classifyBaseDelay = 1 * time.Second
	classifyMaxDelay   = 30 * time.Second
	classifyMaxAttempt = 3

	// textBudget bounds the cleaned text handed to the classifier.
	textBudget = 4000

	categoryOther          = "Other"
	categoryBlockedDomain  = "Blocked-Domain"
	categoryAllowedDomain  = "Allowed-Domain"
)

var (
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catemails_pipeline_run_duration_seconds",
		Help:    "Duration of a complete account pipeline invocation",
		Buckets: prometheus.DefBuckets,
	})
	runResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catemails_pipeline_runs_total",
		Help: "Completed pipeline runs by result",
	}, []string{"result"})
	classifierErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catemails_pipeline_classifier_errors_total",
		Help: "Classifier calls that exhausted retries and fell back to Other",
	})
)

var htmlTagRE = regexp.MustCompile(`<[^>]*>`)

// Config bounds the pipeline's per-invocation behavior.
type Config struct {
	LookbackHours   int
	PipelineTimeout time.Duration
}

// Pipeline runs one account end-to-end against the injected collaborators.
// A single Pipeline value is reused across accounts and invocations; all
// per-run state lives on the stack of Run, never on the struct.
type Pipeline struct {
	mailStoreFor func(models.Credential) MailStore
	classifier   Classifier
	policy       Policy
	audit        AuditStore
	registry     StatusSink
	publisher    EventPublisher
	log          *zap.Logger
	cfg          Config
}

// New returns a Pipeline. mailStoreFor selects the concrete MailStore
// adapter (Gmail OAuth vs generic IMAP) based on the account's credential
// variant (spec.md §9 "Credential polymorphism").
func New(
	mailStoreFor func(models.Credential) MailStore,
	classifier Classifier,
	policy Policy,
	auditStore AuditStore,
	registry StatusSink,
	pub EventPublisher,
	log *zap.Logger,
	cfg Config,
) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 2
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 10 * time.Minute
	}
	return &Pipeline{
		mailStoreFor: mailStoreFor,
		classifier:   classifier,
		policy:       policy,
		audit:        auditStore,
		registry:     registry,
		publisher:    pub,
		log:          log,
		cfg:          cfg,
	}
}

// Run executes one full pipeline invocation for account, returning the
// run ID and the final error (nil on success). The context should carry
// the lease lifetime; Run derives its own deadline from cfg.PipelineTimeout.
func (p *Pipeline) Run(ctx context.Context, account models.Account) (runID string, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
	}()

	runID, err = p.audit.StartRun(ctx, account.Address)
	if err != nil {
		runResult.WithLabelValues("start_failed").Inc()
		return "", errWrap(catserrors.ErrStorage, err)
	}
	p.registry.Start(runID, account.Address, start)
	p.publish(account.Address, "status_update")

	var final models.Counters
	runErr := p.runSteps(ctx, runID, account, &final)

	success := runErr == nil
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		if catserrors.Is(runErr, catserrors.ErrCancelled) {
			errMsg = "cancelled"
		}
		p.log.Error("pipeline run failed",
			zap.String("account", account.Address), zap.String("run_id", runID), zap.Error(runErr))
	}

	if err := p.audit.CompleteRun(ctx, runID, final, success, errMsg); err != nil {
		p.log.Error("failed to persist run completion", zap.String("run_id", runID), zap.Error(err))
	}
	p.registry.Complete(account.Address, success, errMsg, time.Now())
	p.publish(account.Address, "status_update")

	if success {
		runResult.WithLabelValues("completed").Inc()
	} else {
		runResult.WithLabelValues("error").Inc()
	}
	return runID, runErr
}

func (p *Pipeline) publish(account, eventType string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(publisher.Event{Type: eventType, Account: account, At: time.Now()})
}

// runSteps executes Connect→Fetch→Dedupe→Policy→loop→Aggregate and returns
// the terminal error, if any. final accumulates counters for CompleteRun.
func (p *Pipeline) runSteps(ctx context.Context, runID string, account models.Account, final *models.Counters) error {
	store, err := p.connect(ctx, runID, account)
	if err != nil {
		return err
	}
	defer store.Close()

	envelopes, err := p.fetch(ctx, runID, account, store, final)
	if err != nil {
		return err
	}

	fresh, err := p.dedupe(ctx, runID, account, envelopes, final)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	snapshot, err := p.policySnapshot(ctx)
	if err != nil {
		return err
	}

	deltas := models.AggregateDeltas{
		Day:      dayBucket(time.Now()),
		Category: make(map[string]models.Counters),
		Sender:   make(map[string]models.Counters),
		Domain:   make(map[string]models.Counters),
	}

	if err := p.processMessages(ctx, runID, account, store, snapshot, fresh, final, &deltas); err != nil {
		return err
	}

	if err := p.audit.UpsertAggregates(ctx, account.Address, deltas); err != nil {
		return errWrap(catserrors.ErrStorage, err)
	}
	return nil
}

func (p *Pipeline) connect(ctx context.Context, runID string, account models.Account) (MailStore, error) {
	p.registry.SetState(account.Address, models.StateConnecting, "connecting")
	p.publish(account.Address, "status_update")
	_ = p.audit.UpdateCounters(ctx, runID, CounterDeltas{CurrentStep: "connecting", State: models.StateConnecting})

	if err := account.Credential.Validate(); err != nil {
		return nil, errWrap(catserrors.ErrAuth, err)
	}

	store := p.mailStoreFor(account.Credential)
	if err := store.Connect(ctx, account.Credential); err != nil {
		if catserrors.Is(err, catserrors.ErrNetwork) {
			return nil, errWrap(catserrors.ErrNetwork, err)
		}
		return nil, errWrap(catserrors.ErrAuth, err)
	}
	return store, nil
}

func (p *Pipeline) fetch(ctx context.Context, runID string, account models.Account, store MailStore, final *models.Counters) ([]models.Envelope, error) {
	p.registry.SetState(account.Address, models.StateFetching, "fetching")
	p.publish(account.Address, "status_update")
	_ = p.audit.UpdateCounters(ctx, runID, CounterDeltas{CurrentStep: "fetching", State: models.StateFetching})

	since := time.Now().Add(-time.Duration(p.cfg.LookbackHours) * time.Hour)
	envelopes, err := store.FetchSince(ctx, since)
	if err != nil {
		return nil, errWrap(catserrors.ErrNetwork, err)
	}

	sort.Slice(envelopes, func(i, j int) bool {
		if envelopes[i].Date.Equal(envelopes[j].Date) {
			return envelopes[i].MessageID < envelopes[j].MessageID
		}
		return envelopes[i].Date.Before(envelopes[j].Date)
	})

	final.EmailsFound = len(envelopes)
	p.registry.SetFound(account.Address, len(envelopes))
	if err := p.audit.UpdateCounters(ctx, runID, CounterDeltas{Found: len(envelopes)}); err != nil {
		return nil, errWrap(catserrors.ErrStorage, err)
	}
	return envelopes, nil
}

func (p *Pipeline) dedupe(ctx context.Context, runID string, account models.Account, envelopes []models.Envelope, final *models.Counters) ([]models.Envelope, error) {
	ids := make([]string, len(envelopes))
	for i, e := range envelopes {
		ids[i] = e.MessageID
	}
	unprocessed, err := p.audit.FilterUnprocessed(ctx, account.Address, ids)
	if err != nil {
		return nil, errWrap(catserrors.ErrStorage, err)
	}

	fresh := make(map[string]bool, len(unprocessed))
	for _, id := range unprocessed {
		fresh[id] = true
	}

	out := make([]models.Envelope, 0, len(unprocessed))
	for _, e := range envelopes {
		if fresh[e.MessageID] {
			out = append(out, e)
		}
	}

	skipped := len(envelopes) - len(out)
	if skipped > 0 {
		final.EmailsSkipped = skipped
		if err := p.audit.UpdateCounters(ctx, runID, CounterDeltas{Skipped: skipped}); err != nil {
			return nil, errWrap(catserrors.ErrStorage, err)
		}
		p.registry.IncrementSkipped(account.Address, skipped)
	}
	return out, nil
}

func (p *Pipeline) policySnapshot(ctx context.Context) (*models.PolicySnapshot, error) {
	if p.policy == nil {
		return &models.PolicySnapshot{}, nil
	}
	allowed, err := p.policy.Allowed(ctx)
	if err != nil {
		return nil, errWrap(catserrors.ErrStorage, err)
	}
	blocked, err := p.policy.Blocked(ctx)
	if err != nil {
		return nil, errWrap(catserrors.ErrStorage, err)
	}
	blockedCategories, err := p.policy.BlockedCategories(ctx)
	if err != nil {
		return nil, errWrap(catserrors.ErrStorage, err)
	}

	blockedCatSet := make(map[string]bool, len(blockedCategories))
	for cat := range blockedCategories {
		blockedCatSet[cat] = true
	}

	return &models.PolicySnapshot{
		AllowedDomains:  allowed,
		BlockedDomains:  blocked,
		BlockedCategory: blockedCatSet,
		CategoryAction:  blockedCategories,
		FetchedAt:       time.Now(),
	}, nil
}

func (p *Pipeline) processMessages(
	ctx context.Context,
	runID string,
	account models.Account,
	store MailStore,
	snapshot *models.PolicySnapshot,
	messages []models.Envelope,
	final *models.Counters,
	deltas *models.AggregateDeltas,
) error {
	total := len(messages)
	for i, msg := range messages {
		p.registry.SetProgress(account.Address, i, total)
		p.registry.SetState(account.Address, models.StateCategorizing, "categorizing")
		p.publish(account.Address, "status_update")

		category, errored := p.categorize(ctx, snapshot, msg)
		action := p.decideAction(snapshot, category)

		p.registry.SetState(account.Address, models.StateLabeling, "labeling")
		if err := store.Label(ctx, msg.MessageID, category); err != nil {
			p.log.Warn("label failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		}

		switch action {
		case models.ActionDelete:
			if err := store.Delete(ctx, msg.MessageID); err != nil {
				p.log.Warn("delete failed", zap.String("message_id", msg.MessageID), zap.Error(err))
			} else {
				final.EmailsDeleted++
				p.registry.IncrementDeleted(account.Address, 1)
			}
		case models.ActionArchive:
			if err := store.Archive(ctx, msg.MessageID); err != nil {
				p.log.Warn("archive failed", zap.String("message_id", msg.MessageID), zap.Error(err))
			} else {
				final.EmailsArchived++
				p.registry.IncrementArchived(account.Address, 1)
			}
		}

		if err := p.audit.MarkProcessed(ctx, account.Address, msg.MessageID); err != nil {
			return errWrap(catserrors.ErrStorage, err)
		}

		final.EmailsProcessed++
		final.EmailsCategorized++
		p.registry.IncrementProcessed(account.Address, 1)
		p.registry.IncrementCategorized(account.Address, 1)
		if errored {
			final.EmailsErrored++
			p.registry.IncrementErrored(account.Address, 1)
		}

		day := dayBucket(msg.Date)
		deltas.Day = day
		accumulate(deltas.Category, category, action)
		accumulate(deltas.Sender, msg.From, action)
		accumulate(deltas.Domain, msg.SenderDomain(), action)

		if err := p.audit.UpdateCounters(ctx, runID, CounterDeltas{
			Processed:   1,
			Categorized: 1,
			Deleted:     boolToInt(action == models.ActionDelete),
			Archived:    boolToInt(action == models.ActionArchive),
			Errored:     boolToInt(errored),
			CurrentStep: fmt.Sprintf("processed %d/%d", i+1, total),
		}); err != nil {
			return errWrap(catserrors.ErrStorage, err)
		}

		select {
		case <-ctx.Done():
			return errWrap(catserrors.ErrCancelled, ctx.Err())
		default:
		}
	}
	p.registry.SetProgress(account.Address, total, total)
	return nil
}

func accumulate(m map[string]models.Counters, key string, action models.Action) {
	if key == "" {
		return
	}
	c := m[key]
	c.EmailsCategorized++
	switch action {
	case models.ActionDelete:
		c.EmailsDeleted++
	case models.ActionArchive:
		c.EmailsArchived++
	}
	m[key] = c
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// categorize applies the allow/block-domain short-circuit before falling
// back to the classifier with bounded retry (spec.md §4.E step 5a). The
// second return reports whether the classifier was exhausted and category
// fell back to Other, so the caller can count it as an error rather than a
// normal classification.
func (p *Pipeline) categorize(ctx context.Context, snapshot *models.PolicySnapshot, msg models.Envelope) (string, bool) {
	domain := msg.SenderDomain()
	if snapshot.BlockedDomains[domain] {
		return categoryBlockedDomain, false
	}
	if snapshot.AllowedDomains[domain] {
		return categoryAllowedDomain, false
	}

	text := cleanText(msg.Subject, msg.Body)
	category, err := p.classifyWithRetry(ctx, text)
	if err != nil {
		classifierErrors.Inc()
		return categoryOther, true
	}
	return category, false
}

func (p *Pipeline) classifyWithRetry(ctx context.Context, text string) (string, error) {
	if p.classifier == nil {
		return categoryOther, nil
	}
	delay := classifyBaseDelay
	var lastErr error
	for attempt := 0; attempt < classifyMaxAttempt; attempt++ {
		category, err := p.classifier.Classify(ctx, text)
		if err == nil {
			return category, nil
		}
		lastErr = err
		if attempt == classifyMaxAttempt-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
		if delay > classifyMaxDelay {
			delay = classifyMaxDelay
		}
	}
	return "", errWrap(catserrors.ErrClassifier, lastErr)
}

// decideAction resolves the disposition for category against the policy
// snapshot's blocked-category set (spec.md §4.E step 5b).
func (p *Pipeline) decideAction(snapshot *models.PolicySnapshot, category string) models.Action {
	if category == categoryBlockedDomain {
		return snapshot.ActionFor(category)
	}
	if snapshot.BlockedCategory[category] {
		return snapshot.ActionFor(category)
	}
	return models.ActionKeep
}

// cleanText strips HTML tags and entity-decodes subject+body, truncated to
// textBudget, for classifier input.
func cleanText(subject, body string) string {
	stripped := htmlTagRE.ReplaceAllString(body, " ")
	stripped = html.UnescapeString(stripped)
	combined := strings.TrimSpace(subject + "\n" + stripped)
	if len(combined) > textBudget {
		combined = combined[:textBudget]
	}
	return combined
}

// dayBucket resolves the Open Question on aggregation time zone: always
// UTC, never local time.
func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func errWrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, cause.Error())
}
