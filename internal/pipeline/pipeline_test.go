package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/pipeline"
	"github.com/catemails/engine/internal/pipeline/pipelinetest"
	"github.com/catemails/engine/internal/publisher"
	"github.com/catemails/engine/internal/registry"
)

func accountWithIMAP(addr string) models.Account {
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

// TestPipeline_HappyPath covers scenario S1: three messages, one blocked
// domain, one allowed domain, one classified Marketing (blocked category).
func TestPipeline_HappyPath(t *testing.T) {
	now := time.Now()
	store := &pipelinetest.FakeMailStore{
		Envelopes: []models.Envelope{
			{MessageID: "m1", From: "promo@ads.com", Subject: "buy now", Date: now.Add(-time.Minute)},
			{MessageID: "m2", From: "pal@friend.com", Subject: "hi", Date: now.Add(-2 * time.Minute)},
			{MessageID: "m3", From: "list@shop.com", Subject: "sale today", Date: now.Add(-3 * time.Minute)},
		},
	}
	classifier := &pipelinetest.FakeClassifier{Category: "Marketing"}
	policy := &pipelinetest.FakePolicy{
		BlockedSet:     map[string]bool{"ads.com": true},
		AllowedSet:     map[string]bool{"friend.com": true},
		BlockedCatsSet: map[string]models.Action{"Marketing": models.ActionDelete},
	}
	auditStore := pipelinetest.NewFakeAuditStore()
	reg := registry.New(10)
	pub := publisher.New(reg, nil)

	pl := pipeline.New(
		func(models.Credential) pipeline.MailStore { return store },
		classifier, policy, auditStore, reg, pub, nil,
		pipeline.Config{LookbackHours: 2, PipelineTimeout: time.Minute},
	)

	runID, err := pl.Run(context.Background(), accountWithIMAP("u@example.com"))
	require.NoError(t, err)

	run := auditStore.Run(runID)
	require.NotNil(t, run)
	assert.Equal(t, models.StateCompleted, run.State)
	assert.Equal(t, 3, run.Counters.EmailsFound)
	assert.Equal(t, 3, run.Counters.EmailsProcessed)
	assert.Equal(t, 3, run.Counters.EmailsCategorized)
	assert.Equal(t, 2, run.Counters.EmailsDeleted)
	assert.Equal(t, 0, run.Counters.EmailsArchived)

	assert.Len(t, store.Labeled, 3)
	assert.ElementsMatch(t, []string{"m1", "m3"}, store.Deleted)
	assert.True(t, store.Closed)

	// Second identical run: everything already processed, nothing new.
	store2 := &pipelinetest.FakeMailStore{Envelopes: store.Envelopes}
	pl2 := pipeline.New(
		func(models.Credential) pipeline.MailStore { return store2 },
		classifier, policy, auditStore, reg, pub, nil,
		pipeline.Config{LookbackHours: 2, PipelineTimeout: time.Minute},
	)
	runID2, err := pl2.Run(context.Background(), accountWithIMAP("u@example.com"))
	require.NoError(t, err)
	run2 := auditStore.Run(runID2)
	require.NotNil(t, run2)
	assert.Equal(t, 3, run2.Counters.EmailsFound)
	assert.Equal(t, 0, run2.Counters.EmailsProcessed)
	assert.Equal(t, 3, run2.Counters.EmailsSkipped)
	assert.Empty(t, store2.Deleted)
}

// TestPipeline_ClassifierOutage covers scenario S4: classifier always
// fails; run still completes, every message falls back to Other.
func TestPipeline_ClassifierOutage(t *testing.T) {
	now := time.Now()
	store := &pipelinetest.FakeMailStore{
		Envelopes: []models.Envelope{
			{MessageID: "m1", From: "x@unknown.com", Subject: "a", Date: now},
			{MessageID: "m2", From: "y@unknown.com", Subject: "b", Date: now.Add(-time.Second)},
		},
	}
	classifier := &pipelinetest.FakeClassifier{FailCount: -1}
	policy := &pipelinetest.FakePolicy{}
	auditStore := pipelinetest.NewFakeAuditStore()
	reg := registry.New(10)

	pl := pipeline.New(
		func(models.Credential) pipeline.MailStore { return store },
		classifier, policy, auditStore, reg, nil, nil,
		pipeline.Config{LookbackHours: 2, PipelineTimeout: time.Minute},
	)

	runID, err := pl.Run(context.Background(), accountWithIMAP("u@example.com"))
	require.NoError(t, err)

	run := auditStore.Run(runID)
	require.NotNil(t, run)
	assert.Equal(t, models.StateCompleted, run.State)
	assert.Equal(t, run.Counters.EmailsProcessed, run.Counters.EmailsCategorized)
	assert.ElementsMatch(t, []string{"m1:Other", "m2:Other"}, store.Labeled)

	// Every message exhausted the classifier, so the error counter must
	// equal the message count (spec.md §4.E step 5a, scenario S4).
	assert.Equal(t, run.Counters.EmailsProcessed, run.Counters.EmailsErrored)
	assert.Equal(t, 2, run.Counters.EmailsErrored)

	recent := reg.RecentRuns(1)
	require.Len(t, recent, 1)
	assert.Equal(t, 2, recent[0].Counters.EmailsErrored)
}

// TestPipeline_Cancellation covers scenario S5: context cancelled mid-run
// surfaces ErrCancelled and the run is closed with state=error.
func TestPipeline_Cancellation(t *testing.T) {
	store := &pipelinetest.FakeMailStore{
		Envelopes: []models.Envelope{
			{MessageID: "m1", From: "a@x.com", Subject: "s", Date: time.Now()},
		},
	}
	classifier := &pipelinetest.FakeClassifier{Category: "Other"}
	policy := &pipelinetest.FakePolicy{}
	auditStore := pipelinetest.NewFakeAuditStore()
	reg := registry.New(10)

	pl := pipeline.New(
		func(models.Credential) pipeline.MailStore { return store },
		classifier, policy, auditStore, reg, nil, nil,
		pipeline.Config{LookbackHours: 2, PipelineTimeout: time.Minute},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runID, err := pl.Run(ctx, accountWithIMAP("u@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, catserrors.ErrCancelled)

	run := auditStore.Run(runID)
	require.NotNil(t, run)
	assert.Equal(t, models.StateError, run.State)
	assert.Equal(t, "cancelled", run.ErrorMessage)
}

// TestPipeline_AuthFailure ensures a mail store Connect that rejects the
// credentials surfaces as ErrAuth and closes the run with state=error.
func TestPipeline_AuthFailure(t *testing.T) {
	store := &pipelinetest.FakeMailStore{ConnectErr: catserrors.ErrAuth}
	auditStore := pipelinetest.NewFakeAuditStore()
	reg := registry.New(10)

	pl := pipeline.New(
		func(models.Credential) pipeline.MailStore { return store },
		&pipelinetest.FakeClassifier{Category: "Other"}, &pipelinetest.FakePolicy{},
		auditStore, reg, nil, nil,
		pipeline.Config{LookbackHours: 2, PipelineTimeout: time.Minute},
	)

	runID, err := pl.Run(context.Background(), accountWithIMAP("u@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, catserrors.ErrAuth)

	run := auditStore.Run(runID)
	require.NotNil(t, run)
	assert.Equal(t, models.StateError, run.State)
}
