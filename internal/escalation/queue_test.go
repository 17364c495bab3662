package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplane/internal/db"
	"backplane/internal/domain"
	"backplane/internal/ledger"
	"backplane/internal/migrate"
	"backplane/internal/repo"
)

type fakeResumer struct {
	resumed []string
}

func (f *fakeResumer) ResumeDelivery(_ context.Context, envelopeID string) error {
	f.resumed = append(f.resumed, envelopeID)
	return nil
}

type fixture struct {
	queue   *Queue
	repo    repo.Repo
	ledger  *ledger.Ledger
	resumer *fakeResumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	l, err := ledger.Open(conn)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	r := repo.Repo{DB: conn}
	q := NewQueue(r, l, 24*time.Hour)
	f := &fixture{queue: q, repo: r, ledger: l, resumer: &fakeResumer{}}
	q.Bind(f.resumer)
	return f
}

func (f *fixture) insertEnvelope(t *testing.T, id string) {
	t.Helper()
	_, err := f.repo.InsertEnvelope(context.Background(), domain.EventEnvelope{
		ID:        id,
		Topic:     "payments.refund",
		Payload:   []byte(`{"amount":100}`),
		Producer:  "shop",
		CreatedAt: "2026-03-01T12:00:00Z",
		Status:    domain.EnvelopeIngested,
	})
	require.NoError(t, err)
}

func TestEnqueueHoldsEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")

	item, err := f.queue.Enqueue(ctx, "env-1", "trusted-producers", "system")
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationPending, item.Status)
	assert.Equal(t, "trusted-producers", item.ReasonRuleID)

	env, err := f.repo.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeHeld, env.Status)

	recs, err := f.ledger.Query(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StageQueued, recs[0].Stage)
}

func TestEnqueueSecondOpenItemIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")

	first, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	got, err := f.queue.Enqueue(ctx, "env-1", "rule-b", "system")
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.OpenItemID)
	assert.Equal(t, first.ID, got.ID)

	items, err := f.queue.List(ctx, domain.EscalationPending, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestApproveResumesDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	decided, err := f.queue.Decide(ctx, item.ID, DecideApprove, "alice", "looks fine", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationApproved, decided.Status)
	require.NotNil(t, decided.Reviewer)
	assert.Equal(t, "alice", *decided.Reviewer)
	assert.Equal(t, []string{"env-1"}, f.resumer.resumed)
}

func TestAmendReplacesPayloadThenResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	decided, err := f.queue.Decide(ctx, item.ID, DecideAmend, "alice", "capped amount", []byte(`{"amount":50}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationAmended, decided.Status)

	env, err := f.repo.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":50}`, string(env.Payload))
	assert.Equal(t, []string{"env-1"}, f.resumer.resumed)
}

func TestAmendRequiresPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	_, err = f.queue.Decide(ctx, item.ID, DecideAmend, "alice", "", nil)
	require.Error(t, err)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationPending, got.Status)
}

func TestRejectTerminatesEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	decided, err := f.queue.Decide(ctx, item.ID, DecideReject, "alice", "not allowed", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationRejected, decided.Status)
	assert.Empty(t, f.resumer.resumed)

	env, err := f.repo.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeRejected, env.Status)
}

func TestDecideOnClosedItemIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	_, err = f.queue.Decide(ctx, item.ID, DecideReject, "alice", "no", nil)
	require.NoError(t, err)

	// A second decision changes nothing and resumes nothing.
	got, err := f.queue.Decide(ctx, item.ID, DecideApprove, "bob", "yes", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationRejected, got.Status)
	assert.Empty(t, f.resumer.resumed)
}

func TestDecideValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Decide(ctx, "whatever", "shrug", "alice", "", nil)
	assert.ErrorIs(t, err, ErrUnknownDecision)

	_, err = f.queue.Decide(ctx, "whatever", DecideApprove, "", "", nil)
	require.Error(t, err)

	_, err = f.queue.Decide(ctx, "missing", DecideApprove, "alice", "", nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExpireOverdueTreatsAsReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	f.insertEnvelope(t, "env-2")

	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "env-2", "rule-a", "system")
	require.NoError(t, err)

	// Move the clock past the TTL of both items.
	f.queue.Now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	n, err := f.queue.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationExpired, got.Status)

	env, err := f.repo.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeExpired, env.Status)

	// Deciding after expiry is a no-op.
	after, err := f.queue.Decide(ctx, item.ID, DecideApprove, "alice", "too late", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationExpired, after.Status)
	assert.Empty(t, f.resumer.resumed)
}

func TestExpireOverdueLeavesFreshItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	_, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	n, err := f.queue.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	items, err := f.queue.List(ctx, domain.EscalationPending, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// flakyResumer fails a fixed number of times before succeeding.
type flakyResumer struct {
	failures int
	resumed  []string
}

func (f *flakyResumer) ResumeDelivery(_ context.Context, envelopeID string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("storage offline")
	}
	f.resumed = append(f.resumed, envelopeID)
	return nil
}

func TestApproveRetriesTransientResumeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertEnvelope(t, "env-1")
	item, err := f.queue.Enqueue(ctx, "env-1", "rule-a", "system")
	require.NoError(t, err)

	flaky := &flakyResumer{failures: 2}
	f.queue.Bind(flaky)

	decided, err := f.queue.Decide(ctx, item.ID, DecideApprove, "alice", "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationApproved, decided.Status)

	// The item was closed before the resume faltered; retries still release
	// the envelope so it is not stranded in held.
	assert.Equal(t, []string{"env-1"}, flaky.resumed)
}
