package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplane/internal/db"
	"backplane/internal/domain"
	"backplane/internal/escalation"
	"backplane/internal/ledger"
	"backplane/internal/migrate"
	"backplane/internal/policy"
	"backplane/internal/registry"
	"backplane/internal/repo"
)

// fakeTransport records deliveries in order and can fail selected
// subscribers a fixed number of times.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []string // "subscriber:envelopeID"
	failures  map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failures: make(map[string]int)}
}

func (f *fakeTransport) failTimes(subscriber string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[subscriber] = n
}

func (f *fakeTransport) Deliver(_ context.Context, env domain.EventEnvelope, sub domain.ServiceEndpoint, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failures[sub.Name]; n > 0 {
		f.failures[sub.Name] = n - 1
		return fmt.Errorf("subscriber %s unavailable", sub.Name)
	}
	f.delivered = append(f.delivered, sub.Name+":"+env.ID)
	return nil
}

func (f *fakeTransport) deliveries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type fixture struct {
	router    *Router
	registry  *registry.Registry
	gate      *policy.Gate
	queue     *escalation.Queue
	ledger    *ledger.Ledger
	repo      repo.Repo
	transport *fakeTransport
}

func newFixture(t *testing.T, rules ...domain.PolicyRule) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	l, err := ledger.Open(conn)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	r := repo.Repo{DB: conn}
	reg, err := registry.New(r, l, 3)
	require.NoError(t, err)

	gate, err := policy.NewGate(250 * time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, gate.Load(rules, 1))

	q := escalation.NewQueue(r, l, 24*time.Hour)
	transport := newFakeTransport()
	rt := New(r, reg, gate, l, q, transport, Config{
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
	})
	q.Bind(rt)
	t.Cleanup(rt.Close)

	return &fixture{router: rt, registry: reg, gate: gate, queue: q, ledger: l, repo: r, transport: transport}
}

func (f *fixture) register(t *testing.T, name string, topics ...string) {
	t.Helper()
	_, err := f.registry.Register(context.Background(), domain.ServiceEndpoint{
		Name: name, Topics: topics, Address: "http://" + name + ".local",
	}, false, name)
	require.NoError(t, err)
}

func (f *fixture) stages(t *testing.T, envelopeID string) []string {
	t.Helper()
	recs, err := f.ledger.Query(context.Background(), envelopeID)
	require.NoError(t, err)
	var out []string
	for _, rec := range recs {
		out = append(out, rec.Stage)
	}
	return out
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var verr *ValidationError
	_, err := f.router.Ingest(ctx, domain.EventEnvelope{Topic: "", Payload: []byte("x"), Producer: "p"})
	require.ErrorAs(t, err, &verr)

	_, err = f.router.Ingest(ctx, domain.EventEnvelope{Topic: "a.*", Payload: []byte("x"), Producer: "p"})
	require.ErrorAs(t, err, &verr)

	_, err = f.router.Ingest(ctx, domain.EventEnvelope{Topic: "a.b", Producer: "p"})
	require.ErrorAs(t, err, &verr)

	_, err = f.router.Ingest(ctx, domain.EventEnvelope{Topic: "a.b", Payload: []byte("x")})
	require.ErrorAs(t, err, &verr)

	// Validation failures never reach the ledger.
	head, err := f.ledger.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestIngestDeliversToSubscriber(t *testing.T) {
	f := newFixture(t)
	f.register(t, "forms-svc", "application.*")
	ctx := context.Background()

	out, err := f.router.Ingest(ctx, domain.EventEnvelope{
		Topic: "application.submitted", Payload: []byte(`"P1"`), Producer: "portal",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Outcome)
	require.Len(t, out.Subscribers, 1)
	assert.Equal(t, "forms-svc", out.Subscribers[0].Subscriber)

	f.router.WaitForIdle()
	assert.Equal(t, []string{"forms-svc:" + out.ID}, f.transport.deliveries())
	assert.Equal(t, []string{
		domain.StageIngested, domain.StagePolicyEvaluated, domain.StageDelivered,
	}, f.stages(t, out.ID))

	env, err := f.repo.GetEnvelope(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeDelivered, env.Status)
}

func TestIngestZeroSubscribersIsSuccess(t *testing.T) {
	f := newFixture(t)
	out, err := f.router.Ingest(context.Background(), domain.EventEnvelope{
		Topic: "nobody.cares", Payload: []byte("x"), Producer: "p",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Outcome)
	assert.Empty(t, out.Subscribers)
	assert.Equal(t, []string{
		domain.StageIngested, domain.StagePolicyEvaluated, domain.StageDelivered,
	}, f.stages(t, out.ID))
}

func TestIngestRejectedByPolicy(t *testing.T) {
	f := newFixture(t, domain.PolicyRule{
		ID: "no-big", TopicPattern: "orders.*", Predicate: "payload_size < 4", Priority: 10, OnFail: domain.OnFailReject,
	})
	f.register(t, "billing", "orders.*")

	out, err := f.router.Ingest(context.Background(), domain.EventEnvelope{
		Topic: "orders.created", Payload: []byte("oversized"), Producer: "shop",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Outcome)
	assert.Equal(t, "no-big", out.RuleID)

	f.router.WaitForIdle()
	assert.Empty(t, f.transport.deliveries())
	assert.Equal(t, []string{
		domain.StageIngested, domain.StagePolicyEvaluated, domain.StageRejected,
	}, f.stages(t, out.ID))
}

func TestIngestHeldByPolicyThenApproved(t *testing.T) {
	f := newFixture(t, domain.PolicyRule{
		ID: "always-ask", TopicPattern: "application.*", Predicate: "false", Priority: 10, OnFail: domain.OnFailEscalate,
	})
	f.register(t, "forms-svc", "application.*")
	ctx := context.Background()

	out, err := f.router.Ingest(ctx, domain.EventEnvelope{
		Topic: "application.submitted", Payload: []byte(`"P1"`), Producer: "portal",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, out.Outcome)
	assert.Equal(t, "always-ask", out.RuleID)

	// Held, not delivered: the producer can tell a decision is pending.
	items, err := f.queue.List(ctx, domain.EscalationPending, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, f.transport.deliveries())

	_, err = f.queue.Decide(ctx, items[0].ID, escalation.DecideApprove, "reviewer1", "ok", nil)
	require.NoError(t, err)
	f.router.WaitForIdle()

	assert.Equal(t, []string{"forms-svc:" + out.ID}, f.transport.deliveries())
	assert.Equal(t, []string{
		domain.StageIngested, domain.StagePolicyEvaluated, domain.StageQueued,
		domain.StageDecision, domain.StageDelivered,
	}, f.stages(t, out.ID))
}

func TestIngestHeldThenRejectedNeverDelivers(t *testing.T) {
	f := newFixture(t, domain.PolicyRule{
		ID: "always-ask", TopicPattern: "payments.*", Predicate: "false", Priority: 10, OnFail: domain.OnFailEscalate,
	})
	f.register(t, "payout-svc", "payments.*")
	ctx := context.Background()

	out, err := f.router.Ingest(ctx, domain.EventEnvelope{
		Topic: "payments.refund", Payload: []byte(`{"amount":100}`), Producer: "shop",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeHeld, out.Outcome)

	items, err := f.queue.List(ctx, domain.EscalationPending, 0)
	require.NoError(t, err)
	_, err = f.queue.Decide(ctx, items[0].ID, escalation.DecideReject, "reviewer1", "fraud", nil)
	require.NoError(t, err)
	f.router.WaitForIdle()

	assert.Empty(t, f.transport.deliveries())
	env, err := f.repo.GetEnvelope(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeRejected, env.Status)
}

func TestOrderingPerProducerTopicSubscriber(t *testing.T) {
	f := newFixture(t)
	f.register(t, "auditor", "orders.*")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		out, err := f.router.Ingest(ctx, domain.EventEnvelope{
			Topic: "orders.created", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)), Producer: "shop",
		})
		require.NoError(t, err)
		ids = append(ids, "auditor:"+out.ID)
	}
	f.router.WaitForIdle()
	assert.Equal(t, ids, f.transport.deliveries())
}

func TestIdempotentReingest(t *testing.T) {
	f := newFixture(t)
	f.register(t, "billing", "orders.*")
	ctx := context.Background()

	env := domain.EventEnvelope{
		ID: "fixed-id", Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
	}
	out1, err := f.router.Ingest(ctx, env)
	require.NoError(t, err)
	f.router.WaitForIdle()

	out2, err := f.router.Ingest(ctx, env)
	require.NoError(t, err)
	f.router.WaitForIdle()

	assert.Equal(t, out1.ID, out2.ID)
	assert.Equal(t, OutcomeDelivered, out2.Outcome)
	require.Len(t, out2.Subscribers, 1)
	assert.Equal(t, domain.DeliveryDelivered, out2.Subscribers[0].Status)

	// Exactly one delivery despite two ingest calls.
	assert.Equal(t, []string{"billing:fixed-id"}, f.transport.deliveries())
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.register(t, "flaky", "orders.*")
	f.transport.failTimes("flaky", 2)
	ctx := context.Background()

	out, err := f.router.Ingest(ctx, domain.EventEnvelope{
		Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
	})
	require.NoError(t, err)
	f.router.WaitForIdle()

	receipt, err := f.repo.GetDeliveryReceipt(ctx, out.ID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, receipt.Status)
	assert.Equal(t, 3, receipt.Attempts)
}

func TestDeliveryFailureDoesNotBlockSiblings(t *testing.T) {
	f := newFixture(t)
	f.register(t, "broken", "orders.*")
	f.register(t, "healthy", "orders.*")
	f.transport.failTimes("broken", 100)
	ctx := context.Background()

	out, err := f.router.Ingest(ctx, domain.EventEnvelope{
		Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
	})
	require.NoError(t, err)
	f.router.WaitForIdle()

	assert.Contains(t, f.transport.deliveries(), "healthy:"+out.ID)

	receipts, err := f.router.Receipts(ctx, out.ID)
	require.NoError(t, err)
	byName := map[string]domain.DeliveryReceipt{}
	for _, r := range receipts {
		byName[r.Subscriber] = r
	}
	assert.Equal(t, domain.DeliveryFailed, byName["broken"].Status)
	assert.NotEmpty(t, byName["broken"].LastError)
	assert.Equal(t, domain.DeliveryDelivered, byName["healthy"].Status)

	// Partial failure still settles the envelope.
	env, err := f.repo.GetEnvelope(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeDelivered, env.Status)
}

func TestCancelledBeforeEvaluationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.register(t, "billing", "orders.*")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.router.Ingest(ctx, domain.EventEnvelope{
		Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
	})
	require.ErrorIs(t, err, context.Canceled)

	head, err := f.ledger.Head(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestPolicyTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t)
	// Replace the gate with one whose deadline always lapses.
	gate, err := policy.NewGate(time.Nanosecond)
	require.NoError(t, err)
	require.NoError(t, gate.Load([]domain.PolicyRule{
		{ID: "any", TopicPattern: "orders.*", Predicate: "true", Priority: 10, OnFail: domain.OnFailReject},
	}, 1))
	f.router.gate = gate
	f.register(t, "billing", "orders.*")

	out, err := f.router.Ingest(context.Background(), domain.EventEnvelope{
		Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, out.Outcome)
	assert.Equal(t, policy.TimeoutRuleID, out.RuleID)
	f.router.WaitForIdle()
	assert.Empty(t, f.transport.deliveries())
}

func TestResumeDeliveryUnknownEnvelope(t *testing.T) {
	f := newFixture(t)
	err := f.router.ResumeDelivery(context.Background(), "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestDuplicateDuringEvaluationIsNotReportedDelivered(t *testing.T) {
	f := newFixture(t, domain.PolicyRule{
		ID: "always-ask", TopicPattern: "orders.*", Predicate: "false", Priority: 10, OnFail: domain.OnFailEscalate,
	})
	f.register(t, "billing", "orders.*")
	ctx := context.Background()

	// First submission frozen mid-flight: the envelope row is persisted but
	// no verdict has been recorded yet.
	env := domain.EventEnvelope{
		ID: "dup-1", Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano), Status: domain.EnvelopeIngested,
	}
	inserted, err := f.repo.InsertEnvelope(ctx, env)
	require.NoError(t, err)
	require.True(t, inserted)

	out, err := f.router.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, out.Outcome)
	assert.Equal(t, "always-ask", out.RuleID)

	f.router.WaitForIdle()
	assert.Empty(t, f.transport.deliveries())
}

func TestDuplicateFollowsRecordedVerdict(t *testing.T) {
	f := newFixture(t)
	f.register(t, "billing", "orders.*")
	ctx := context.Background()

	// Verdict recorded, envelope status not yet moved to held.
	env := domain.EventEnvelope{
		ID: "dup-2", Topic: "orders.created", Payload: []byte("{}"), Producer: "shop",
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano), Status: domain.EnvelopeIngested,
	}
	_, err := f.repo.InsertEnvelope(ctx, env)
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, ledger.Entry{
		EnvelopeID: env.ID, Stage: domain.StageIngested, Actor: "shop",
	})
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, ledger.Entry{
		EnvelopeID: env.ID, Stage: domain.StagePolicyEvaluated, Actor: "system",
		Detail: map[string]any{"decision": policy.DecisionEscalate, "rule_id": "trusted-only"},
	})
	require.NoError(t, err)

	out, err := f.router.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, out.Outcome)
	assert.Equal(t, "trusted-only", out.RuleID)
	assert.Empty(t, f.transport.deliveries())
}

func TestReingestRejectedKeepsRuleID(t *testing.T) {
	f := newFixture(t, domain.PolicyRule{
		ID: "no-big", TopicPattern: "orders.*", Predicate: "payload_size < 4", Priority: 10, OnFail: domain.OnFailReject,
	})
	ctx := context.Background()

	env := domain.EventEnvelope{
		ID: "rej-1", Topic: "orders.created", Payload: []byte("oversized"), Producer: "shop",
	}
	out1, err := f.router.Ingest(ctx, env)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out1.Outcome)

	out2, err := f.router.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out2.Outcome)
	assert.Equal(t, "no-big", out2.RuleID)
}
