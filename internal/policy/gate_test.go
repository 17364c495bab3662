package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplane/internal/domain"
)

func newTestGate(t *testing.T, rules ...domain.PolicyRule) *Gate {
	t.Helper()
	g, err := NewGate(250 * time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, g.Load(rules, 1))
	return g
}

func envelope(topic, producer string, payload string) domain.EventEnvelope {
	return domain.EventEnvelope{
		ID:        "env-1",
		Topic:     topic,
		Producer:  producer,
		Payload:   []byte(payload),
		CreatedAt: "2026-03-01T12:00:00Z",
	}
}

func TestNoRulesPasses(t *testing.T) {
	g := newTestGate(t)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", "{}"))
	assert.Equal(t, DecisionPass, v.Decision)
	assert.Empty(t, v.RuleID)
}

func TestPassingPredicateContinues(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "size", TopicPattern: "orders.*", Predicate: "payload_size < 1024", Priority: 10, OnFail: domain.OnFailReject},
	)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", "{}"))
	assert.Equal(t, DecisionPass, v.Decision)
}

func TestFailingPredicateRejects(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "size", TopicPattern: "orders.*", Predicate: "payload_size < 2", Priority: 10, OnFail: domain.OnFailReject},
	)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", `{"big":true}`))
	assert.Equal(t, DecisionReject, v.Decision)
	assert.Equal(t, "size", v.RuleID)
}

func TestFailingPredicateEscalates(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "trusted", TopicPattern: "payments.*", Predicate: `producer == "bank"`, Priority: 10, OnFail: domain.OnFailEscalate},
	)
	v := g.Evaluate(context.Background(), envelope("payments.refund", "shop", "{}"))
	assert.Equal(t, DecisionEscalate, v.Decision)
	assert.Equal(t, "trusted", v.RuleID)
}

func TestFirstFailingRuleWinsByPriority(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "late", TopicPattern: "orders.*", Predicate: "false", Priority: 20, OnFail: domain.OnFailEscalate},
		domain.PolicyRule{ID: "early", TopicPattern: "orders.*", Predicate: "false", Priority: 10, OnFail: domain.OnFailReject},
	)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", "{}"))
	assert.Equal(t, DecisionReject, v.Decision)
	assert.Equal(t, "early", v.RuleID)
}

func TestNonMatchingTopicSkipsRule(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "payments-only", TopicPattern: "payments.*", Predicate: "false", Priority: 10, OnFail: domain.OnFailReject},
	)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", "{}"))
	assert.Equal(t, DecisionPass, v.Decision)

	// Wildcard covers one segment only.
	v = g.Evaluate(context.Background(), envelope("payments.refund.eu", "shop", "{}"))
	assert.Equal(t, DecisionPass, v.Decision)
}

func TestPredicateErrorEscalatesWithRuleID(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "divzero", TopicPattern: "orders.*", Predicate: "payload_size / (payload_size - payload_size) > 0", Priority: 10, OnFail: domain.OnFailReject},
	)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", "{}"))
	assert.Equal(t, DecisionEscalate, v.Decision)
	assert.Equal(t, "divzero", v.RuleID)
}

func TestTimeoutEscalatesWithSyntheticRuleID(t *testing.T) {
	g, err := NewGate(1 * time.Nanosecond)
	require.NoError(t, err)
	require.NoError(t, g.Load([]domain.PolicyRule{
		{ID: "any", TopicPattern: "orders.*", Predicate: "true", Priority: 10, OnFail: domain.OnFailReject},
	}, 1))

	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", "{}"))
	assert.Equal(t, DecisionEscalate, v.Decision)
	assert.Equal(t, TimeoutRuleID, v.RuleID)
}

func TestLoadRejectsBadRuleSetKeepsOld(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "keep", TopicPattern: "orders.*", Predicate: "true", Priority: 10, OnFail: domain.OnFailReject},
	)
	err := g.Load([]domain.PolicyRule{
		{ID: "broken", TopicPattern: "orders.*", Predicate: "this is not cel", Priority: 10, OnFail: domain.OnFailReject},
	}, 2)
	require.Error(t, err)
	assert.Equal(t, int64(1), g.Version())
	require.Len(t, g.Rules(), 1)
	assert.Equal(t, "keep", g.Rules()[0].ID)
}

func TestLoadRejectsDuplicateIDsAndBadOnFail(t *testing.T) {
	g, err := NewGate(250 * time.Millisecond)
	require.NoError(t, err)

	err = g.Load([]domain.PolicyRule{
		{ID: "dup", TopicPattern: "a.*", Predicate: "true", OnFail: domain.OnFailReject},
		{ID: "dup", TopicPattern: "b.*", Predicate: "true", OnFail: domain.OnFailReject},
	}, 1)
	require.Error(t, err)

	err = g.Load([]domain.PolicyRule{
		{ID: "bad", TopicPattern: "a.*", Predicate: "true", OnFail: "shrug"},
	}, 1)
	require.Error(t, err)
}

func TestPayloadTextAvailableToPredicates(t *testing.T) {
	g := newTestGate(t,
		domain.PolicyRule{ID: "no-test-data", TopicPattern: "orders.*", Predicate: `!payload_text.contains("DRYRUN")`, Priority: 10, OnFail: domain.OnFailReject},
	)
	v := g.Evaluate(context.Background(), envelope("orders.created", "shop", `{"mode":"DRYRUN"}`))
	assert.Equal(t, DecisionReject, v.Decision)
	assert.Equal(t, "no-test-data", v.RuleID)
}
