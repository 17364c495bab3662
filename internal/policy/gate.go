// Package policy evaluates CEL predicates against inbound envelopes before
// they reach any subscriber. Evaluation is fail-closed: anything that keeps a
// verdict from being produced (predicate error, timeout) escalates to a
// human instead of letting the envelope through.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/cel-go/cel"

	"backplane/internal/domain"
	"backplane/internal/registry"
)

const (
	DecisionPass     = "pass"
	DecisionReject   = "reject"
	DecisionEscalate = "escalate"

	// TimeoutRuleID is the synthetic rule id attached to verdicts produced by
	// the evaluation deadline rather than by any configured rule.
	TimeoutRuleID = "timeout"
)

// Verdict is the gate's decision for one envelope.
type Verdict struct {
	Decision string `json:"decision" enum:"pass,reject,escalate"`
	RuleID   string `json:"rule_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type compiledRule struct {
	rule domain.PolicyRule
	segs []string
	prg  cel.Program
}

type ruleSet struct {
	version int64
	rules   []compiledRule
}

type Gate struct {
	env     *cel.Env
	timeout time.Duration
	snap    atomic.Pointer[ruleSet]
}

// NewGate builds the CEL environment shared by all rules. The variables are
// the only envelope fields predicates may inspect.
func NewGate(timeout time.Duration) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("producer", cel.StringType),
		cel.Variable("payload_size", cel.IntType),
		cel.Variable("payload_text", cel.StringType),
		cel.Variable("causation_id", cel.StringType),
		cel.Variable("created_at", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	g := &Gate{env: env, timeout: timeout}
	g.snap.Store(&ruleSet{})
	return g, nil
}

// Load compiles and atomically swaps in a rule set. A compile error in any
// rule rejects the whole set; the previous set stays active.
func (g *Gate) Load(rules []domain.PolicyRule, version int64) error {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := registry.ValidateTopicPattern(r.TopicPattern); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if r.OnFail != domain.OnFailReject && r.OnFail != domain.OnFailEscalate {
			return fmt.Errorf("rule %s: on_fail must be reject or escalate", r.ID)
		}
		ast, issues := g.env.Compile(r.Predicate)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s: compile predicate: %w", r.ID, issues.Err())
		}
		prg, err := g.env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(100000),
		)
		if err != nil {
			return fmt.Errorf("rule %s: build program: %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{
			rule: r,
			segs: strings.Split(r.TopicPattern, "."),
			prg:  prg,
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].rule.Priority != compiled[j].rule.Priority {
			return compiled[i].rule.Priority < compiled[j].rule.Priority
		}
		return compiled[i].rule.ID < compiled[j].rule.ID
	})
	g.snap.Store(&ruleSet{version: version, rules: compiled})
	return nil
}

// Version returns the version of the active rule set.
func (g *Gate) Version() int64 {
	return g.snap.Load().version
}

// Timeout returns the evaluation deadline the gate enforces.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// Rules returns the active rules in evaluation order.
func (g *Gate) Rules() []domain.PolicyRule {
	set := g.snap.Load()
	out := make([]domain.PolicyRule, len(set.rules))
	for i, cr := range set.rules {
		out[i] = cr.rule
	}
	return out
}

// Evaluate runs the envelope through the active rules in priority order.
// The first failing rule decides; rules that pass or do not match the topic
// are skipped. Exceeding the deadline escalates with the synthetic timeout
// rule id so the stall itself is attributable in the audit trail.
func (g *Gate) Evaluate(ctx context.Context, env domain.EventEnvelope) Verdict {
	set := g.snap.Load()

	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	done := make(chan Verdict, 1)
	go func() { done <- g.run(evalCtx, set, env) }()

	select {
	case v := <-done:
		// A verdict produced after the deadline does not count.
		if evalCtx.Err() != nil {
			return timeoutVerdict()
		}
		return v
	case <-evalCtx.Done():
		return timeoutVerdict()
	}
}

func timeoutVerdict() Verdict {
	return Verdict{Decision: DecisionEscalate, RuleID: TimeoutRuleID, Reason: "policy evaluation deadline exceeded"}
}

func (g *Gate) run(ctx context.Context, set *ruleSet, env domain.EventEnvelope) Verdict {
	input := envelopeInput(env)
	topicSegs := strings.Split(env.Topic, ".")
	for _, cr := range set.rules {
		if !segsMatch(cr.segs, topicSegs) {
			continue
		}
		out, _, err := cr.prg.ContextEval(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return timeoutVerdict()
			}
			// A rule that cannot evaluate cannot be trusted to pass.
			return Verdict{Decision: DecisionEscalate, RuleID: cr.rule.ID, Reason: fmt.Sprintf("predicate error: %v", err)}
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return Verdict{Decision: DecisionEscalate, RuleID: cr.rule.ID, Reason: "predicate did not yield a boolean"}
		}
		if !ok {
			return Verdict{Decision: cr.rule.OnFail, RuleID: cr.rule.ID, Reason: cr.rule.Description}
		}
	}
	return Verdict{Decision: DecisionPass}
}

func envelopeInput(env domain.EventEnvelope) map[string]any {
	text := ""
	if utf8.Valid(env.Payload) {
		text = string(env.Payload)
	}
	causation := ""
	if env.CausationID != nil {
		causation = *env.CausationID
	}
	return map[string]any{
		"id":           env.ID,
		"topic":        env.Topic,
		"producer":     env.Producer,
		"payload_size": int64(len(env.Payload)),
		"payload_text": text,
		"causation_id": causation,
		"created_at":   env.CreatedAt,
	}
}

// segsMatch applies the same single-segment wildcard semantics the registry
// uses for subscriptions.
func segsMatch(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return true
}
