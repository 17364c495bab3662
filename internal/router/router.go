// Package router is the ingest path: it validates envelopes, runs the policy
// gate, fans deliveries out to subscribers and reports an outcome to the
// producer. Ingest latency is bounded by policy evaluation only; delivery
// runs on serialized background lanes so a slow subscriber never stalls a
// producer.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"backplane/internal/domain"
	"backplane/internal/escalation"
	"backplane/internal/ledger"
	"backplane/internal/policy"
	"backplane/internal/registry"
	"backplane/internal/repo"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeHeld      = "held"
	OutcomeRejected  = "rejected"
)

// ValidationError rejects a malformed envelope before any audit stage is
// written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// SubscriberResult is the per-subscriber slice of an ingest outcome.
type SubscriberResult struct {
	Subscriber string `json:"subscriber"`
	Status     string `json:"status" enum:"pending,delivered,failed"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// Outcome is what the producer sees. held means a human decision is pending;
// it is never reported as success or silent failure.
type Outcome struct {
	ID          string             `json:"id"`
	Outcome     string             `json:"outcome" enum:"delivered,held,rejected"`
	RuleID      string             `json:"rule_id,omitempty"`
	Subscribers []SubscriberResult `json:"subscriber_results"`
}

// Config bounds the delivery retry loop.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
}

type Router struct {
	repo      repo.Repo
	registry  *registry.Registry
	gate      *policy.Gate
	ledger    *ledger.Ledger
	queue     *escalation.Queue
	transport Transport
	cfg       Config

	mu    sync.Mutex
	lanes map[string]chan func()
	wg    sync.WaitGroup

	Now func() time.Time
}

func New(r repo.Repo, reg *registry.Registry, gate *policy.Gate, l *ledger.Ledger, q *escalation.Queue, t Transport, cfg Config) *Router {
	return &Router{
		repo:      r,
		registry:  reg,
		gate:      gate,
		ledger:    l,
		queue:     q,
		transport: t,
		cfg:       cfg,
		lanes:     make(map[string]chan func()),
		Now:       time.Now,
	}
}

// Ingest runs one envelope through validation, policy and fan-out. The call
// may be cancelled before policy evaluation begins with no side effects;
// once evaluation starts the envelope always reaches a settled state even if
// the caller goes away.
func (rt *Router) Ingest(ctx context.Context, env domain.EventEnvelope) (Outcome, error) {
	if err := registry.ValidateTopic(env.Topic); err != nil {
		return Outcome{}, &ValidationError{Field: "topic", Reason: err.Error()}
	}
	if len(env.Payload) == 0 {
		return Outcome{}, &ValidationError{Field: "payload", Reason: "payload is required"}
	}
	if env.Producer == "" {
		return Outcome{}, &ValidationError{Field: "producer", Reason: "producer is required"}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.CreatedAt = rt.Now().UTC().Format(time.RFC3339Nano)
	env.Status = domain.EnvelopeIngested

	// Evaluation is about to start; from here on cancellation is advisory.
	fctx := context.WithoutCancel(ctx)

	inserted, err := rt.repo.InsertEnvelope(fctx, env)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		// Same id seen before: report the settled outcome instead of
		// re-running policy or re-delivering.
		return rt.outcomeFor(fctx, env.ID)
	}

	if _, err := rt.ledger.Append(fctx, ledger.Entry{
		EnvelopeID: env.ID,
		Stage:      domain.StageIngested,
		Actor:      env.Producer,
		Detail:     map[string]any{"topic": env.Topic, "payload_size": len(env.Payload)},
	}); err != nil {
		return Outcome{}, err
	}

	return rt.routeVerdict(fctx, env)
}

// routeVerdict evaluates the gate and carries the envelope to its
// post-policy state: rejected, held, or fanned out.
func (rt *Router) routeVerdict(ctx context.Context, env domain.EventEnvelope) (Outcome, error) {
	verdict := rt.gate.Evaluate(ctx, env)

	if _, err := rt.ledger.Append(ctx, ledger.Entry{
		EnvelopeID: env.ID,
		Stage:      domain.StagePolicyEvaluated,
		Actor:      "system",
		Detail: map[string]any{
			"decision":      verdict.Decision,
			"rule_id":       verdict.RuleID,
			"reason":        verdict.Reason,
			"rules_version": rt.gate.Version(),
		},
	}); err != nil {
		return Outcome{}, err
	}

	switch verdict.Decision {
	case policy.DecisionReject:
		if err := rt.repo.UpdateEnvelopeStatus(ctx, env.ID, domain.EnvelopeRejected); err != nil {
			return Outcome{}, err
		}
		if _, err := rt.ledger.Append(ctx, ledger.Entry{
			EnvelopeID: env.ID,
			Stage:      domain.StageRejected,
			Actor:      "system",
			Detail:     map[string]any{"rule_id": verdict.RuleID, "reason": verdict.Reason},
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{ID: env.ID, Outcome: OutcomeRejected, RuleID: verdict.RuleID}, nil

	case policy.DecisionEscalate:
		_, err := rt.queue.Enqueue(ctx, env.ID, verdict.RuleID, "system")
		var dup *escalation.DuplicateError
		if err != nil && !errors.As(err, &dup) {
			return Outcome{}, err
		}
		return Outcome{ID: env.ID, Outcome: OutcomeHeld, RuleID: verdict.RuleID}, nil
	}

	return rt.dispatch(ctx, env)
}

// ResumeDelivery releases a held envelope back into the delivery path after
// a reviewer approves or amends it. Subscribers are resolved at resume time,
// not at the original ingest.
func (rt *Router) ResumeDelivery(ctx context.Context, envelopeID string) error {
	env, err := rt.repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	_, err = rt.dispatch(context.WithoutCancel(ctx), env)
	return err
}

// dispatch fans the envelope out to its subscribers. Zero subscribers is a
// success: absence of listeners is not an error.
func (rt *Router) dispatch(ctx context.Context, env domain.EventEnvelope) (Outcome, error) {
	subs, err := rt.registry.Resolve(env.Topic)
	if err != nil {
		return Outcome{}, err
	}

	if len(subs) == 0 {
		if err := rt.repo.UpdateEnvelopeStatus(ctx, env.ID, domain.EnvelopeDelivered); err != nil {
			return Outcome{}, err
		}
		if _, err := rt.ledger.Append(ctx, ledger.Entry{
			EnvelopeID: env.ID,
			Stage:      domain.StageDelivered,
			Actor:      "system",
			Detail:     map[string]any{"subscribers": 0},
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{ID: env.ID, Outcome: OutcomeDelivered, Subscribers: []SubscriberResult{}}, nil
	}

	results := make([]SubscriberResult, 0, len(subs))
	fo := &fanout{router: rt, envelopeID: env.ID, remaining: len(subs)}
	for _, sub := range subs {
		receipt := domain.DeliveryReceipt{
			EnvelopeID: env.ID,
			Subscriber: sub.Name,
			Status:     domain.DeliveryPending,
			UpdatedAt:  rt.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := rt.repo.UpsertDeliveryReceipt(ctx, receipt); err != nil {
			return Outcome{}, err
		}
		results = append(results, SubscriberResult{Subscriber: sub.Name, Status: domain.DeliveryPending})
		rt.enqueue(laneKey(env.Producer, env.Topic, sub.Name), env, sub, fo)
	}
	return Outcome{ID: env.ID, Outcome: OutcomeDelivered, Subscribers: results}, nil
}

func laneKey(producer, topic, subscriber string) string {
	return producer + "|" + topic + "|" + subscriber
}

// enqueue appends a delivery task to the serialized lane for this
// producer+topic+subscriber triple. One goroutine drains each lane, which is
// what preserves per-producer ordering.
func (rt *Router) enqueue(key string, env domain.EventEnvelope, sub domain.ServiceEndpoint, fo *fanout) {
	rt.mu.Lock()
	lane, ok := rt.lanes[key]
	if !ok {
		lane = make(chan func(), 256)
		rt.lanes[key] = lane
		go func() {
			for task := range lane {
				task()
			}
		}()
	}
	rt.mu.Unlock()

	rt.wg.Add(1)
	lane <- func() {
		defer rt.wg.Done()
		rt.deliver(env, sub)
		fo.done()
	}
}

// deliver runs the retry loop for one subscriber. Already-delivered
// envelopes are skipped so re-ingest and resume can never double-deliver.
func (rt *Router) deliver(env domain.EventEnvelope, sub domain.ServiceEndpoint) {
	ctx := context.Background()

	delivered, err := rt.repo.DeliveredAlready(ctx, env.ID, sub.Name)
	if err != nil {
		log.Printf("router: receipt lookup %s/%s: %v", env.ID, sub.Name, err)
		return
	}
	if delivered {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rt.cfg.BackoffBase
	bo.MaxInterval = rt.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= rt.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, rt.cfg.AttemptTimeout)
		lastErr = rt.transport.Deliver(attemptCtx, env, sub, attempt)
		cancel()
		if lastErr == nil {
			rt.writeReceipt(ctx, env.ID, sub.Name, domain.DeliveryDelivered, attempt, "")
			return
		}
		if attempt < rt.cfg.MaxAttempts {
			time.Sleep(bo.NextBackOff())
		}
	}
	log.Printf("router: delivery to %s for envelope %s failed after %d attempts: %v", sub.Name, env.ID, rt.cfg.MaxAttempts, lastErr)
	rt.writeReceipt(ctx, env.ID, sub.Name, domain.DeliveryFailed, rt.cfg.MaxAttempts, lastErr.Error())
}

func (rt *Router) writeReceipt(ctx context.Context, envelopeID, subscriber, status string, attempts int, lastErr string) {
	err := rt.repo.UpsertDeliveryReceipt(ctx, domain.DeliveryReceipt{
		EnvelopeID: envelopeID,
		Subscriber: subscriber,
		Status:     status,
		Attempts:   attempts,
		LastError:  lastErr,
		UpdatedAt:  rt.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("router: write receipt %s/%s: %v", envelopeID, subscriber, err)
	}
}

// fanout finalizes the envelope when the last subscriber's lane finishes.
// Partial failure still terminates the envelope; the per-subscriber receipts
// carry the detail.
type fanout struct {
	router     *Router
	envelopeID string

	mu        sync.Mutex
	remaining int
}

func (f *fanout) done() {
	f.mu.Lock()
	f.remaining--
	last := f.remaining == 0
	f.mu.Unlock()
	if !last {
		return
	}

	ctx := context.Background()
	receipts, err := f.router.repo.ListDeliveryReceipts(ctx, f.envelopeID)
	if err != nil {
		log.Printf("router: finalize %s: %v", f.envelopeID, err)
		return
	}
	detail := map[string]any{"subscribers": len(receipts)}
	failed := 0
	for _, r := range receipts {
		if r.Status == domain.DeliveryFailed {
			failed++
		}
	}
	if failed > 0 {
		detail["failed"] = failed
	}
	if err := f.router.repo.UpdateEnvelopeStatus(ctx, f.envelopeID, domain.EnvelopeDelivered); err != nil {
		log.Printf("router: finalize %s: %v", f.envelopeID, err)
		return
	}
	if _, err := f.router.ledger.Append(ctx, ledger.Entry{
		EnvelopeID: f.envelopeID,
		Stage:      domain.StageDelivered,
		Actor:      "system",
		Detail:     detail,
	}); err != nil {
		log.Printf("router: finalize %s: %v", f.envelopeID, err)
	}
}

// outcomeFor rebuilds the producer-visible outcome of an already-seen
// envelope from its persisted state. held and rejected are never rewritten
// as success: an envelope still mid-evaluation is settled first.
func (rt *Router) outcomeFor(ctx context.Context, envelopeID string) (Outcome, error) {
	env, err := rt.repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ID: env.ID, Subscribers: []SubscriberResult{}}
	switch env.Status {
	case domain.EnvelopeIngested:
		return rt.settleInFlight(ctx, env)
	case domain.EnvelopeHeld:
		out.Outcome = OutcomeHeld
		if item, err := rt.repo.OpenEscalationByEnvelope(ctx, env.ID); err == nil {
			out.RuleID = item.ReasonRuleID
		}
	case domain.EnvelopeRejected, domain.EnvelopeExpired:
		out.Outcome = OutcomeRejected
		ruleID, err := rt.rejectionRuleID(ctx, env.ID)
		if err != nil {
			return Outcome{}, err
		}
		out.RuleID = ruleID
	default:
		out.Outcome = OutcomeDelivered
	}
	receipts, err := rt.repo.ListDeliveryReceipts(ctx, env.ID)
	if err != nil {
		return Outcome{}, err
	}
	for _, r := range receipts {
		out.Subscribers = append(out.Subscribers, SubscriberResult{
			Subscriber: r.Subscriber,
			Status:     r.Status,
			Attempts:   r.Attempts,
			LastError:  r.LastError,
		})
	}
	return out, nil
}

// settleInFlight resolves a duplicate submission that raced the first
// call's policy evaluation. The audit trail is the source of truth: once
// the policy stage lands, the outcome follows its recorded decision. When
// no verdict appears within the evaluation window, the first caller is gone
// and this call finishes the envelope itself.
func (rt *Router) settleInFlight(ctx context.Context, env domain.EventEnvelope) (Outcome, error) {
	deadline := time.Now().Add(rt.gate.Timeout() + 50*time.Millisecond)
	for {
		cur, err := rt.repo.GetEnvelope(ctx, env.ID)
		if err != nil {
			return Outcome{}, err
		}
		if cur.Status != domain.EnvelopeIngested {
			return rt.outcomeFor(ctx, env.ID)
		}
		verdict, found, err := rt.lastStageDetail(ctx, env.ID, domain.StagePolicyEvaluated)
		if err != nil {
			return Outcome{}, err
		}
		if found {
			switch verdict.Decision {
			case policy.DecisionReject:
				return Outcome{ID: env.ID, Outcome: OutcomeRejected, RuleID: verdict.RuleID, Subscribers: []SubscriberResult{}}, nil
			case policy.DecisionEscalate:
				return Outcome{ID: env.ID, Outcome: OutcomeHeld, RuleID: verdict.RuleID, Subscribers: []SubscriberResult{}}, nil
			}
			break
		}
		if time.Now().After(deadline) {
			// Evaluation is bounded by the gate timeout, so a verdict this
			// late means the first call died before recording one. Finish
			// the envelope here; the duplicate guards on enqueue and
			// delivery keep that safe.
			if _, found, err := rt.lastStageDetail(ctx, env.ID, domain.StageIngested); err != nil {
				return Outcome{}, err
			} else if !found {
				if _, err := rt.ledger.Append(ctx, ledger.Entry{
					EnvelopeID: cur.ID,
					Stage:      domain.StageIngested,
					Actor:      cur.Producer,
					Detail:     map[string]any{"topic": cur.Topic, "payload_size": len(cur.Payload)},
				}); err != nil {
					return Outcome{}, err
				}
			}
			return rt.routeVerdict(ctx, cur)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Verdict was pass: deliveries are in flight on their lanes.
	out := Outcome{ID: env.ID, Outcome: OutcomeDelivered, Subscribers: []SubscriberResult{}}
	receipts, err := rt.repo.ListDeliveryReceipts(ctx, env.ID)
	if err != nil {
		return Outcome{}, err
	}
	for _, r := range receipts {
		out.Subscribers = append(out.Subscribers, SubscriberResult{
			Subscriber: r.Subscriber,
			Status:     r.Status,
			Attempts:   r.Attempts,
			LastError:  r.LastError,
		})
	}
	return out, nil
}

// rejectionRuleID recovers the failing rule from the terminal rejected
// stage, falling back to the queued stage for envelopes terminated through
// escalation (reviewer reject or TTL expiry).
func (rt *Router) rejectionRuleID(ctx context.Context, envelopeID string) (string, error) {
	d, found, err := rt.lastStageDetail(ctx, envelopeID, domain.StageRejected)
	if err != nil {
		return "", err
	}
	if found && d.RuleID != "" {
		return d.RuleID, nil
	}
	d, found, err = rt.lastStageDetail(ctx, envelopeID, domain.StageQueued)
	if err != nil {
		return "", err
	}
	if found {
		return d.ReasonRuleID, nil
	}
	return "", nil
}

// stageDetail is the subset of ledger record detail the router reads back.
type stageDetail struct {
	Decision     string `json:"decision"`
	RuleID       string `json:"rule_id"`
	ReasonRuleID string `json:"reason_rule_id"`
}

// lastStageDetail returns the parsed detail of the most recent record with
// the given stage in an envelope's trail.
func (rt *Router) lastStageDetail(ctx context.Context, envelopeID, stage string) (stageDetail, bool, error) {
	recs, err := rt.ledger.Query(ctx, envelopeID)
	if err != nil {
		return stageDetail{}, false, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Stage != stage {
			continue
		}
		var d stageDetail
		if recs[i].Detail != "" {
			if err := json.Unmarshal([]byte(recs[i].Detail), &d); err != nil {
				return stageDetail{}, false, err
			}
		}
		return d, true, nil
	}
	return stageDetail{}, false, nil
}

// Receipts returns the persisted per-subscriber delivery state for an
// envelope.
func (rt *Router) Receipts(ctx context.Context, envelopeID string) ([]domain.DeliveryReceipt, error) {
	return rt.repo.ListDeliveryReceipts(ctx, envelopeID)
}

// WaitForIdle blocks until every queued delivery task has finished. Test
// hook; production callers never need it.
func (rt *Router) WaitForIdle() {
	rt.wg.Wait()
}

// Close drains the lanes and stops their goroutines.
func (rt *Router) Close() {
	rt.wg.Wait()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, lane := range rt.lanes {
		close(lane)
		delete(rt.lanes, key)
	}
}
