// Package escalation holds envelopes paused for human review. An envelope
// has at most one open item at a time; decisions on closed items are no-ops
// so a reviewer and the TTL sweeper can never both win.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"backplane/internal/domain"
	"backplane/internal/ledger"
	"backplane/internal/repo"
)

// DuplicateError reports an attempt to open a second item for an envelope
// that already has one pending.
type DuplicateError struct {
	EnvelopeID string
	OpenItemID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("envelope %s already has open escalation %s", e.EnvelopeID, e.OpenItemID)
}

// ErrUnknownDecision is returned for decisions outside approve/amend/reject.
var ErrUnknownDecision = errors.New("decision must be approve, amend or reject")

const (
	DecideApprove = "approve"
	DecideAmend   = "amend"
	DecideReject  = "reject"
)

// Resumer releases an approved or amended envelope back into delivery.
// Implemented by the event router; declared here to keep the dependency
// pointing one way.
type Resumer interface {
	ResumeDelivery(ctx context.Context, envelopeID string) error
}

type Queue struct {
	repo    repo.Repo
	ledger  *ledger.Ledger
	resumer Resumer
	ttl     time.Duration

	Now func() time.Time
}

func NewQueue(r repo.Repo, l *ledger.Ledger, ttl time.Duration) *Queue {
	return &Queue{repo: r, ledger: l, ttl: ttl, Now: time.Now}
}

// Bind attaches the router after construction; the router needs the queue
// and the queue needs the router.
func (q *Queue) Bind(r Resumer) { q.resumer = r }

// Enqueue opens an item for an envelope held by policy. The envelope keeps
// exactly one open item: a concurrent second enqueue returns DuplicateError
// with the existing item.
func (q *Queue) Enqueue(ctx context.Context, envelopeID, reasonRuleID, actor string) (domain.EscalationItem, error) {
	now := q.Now().UTC()
	item := domain.EscalationItem{
		ID:           uuid.NewString(),
		EnvelopeID:   envelopeID,
		ReasonRuleID: reasonRuleID,
		EnqueuedAt:   now.Format(time.RFC3339),
		ExpiresAt:    now.Add(q.ttl).Format(time.RFC3339),
		Status:       domain.EscalationPending,
	}
	conflict, err := q.repo.InsertEscalation(ctx, item)
	if err != nil {
		return item, err
	}
	if conflict {
		open, err := q.repo.OpenEscalationByEnvelope(ctx, envelopeID)
		if err != nil {
			return item, err
		}
		return open, &DuplicateError{EnvelopeID: envelopeID, OpenItemID: open.ID}
	}
	if err := q.repo.UpdateEnvelopeStatus(ctx, envelopeID, domain.EnvelopeHeld); err != nil {
		return item, err
	}
	_, err = q.ledger.Append(ctx, ledger.Entry{
		EnvelopeID: envelopeID,
		Stage:      domain.StageQueued,
		Actor:      actor,
		Detail:     map[string]any{"item_id": item.ID, "reason_rule_id": reasonRuleID, "expires_at": item.ExpiresAt},
	})
	return item, err
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, itemID string) (domain.EscalationItem, error) {
	return q.repo.GetEscalation(ctx, itemID)
}

// List returns items, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]domain.EscalationItem, error) {
	return q.repo.ListEscalations(ctx, repo.EscalationFilters{Status: status, Limit: limit})
}

// Decide applies a human decision to a pending item. Approve resumes
// delivery of the held envelope as-is; amend replaces the payload first;
// reject terminates the envelope. A decision on an item that is no longer
// pending (already decided, or expired by the sweeper) is a no-op and
// returns the item unchanged.
func (q *Queue) Decide(ctx context.Context, itemID, decision, reviewer, comment string, newPayload []byte) (domain.EscalationItem, error) {
	var status string
	switch decision {
	case DecideApprove:
		status = domain.EscalationApproved
	case DecideAmend:
		status = domain.EscalationAmended
		if len(newPayload) == 0 {
			return domain.EscalationItem{}, fmt.Errorf("amend requires a replacement payload")
		}
	case DecideReject:
		status = domain.EscalationRejected
	default:
		return domain.EscalationItem{}, ErrUnknownDecision
	}
	if reviewer == "" {
		return domain.EscalationItem{}, fmt.Errorf("reviewer is required")
	}

	item, err := q.repo.GetEscalation(ctx, itemID)
	if err != nil {
		return item, err
	}

	err = q.repo.CloseEscalation(ctx, itemID, status, reviewer, comment)
	if errors.Is(err, repo.ErrNotFound) {
		// Lost the race: someone else closed it. Return the settled item.
		return q.repo.GetEscalation(ctx, itemID)
	}
	if err != nil {
		return item, err
	}

	// The decision is committed; finish the envelope transition even if the
	// caller has gone away. Each remaining effect is retried so a transient
	// storage error cannot strand the envelope in held with no terminal
	// stage behind an already-closed item.
	fctx := context.WithoutCancel(ctx)

	if decision == DecideAmend {
		if err := settle(func() error {
			return q.repo.ReplaceEnvelopePayload(fctx, item.EnvelopeID, newPayload)
		}); err != nil {
			return item, err
		}
	}

	err = settle(func() error {
		_, err := q.ledger.Append(fctx, ledger.Entry{
			EnvelopeID: item.EnvelopeID,
			Stage:      domain.StageDecision,
			Actor:      reviewer,
			Detail: map[string]any{
				"item_id":  itemID,
				"decision": decision,
				"comment":  comment,
			},
		})
		return err
	})
	if err != nil {
		return item, err
	}

	switch decision {
	case DecideApprove, DecideAmend:
		if err := settle(func() error {
			return q.resumer.ResumeDelivery(fctx, item.EnvelopeID)
		}); err != nil {
			return item, err
		}
	case DecideReject:
		if err := settle(func() error {
			return q.repo.UpdateEnvelopeStatus(fctx, item.EnvelopeID, domain.EnvelopeRejected)
		}); err != nil {
			return item, err
		}
		err := settle(func() error {
			_, err := q.ledger.Append(fctx, ledger.Entry{
				EnvelopeID: item.EnvelopeID,
				Stage:      domain.StageRejected,
				Actor:      reviewer,
				Detail:     map[string]any{"item_id": itemID, "reason": "reviewer rejected"},
			})
			return err
		})
		if err != nil {
			return item, err
		}
	}

	return q.repo.GetEscalation(ctx, itemID)
}

// settle retries a post-close effect a few times before giving up. A halted
// ledger is not transient and fails straight through.
func settle(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, ledger.ErrHalted) || errors.Is(err, ledger.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, 4))
}

// ExpireOverdue closes every pending item past its TTL. Expiry counts as a
// rejection: the envelope terminates and never reaches subscribers.
func (q *Queue) ExpireOverdue(ctx context.Context) (int, error) {
	now := q.Now().UTC().Format(time.RFC3339)
	overdue, err := q.repo.ListOverdueEscalations(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, item := range overdue {
		err := q.repo.CloseEscalation(ctx, item.ID, domain.EscalationExpired, "", "escalation ttl lapsed")
		if errors.Is(err, repo.ErrNotFound) {
			continue // decided in the meantime
		}
		if err != nil {
			return expired, err
		}
		if err := q.repo.UpdateEnvelopeStatus(ctx, item.EnvelopeID, domain.EnvelopeExpired); err != nil {
			return expired, err
		}
		if _, err := q.ledger.Append(ctx, ledger.Entry{
			EnvelopeID: item.EnvelopeID,
			Stage:      domain.StageExpired,
			Actor:      "system",
			Detail:     map[string]any{"item_id": item.ID, "expires_at": item.ExpiresAt},
		}); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// StartSweeper runs ExpireOverdue on a fixed interval until ctx is done.
func (q *Queue) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := q.ExpireOverdue(ctx); err != nil {
					log.Printf("escalation sweeper: %v", err)
				} else if n > 0 {
					log.Printf("escalation sweeper: expired %d item(s)", n)
				}
			}
		}
	}()
}
