// Package registry tracks service endpoints and resolves event topics to
// subscribers. Lookups run against an immutable in-memory snapshot; every
// mutation rebuilds the snapshot from the database so reads never block on
// writes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"backplane/internal/domain"
	"backplane/internal/ledger"
	"backplane/internal/repo"
)

var (
	// ErrNameConflict is returned when a registration would silently steal a
	// name still owned by a live endpoint at a different address.
	ErrNameConflict = errors.New("endpoint name already registered to a healthy endpoint")
)

// InvalidTopicError wraps a rejected topic or pattern.
type InvalidTopicError struct {
	Topic  string
	Reason string
}

func (e *InvalidTopicError) Error() string {
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

type snapshot struct {
	trie   *topicTrie
	byName map[string]domain.ServiceEndpoint
}

type Registry struct {
	repo      repo.Repo
	ledger    *ledger.Ledger
	threshold int

	mu   sync.Mutex // serializes mutations; reads go through snap
	snap atomic.Pointer[snapshot]

	Now func() time.Time
}

// New loads existing endpoints and builds the initial snapshot.
func New(r repo.Repo, l *ledger.Ledger, missedProbeThreshold int) (*Registry, error) {
	reg := &Registry{
		repo:      r,
		ledger:    l,
		threshold: missedProbeThreshold,
		Now:       time.Now,
	}
	if err := reg.rebuild(context.Background()); err != nil {
		return nil, err
	}
	return reg, nil
}

// rebuild reloads the snapshot from the database. Called under mu except
// during construction.
func (reg *Registry) rebuild(ctx context.Context) error {
	eps, err := reg.repo.ListEndpoints(ctx)
	if err != nil {
		return err
	}
	snap := &snapshot{
		trie:   newTopicTrie(),
		byName: make(map[string]domain.ServiceEndpoint, len(eps)),
	}
	for _, ep := range eps {
		snap.byName[ep.Name] = ep
		for _, pattern := range ep.Topics {
			snap.trie.add(pattern, ep.Name)
		}
	}
	reg.snap.Store(snap)
	return nil
}

// Register creates or refreshes an endpoint. A refresh from the same owner
// keeps the original registration time; re-registering a name that still
// belongs to a healthy endpoint at another address is a conflict.
func (reg *Registry) Register(ctx context.Context, ep domain.ServiceEndpoint, refresh bool, actor string) (domain.ServiceEndpoint, error) {
	if ep.Name == "" {
		return ep, &InvalidTopicError{Topic: "", Reason: "endpoint name is required"}
	}
	if len(ep.Topics) == 0 {
		return ep, &InvalidTopicError{Topic: "", Reason: "at least one topic pattern is required"}
	}
	for _, pattern := range ep.Topics {
		if err := ValidateTopicPattern(pattern); err != nil {
			return ep, err
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	now := reg.Now().UTC().Format(time.RFC3339)
	existing, err := reg.repo.GetEndpoint(ctx, ep.Name)
	switch {
	case err == nil:
		if !refresh && existing.HealthStatus == domain.HealthHealthy && existing.Address != ep.Address {
			return ep, ErrNameConflict
		}
		if refresh {
			ep.RegisteredAt = existing.RegisteredAt
		} else {
			ep.RegisteredAt = now
		}
	case errors.Is(err, repo.ErrNotFound):
		ep.RegisteredAt = now
	default:
		return ep, err
	}

	// A registering endpoint just proved it is alive.
	ep.HealthStatus = domain.HealthHealthy
	ep.MissedProbes = 0

	stored, err := reg.repo.UpsertEndpoint(ctx, ep)
	if err != nil {
		return ep, err
	}
	if err := reg.rebuild(ctx); err != nil {
		return stored, err
	}
	_, err = reg.ledger.Append(ctx, ledger.Entry{
		Stage: domain.StageRegistered,
		Actor: actor,
		Detail: map[string]any{
			"endpoint": stored.Name,
			"address":  stored.Address,
			"topics":   stored.Topics,
			"refresh":  refresh,
		},
	})
	return stored, err
}

// Resolve returns all healthy subscribers for a concrete topic, in
// registration order. Unreachable endpoints are skipped, not errors.
func (reg *Registry) Resolve(topic string) ([]domain.ServiceEndpoint, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	snap := reg.snap.Load()
	names := snap.trie.match(topic)

	seen := make(map[string]bool, len(names))
	var res []domain.ServiceEndpoint
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		ep, ok := snap.byName[name]
		if !ok || ep.HealthStatus != domain.HealthHealthy {
			continue
		}
		res = append(res, ep)
	}
	// The trie yields names in pattern order; registration order is the
	// contract, so sort by position.
	for i := 1; i < len(res); i++ {
		for j := i; j > 0 && res[j-1].Position > res[j].Position; j-- {
			res[j-1], res[j] = res[j], res[j-1]
		}
	}
	return res, nil
}

// Get returns one endpoint by name, including unhealthy ones.
func (reg *Registry) Get(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	return reg.repo.GetEndpoint(ctx, name)
}

// List returns every known endpoint in registration order, unhealthy
// included. Administrative view.
func (reg *Registry) List(ctx context.Context) ([]domain.ServiceEndpoint, error) {
	return reg.repo.ListEndpoints(ctx)
}

// Deregister removes an endpoint. Removing an unknown name is a no-op.
func (reg *Registry) Deregister(ctx context.Context, name, actor string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	_, err := reg.repo.GetEndpoint(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := reg.repo.DeleteEndpoint(ctx, name); err != nil {
		return err
	}
	if err := reg.rebuild(ctx); err != nil {
		return err
	}
	_, err = reg.ledger.Append(ctx, ledger.Entry{
		Stage:  domain.StageRegistered,
		Actor:  actor,
		Detail: map[string]any{"endpoint": name, "deregistered": true},
	})
	return err
}

// MarkUnhealthy records a missed health probe. The endpoint is flagged
// unreachable immediately and pruned from the registry once consecutive
// misses reach the threshold.
func (reg *Registry) MarkUnhealthy(ctx context.Context, name string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	ep, err := reg.repo.GetEndpoint(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ep.MissedProbes++
	if ep.MissedProbes >= reg.threshold {
		if err := reg.repo.DeleteEndpoint(ctx, name); err != nil {
			return err
		}
		if err := reg.rebuild(ctx); err != nil {
			return err
		}
		_, err = reg.ledger.Append(ctx, ledger.Entry{
			Stage:  domain.StageRegistered,
			Actor:  "system",
			Detail: map[string]any{"endpoint": name, "pruned": true, "missed_probes": ep.MissedProbes},
		})
		return err
	}
	if err := reg.repo.UpdateEndpointHealth(ctx, name, domain.HealthUnreachable, ep.MissedProbes); err != nil {
		return err
	}
	return reg.rebuild(ctx)
}

// MarkHealthy clears the missed-probe count after a successful probe.
func (reg *Registry) MarkHealthy(ctx context.Context, name string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	err := reg.repo.UpdateEndpointHealth(ctx, name, domain.HealthHealthy, 0)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return reg.rebuild(ctx)
}
