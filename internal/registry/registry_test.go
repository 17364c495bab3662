package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplane/internal/db"
	"backplane/internal/domain"
	"backplane/internal/ledger"
	"backplane/internal/migrate"
	"backplane/internal/repo"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	l, err := ledger.Open(conn)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	reg, err := New(repo.Repo{DB: conn}, l, 3)
	require.NoError(t, err)
	return reg
}

func register(t *testing.T, reg *Registry, name string, topics ...string) domain.ServiceEndpoint {
	t.Helper()
	ep, err := reg.Register(context.Background(), domain.ServiceEndpoint{
		Name:    name,
		Topics:  topics,
		Address: "http://" + name + ".local",
	}, false, name)
	require.NoError(t, err)
	return ep
}

func names(eps []domain.ServiceEndpoint) []string {
	var out []string
	for _, ep := range eps {
		out = append(out, ep.Name)
	}
	return out
}

func TestResolveExactTopic(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "billing", "orders.created")
	register(t, reg, "shipping", "orders.shipped")

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, names(eps))
}

func TestResolveWildcardMatchesOneSegment(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "auditor", "orders.*")

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor"}, names(eps))

	// * never spans segments.
	eps, err = reg.Resolve("orders.created.eu")
	require.NoError(t, err)
	assert.Empty(t, eps)

	eps, err = reg.Resolve("orders")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestResolveMidSegmentWildcard(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "regional", "orders.*.eu")

	eps, err := reg.Resolve("orders.created.eu")
	require.NoError(t, err)
	assert.Equal(t, []string{"regional"}, names(eps))

	eps, err = reg.Resolve("orders.created.us")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestResolvePreservesRegistrationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "first", "orders.*")
	register(t, reg, "second", "orders.created")
	register(t, reg, "third", "*.created")

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, names(eps))
}

func TestResolveDedupesOverlappingPatterns(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "greedy", "orders.created", "orders.*")

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"greedy"}, names(eps))
}

func TestResolveSkipsUnhealthy(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "flaky", "orders.created")
	register(t, reg, "steady", "orders.created")

	require.NoError(t, reg.MarkUnhealthy(context.Background(), "flaky"))

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"steady"}, names(eps))

	// Listing still shows the unreachable endpoint.
	all, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolveRejectsWildcardTopic(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve("orders.*")
	var ite *InvalidTopicError
	require.ErrorAs(t, err, &ite)
}

func TestRegisterRejectsBadPattern(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Register(context.Background(), domain.ServiceEndpoint{
		Name: "broken", Topics: []string{"orders.cr*ated"}, Address: "http://x",
	}, false, "broken")
	var ite *InvalidTopicError
	require.ErrorAs(t, err, &ite)

	_, err = reg.Register(context.Background(), domain.ServiceEndpoint{
		Name: "broken", Topics: []string{"orders..created"}, Address: "http://x",
	}, false, "broken")
	require.ErrorAs(t, err, &ite)
}

func TestRegisterNameConflict(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "billing", "orders.created")

	// Same name, different address, owner still healthy: rejected.
	_, err := reg.Register(context.Background(), domain.ServiceEndpoint{
		Name: "billing", Topics: []string{"orders.created"}, Address: "http://impostor.local",
	}, false, "impostor")
	assert.ErrorIs(t, err, ErrNameConflict)

	// Once the owner is unreachable the name can be taken over.
	require.NoError(t, reg.MarkUnhealthy(context.Background(), "billing"))
	_, err = reg.Register(context.Background(), domain.ServiceEndpoint{
		Name: "billing", Topics: []string{"orders.created"}, Address: "http://impostor.local",
	}, false, "impostor")
	require.NoError(t, err)
}

func TestRefreshPreservesRegisteredAt(t *testing.T) {
	reg := newTestRegistry(t)
	first := register(t, reg, "billing", "orders.created")

	refreshed, err := reg.Register(context.Background(), domain.ServiceEndpoint{
		Name: "billing", Topics: []string{"orders.created", "orders.updated"}, Address: "http://billing.local",
	}, true, "billing")
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt, refreshed.RegisteredAt)
	assert.Equal(t, first.Position, refreshed.Position)

	eps, err := reg.Resolve("orders.updated")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, names(eps))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "billing", "orders.created")

	require.NoError(t, reg.Deregister(context.Background(), "billing", "billing"))
	require.NoError(t, reg.Deregister(context.Background(), "billing", "billing"))

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestMissedProbeThresholdPrunes(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "flaky", "orders.created")
	ctx := context.Background()

	require.NoError(t, reg.MarkUnhealthy(ctx, "flaky"))
	require.NoError(t, reg.MarkUnhealthy(ctx, "flaky"))
	ep, err := reg.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnreachable, ep.HealthStatus)
	assert.Equal(t, 2, ep.MissedProbes)

	// Third consecutive miss removes the endpoint entirely.
	require.NoError(t, reg.MarkUnhealthy(ctx, "flaky"))
	_, err = reg.Get(ctx, "flaky")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMarkHealthyResetsMissedProbes(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "flaky", "orders.created")
	ctx := context.Background()

	require.NoError(t, reg.MarkUnhealthy(ctx, "flaky"))
	require.NoError(t, reg.MarkUnhealthy(ctx, "flaky"))
	require.NoError(t, reg.MarkHealthy(ctx, "flaky"))

	ep, err := reg.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, ep.HealthStatus)
	assert.Equal(t, 0, ep.MissedProbes)

	eps, err := reg.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, names(eps))
}

func TestRegistrySurvivesRestart(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	l, err := ledger.Open(conn)
	require.NoError(t, err)
	defer l.Close()

	reg, err := New(repo.Repo{DB: conn}, l, 3)
	require.NoError(t, err)
	register(t, reg, "billing", "orders.*")

	reg2, err := New(repo.Repo{DB: conn}, l, 3)
	require.NoError(t, err)
	eps, err := reg2.Resolve("orders.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, names(eps))
}
