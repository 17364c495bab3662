package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"backplane/internal/domain"
)

func scanEndpoint(scan func(dest ...any) error) (domain.ServiceEndpoint, error) {
	var ep domain.ServiceEndpoint
	var topicsJSON string
	err := scan(&ep.Name, &topicsJSON, &ep.Address, &ep.RegisteredAt, &ep.HealthStatus, &ep.MissedProbes, &ep.Position)
	if err == sql.ErrNoRows {
		return ep, ErrNotFound
	}
	if err != nil {
		return ep, err
	}
	if err := json.Unmarshal([]byte(topicsJSON), &ep.Topics); err != nil {
		return ep, fmt.Errorf("endpoint %s topics: %w", ep.Name, err)
	}
	return ep, nil
}

// UpsertEndpoint inserts or overwrites an endpoint row. Position is assigned
// on first insert and preserved on overwrite so resolve order stays stable.
func (r Repo) UpsertEndpoint(ctx context.Context, ep domain.ServiceEndpoint) (domain.ServiceEndpoint, error) {
	topicsJSON, err := json.Marshal(ep.Topics)
	if err != nil {
		return ep, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO endpoints(name,topics_json,address,registered_at,health_status,missed_probes,position)
VALUES (?,?,?,?,?,?,(SELECT COALESCE(MAX(position),0)+1 FROM endpoints))
ON CONFLICT(name) DO UPDATE SET topics_json=excluded.topics_json, address=excluded.address,
registered_at=excluded.registered_at, health_status=excluded.health_status, missed_probes=excluded.missed_probes`,
		ep.Name, string(topicsJSON), ep.Address, ep.RegisteredAt, ep.HealthStatus, ep.MissedProbes)
	if err != nil {
		return ep, err
	}
	return r.GetEndpoint(ctx, ep.Name)
}

func (r Repo) GetEndpoint(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT name,topics_json,address,registered_at,health_status,missed_probes,position FROM endpoints WHERE name=?`, name)
	return scanEndpoint(row.Scan)
}

// ListEndpoints returns all endpoints in registration order, including
// unhealthy ones (administrative listing).
func (r Repo) ListEndpoints(ctx context.Context) ([]domain.ServiceEndpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,topics_json,address,registered_at,health_status,missed_probes,position FROM endpoints ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ep)
	}
	return res, rows.Err()
}

// DeleteEndpoint is idempotent; removing an absent name is not an error.
func (r Repo) DeleteEndpoint(ctx context.Context, name string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM endpoints WHERE name=?`, name)
	return err
}

func (r Repo) UpdateEndpointHealth(ctx context.Context, name, status string, missedProbes int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE endpoints SET health_status=?, missed_probes=? WHERE name=?`, status, missedProbes, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
