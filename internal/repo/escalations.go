package repo

import (
	"context"
	"database/sql"
	"strings"

	"backplane/internal/domain"
)

// InsertEscalation creates an open item. The partial unique index on
// (envelope_id) WHERE status='pending' is the compare-and-set that enforces
// one open item per envelope; a constraint violation surfaces as conflict=true.
func (r Repo) InsertEscalation(ctx context.Context, item domain.EscalationItem) (conflict bool, err error) {
	_, err = r.DB.ExecContext(ctx, `INSERT INTO escalations(id,envelope_id,reason_rule_id,enqueued_at,expires_at,status,reviewer,decision_comment)
VALUES (?,?,?,?,?,?,?,?)`,
		item.ID, item.EnvelopeID, item.ReasonRuleID, item.EnqueuedAt, item.ExpiresAt, item.Status,
		nullableStringPtr(item.Reviewer), nullable(item.DecisionComment))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true, nil
	}
	return false, err
}

func scanEscalation(scan func(dest ...any) error) (domain.EscalationItem, error) {
	var item domain.EscalationItem
	var reviewer, comment sql.NullString
	err := scan(&item.ID, &item.EnvelopeID, &item.ReasonRuleID, &item.EnqueuedAt, &item.ExpiresAt, &item.Status, &reviewer, &comment)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if reviewer.Valid {
		item.Reviewer = &reviewer.String
	}
	if comment.Valid {
		item.DecisionComment = comment.String
	}
	return item, nil
}

const escalationColumns = `id,envelope_id,reason_rule_id,enqueued_at,expires_at,status,reviewer,decision_comment`

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.EscalationItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

func (r Repo) OpenEscalationByEnvelope(ctx context.Context, envelopeID string) (domain.EscalationItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE envelope_id=? AND status='pending'`, envelopeID)
	return scanEscalation(row.Scan)
}

type EscalationFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.EscalationItem, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY enqueued_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationItem
	for rows.Next() {
		item, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CloseEscalation transitions a pending item to a terminal status. Returns
// ErrNotFound when the item is absent or already closed, which makes close
// races (reviewer vs TTL sweeper) resolve to exactly one winner.
func (r Repo) CloseEscalation(ctx context.Context, id, status, reviewer, comment string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE escalations SET status=?, reviewer=?, decision_comment=? WHERE id=? AND status='pending'`,
		status, nullable(reviewer), nullable(comment), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverdueEscalations returns pending items whose TTL has lapsed.
func (r Repo) ListOverdueEscalations(ctx context.Context, now string) ([]domain.EscalationItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE status='pending' AND expires_at <= ? ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationItem
	for rows.Next() {
		item, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}
