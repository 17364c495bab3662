package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"backplane/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// InsertEnvelope stores a new envelope. Returns false without error when an
// envelope with the same id already exists (idempotent re-ingest).
func (r Repo) InsertEnvelope(ctx context.Context, env domain.EventEnvelope) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO envelopes(id,topic,payload,producer,created_at,causation_id,status)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		env.ID, env.Topic, env.Payload, env.Producer, env.CreatedAt, nullableStringPtr(env.CausationID), env.Status)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetEnvelope(ctx context.Context, id string) (domain.EventEnvelope, error) {
	var env domain.EventEnvelope
	var causation sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,topic,payload,producer,created_at,causation_id,status FROM envelopes WHERE id=?`, id).
		Scan(&env.ID, &env.Topic, &env.Payload, &env.Producer, &env.CreatedAt, &causation, &env.Status)
	if err == sql.ErrNoRows {
		return env, ErrNotFound
	}
	if causation.Valid {
		env.CausationID = &causation.String
	}
	return env, err
}

func (r Repo) UpdateEnvelopeStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE envelopes SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceEnvelopePayload swaps the payload in place. Used by amend decisions:
// the envelope keeps its id and the amended bytes flow down the original
// delivery path.
func (r Repo) ReplaceEnvelopePayload(ctx context.Context, id string, payload []byte) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE envelopes SET payload=? WHERE id=?`, payload, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EnvelopeFilters struct {
	Topic    string
	Producer string
	Status   string
	Limit    int
}

func (r Repo) ListEnvelopes(ctx context.Context, f EnvelopeFilters) ([]domain.EventEnvelope, error) {
	var clauses []string
	var args []any
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.Producer != "" {
		clauses = append(clauses, "producer=?")
		args = append(args, f.Producer)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,topic,payload,producer,created_at,causation_id,status FROM envelopes ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventEnvelope
	for rows.Next() {
		var env domain.EventEnvelope
		var causation sql.NullString
		if err := rows.Scan(&env.ID, &env.Topic, &env.Payload, &env.Producer, &env.CreatedAt, &causation, &env.Status); err != nil {
			return nil, err
		}
		if causation.Valid {
			env.CausationID = &causation.String
		}
		res = append(res, env)
	}
	return res, rows.Err()
}

// UpsertDeliveryReceipt records the current delivery state for one
// envelope+subscriber pair.
func (r Repo) UpsertDeliveryReceipt(ctx context.Context, d domain.DeliveryReceipt) error {
	if d.UpdatedAt == "" {
		d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deliveries(envelope_id,subscriber,status,attempts,last_error,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(envelope_id,subscriber) DO UPDATE SET status=excluded.status, attempts=excluded.attempts, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		d.EnvelopeID, d.Subscriber, d.Status, d.Attempts, nullable(d.LastError), d.UpdatedAt)
	return err
}

func (r Repo) GetDeliveryReceipt(ctx context.Context, envelopeID, subscriber string) (domain.DeliveryReceipt, error) {
	var d domain.DeliveryReceipt
	var lastErr sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT envelope_id,subscriber,status,attempts,last_error,updated_at FROM deliveries WHERE envelope_id=? AND subscriber=?`,
		envelopeID, subscriber).
		Scan(&d.EnvelopeID, &d.Subscriber, &d.Status, &d.Attempts, &lastErr, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if lastErr.Valid {
		d.LastError = lastErr.String
	}
	return d, err
}

func (r Repo) ListDeliveryReceipts(ctx context.Context, envelopeID string) ([]domain.DeliveryReceipt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT envelope_id,subscriber,status,attempts,last_error,updated_at FROM deliveries WHERE envelope_id=? ORDER BY subscriber`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryReceipt
	for rows.Next() {
		var d domain.DeliveryReceipt
		var lastErr sql.NullString
		if err := rows.Scan(&d.EnvelopeID, &d.Subscriber, &d.Status, &d.Attempts, &lastErr, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if lastErr.Valid {
			d.LastError = lastErr.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DeliveredAlready reports whether the envelope has already reached the
// subscriber. This is the idempotency check for re-ingest and resume paths.
func (r Repo) DeliveredAlready(ctx context.Context, envelopeID, subscriber string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM deliveries WHERE envelope_id=? AND subscriber=? AND status='delivered'`,
		envelopeID, subscriber).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
