package repo

import (
	"context"
	"database/sql"
	"time"

	"backplane/internal/domain"
)

// ReplaceRules swaps the persisted rule set atomically and bumps the snapshot
// version. The in-memory gate snapshot is rebuilt from this table on load.
func (r Repo) ReplaceRules(ctx context.Context, rules []domain.PolicyRule) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_rules`); err != nil {
		return 0, err
	}
	for _, rule := range rules {
		if _, err := tx.ExecContext(ctx, `INSERT INTO policy_rules(id,topic_pattern,predicate,priority,on_fail,description) VALUES (?,?,?,?,?,?)`,
			rule.ID, rule.TopicPattern, rule.Predicate, rule.Priority, rule.OnFail, nullable(rule.Description)); err != nil {
			return 0, err
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE rule_snapshot SET version=version+1, loaded_at=?`, now); err != nil {
		return 0, err
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM rule_snapshot`).Scan(&version); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (r Repo) ListRules(ctx context.Context) ([]domain.PolicyRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,topic_pattern,predicate,priority,on_fail,COALESCE(description,'') FROM policy_rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PolicyRule
	for rows.Next() {
		var rule domain.PolicyRule
		if err := rows.Scan(&rule.ID, &rule.TopicPattern, &rule.Predicate, &rule.Priority, &rule.OnFail, &rule.Description); err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) RuleSnapshotVersion(ctx context.Context) (int64, error) {
	var version int64
	err := r.DB.QueryRowContext(ctx, `SELECT version FROM rule_snapshot`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}
