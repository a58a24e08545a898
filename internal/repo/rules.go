package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cityflow/internal/domain"
)

const ruleColumns = `id,name,description,enabled,trigger_json,actions_json,cooldown_minutes,execution_count,last_executed_at,created_at,updated_at`

type RuleFilters struct {
	EnabledOnly bool
}

func encodeRule(r domain.Rule) (string, string, error) {
	trig, err := json.Marshal(domain.SpecFromTrigger(r.Trigger))
	if err != nil {
		return "", "", fmt.Errorf("marshal trigger: %w", err)
	}
	acts, err := json.Marshal(domain.SpecsFromActions(r.Actions))
	if err != nil {
		return "", "", fmt.Errorf("marshal actions: %w", err)
	}
	return string(trig), string(acts), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (domain.Rule, error) {
	var (
		r                  domain.Rule
		desc, last         sql.NullString
		trigJSON, actsJSON string
		created, updated   string
		enabled            int
	)
	if err := row.Scan(&r.ID, &r.Name, &desc, &enabled, &trigJSON, &actsJSON, &r.CooldownMinutes, &r.ExecutionCount, &last, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return r, ErrNotFound
		}
		return r, err
	}
	r.Description = desc.String
	r.Enabled = enabled == 1
	var ts domain.TriggerSpec
	if err := json.Unmarshal([]byte(trigJSON), &ts); err != nil {
		return r, fmt.Errorf("rule %s trigger: %w", r.ID, err)
	}
	trig, err := ts.Trigger()
	if err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.Trigger = trig
	var specs []domain.ActionSpec
	if err := json.Unmarshal([]byte(actsJSON), &specs); err != nil {
		return r, fmt.Errorf("rule %s actions: %w", r.ID, err)
	}
	if r.Actions, err = domain.ActionsFromSpecs(specs); err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.LastExecutedAt, err = parseNullTS(last); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTS(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTS(updated); err != nil {
		return r, err
	}
	return r, nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) error {
	trig, acts, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.Name, nullable(rule.Description), boolInt(rule.Enabled), trig, acts, rule.CooldownMinutes,
		rule.ExecutionCount, nullableTS(rule.LastExecutedAt), formatTS(rule.CreatedAt), formatTS(rule.UpdatedAt))
	if isUniqueViolation(err) {
		return domain.ConflictError{Entity: "rule", ID: rule.ID, Reason: "already exists"}
	}
	return err
}

// UpdateRule rewrites the definition of a rule. Firing state is left alone.
func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) error {
	trig, acts, err := encodeRule(rule)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE rules SET name=?,description=?,enabled=?,trigger_json=?,actions_json=?,cooldown_minutes=?,updated_at=? WHERE id=?`,
		rule.Name, nullable(rule.Description), boolInt(rule.Enabled), trig, acts, rule.CooldownMinutes, formatTS(rule.UpdatedAt), rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRuleEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool, updatedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE rules SET enabled=?,updated_at=? WHERE id=?`, boolInt(enabled), formatTS(updatedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id))
}

// ListRules returns rules in creation order.
func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if f.EnabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// ClaimRuleFiring records a firing at now unless another firing within cooldown already
// claimed the rule. It returns false when the claim is lost.
func (r Repo) ClaimRuleFiring(ctx context.Context, tx *sql.Tx, id string, now time.Time, cooldown time.Duration) (bool, error) {
	cutoff := formatTS(now.Add(-cooldown))
	res, err := tx.ExecContext(ctx, `UPDATE rules SET last_executed_at=?, execution_count=execution_count+1
		WHERE id=? AND enabled=1 AND (last_executed_at IS NULL OR last_executed_at<=?)`, formatTS(now), id, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordRuleFiring unconditionally stamps a firing; used when the claim was taken elsewhere.
func (r Repo) RecordRuleFiring(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE rules SET last_executed_at=?, execution_count=execution_count+1 WHERE id=?`, formatTS(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
