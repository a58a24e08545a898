package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"cityflow/internal/domain"
)

const automationSettingsKey = "automation"

// GetAutomationSettings returns the stored settings or ErrNotFound.
func (r Repo) GetAutomationSettings(ctx context.Context) (domain.AutomationSettings, error) {
	var s domain.AutomationSettings
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key=?`, automationSettingsKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) PutAutomationSettings(ctx context.Context, tx *sql.Tx, s domain.AutomationSettings, at time.Time) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO settings(key,value_json,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		automationSettingsKey, string(data), formatTS(at))
	return err
}
