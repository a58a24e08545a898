package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cityflow/internal/domain"
)

const predictionColumns = `id,device_name,device_type,urgency,repair_cost,replace_cost,estimated_time,required_parts_json,status,received_at`

type PredictionFilters struct {
	Status  string
	Urgency string
	Limit   int
}

func scanPrediction(row rowScanner) (domain.MaintenancePrediction, error) {
	var (
		p         domain.MaintenancePrediction
		est       sql.NullString
		partsJSON string
		received  string
	)
	if err := row.Scan(&p.ID, &p.DeviceName, &p.DeviceType, &p.Urgency, &p.RepairCost, &p.ReplaceCost, &est, &partsJSON, &p.Status, &received); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	p.EstimatedTime = est.String
	if err := json.Unmarshal([]byte(partsJSON), &p.RequiredParts); err != nil {
		return p, fmt.Errorf("prediction %s parts: %w", p.ID, err)
	}
	t, err := parseTS(received)
	if err != nil {
		return p, err
	}
	p.ReceivedAt = t
	return p, nil
}

// InsertPrediction stores a prediction once. It returns false if the id is already known;
// received predictions are never overwritten.
func (r Repo) InsertPrediction(ctx context.Context, tx *sql.Tx, p domain.MaintenancePrediction) (bool, error) {
	parts := p.RequiredParts
	if parts == nil {
		parts = []domain.PartRequirement{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return false, err
	}
	status := p.Status
	if status == "" {
		status = domain.PredictionPending
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO predictions(`+predictionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.DeviceName, p.DeviceType, string(p.Urgency), p.RepairCost, p.ReplaceCost, nullable(p.EstimatedTime), string(partsJSON), status, formatTS(p.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetPrediction(ctx context.Context, id string) (domain.MaintenancePrediction, error) {
	return scanPrediction(r.DB.QueryRowContext(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id=?`, id))
}

// ListPredictions returns predictions in arrival order.
func (r Repo) ListPredictions(ctx context.Context, f PredictionFilters) ([]domain.MaintenancePrediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Urgency != "" {
		query += ` AND urgency=?`
		args = append(args, f.Urgency)
	}
	query += ` ORDER BY received_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MaintenancePrediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPredictionStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE predictions SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
