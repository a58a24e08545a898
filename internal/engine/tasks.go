package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"cityflow/internal/domain"
	"cityflow/internal/events"
	"cityflow/internal/insight"
	"cityflow/internal/materialize"
	"cityflow/internal/notify"
	"cityflow/internal/repo"
)

// BatchReport aggregates one batch run. Failures and shortfalls are keyed by prediction id.
type BatchReport struct {
	Considered int                 `json:"considered"`
	Eligible   int                 `json:"eligible"`
	Created    int                 `json:"created"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	TaskIDs    []string            `json:"task_ids"`
	Failures   map[string]string   `json:"failures,omitempty"`
	Cancelled  bool                `json:"cancelled,omitempty"`
	Shortfalls map[string][]string `json:"shortfalls,omitempty"`
}

// IngestReport describes a prediction ingest and, when auto creation is on, the batch it ran.
type IngestReport struct {
	Received  int          `json:"received"`
	Stored    int          `json:"stored"`
	Duplicate int          `json:"duplicate"`
	Invalid   int          `json:"invalid"`
	Batch     *BatchReport `json:"batch,omitempty"`
}

// MaterializePrediction creates the task for a stored prediction using the current settings.
func (e Engine) MaterializePrediction(ctx context.Context, predictionID, actorID string) (domain.Task, error) {
	p, err := e.Repo.GetPrediction(ctx, predictionID)
	if err != nil {
		return domain.Task{}, err
	}
	s, err := e.Settings(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	return e.materialize(ctx, p, s, actorID)
}

// materialize builds and stores the task for p. Losing a reservation race re-reads stock and
// tries again, so a retry may settle on pending_parts instead.
func (e Engine) materialize(ctx context.Context, p domain.MaintenancePrediction, s domain.AutomationSettings, actorID string) (domain.Task, error) {
	if existing, err := e.Repo.GetTaskByPrediction(ctx, p.ID); err == nil {
		return existing, domain.ConflictError{Entity: "task", ID: existing.ID, Reason: fmt.Sprintf("prediction %s already materialized", p.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}

	eb := backoff.NewExponentialBackOff()
	if e.RetryInterval > 0 {
		eb.InitialInterval = e.RetryInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, e.ReserveRetries), ctx)

	var task domain.Task
	attempt := 0
	op := func() error {
		if attempt > 0 {
			e.Metrics.ReservationRetry()
		}
		attempt++
		t, err := e.storeTask(ctx, p, s, actorID)
		if err != nil {
			var ce domain.ConflictError
			if errors.As(err, &ce) && ce.Entity == "part" {
				return err
			}
			return backoff.Permanent(err)
		}
		task = t
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.TaskCreated(task.Status, task.MaintenanceType)
	for _, sf := range materialize.Shortfalls(task, s) {
		e.logger().Warn("task created without resource", "task_id", task.ID, "prediction_id", p.ID, "error", sf)
	}
	if s.NotifyOnCreation {
		e.notifyCreated(ctx, task)
	}
	return task, nil
}

func (e Engine) storeTask(ctx context.Context, p domain.MaintenancePrediction, s domain.AutomationSettings, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	techs, err := e.Repo.ListTechniciansTx(ctx, tx)
	if err != nil {
		return domain.Task{}, err
	}
	stock, err := e.Repo.ListPartsTx(ctx, tx)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := materialize.Materialize(p, s, techs, stock, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if len(task.PartsReserved) > 0 {
		if err := e.Repo.ReserveParts(ctx, tx, task.PartsReserved); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if task.Technician != nil {
		if err := e.Repo.AdjustTechnicianLoad(ctx, tx, task.Technician.ID, 1); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.SetPredictionStatus(ctx, tx, p.ID, domain.PredictionScheduled); err != nil {
		return domain.Task{}, fmt.Errorf("prediction %s: %w", p.ID, err)
	}
	payload := events.EventPayload{
		"prediction_id":    p.ID,
		"status":           task.Status,
		"maintenance_type": task.MaintenanceType,
		"estimated_cost":   task.EstimatedCost,
		"parts_reserved":   task.PartsReserved,
	}
	if task.Technician != nil {
		payload["technician_id"] = task.Technician.ID
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, "task", task.ID, actorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// notifyCreated announces a new task. Delivery failures are logged; the task stands.
func (e Engine) notifyCreated(ctx context.Context, t domain.Task) {
	target := ""
	if t.Technician != nil {
		target = notify.TechnicianTopic(t.Technician.ID)
	} else if e.Config != nil {
		target = e.Config.Notify.Dispatch
	}
	if target == "" {
		return
	}
	msg := fmt.Sprintf("New %s task for %s (%s), scheduled %s", t.MaintenanceType, t.DeviceName, t.Priority, t.ScheduledDate.Format("2006-01-02"))
	if err := e.notifier().Send(ctx, notify.ChannelPush, target, msg); err != nil {
		e.logger().Error("task notification failed", "task_id", t.ID, "target", target, "error", err)
	}
}

// ProcessBatch materializes preds one at a time. A failing item is logged and counted; it never
// stops the batch. Cancellation is checked before each item and leaves created tasks in place.
func (e Engine) ProcessBatch(ctx context.Context, preds []domain.MaintenancePrediction, s domain.AutomationSettings, actorID string) BatchReport {
	report := BatchReport{Considered: len(preds), TaskIDs: []string{}, Failures: map[string]string{}, Shortfalls: map[string][]string{}}
	seen := make(map[string]bool, len(preds))
	log := e.logger().With("op", "batch")
	for _, p := range preds {
		if ctx.Err() != nil {
			report.Cancelled = true
			log.Warn("batch cancelled", "created", report.Created, "remaining", report.Considered-report.Created-report.Skipped-report.Failed)
			break
		}
		if seen[p.ID] {
			report.Skipped++
			e.Metrics.BatchItem("duplicate")
			continue
		}
		seen[p.ID] = true
		report.Eligible++
		task, err := e.materialize(ctx, p, s, actorID)
		switch {
		case err == nil:
			report.Created++
			report.TaskIDs = append(report.TaskIDs, task.ID)
			e.Metrics.BatchItem("created")
			for _, sf := range materialize.Shortfalls(task, s) {
				report.Shortfalls[p.ID] = append(report.Shortfalls[p.ID], sf.Error())
			}
		case isConflict(err) && task.PredictionID == p.ID:
			report.Skipped++
			e.Metrics.BatchItem("duplicate")
		default:
			report.Failed++
			report.Failures[p.ID] = err.Error()
			e.Metrics.BatchItem("failed")
			log.Error("materialize failed", "prediction_id", p.ID, "error", err)
		}
	}
	return report
}

// ProcessAllPending materializes every pending prediction that passes the priority threshold.
func (e Engine) ProcessAllPending(ctx context.Context, actorID string) (BatchReport, error) {
	s, err := e.Settings(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	pending, err := e.Repo.ListPredictions(ctx, repo.PredictionFilters{Status: domain.PredictionPending})
	if err != nil {
		return BatchReport{}, err
	}
	eligible := materialize.FilterByThreshold(pending, s.PriorityThreshold)
	report := e.ProcessBatch(ctx, eligible, s, actorID)
	report.Considered = len(pending)
	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// IngestPredictions stores new predictions. Known ids are left untouched. With auto creation on,
// the stored predictions that pass the threshold are materialized right away.
func (e Engine) IngestPredictions(ctx context.Context, preds []domain.MaintenancePrediction, actorID string) (IngestReport, error) {
	report := IngestReport{Received: len(preds)}
	s, err := e.Settings(ctx)
	if err != nil {
		return report, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	var stored []domain.MaintenancePrediction
	for _, p := range preds {
		if err := insight.Check(p); err != nil {
			report.Invalid++
			e.logger().Warn("prediction rejected", "prediction_id", p.ID, "error", err)
			continue
		}
		if p.ReceivedAt.IsZero() {
			p.ReceivedAt = now
		}
		p.Status = domain.PredictionPending
		ok, err := e.Repo.InsertPrediction(ctx, tx, p)
		if err != nil {
			return report, fmt.Errorf("store prediction %s: %w", p.ID, err)
		}
		if !ok {
			report.Duplicate++
			continue
		}
		if err := e.events().Append(ctx, tx, events.PredictionStored, "prediction", p.ID, actorID, events.EventPayload{
			"device_name": p.DeviceName,
			"urgency":     p.Urgency,
		}); err != nil {
			return report, err
		}
		stored = append(stored, p)
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	report.Stored = len(stored)
	if s.AutoCreateTasks && len(stored) > 0 {
		batch := e.ProcessBatch(ctx, materialize.FilterByThreshold(stored, s.PriorityThreshold), s, actorID)
		report.Batch = &batch
	}
	return report, nil
}

// IngestFromProvider pulls the current predictions from p and ingests them.
func (e Engine) IngestFromProvider(ctx context.Context, p insight.Provider, actorID string) (IngestReport, error) {
	preds, err := p.Predictions(ctx)
	if err != nil {
		return IngestReport{}, fmt.Errorf("fetch predictions: %w", err)
	}
	return e.IngestPredictions(ctx, preds, actorID)
}

// CompleteTask closes a task, consumes its reserved parts and frees its technician.
func (e Engine) CompleteTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	if err := e.Repo.CompleteTask(ctx, tx, id, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.ConsumeParts(ctx, tx, t.PartsReserved); err != nil {
		return domain.Task{}, err
	}
	if t.Technician != nil {
		if err := e.Repo.AdjustTechnicianLoad(ctx, tx, t.Technician.ID, -1); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	if err := e.events().Append(ctx, tx, events.TaskCompleted, "task", id, actorID, events.EventPayload{
		"prediction_id":  t.PredictionID,
		"parts_consumed": t.PartsReserved,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	return t, nil
}

// DeleteTask removes an open task, returns its reservation to stock and puts the prediction back
// to pending so it can be materialized again.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskCompleted {
		if err := e.Repo.ReleaseParts(ctx, tx, t.PartsReserved); err != nil {
			return err
		}
		if t.Technician != nil {
			if err := e.Repo.AdjustTechnicianLoad(ctx, tx, t.Technician.ID, -1); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Repo.SetPredictionStatus(ctx, tx, t.PredictionID, domain.PredictionPending); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.events().Append(ctx, tx, events.TaskDeleted, "task", id, actorID, events.EventPayload{
		"prediction_id":  t.PredictionID,
		"parts_released": t.PartsReserved,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) ListPredictions(ctx context.Context, f repo.PredictionFilters) ([]domain.MaintenancePrediction, error) {
	return e.Repo.ListPredictions(ctx, f)
}
