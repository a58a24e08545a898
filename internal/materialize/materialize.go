// Package materialize turns maintenance predictions into work orders.
package materialize

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cityflow/internal/domain"
	"cityflow/internal/matcher"
)

// TaskID derives a stable task id from the prediction it materializes.
func TaskID(predictionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("cityflow/task/"+predictionID)).String()
}

// Materialize builds the task for a prediction. It has no side effects; the caller persists the
// task, reserves parts and guards against materializing the same prediction twice.
func Materialize(p domain.MaintenancePrediction, s domain.AutomationSettings, techs []domain.Technician, stock []domain.PartStock, now time.Time) (domain.Task, error) {
	if strings.TrimSpace(p.ID) == "" {
		return domain.Task{}, domain.ValidationError{Field: "prediction.id", Reason: "required"}
	}
	if strings.TrimSpace(p.DeviceName) == "" {
		return domain.Task{}, domain.ValidationError{Field: "prediction.device_name", Reason: "required"}
	}
	if p.RepairCost < 0 || p.ReplaceCost < 0 {
		return domain.Task{}, domain.ValidationError{Field: "prediction.cost", Reason: "costs must be >= 0"}
	}
	for _, part := range p.RequiredParts {
		if part.SKU == "" || part.Quantity <= 0 {
			return domain.Task{}, domain.ValidationError{Field: "prediction.required_parts", Reason: "each part needs a sku and a positive quantity"}
		}
	}

	mtype, cost := Remediation(p.RepairCost, p.ReplaceCost)
	checks := matcher.CheckParts(p.RequiredParts, stock)
	inStock := matcher.AllInStock(checks)

	task := domain.Task{
		ID:                   TaskID(p.ID),
		PredictionID:         p.ID,
		DeviceName:           p.DeviceName,
		MaintenanceType:      mtype,
		Priority:             p.Urgency,
		Status:               domain.TaskPendingParts,
		ScheduledDate:        now.AddDate(0, 0, s.ScheduleBufferDays),
		PartsReserved:        []domain.PartRequirement{},
		PartsAvailable:       inStock,
		PartsCheck:           checks,
		EstimatedCost:        cost,
		CreatedAutomatically: true,
		CreatedAt:            now,
	}
	if inStock {
		task.Status = domain.TaskScheduled
	}
	if s.AutoAssignTechnicians {
		task.Technician = matcher.SelectTechnician(p.DeviceType, techs)
	}
	if s.AutoReserveParts && inStock {
		task.PartsReserved = append(task.PartsReserved, p.RequiredParts...)
	}
	return task, nil
}

// Shortfalls lists the resources a task was created without: no technician when assignment is on,
// and every part short of stock.
func Shortfalls(t domain.Task, s domain.AutomationSettings) []domain.ResourceUnavailableError {
	var out []domain.ResourceUnavailableError
	if s.AutoAssignTechnicians && t.Technician == nil {
		out = append(out, domain.ResourceUnavailableError{Resource: "technician", Detail: "no available technician for " + t.DeviceName})
	}
	for _, c := range t.PartsCheck {
		if !c.InStock {
			out = append(out, domain.ResourceUnavailableError{Resource: "part", Detail: fmt.Sprintf("%s needs %d, %d available", c.SKU, c.Required, c.Available)})
		}
	}
	return out
}

// Remediation selects the cheaper of repair and replacement. Equal costs choose replacement.
func Remediation(repairCost, replaceCost float64) (string, float64) {
	if repairCost < replaceCost {
		return domain.MaintenanceCorrective, repairCost
	}
	return domain.MaintenanceReplacement, replaceCost
}

// FilterByThreshold keeps the predictions whose urgency passes the threshold, in input order.
func FilterByThreshold(preds []domain.MaintenancePrediction, threshold domain.PriorityThreshold) []domain.MaintenancePrediction {
	out := make([]domain.MaintenancePrediction, 0, len(preds))
	for _, p := range preds {
		if threshold.Admits(p.Urgency) {
			out = append(out, p)
		}
	}
	return out
}
