package materialize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
)

var now = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func prediction() domain.MaintenancePrediction {
	return domain.MaintenancePrediction{
		ID:            "P1",
		DeviceName:    "AC unit 4",
		DeviceType:    "تكييف",
		Urgency:       domain.UrgencyHigh,
		RepairCost:    1200,
		ReplaceCost:   3500,
		RequiredParts: []domain.PartRequirement{{SKU: "CMP-9", Quantity: 5}},
	}
}

var techs = []domain.Technician{
	{ID: "t1", Specialty: "تكييف", Available: true, Tasks: 2, Rating: 4},
	{ID: "t2", Specialty: "كاميرات", Available: true, Tasks: 0, Rating: 5},
}

var stock = []domain.PartStock{{SKU: "CMP-9", Quantity: 8, Reserved: 2}}

func TestMaterializeCheaperRemediation(t *testing.T) {
	task, err := Materialize(prediction(), domain.DefaultAutomationSettings(), techs, stock, now)
	require.NoError(t, err)
	assert.Equal(t, domain.MaintenanceCorrective, task.MaintenanceType)
	assert.Equal(t, 1200.0, task.EstimatedCost)

	p := prediction()
	p.RepairCost = 5000
	task, err = Materialize(p, domain.DefaultAutomationSettings(), techs, stock, now)
	require.NoError(t, err)
	assert.Equal(t, domain.MaintenanceReplacement, task.MaintenanceType)
	assert.Equal(t, 3500.0, task.EstimatedCost)
}

func TestMaterializeScheduledWithAssignmentAndReservation(t *testing.T) {
	s := domain.DefaultAutomationSettings()
	s.ScheduleBufferDays = 3
	task, err := Materialize(prediction(), s, techs, stock, now)
	require.NoError(t, err)

	assert.Equal(t, TaskID("P1"), task.ID)
	assert.Equal(t, "P1", task.PredictionID)
	assert.Equal(t, domain.TaskScheduled, task.Status)
	assert.True(t, task.PartsAvailable)
	assert.True(t, task.CreatedAutomatically)
	assert.Equal(t, now.AddDate(0, 0, 3), task.ScheduledDate)
	require.NotNil(t, task.Technician)
	assert.Equal(t, "t1", task.Technician.ID)
	assert.Equal(t, []domain.PartRequirement{{SKU: "CMP-9", Quantity: 5}}, task.PartsReserved)
}

func TestMaterializePendingPartsReservesNothing(t *testing.T) {
	p := prediction()
	p.RequiredParts = []domain.PartRequirement{{SKU: "CMP-9", Quantity: 7}}
	task, err := Materialize(p, domain.DefaultAutomationSettings(), techs, stock, now)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPendingParts, task.Status)
	assert.False(t, task.PartsAvailable)
	assert.Empty(t, task.PartsReserved)
	require.Len(t, task.PartsCheck, 1)
	assert.Equal(t, 6, task.PartsCheck[0].Available)
}

func TestMaterializeRespectsSettings(t *testing.T) {
	s := domain.DefaultAutomationSettings()
	s.AutoAssignTechnicians = false
	s.AutoReserveParts = false
	task, err := Materialize(prediction(), s, techs, stock, now)
	require.NoError(t, err)
	assert.Nil(t, task.Technician)
	assert.Empty(t, task.PartsReserved)
	// availability still decides status
	assert.Equal(t, domain.TaskScheduled, task.Status)
}

func TestMaterializeNoTechnicianAvailable(t *testing.T) {
	task, err := Materialize(prediction(), domain.DefaultAutomationSettings(), nil, stock, now)
	require.NoError(t, err)
	assert.Nil(t, task.Technician)
}

func TestMaterializeValidation(t *testing.T) {
	p := prediction()
	p.DeviceName = " "
	_, err := Materialize(p, domain.DefaultAutomationSettings(), techs, stock, now)
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "prediction.device_name", ve.Field)

	p = prediction()
	p.RequiredParts = []domain.PartRequirement{{SKU: "CMP-9", Quantity: 0}}
	_, err = Materialize(p, domain.DefaultAutomationSettings(), techs, stock, now)
	assert.Error(t, err)
}

func TestShortfalls(t *testing.T) {
	p := prediction()
	p.RequiredParts = []domain.PartRequirement{{SKU: "CMP-9", Quantity: 7}}
	task, err := Materialize(p, domain.DefaultAutomationSettings(), nil, stock, now)
	require.NoError(t, err)

	got := Shortfalls(task, domain.DefaultAutomationSettings())
	require.Len(t, got, 2)
	assert.Equal(t, "technician", got[0].Resource)
	assert.Equal(t, "part", got[1].Resource)
	assert.Equal(t, "part unavailable: CMP-9 needs 7, 6 available", got[1].Error())

	s := domain.DefaultAutomationSettings()
	s.AutoAssignTechnicians = false
	task, err = Materialize(prediction(), s, nil, stock, now)
	require.NoError(t, err)
	assert.Empty(t, Shortfalls(task, s))
}

func TestTaskIDIsStable(t *testing.T) {
	assert.Equal(t, TaskID("P1"), TaskID("P1"))
	assert.NotEqual(t, TaskID("P1"), TaskID("P2"))
}

func TestFilterByThreshold(t *testing.T) {
	preds := []domain.MaintenancePrediction{
		{ID: "c", Urgency: domain.UrgencyCritical},
		{ID: "h", Urgency: domain.UrgencyHigh},
		{ID: "m", Urgency: domain.UrgencyMedium},
		{ID: "l", Urgency: domain.UrgencyLow},
	}
	idsOf := func(ps []domain.MaintenancePrediction) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, []string{"c"}, idsOf(FilterByThreshold(preds, domain.ThresholdCritical)))
	assert.Equal(t, []string{"c", "h"}, idsOf(FilterByThreshold(preds, domain.ThresholdHigh)))
	assert.Equal(t, []string{"c", "h", "m"}, idsOf(FilterByThreshold(preds, domain.ThresholdMedium)))
	assert.Equal(t, []string{"c", "h", "m", "l"}, idsOf(FilterByThreshold(preds, domain.ThresholdAll)))
}
