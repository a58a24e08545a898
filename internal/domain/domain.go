package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Rule is a stored trigger + action list + cooldown definition.
type Rule struct {
	ID              string
	Name            string
	Description     string
	Enabled         bool
	Trigger         Trigger
	Actions         []Action
	CooldownMinutes int
	ExecutionCount  int
	LastExecutedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cooldown returns the rule cooldown as a duration.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// InCooldown reports whether a renewed match at now must be suppressed.
func (r Rule) InCooldown(now time.Time) bool {
	if r.LastExecutedAt == nil || r.CooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*r.LastExecutedAt) < r.Cooldown()
}

// Event kinds.
const (
	EventAlert  = "alert"
	EventMetric = "metric"
	EventTick   = "tick"
	EventNamed  = "event"
)

// Event is an incoming signal evaluated against the rule set.
type Event struct {
	ID          string          `json:"id,omitempty"`
	Kind        string          `json:"kind,omitempty" enum:"alert,metric,tick,event"`
	Category    string          `json:"category,omitempty"`
	Severity    string          `json:"severity,omitempty"`
	Name        string          `json:"name,omitempty"`
	Metric      string          `json:"metric,omitempty"`
	MetricValue *float64        `json:"metric_value,omitempty"`
	Timestamp   time.Time       `json:"timestamp" format:"date-time"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IsAlert reports whether the event is an alert. Events without a kind count as alerts.
func (e Event) IsAlert() bool {
	return e.Kind == "" || strings.EqualFold(e.Kind, EventAlert)
}

// IsTick reports whether the event is a clock tick.
func (e Event) IsTick() bool {
	return strings.EqualFold(e.Kind, EventTick)
}

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Rank orders urgencies from most (0) to least (3) urgent; unknown values rank last.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 3
	}
	return 4
}

func (u Urgency) Valid() bool {
	return u.Rank() < 4
}

const (
	PredictionPending   = "pending"
	PredictionScheduled = "scheduled"
)

// MaintenancePrediction is a predicted failure handed over by the insight provider.
type MaintenancePrediction struct {
	ID            string            `json:"id"`
	DeviceName    string            `json:"device_name"`
	DeviceType    string            `json:"device_type"`
	Urgency       Urgency           `json:"urgency" enum:"critical,high,medium,low"`
	RepairCost    float64           `json:"repair_cost"`
	ReplaceCost   float64           `json:"replace_cost"`
	EstimatedTime string            `json:"estimated_time,omitempty"`
	RequiredParts []PartRequirement `json:"required_parts,omitempty"`
	Status        string            `json:"status,omitempty" enum:"pending,scheduled"`
	ReceivedAt    time.Time         `json:"received_at" format:"date-time"`
}

type Technician struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Specialty string  `json:"specialty"`
	Available bool    `json:"available"`
	Tasks     int     `json:"tasks"`
	Rating    float64 `json:"rating"`
}

type PartRequirement struct {
	SKU      string `json:"sku"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

type PartStock struct {
	SKU      string `json:"sku"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
	Reserved int    `json:"reserved"`
}

// Available is the unreserved quantity.
func (s PartStock) Available() int {
	return s.Quantity - s.Reserved
}

type PartAvailability struct {
	SKU       string `json:"sku"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
	InStock   bool   `json:"in_stock"`
}

const (
	MaintenanceCorrective  = "corrective"
	MaintenanceReplacement = "replacement"

	TaskScheduled    = "scheduled"
	TaskPendingParts = "pending_parts"
	TaskCompleted    = "completed"
)

// Task is a materialized maintenance work order. PredictionID is a plain back-reference.
type Task struct {
	ID                   string             `json:"id"`
	PredictionID         string             `json:"prediction_id"`
	DeviceName           string             `json:"device_name"`
	MaintenanceType      string             `json:"maintenance_type" enum:"corrective,replacement"`
	Priority             Urgency            `json:"priority"`
	Status               string             `json:"status" enum:"scheduled,pending_parts,completed"`
	Technician           *Technician        `json:"technician,omitempty"`
	ScheduledDate        time.Time          `json:"scheduled_date" format:"date-time"`
	PartsReserved        []PartRequirement  `json:"parts_reserved"`
	PartsAvailable       bool               `json:"parts_available"`
	PartsCheck           []PartAvailability `json:"parts_check,omitempty"`
	EstimatedCost        float64            `json:"estimated_cost"`
	CreatedAutomatically bool               `json:"created_automatically"`
	CreatedAt            time.Time          `json:"created_at" format:"date-time"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty" format:"date-time"`
}

type PermitStep string

const (
	StepSubmitted PermitStep = "submitted"
	StepReview    PermitStep = "review"
	StepApproved  PermitStep = "approved"
	StepIssued    PermitStep = "issued"
	StepRejected  PermitStep = "rejected"
	StepCancelled PermitStep = "cancelled"
)

type PermitWorkflow struct {
	ID           string         `json:"id"`
	PermitNumber string         `json:"permit_number"`
	Subject      string         `json:"subject"`
	CurrentStep  PermitStep     `json:"current_step" enum:"submitted,review,approved,issued,rejected,cancelled"`
	Priority     string         `json:"priority,omitempty"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time      `json:"updated_at" format:"date-time"`
}

type HistoryEntry struct {
	Step      PermitStep `json:"step"`
	Timestamp time.Time  `json:"timestamp" format:"date-time"`
	Actor     string     `json:"actor"`
	Notes     string     `json:"notes,omitempty"`
}

// AuditEvent is one row of the append-only audit log.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
