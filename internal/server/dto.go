package server

import (
	"encoding/json"
	"time"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
)

// Request payloads

type ActionRequest struct {
	Type    string         `json:"type" enum:"notification,email,sms,block,automation"`
	Target  string         `json:"target,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type RuleRequest struct {
	ID              string             `json:"id,omitempty"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Enabled         *bool              `json:"enabled,omitempty"`
	Trigger         domain.TriggerSpec `json:"trigger"`
	Actions         []ActionRequest    `json:"actions"`
	CooldownMinutes int                `json:"cooldown_minutes,omitempty" minimum:"0"`
}

type EventRequest struct {
	ID          string         `json:"id,omitempty"`
	Kind        string         `json:"kind,omitempty" enum:"alert,metric,tick,event"`
	Category    string         `json:"category,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Name        string         `json:"name,omitempty"`
	Metric      string         `json:"metric,omitempty"`
	MetricValue *float64       `json:"metric_value,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty" format:"date-time"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type PredictionRequest struct {
	ID            string                   `json:"id"`
	DeviceName    string                   `json:"device_name"`
	DeviceType    string                   `json:"device_type,omitempty"`
	Urgency       string                   `json:"urgency" enum:"critical,high,medium,low"`
	RepairCost    float64                  `json:"repair_cost,omitempty" minimum:"0"`
	ReplaceCost   float64                  `json:"replace_cost,omitempty" minimum:"0"`
	EstimatedTime string                   `json:"estimated_time,omitempty"`
	RequiredParts []domain.PartRequirement `json:"required_parts,omitempty"`
}

type IngestRequest struct {
	Predictions []PredictionRequest `json:"predictions"`
}

type PermitRequest struct {
	PermitNumber string `json:"permit_number"`
	Subject      string `json:"subject,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

type AdvanceRequest struct {
	Action string `json:"action" enum:"approve,reject,cancel"`
	Notes  string `json:"notes,omitempty"`
}

type TechnicianRequest struct {
	Name      string  `json:"name"`
	Specialty string  `json:"specialty,omitempty"`
	Available *bool   `json:"available,omitempty"`
	Tasks     int     `json:"tasks,omitempty" minimum:"0"`
	Rating    float64 `json:"rating,omitempty" minimum:"0" maximum:"5"`
}

type PartRequest struct {
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type RuleResponse struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Enabled         bool               `json:"enabled"`
	Trigger         domain.TriggerSpec `json:"trigger"`
	Actions         []ActionRequest    `json:"actions"`
	CooldownMinutes int                `json:"cooldown_minutes"`
	ExecutionCount  int                `json:"execution_count"`
	LastExecutedAt  *time.Time         `json:"last_executed_at,omitempty" format:"date-time"`
	CreatedAt       time.Time          `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time          `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	TaskCounts         map[string]int            `json:"task_counts"`
	PendingPredictions int                       `json:"pending_predictions"`
	EnabledRules       int                       `json:"enabled_rules"`
	Settings           domain.AutomationSettings `json:"settings"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func (r RuleRequest) input() (engine.RuleInput, error) {
	specs := make([]domain.ActionSpec, 0, len(r.Actions))
	for _, a := range r.Actions {
		spec := domain.ActionSpec{Type: a.Type, Target: a.Target, Message: a.Message}
		if len(a.Payload) > 0 {
			data, err := json.Marshal(a.Payload)
			if err != nil {
				return engine.RuleInput{}, domain.ValidationError{Field: "action.payload", Reason: err.Error()}
			}
			spec.Payload = data
		}
		specs = append(specs, spec)
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return engine.RuleInput{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Enabled:         enabled,
		Trigger:         r.Trigger,
		Actions:         specs,
		CooldownMinutes: r.CooldownMinutes,
	}, nil
}

func ruleResponse(r domain.Rule) RuleResponse {
	actions := make([]ActionRequest, 0, len(r.Actions))
	for _, spec := range domain.SpecsFromActions(r.Actions) {
		actions = append(actions, ActionRequest{
			Type:    spec.Type,
			Target:  spec.Target,
			Message: spec.Message,
			Payload: decodeJSONMap(string(spec.Payload)),
		})
	}
	return RuleResponse{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Enabled:         r.Enabled,
		Trigger:         domain.SpecFromTrigger(r.Trigger),
		Actions:         actions,
		CooldownMinutes: r.CooldownMinutes,
		ExecutionCount:  r.ExecutionCount,
		LastExecutedAt:  r.LastExecutedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func mapRules(items []domain.Rule) []RuleResponse {
	res := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, ruleResponse(r))
	}
	return res
}

func (r EventRequest) event() domain.Event {
	ev := domain.Event{
		ID:          r.ID,
		Kind:        r.Kind,
		Category:    r.Category,
		Severity:    r.Severity,
		Name:        r.Name,
		Metric:      r.Metric,
		MetricValue: r.MetricValue,
	}
	if r.Timestamp != nil {
		ev.Timestamp = r.Timestamp.UTC()
	}
	if len(r.Payload) > 0 {
		ev.Payload, _ = json.Marshal(r.Payload)
	}
	return ev
}

func (p PredictionRequest) prediction() domain.MaintenancePrediction {
	return domain.MaintenancePrediction{
		ID:            p.ID,
		DeviceName:    p.DeviceName,
		DeviceType:    p.DeviceType,
		Urgency:       domain.Urgency(p.Urgency),
		RepairCost:    p.RepairCost,
		ReplaceCost:   p.ReplaceCost,
		EstimatedTime: p.EstimatedTime,
		RequiredParts: p.RequiredParts,
	}
}

func eventResponse(e domain.AuditEvent) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
