package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ActionNotification = "notification"
	ActionEmail        = "email"
	ActionSMS          = "sms"
	ActionBlock        = "block"
	ActionAutomation   = "automation"
)

// Action is the closed set of things a fired rule can do.
type Action interface {
	Kind() string
	TargetID() string
	isAction()
}

type NotificationAction struct {
	Target  string
	Message string
}

type EmailAction struct {
	Target  string
	Message string
}

type SMSAction struct {
	Target  string
	Message string
}

// BlockAction blocks the target (an account, gate, lane or address) until an operator lifts it.
type BlockAction struct {
	Target string
	Reason string
}

// AutomationAction turns a rule firing into a maintenance work order.
type AutomationAction struct {
	Target  string
	Payload AutomationPayload
}

// AutomationPayload carries what the task materializer needs about the affected asset.
type AutomationPayload struct {
	DeviceName    string            `json:"device_name" yaml:"device_name"`
	DeviceType    string            `json:"device_type" yaml:"device_type"`
	AssetID       string            `json:"asset_id,omitempty" yaml:"asset_id,omitempty"`
	Effect        string            `json:"effect,omitempty" yaml:"effect,omitempty"`
	Urgency       Urgency           `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	RepairCost    float64           `json:"repair_cost,omitempty" yaml:"repair_cost,omitempty"`
	ReplaceCost   float64           `json:"replace_cost,omitempty" yaml:"replace_cost,omitempty"`
	EstimatedTime string            `json:"estimated_time,omitempty" yaml:"estimated_time,omitempty"`
	RequiredParts []PartRequirement `json:"required_parts,omitempty" yaml:"required_parts,omitempty"`
}

func (a NotificationAction) Kind() string { return ActionNotification }
func (a EmailAction) Kind() string        { return ActionEmail }
func (a SMSAction) Kind() string          { return ActionSMS }
func (a BlockAction) Kind() string        { return ActionBlock }
func (a AutomationAction) Kind() string   { return ActionAutomation }

func (a NotificationAction) TargetID() string { return a.Target }
func (a EmailAction) TargetID() string        { return a.Target }
func (a SMSAction) TargetID() string          { return a.Target }
func (a BlockAction) TargetID() string        { return a.Target }
func (a AutomationAction) TargetID() string   { return a.Target }

func (NotificationAction) isAction() {}
func (EmailAction) isAction()        {}
func (SMSAction) isAction()          {}
func (BlockAction) isAction()        {}
func (AutomationAction) isAction()   {}

// ActionSpec is the tagged wire form of an Action.
type ActionSpec struct {
	Type    string          `json:"type" yaml:"type" enum:"notification,email,sms,block,automation"`
	Target  string          `json:"target" yaml:"target"`
	Message string          `json:"message,omitempty" yaml:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" yaml:"-"`
}

// Action converts the wire form into its typed variant and checks required fields.
func (s ActionSpec) Action() (Action, error) {
	kind := strings.ToLower(strings.TrimSpace(s.Type))
	target := strings.TrimSpace(s.Target)
	if target == "" && kind != ActionAutomation {
		return nil, ValidationError{Field: "action.target", Reason: fmt.Sprintf("%s action requires a target", s.Type)}
	}
	switch kind {
	case ActionNotification:
		return NotificationAction{Target: target, Message: s.Message}, nil
	case ActionEmail:
		return EmailAction{Target: target, Message: s.Message}, nil
	case ActionSMS:
		return SMSAction{Target: target, Message: s.Message}, nil
	case ActionBlock:
		return BlockAction{Target: target, Reason: s.Message}, nil
	case ActionAutomation:
		var payload AutomationPayload
		if len(s.Payload) > 0 {
			if err := json.Unmarshal(s.Payload, &payload); err != nil {
				return nil, ValidationError{Field: "action.payload", Reason: err.Error()}
			}
		}
		if payload.DeviceName == "" {
			payload.DeviceName = target
		}
		if payload.DeviceName == "" {
			return nil, ValidationError{Field: "action.payload.device_name", Reason: "automation action requires a device reference"}
		}
		return AutomationAction{Target: target, Payload: payload}, nil
	}
	return nil, ValidationError{Field: "action.type", Reason: fmt.Sprintf("unknown action type %q", s.Type)}
}

// SpecFromAction converts a typed action back into its wire form.
func SpecFromAction(a Action) ActionSpec {
	switch v := a.(type) {
	case NotificationAction:
		return ActionSpec{Type: ActionNotification, Target: v.Target, Message: v.Message}
	case EmailAction:
		return ActionSpec{Type: ActionEmail, Target: v.Target, Message: v.Message}
	case SMSAction:
		return ActionSpec{Type: ActionSMS, Target: v.Target, Message: v.Message}
	case BlockAction:
		return ActionSpec{Type: ActionBlock, Target: v.Target, Message: v.Reason}
	case AutomationAction:
		payload, _ := json.Marshal(v.Payload)
		return ActionSpec{Type: ActionAutomation, Target: v.Target, Payload: payload}
	}
	return ActionSpec{}
}

// ActionsFromSpecs converts a list of wire actions, failing on the first invalid entry.
func ActionsFromSpecs(specs []ActionSpec) ([]Action, error) {
	out := make([]Action, 0, len(specs))
	for i, s := range specs {
		a, err := s.Action()
		if err != nil {
			var ve ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("actions[%d].%s", i, strings.TrimPrefix(ve.Field, "action."))
				return nil, ve
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func SpecsFromActions(actions []Action) []ActionSpec {
	out := make([]ActionSpec, 0, len(actions))
	for _, a := range actions {
		out = append(out, SpecFromAction(a))
	}
	return out
}
