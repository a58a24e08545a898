package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	RuleCreated      = "rule.created"
	RuleUpdated      = "rule.updated"
	RuleDeleted      = "rule.deleted"
	RuleFired        = "rule.fired"
	RuleBlock        = "rule.block"
	PredictionStored = "prediction.ingested"
	TaskCreated      = "task.created"
	TaskCompleted    = "task.completed"
	TaskDeleted      = "task.deleted"
	PermitCreated    = "permit.created"
	PermitAdvanced   = "permit.advanced"
	SettingsUpdated  = "settings.updated"
	ResourceUpdated  = "resource.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one audit event inside tx so it commits or rolls back with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
