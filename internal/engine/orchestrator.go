package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cityflow/internal/domain"
	"cityflow/internal/events"
	"cityflow/internal/notify"
	"cityflow/internal/repo"
	"cityflow/internal/rules"
)

// FiringReport summarises what one event did.
type FiringReport struct {
	EventID    string        `json:"event_id"`
	Fired      []Firing      `json:"fired"`
	Suppressed []string      `json:"suppressed"`
	Errors     []RuleFailure `json:"errors,omitempty"`
}

type Firing struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Actions  []ActionOutcome `json:"actions"`
}

type ActionOutcome struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

type RuleFailure struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

// HandleEvent evaluates the event against all enabled rules and runs the actions of every rule
// that fires. Malformed rules and failing actions are reported, never fatal.
func (e Engine) HandleEvent(ctx context.Context, ev domain.Event, actorID string) (FiringReport, error) {
	now := e.now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	report := FiringReport{EventID: ev.ID, Fired: []Firing{}, Suppressed: []string{}}
	e.Metrics.EventReceived(ev.Category)

	stored, err := e.Repo.ListRules(ctx, repo.RuleFilters{EnabledOnly: true})
	if err != nil {
		return report, fmt.Errorf("load rules: %w", err)
	}
	res := rules.Evaluate(ev, stored, now)
	log := e.logger().With("event_id", ev.ID, "category", ev.Category)

	for _, re := range res.Errors {
		log.Warn("rule not evaluated", "rule_id", re.RuleID, "error", re.Err)
		e.Metrics.RuleError(re.RuleID)
		report.Errors = append(report.Errors, RuleFailure{RuleID: re.RuleID, Error: re.Err.Error()})
	}
	for _, r := range res.Suppressed {
		e.Metrics.RuleEvaluated(r.ID, "suppressed")
		report.Suppressed = append(report.Suppressed, r.ID)
	}

	for _, r := range res.Matched {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		claimed, err := e.claimFiring(ctx, r, ev, now, actorID)
		if err != nil {
			return report, err
		}
		if !claimed {
			e.Metrics.RuleEvaluated(r.ID, "claim_lost")
			report.Suppressed = append(report.Suppressed, r.ID)
			continue
		}
		e.Metrics.RuleEvaluated(r.ID, "matched")
		log.Info("rule fired", "rule_id", r.ID, "rule", r.Name)
		firing := Firing{RuleID: r.ID, RuleName: r.Name, Actions: make([]ActionOutcome, 0, len(r.Actions))}
		for _, a := range r.Actions {
			out := e.runAction(ctx, r, a, ev, actorID)
			if out.Error != "" {
				log.Error("action failed", "rule_id", r.ID, "kind", out.Kind, "target", out.Target, "error", out.Error)
			}
			firing.Actions = append(firing.Actions, out)
		}
		report.Fired = append(report.Fired, firing)
	}
	return report, nil
}

// claimFiring stamps the firing on the rule. The stamp holds even if actions later fail.
func (e Engine) claimFiring(ctx context.Context, r domain.Rule, ev domain.Event, now time.Time, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.claimer().Claim(ctx, tx, r, now)
	if err != nil || !ok {
		return false, err
	}
	if err := e.events().Append(ctx, tx, events.RuleFired, "rule", r.ID, actorID, events.EventPayload{
		"event_id": ev.ID,
		"category": ev.Category,
		"trigger":  r.Trigger.Kind(),
		"actions":  len(r.Actions),
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) runAction(ctx context.Context, r domain.Rule, a domain.Action, ev domain.Event, actorID string) ActionOutcome {
	out := ActionOutcome{Kind: a.Kind(), Target: a.TargetID()}
	var err error
	switch act := a.(type) {
	case domain.NotificationAction:
		err = e.notifier().Send(ctx, notify.ChannelPush, act.Target, messageFor(r, ev, act.Message))
	case domain.EmailAction:
		err = e.notifier().Send(ctx, notify.ChannelEmail, act.Target, messageFor(r, ev, act.Message))
	case domain.SMSAction:
		err = e.notifier().Send(ctx, notify.ChannelSMS, act.Target, messageFor(r, ev, act.Message))
	case domain.BlockAction:
		err = e.block(ctx, r, act, ev, actorID)
	case domain.AutomationAction:
		var task domain.Task
		task, err = e.automate(ctx, r, act, ev, actorID)
		out.TaskID = task.ID
	default:
		err = fmt.Errorf("unsupported action %T", a)
	}
	e.Metrics.ActionExecuted(out.Kind, err)
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func messageFor(r domain.Rule, ev domain.Event, msg string) string {
	if strings.TrimSpace(msg) != "" {
		return msg
	}
	subject := ev.Name
	if subject == "" {
		subject = ev.Category
	}
	if ev.MetricValue != nil {
		return fmt.Sprintf("%s: %s %s=%g at %s", r.Name, subject, ev.Metric, *ev.MetricValue, ev.Timestamp.Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf("%s: %s at %s", r.Name, subject, ev.Timestamp.Format("2006-01-02 15:04"))
}

// block records the block order in the audit log; enforcement belongs to the gate or account system
// that tails the log.
func (e Engine) block(ctx context.Context, r domain.Rule, act domain.BlockAction, ev domain.Event, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, events.RuleBlock, "block", act.Target, actorID, events.EventPayload{
		"rule_id":  r.ID,
		"event_id": ev.ID,
		"reason":   act.Reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Warn("target blocked", "target", act.Target, "rule_id", r.ID, "reason", act.Reason)
	return nil
}

// automate turns an automation action into a stored prediction and materializes it.
func (e Engine) automate(ctx context.Context, r domain.Rule, act domain.AutomationAction, ev domain.Event, actorID string) (domain.Task, error) {
	settings, err := e.Settings(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	p := PredictionFromAction(r, act, ev)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertPrediction(ctx, tx, p); err != nil {
		return domain.Task{}, fmt.Errorf("store prediction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.materialize(ctx, p, settings, actorID)
}

// PredictionFromAction derives the prediction a rule's automation action stands for. Its id is
// unique per rule and event, so replaying an event cannot create a second task.
func PredictionFromAction(r domain.Rule, act domain.AutomationAction, ev domain.Event) domain.MaintenancePrediction {
	pl := act.Payload
	urgency := pl.Urgency
	if !urgency.Valid() {
		urgency = domain.Urgency(strings.ToLower(ev.Severity))
	}
	if !urgency.Valid() {
		urgency = domain.UrgencyMedium
	}
	return domain.MaintenancePrediction{
		ID:            fmt.Sprintf("rule:%s:%s", r.ID, ev.ID),
		DeviceName:    pl.DeviceName,
		DeviceType:    pl.DeviceType,
		Urgency:       urgency,
		RepairCost:    pl.RepairCost,
		ReplaceCost:   pl.ReplaceCost,
		EstimatedTime: pl.EstimatedTime,
		RequiredParts: pl.RequiredParts,
		Status:        domain.PredictionPending,
		ReceivedAt:    ev.Timestamp,
	}
}

func isConflict(err error) bool {
	var ce domain.ConflictError
	return errors.As(err, &ce)
}
