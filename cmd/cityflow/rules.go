package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
)

type ruleView struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	Enabled         bool                `json:"enabled"`
	Trigger         domain.TriggerSpec  `json:"trigger"`
	Actions         []domain.ActionSpec `json:"actions"`
	CooldownMinutes int                 `json:"cooldown_minutes"`
	ExecutionCount  int                 `json:"execution_count"`
	LastExecutedAt  *time.Time          `json:"last_executed_at,omitempty"`
}

func viewRule(r domain.Rule) ruleView {
	return ruleView{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Enabled:         r.Enabled,
		Trigger:         domain.SpecFromTrigger(r.Trigger),
		Actions:         domain.SpecsFromActions(r.Actions),
		CooldownMinutes: r.CooldownMinutes,
		ExecutionCount:  r.ExecutionCount,
		LastExecutedAt:  r.LastExecutedAt,
	}
}

// ruleDoc is the YAML form accepted by 'rule import'.
type ruleDoc struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Description     string             `yaml:"description"`
	Enabled         *bool              `yaml:"enabled"`
	Trigger         domain.TriggerSpec `yaml:"trigger"`
	Actions         []actionDoc        `yaml:"actions"`
	CooldownMinutes int                `yaml:"cooldown_minutes"`
}

type actionDoc struct {
	Type    string         `yaml:"type"`
	Target  string         `yaml:"target"`
	Message string         `yaml:"message"`
	Payload map[string]any `yaml:"payload"`
}

func (d ruleDoc) input() (engine.RuleInput, error) {
	in := engine.RuleInput{
		ID:              d.ID,
		Name:            d.Name,
		Description:     d.Description,
		Enabled:         d.Enabled == nil || *d.Enabled,
		Trigger:         d.Trigger,
		CooldownMinutes: d.CooldownMinutes,
	}
	for _, a := range d.Actions {
		spec := domain.ActionSpec{Type: a.Type, Target: a.Target, Message: a.Message}
		if len(a.Payload) > 0 {
			raw, err := json.Marshal(a.Payload)
			if err != nil {
				return in, fmt.Errorf("rule %q: action payload: %w", d.Name, err)
			}
			spec.Payload = raw
		}
		in.Actions = append(in.Actions, spec)
	}
	return in, nil
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
	}

	var enabledOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx, enabledOnly)
				if err != nil {
					return err
				}
				views := make([]ruleView, 0, len(rules))
				for _, r := range rules {
					views = append(views, viewRule(r))
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Enabled", "Cooldown", "Runs", "Last run"})
				for _, v := range views {
					last := ""
					if v.LastExecutedAt != nil {
						last = v.LastExecutedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{v.ID, v.Name, v.Trigger.Type, v.Enabled, fmt.Sprintf("%dm", v.CooldownMinutes), v.ExecutionCount, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled rules")

	show := &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(viewRule(r))
			})
		},
	}

	var (
		in          engine.RuleInput
		disabled    bool
		actionFlags []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		Long: `Create a rule from flags. Each --action is type:target[:message], e.g.
  --action email:ops@city.gov:"Water leak detected"
  --action block:gate-7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Enabled = !disabled
			in.Actions = nil
			for _, raw := range actionFlags {
				spec, err := parseActionFlag(raw)
				if err != nil {
					return err
				}
				in.Actions = append(in.Actions, spec)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRule(ctx, in, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(viewRule(r))
				}
				fmt.Printf("created rule %s\n", r.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.ID, "id", "", "rule id (generated when empty)")
	create.Flags().StringVar(&in.Name, "name", "", "rule name")
	create.Flags().StringVar(&in.Description, "description", "", "description")
	create.Flags().StringVar(&in.Trigger.Type, "trigger", "alert", "trigger type (alert, threshold, schedule, event)")
	create.Flags().StringVar(&in.Trigger.Category, "category", "", "event category")
	create.Flags().StringVar(&in.Trigger.Severity, "severity", "", "alert severity")
	create.Flags().StringVar(&in.Trigger.Metric, "metric", "", "threshold metric")
	create.Flags().StringVar(&in.Trigger.Condition, "condition", "", `threshold condition, e.g. "> 80" or event name`)
	create.Flags().StringVar(&in.Trigger.Time, "time", "", "schedule time HH:MM")
	create.Flags().StringSliceVar(&in.Trigger.Days, "days", nil, "schedule days (mon,tue,...)")
	create.Flags().IntVar(&in.Trigger.WindowMinutes, "window", 0, "schedule window in minutes")
	create.Flags().StringVar(&in.Trigger.Cron, "cron", "", "schedule cron expression")
	create.Flags().IntVar(&in.CooldownMinutes, "cooldown", 60, "cooldown in minutes")
	create.Flags().BoolVar(&disabled, "disabled", false, "create the rule disabled")
	create.Flags().StringArrayVar(&actionFlags, "action", nil, "action type:target[:message] (repeatable)")
	_ = create.MarkFlagRequired("name")

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Create rules from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var doc struct {
				Rules []ruleDoc `yaml:"rules"`
			}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var created []ruleView
				for _, d := range doc.Rules {
					in, err := d.input()
					if err != nil {
						return err
					}
					r, err := e.CreateRule(ctx, in, actorID())
					if err != nil {
						return fmt.Errorf("rule %q: %w", d.Name, err)
					}
					created = append(created, viewRule(r))
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("imported %d rules\n", len(created))
				return nil
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "rules.yml", "rules file")

	rule.AddCommand(list, show, create, importCmd)
	for _, enabled := range []bool{true, false} {
		rule.AddCommand(toggleRuleCmd(enabled))
	}
	rule.AddCommand(&cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRule(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("deleted rule %s\n", args[0])
				return nil
			})
		},
	})
	return rule
}

func toggleRuleCmd(enabled bool) *cobra.Command {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.SetRuleEnabled(ctx, args[0], enabled, actorID())
				if err != nil {
					return err
				}
				return printJSON(viewRule(r))
			})
		},
	}
}

func parseActionFlag(raw string) (domain.ActionSpec, error) {
	parts := strings.SplitN(raw, ":", 3)
	spec := domain.ActionSpec{Type: strings.TrimSpace(parts[0])}
	if spec.Type == "" {
		return spec, fmt.Errorf("invalid --action %q", raw)
	}
	if len(parts) > 1 {
		spec.Target = parts[1]
	}
	if len(parts) > 2 {
		spec.Message = parts[2]
	}
	return spec, nil
}

func signalCmd() *cobra.Command {
	var (
		ev      domain.Event
		value   float64
		payload string
	)
	send := &cobra.Command{
		Use:   "send",
		Short: "Evaluate an incoming signal against the enabled rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("value") {
				ev.MetricValue = &value
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be JSON")
				}
				ev.Payload = json.RawMessage(payload)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.HandleEvent(ctx, ev, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rule", "Outcome", "Actions"})
				for _, f := range report.Fired {
					var acts []string
					for _, a := range f.Actions {
						s := a.Kind + ":" + a.Target
						if a.Error != "" {
							s += " (" + a.Error + ")"
						}
						acts = append(acts, s)
					}
					tw.AppendRow(table.Row{f.RuleName, "fired", strings.Join(acts, ", ")})
				}
				for _, id := range report.Suppressed {
					tw.AppendRow(table.Row{id, "cooldown", ""})
				}
				for _, fail := range report.Errors {
					tw.AppendRow(table.Row{fail.RuleID, "error", fail.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	send.Flags().StringVar(&ev.Kind, "kind", "alert", "signal kind (alert, metric, tick, event)")
	send.Flags().StringVar(&ev.Category, "category", "", "category")
	send.Flags().StringVar(&ev.Severity, "severity", "", "severity")
	send.Flags().StringVar(&ev.Name, "name", "", "event name")
	send.Flags().StringVar(&ev.Metric, "metric", "", "metric name")
	send.Flags().Float64Var(&value, "value", 0, "metric value")
	send.Flags().StringVar(&payload, "payload", "", "JSON payload")

	signal := &cobra.Command{
		Use:   "signal",
		Short: "Send alerts, metrics and ticks to the rule engine",
	}
	signal.AddCommand(send)
	return signal
}
