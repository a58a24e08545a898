package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cityflow/internal/app"
	"cityflow/internal/config"
	"cityflow/internal/db"
	"cityflow/internal/engine"
	"cityflow/internal/migrate"
	"cityflow/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "cityflow",
	Short: "Cityflow automation CLI",
	Long: `Cityflow runs the automation core of a smart-city operations suite.
- Rules: a trigger (alert, threshold, schedule or named event) plus actions, with a cooldown.
- Signals: incoming alerts, metrics and ticks evaluated against the enabled rules.
- Predictions: maintenance forecasts from the insight service, turned into tasks.
- Tasks: work orders with an assigned technician and reserved spare parts.
- Permits: staged approvals (submitted -> review -> approved -> issued) with a history trail.
- Event log: every change is recorded; view it with 'cityflow log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CITYFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(predictionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(permitCmd())
	rootCmd.AddCommand(technicianCmd())
	rootCmd.AddCommand(partCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create cityflow.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists\n", path)
			} else if os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			} else {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				v, err := migrate.Version(ctx, s.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database ready at %s (schema v%d)\n", db.Path(workspace), v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect cityflow.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cityflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts, pending predictions and settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				pending, err := e.ListPredictions(ctx, repo.PredictionFilters{Status: "pending"})
				if err != nil {
					return err
				}
				rules, err := e.ListRules(ctx, true)
				if err != nil {
					return err
				}
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"task_counts":         counts,
						"pending_predictions": len(pending),
						"enabled_rules":       len(rules),
						"settings":            s,
					})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				for status, n := range counts {
					tw.AppendRow(table.Row{"tasks " + status, n})
				}
				tw.AppendRow(table.Row{"pending predictions", len(pending)})
				tw.AppendRow(table.Row{"enabled rules", len(rules)})
				tw.AppendRow(table.Row{"auto create", s.AutoCreateTasks})
				tw.AppendRow(table.Row{"threshold", s.PriorityThreshold})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the audit log",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	s, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withSession(ctx, func(ctx context.Context, s *app.Session) error {
		return fn(ctx, s.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
