package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cityflow/internal/app"
	"cityflow/internal/domain"
	"cityflow/internal/engine"
	"cityflow/internal/insight"
	"cityflow/internal/repo"
)

func predictionCmd() *cobra.Command {
	pred := &cobra.Command{
		Use:     "prediction",
		Aliases: []string{"predictions"},
		Short:   "Ingest and process maintenance predictions",
	}

	var f repo.PredictionFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				preds, err := e.ListPredictions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(preds)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Device", "Type", "Urgency", "Repair", "Replace", "Status"})
				for _, p := range preds {
					tw.AppendRow(table.Row{p.ID, p.DeviceName, p.DeviceType, p.Urgency, p.RepairCost, p.ReplaceCost, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "pending or scheduled")
	list.Flags().StringVar(&f.Urgency, "urgency", "", "urgency filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max predictions")

	var file string
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Store new predictions from a file or the configured insight service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				var p insight.Provider = insight.FileProvider{Path: file}
				if file == "" {
					p = s.InsightProvider()
					if p == nil {
						return fmt.Errorf("no --file given and insight.url is not configured")
					}
				}
				report, err := s.Engine.IngestFromProvider(ctx, p, actorID())
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	ingest.Flags().StringVarP(&file, "file", "f", "", "JSON file with predictions")

	process := &cobra.Command{
		Use:   "process",
		Short: "Materialize every pending prediction that passes the priority threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ProcessAllPending(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}

	materialize := &cobra.Command{
		Use:   "materialize <prediction-id>",
		Short: "Create the task for one prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.MaterializePrediction(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{task})
			})
		},
	}

	pred.AddCommand(list, ingest, process, materialize)
	return pred
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks"},
		Short:   "Inspect and close maintenance tasks",
	}

	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "scheduled, pending_parts or completed")
	list.Flags().StringVar(&f.TechnicianID, "technician", "", "technician id")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}

	complete := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a task completed and consume its reserved parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task, releasing its parts and returning the prediction to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("deleted task %s\n", args[0])
				return nil
			})
		},
	}

	task.AddCommand(list, show, complete, del)
	return task
}

func technicianCmd() *cobra.Command {
	tech := &cobra.Command{
		Use:     "technician",
		Aliases: []string{"technicians"},
		Short:   "Manage the technician roster",
	}
	tech.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List technicians",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				techs, err := e.ListTechnicians(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(techs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Specialty", "Available", "Tasks", "Rating"})
				for _, t := range techs {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Specialty, t.Available, t.Tasks, t.Rating})
				}
				tw.Render()
				return nil
			})
		},
	})

	var t domain.Technician
	set := &cobra.Command{
		Use:   "set <technician-id>",
		Short: "Create or update a technician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpsertTechnician(ctx, t, actorID())
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	set.Flags().StringVar(&t.Name, "name", "", "display name")
	set.Flags().StringVar(&t.Specialty, "specialty", "", "specialty")
	set.Flags().BoolVar(&t.Available, "available", true, "available for assignment")
	set.Flags().IntVar(&t.Tasks, "tasks", 0, "current open tasks")
	set.Flags().Float64Var(&t.Rating, "rating", 0, "rating 0-5")
	tech.AddCommand(set)
	return tech
}

func partCmd() *cobra.Command {
	part := &cobra.Command{
		Use:     "part",
		Aliases: []string{"parts"},
		Short:   "Manage spare-part stock",
	}
	part.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List part stock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				parts, err := e.ListParts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(parts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"SKU", "Name", "Quantity", "Reserved", "Available"})
				for _, p := range parts {
					tw.AppendRow(table.Row{p.SKU, p.Name, p.Quantity, p.Reserved, p.Available()})
				}
				tw.Render()
				return nil
			})
		},
	})

	var p domain.PartStock
	set := &cobra.Command{
		Use:   "set <sku>",
		Short: "Set the stocked quantity of a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.SKU = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpsertPart(ctx, p, actorID())
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	set.Flags().StringVar(&p.Name, "name", "", "part name")
	set.Flags().IntVar(&p.Quantity, "quantity", 0, "stocked quantity")
	_ = set.MarkFlagRequired("quantity")
	part.AddCommand(set)
	return part
}

func settingsCmd() *cobra.Command {
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Show or change automation settings",
	}
	settings.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show automation settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})

	var (
		autoCreate, autoAssign, autoReserve, notifyOn bool
		threshold                                     string
		buffer                                        int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change automation settings; unset flags keep their current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				if flags.Changed("auto-create") {
					s.AutoCreateTasks = autoCreate
				}
				if flags.Changed("auto-assign") {
					s.AutoAssignTechnicians = autoAssign
				}
				if flags.Changed("auto-reserve") {
					s.AutoReserveParts = autoReserve
				}
				if flags.Changed("notify") {
					s.NotifyOnCreation = notifyOn
				}
				if flags.Changed("threshold") {
					s.PriorityThreshold = domain.PriorityThreshold(threshold)
				}
				if flags.Changed("buffer-days") {
					s.ScheduleBufferDays = buffer
				}
				saved, err := e.UpdateSettings(ctx, s, actorID())
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	set.Flags().BoolVar(&autoCreate, "auto-create", true, "create tasks for ingested predictions")
	set.Flags().BoolVar(&autoAssign, "auto-assign", true, "assign technicians automatically")
	set.Flags().BoolVar(&autoReserve, "auto-reserve", true, "reserve parts automatically")
	set.Flags().BoolVar(&notifyOn, "notify", true, "notify on task creation")
	set.Flags().StringVar(&threshold, "threshold", "high", "critical, high, medium or all")
	set.Flags().IntVar(&buffer, "buffer-days", 1, "days between creation and scheduled date")
	settings.AddCommand(set)
	return settings
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Device", "Type", "Priority", "Status", "Technician", "Scheduled", "Cost"})
	for _, t := range tasks {
		tech := ""
		if t.Technician != nil {
			tech = t.Technician.Name
			if tech == "" {
				tech = t.Technician.ID
			}
		}
		tw.AppendRow(table.Row{t.ID, t.DeviceName, t.MaintenanceType, t.Priority, t.Status, tech, t.ScheduledDate.Format(time.DateOnly), t.EstimatedCost})
	}
	tw.Render()
	return nil
}

