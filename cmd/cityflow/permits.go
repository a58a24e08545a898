package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
	"cityflow/internal/repo"
)

func permitCmd() *cobra.Command {
	permit := &cobra.Command{
		Use:     "permit",
		Aliases: []string{"permits"},
		Short:   "Track staged permit approvals",
	}

	var in engine.PermitInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Submit a permit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePermit(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printPermit(p)
			})
		},
	}
	create.Flags().StringVar(&in.Number, "number", "", "permit number")
	create.Flags().StringVar(&in.Subject, "subject", "", "subject")
	create.Flags().StringVar(&in.Priority, "priority", "", "priority")
	_ = create.MarkFlagRequired("number")

	var f repo.PermitFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List permits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				permits, err := e.ListPermits(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(permits)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Number", "Subject", "Step", "Updated"})
				for _, p := range permits {
					tw.AppendRow(table.Row{p.ID, p.PermitNumber, p.Subject, p.CurrentStep, p.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Step, "step", "", "current step filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max permits")

	show := &cobra.Command{
		Use:   "show <permit-id>",
		Short: "Show a permit with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPermit(ctx, args[0])
				if err != nil {
					return err
				}
				return printPermit(p)
			})
		},
	}

	var notes string
	advance := &cobra.Command{
		Use:   "advance <permit-id> <approve|reject|cancel>",
		Short: "Move a permit to its next step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AdvancePermit(ctx, args[0], args[1], notes, actorID())
				if err != nil {
					return err
				}
				return printPermit(p)
			})
		},
	}
	advance.Flags().StringVar(&notes, "notes", "", "notes recorded in the history")

	permit.AddCommand(create, list, show, advance)
	return permit
}

func printPermit(p domain.PermitWorkflow) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s  %s  %s\n", p.ID, p.PermitNumber, p.CurrentStep)
	tw := newTable()
	tw.AppendHeader(table.Row{"Step", "At", "Actor", "Notes"})
	for _, h := range p.History {
		tw.AppendRow(table.Row{h.Step, h.Timestamp.Format(time.RFC3339), h.Actor, h.Notes})
	}
	tw.Render()
	return nil
}
