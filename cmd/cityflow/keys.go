package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cityflow/internal/app"
	"cityflow/internal/engine/auth"
	"cityflow/internal/repo"
	"cityflow/internal/server"
)

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}

	var name, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.KnownRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			key, plain, err := repo.NewAPIKey(actorID(), name, role)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				r := s.Engine.Repo
				tx, err := r.Begin(ctx)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": plain})
				}
				fmt.Printf("id:   %s\nkey:  %s\nrole: %s\n", key.ID, plain, key.Role)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	create.Flags().StringVar(&role, "role", auth.RoleViewer, "viewer, dispatcher, inspector or operator")

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				keys, err := s.Engine.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "filter by actor")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}

	keys.AddCommand(create, list, revoke)
	return keys
}

func tokenCmd() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed JWT for --actor-id using CITYFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				if !auth.KnownRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleViewer}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
