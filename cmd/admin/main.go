package main

import (
	"context"
	"fmt"
	"os"

	"mapmo/backend/internal/chathub"
	"mapmo/backend/internal/config"
	"mapmo/backend/internal/matching"
	"mapmo/backend/internal/models"
	"mapmo/backend/internal/storage"

	"github.com/spf13/cobra"
)

// deps is what every admin command works against.
type deps struct {
	store  storage.Storage
	engine *matching.Engine
	hub    *chathub.ManagerService
	close  func()
}

func connect(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := cfg.NewLogger()
	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	goals, err := config.LoadGoalTable(cfg.GoalsFile)
	if err != nil {
		closeStore()
		return nil, err
	}
	engine := matching.NewEngine(store, matching.NewScorer(goals), matching.WithLogger(log))
	// No sockets live in this process; the hub only commits ends.
	hub := chathub.NewManagerService(store, engine, chathub.WithLogger(log))
	return &deps{
		store:  store,
		engine: engine,
		hub:    hub,
		close: func() {
			hub.Close()
			closeStore()
		},
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Maintenance commands for the mapmo backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSweepCmd(), newEndCmd(), newReconcileCmd(), newSearchingCmd())
	return root
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "End expired conversations and reset stuck users once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			n, err := chathub.NewSweeper(d.hub, d.engine).Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "ended %d conversation(s)\n", n)
			return err
		},
	}
}

func newEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <conversation-id>",
		Short: "End a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			ended, err := d.hub.EndConversation(cmd.Context(), args[0], "", models.ReasonAdmin)
			if err != nil {
				return err
			}
			if ended {
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s ended\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s was already ended\n", args[0])
			}
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reset users marked paired without an active conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			n, err := d.engine.ReconcileStuckUsers(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d user(s)\n", n)
			return err
		},
	}
}

func newSearchingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "searching",
		Short: "Print the number of users currently searching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			n, err := d.store.CountUsersByPairingState(cmd.Context(), models.StateSearching)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "admin:", err)
		os.Exit(1)
	}
}
