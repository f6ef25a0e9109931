package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/rabbitmq"
)

// connectionArg returns the optional connection argument at index i.
func connectionArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return config.DefaultConnection
}

// withRouting runs fn against the routing of the named connection.
func (a *App) withRouting(ctx context.Context, connection string, fn func(*rabbitmq.Routing) error) error {
	container, err := a.container()
	if err != nil {
		return err
	}
	defer container.Close()

	routing, err := container.Routing(ctx, connection)
	if errors.Is(err, rabbitkit.ErrNotFound) {
		return a.fail("Connection `%s` doesn't exist.", connection)
	}
	if err != nil {
		return err
	}
	return fn(routing)
}

func (a *App) declareAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "declare-all [connection]",
		Short: "Declare every configured exchange, queue and binding",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRouting(cmd.Context(), connectionArg(args, 0), func(r *rabbitmq.Routing) error {
				declared, err := r.DeclareAll(cmd.Context())
				if err != nil {
					return err
				}
				if !declared {
					return a.fail("No queues, exchanges or bindings configured.")
				}
				a.success("All configured entries was successfully declared.")
				return nil
			})
		},
	}
}

func (a *App) declareExchangeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "declare-exchange <name> [connection]",
		Short: "Declare one configured exchange",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return a.withRouting(cmd.Context(), connectionArg(args, 1), func(r *rabbitmq.Routing) error {
				exists, err := r.IsExchangeExists(cmd.Context(), name)
				if err != nil {
					return err
				}
				if exists {
					return a.fail("Exchange `%s` already exists.", name)
				}
				if err := r.DeclareExchange(cmd.Context(), name); err != nil {
					return err
				}
				a.success("Exchange `%s` was declared.", name)
				return nil
			})
		},
	}
}

func (a *App) declareQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "declare-queue <name> [connection]",
		Short: "Declare one configured queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return a.withRouting(cmd.Context(), connectionArg(args, 1), func(r *rabbitmq.Routing) error {
				exists, err := r.IsQueueExists(cmd.Context(), name)
				if err != nil {
					return err
				}
				if exists {
					return a.fail("Queue `%s` already exists.", name)
				}
				if err := r.DeclareQueue(cmd.Context(), name); err != nil {
					return err
				}
				a.success("Queue `%s` was declared.", name)
				return nil
			})
		},
	}
}

// destructive builds a command that asks for confirmation unless
// --interactive=false is given.
func (a *App) destructive(use, short, question string, args cobra.PositionalArgs, run func(cmd *cobra.Command, args []string) error) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive && !a.confirm(question) {
				return a.fail("Aborted.")
			}
			return run(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&interactive, "interactive", true, "ask for confirmation")
	return cmd
}

func (a *App) deleteAllCommand() *cobra.Command {
	return a.destructive("delete-all [connection]", "Delete every configured exchange and queue",
		"Are you sure you want to delete all queues and exchanges?", cobra.MaximumNArgs(1),
		func(cmd *cobra.Command, args []string) error {
			return a.withRouting(cmd.Context(), connectionArg(args, 0), func(r *rabbitmq.Routing) error {
				if err := r.DeleteAll(cmd.Context()); err != nil {
					return err
				}
				a.success("All configured entries was deleted.")
				return nil
			})
		})
}

func (a *App) deleteExchangeCommand() *cobra.Command {
	return a.destructive("delete-exchange <name> [connection]", "Delete one configured exchange",
		"Are you sure you want to delete that exchange?", cobra.RangeArgs(1, 2),
		func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return a.withRouting(cmd.Context(), connectionArg(args, 1), func(r *rabbitmq.Routing) error {
				if err := r.DeleteExchange(cmd.Context(), name); err != nil {
					return err
				}
				a.success("Exchange `%s` was deleted.", name)
				return nil
			})
		})
}

func (a *App) deleteQueueCommand() *cobra.Command {
	return a.destructive("delete-queue <name> [connection]", "Delete one configured queue",
		"Are you sure you want to delete that queue?", cobra.RangeArgs(1, 2),
		func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return a.withRouting(cmd.Context(), connectionArg(args, 1), func(r *rabbitmq.Routing) error {
				if err := r.DeleteQueue(cmd.Context(), name); err != nil {
					return err
				}
				a.success("Queue `%s` was deleted.", name)
				return nil
			})
		})
}

func (a *App) purgeQueueCommand() *cobra.Command {
	return a.destructive("purge-queue <name> [connection]", "Delete every message in one configured queue",
		"Are you sure you want to delete all messages inside that queue?", cobra.RangeArgs(1, 2),
		func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return a.withRouting(cmd.Context(), connectionArg(args, 1), func(r *rabbitmq.Routing) error {
				if err := r.PurgeQueue(cmd.Context(), name); err != nil {
					return err
				}
				a.success("Queue `%s` was purged.", name)
				return nil
			})
		})
}
