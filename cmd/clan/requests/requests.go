// Package requests implements "clan requests": the approval workflow that
// gates council decisions.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/cli"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"req"},
		Short:   "Vote on and manage approval requests",
	}
	cmd.AddCommand(
		newListCmd(v),
		newShowCmd(v),
		newVoteCmd(v, true),
		newVoteCmd(v, false),
		newCancelCmd(v),
		newProposeCmd(v),
		newExecuteCmd(v),
		newSweepCmd(v),
		newExpireCmd(v),
	)
	return cmd
}

func run(cmd *cobra.Command, v *viper.Viper, name string, fn cli.ScopedFunc) error {
	return cli.RunCommand(cmd.Context(), cli.CommandConfig{
		Name:   name,
		Viper:  v,
		Stdout: cmd.OutOrStdout(),
		Run:    cli.Scoped(fn),
	})
}

func newListCmd(v *viper.Viper) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, ok := approval.ParseStatus(status)
			if !ok {
				return fmt.Errorf("unknown status %q (pending, approved, rejected, expired)", status)
			}
			return run(cmd, v, "requests-list", func(ctx context.Context, env *cli.Env, scope string) error {
				list, err := env.Node.Core.Requests(ctx, scope, approval.ListOptions{Status: st, Limit: limit})
				if err != nil {
					return err
				}
				return render.Requests(env.Out, list, time.Now()).Render()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of requests")
	return cmd
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|prefix>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "requests-show", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.ResolveRequest(ctx, scope, args[0])
				if err != nil {
					return err
				}
				return render.Request(env.Out, "request", r).Render()
			})
		},
	}
}

func newVoteCmd(v *viper.Viper, approve bool) *cobra.Command {
	use, short := "reject", "Reject a request"
	if approve {
		use, short = "approve", "Approve a request"
	}
	return &cobra.Command{
		Use:   use + " <id|prefix>",
		Short: short,
		Long:  short + ". Changing an earlier vote is allowed while the request is pending.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "requests-"+use, func(ctx context.Context, env *cli.Env, scope string) error {
				core := env.Node.Core
				r, err := core.ResolveRequest(ctx, scope, args[0])
				if err != nil {
					return err
				}
				if approve {
					r, err = core.Approve(ctx, r.ID, env.Actor())
				} else {
					r, err = core.Reject(ctx, r.ID, env.Actor())
				}
				if err != nil {
					return err
				}
				res := env.Out.Result("request-voted", "Vote recorded").
					With("Request", r.ID).
					With("Status", string(r.Status)).
					With("Votes", render.Votes(r))
				if r.Executed {
					res.With("Executed", true)
				}
				if r.LastError != "" {
					res.With("Execution Error", r.LastError)
				}
				return res.Render()
			})
		},
	}
}

func newCancelCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id|prefix>",
		Short: "Withdraw one of your pending requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "requests-cancel", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.ResolveRequest(ctx, scope, args[0])
				if err != nil {
					return err
				}
				if err := env.Node.Core.Cancel(ctx, r.ID, env.Actor()); err != nil {
					return err
				}
				return env.Out.Result("request-cancelled", "Request cancelled").
					With("Request", r.ID).
					Render()
			})
		},
	}
}

func newProposeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "propose <action> [payload|file|-]",
		Short: "Open a request for any action type",
		Long: "Open a request for any action type. The payload is JSON, read from the\n" +
			"argument, a file or stdin. Your own approval is counted at once.",
		Example: "  clan requests propose custom '{\"name\":\"pin-announcement\"}'\n" +
			"  clan requests propose settings-change '{\"key\":\"slow_mode\",\"value\":\"30s\"}'",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := action.Parse(args[0])
			if err != nil {
				return err
			}
			payload, err := render.ReadInput(args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}
			return run(cmd, v, "requests-propose", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.Propose(ctx, scope, act, json.RawMessage(payload), env.Actor())
				if err != nil {
					return err
				}
				return env.Out.Result("request-created", "Request opened").
					With("Request", r.ID).
					With("Action", string(r.Action)).
					With("Status", string(r.Status)).
					With("Votes", render.Votes(r)).
					Render()
			})
		},
	}
}

func newExecuteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id|prefix>",
		Short: "Retry the execution of an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "requests-execute", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.ResolveRequest(ctx, scope, args[0])
				if err != nil {
					return err
				}
				r, err = env.Node.Core.Execute(ctx, r.ID)
				if err != nil {
					return err
				}
				return env.Out.Result("request-executed", "Request executed").
					With("Request", r.ID).
					With("Attempts", r.Attempts).
					Render()
			})
		},
	}
}

func newSweepCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Execute every approved request that has not run yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "requests-sweep", func(ctx context.Context, env *cli.Env, scope string) error {
				done, err := env.Node.Core.Sweep(ctx, scope)
				if err != nil {
					return err
				}
				return render.Requests(env.Out, done, time.Now()).Empty("Nothing to execute.").Render()
			})
		},
	}
}

func newExpireCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire pending requests past their time to live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "requests-expire", func(ctx context.Context, env *cli.Env, scope string) error {
				expired, err := env.Node.Core.Expire(ctx, scope)
				if err != nil {
					return err
				}
				return render.Requests(env.Out, expired, time.Now()).Empty("Nothing expired.").Render()
			})
		},
	}
}
