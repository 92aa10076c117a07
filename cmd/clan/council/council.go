// Package council implements "clan council": the elders of a group and its
// quorum.
package council

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/cli"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "council",
		Short: "Manage the council of elders of a group",
	}
	cmd.AddCommand(
		newInitCmd(v),
		newShowCmd(v),
		newAddElderCmd(v),
		newRemoveElderCmd(v),
		newQuorumCmd(v),
	)
	return cmd
}

// run executes fn against the scope named by --scope.
func run(cmd *cobra.Command, v *viper.Viper, name string, fn cli.ScopedFunc) error {
	return cli.RunCommand(cmd.Context(), cli.CommandConfig{
		Name:   name,
		Viper:  v,
		Stdout: cmd.OutOrStdout(),
		Run:    cli.Scoped(fn),
	})
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the council with the current key as founder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "council-init", func(ctx context.Context, env *cli.Env, scope string) error {
				reg, err := env.Node.Core.InitCouncil(ctx, scope, env.Actor())
				if err != nil {
					return err
				}
				return env.Out.Result("council-initialized", fmt.Sprintf("Council of %s created", scope)).
					With("Founder", reg.Founder).
					With("Quorum", reg.Quorum).
					Render()
			})
		},
	}
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the council",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "council-show", func(ctx context.Context, env *cli.Env, scope string) error {
				reg, err := env.Node.Core.Council(ctx, scope)
				if err != nil {
					return err
				}
				return render.Council(env.Out, "council", reg).Render()
			})
		},
	}
}

func newAddElderCmd(v *viper.Viper) *cobra.Command {
	var requireApproval bool
	cmd := &cobra.Command{
		Use:   "add-elder <identity>",
		Short: "Seat an elder",
		Long:  "Seat an elder. The founder seats directly unless --require-approval is set; other elders open an ELDER_ADD request.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "council-add-elder", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.AddElder(ctx, scope, env.Identity(ctx, args[0]), env.Actor(), requireApproval)
				if err != nil {
					return err
				}
				return env.Out.Render(render.CouncilOutcome(env.Out, "elder-added", "Elder seated", o))
			})
		},
	}
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "route the change through a council vote even for the founder")
	return cmd
}

func newRemoveElderCmd(v *viper.Viper) *cobra.Command {
	var requireApproval bool
	cmd := &cobra.Command{
		Use:   "remove-elder <identity>",
		Short: "Unseat an elder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "council-remove-elder", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.RemoveElder(ctx, scope, env.Identity(ctx, args[0]), env.Actor(), requireApproval)
				if err != nil {
					return err
				}
				return env.Out.Render(render.CouncilOutcome(env.Out, "elder-removed", "Elder removed", o))
			})
		},
	}
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "route the change through a council vote even for the founder")
	return cmd
}

func newQuorumCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "quorum <n>",
		Short: "Change the number of approvals a request needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid quorum %q: %w", args[0], err)
			}
			return run(cmd, v, "council-quorum", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.SetQuorum(ctx, scope, n, env.Actor())
				if err != nil {
					return err
				}
				return env.Out.Render(render.CouncilOutcome(env.Out, "quorum-changed", "Quorum changed", o))
			})
		},
	}
}
