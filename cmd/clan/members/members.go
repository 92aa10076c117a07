// Package members implements "clan members": the roster of a group and its
// settings.
package members

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/roster"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage the members and settings of a group",
	}
	cmd.AddCommand(
		newListCmd(v),
		newJoinCmd(v),
		newRoleCmd(v),
		newPromoteCmd(v),
		newDemoteCmd(v),
		newRemoveCmd(v),
		newSettingsCmd(v),
		newSetCmd(v),
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

func memberOutcome(out *cli.Output, resultType, message string, o *governance.MemberOutcome) error {
	if o.Request != nil {
		return render.Pending(out, resultType, o.Request).Render()
	}
	res := out.Result(resultType, message)
	if o.Member != nil {
		res.With("Identity", o.Member.Identity).With("Role", string(o.Member.Role))
	}
	return res.Render()
}

func settings(out *cli.Output, resultType string, all map[string]string) *cli.KV {
	kv := out.KV(resultType)
	for _, k := range slices.Sorted(maps.Keys(all)) {
		kv.Set(k, all[k])
	}
	return kv
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "members-list", func(ctx context.Context, env *cli.Env, scope string) error {
				list, err := env.Node.Core.Members(ctx, scope)
				if err != nil {
					return err
				}
				return render.Members(env.Out, list, time.Now()).Render()
			})
		},
	}
}

func newJoinCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "join [identity]",
		Short: "Add an identity as an ordinary member (default: yourself)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "members-join", func(ctx context.Context, env *cli.Env, scope string) error {
				id := env.Actor()
				if len(args) > 0 {
					id = env.Identity(ctx, args[0])
				}
				m, err := env.Node.Core.Join(ctx, scope, id)
				if err != nil {
					return err
				}
				return env.Out.Result("member-joined", fmt.Sprintf("Joined %s", scope)).
					With("Identity", m.Identity).
					With("Role", string(m.Role)).
					Render()
			})
		},
	}
}

func newRoleCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "role [identity]",
		Short: "Show the effective role of an identity (default: yourself)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "members-role", func(ctx context.Context, env *cli.Env, scope string) error {
				id := env.Actor()
				if len(args) > 0 {
					id = env.Identity(ctx, args[0])
				}
				role, err := env.Node.Core.Role(ctx, scope, id)
				if err != nil {
					return err
				}
				if role == roster.RoleNone {
					role = "none"
				}
				return env.Out.KV("member-role").
					Set("Identity", id).
					Set("Role", string(role)).
					Render()
			})
		},
	}
}

func newPromoteCmd(v *viper.Viper) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "promote <identity>",
		Short: "Raise a member's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "members-promote", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.PromoteMember(ctx, scope, env.Identity(ctx, args[0]), role, env.Actor())
				if err != nil {
					return err
				}
				return memberOutcome(env.Out, "member-promoted", "Member promoted", o)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(roster.RoleModerator), "role to grant")
	return cmd
}

func newDemoteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "demote <identity>",
		Short: "Return a member to the ordinary role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "members-demote", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.DemoteMember(ctx, scope, env.Identity(ctx, args[0]), env.Actor())
				if err != nil {
					return err
				}
				return memberOutcome(env.Out, "member-demoted", "Member demoted", o)
			})
		},
	}
}

func newRemoveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity>",
		Short: "Remove a member from the group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "members-remove", func(ctx context.Context, env *cli.Env, scope string) error {
				target := env.Identity(ctx, args[0])
				o, err := env.Node.Core.RemoveMember(ctx, scope, target, env.Actor())
				if err != nil {
					return err
				}
				if o.Request == nil {
					return env.Out.Result("member-removed", "Member removed").With("Identity", target).Render()
				}
				return memberOutcome(env.Out, "member-removed", "Member removed", o)
			})
		},
	}
}

func newSettingsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Show the group settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "members-settings", func(ctx context.Context, env *cli.Env, scope string) error {
				all, err := env.Node.Core.Settings(ctx, scope)
				if err != nil {
					return err
				}
				return settings(env.Out, "settings", all).Render()
			})
		},
	}
}

func newSetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one group setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "members-set", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.SetSetting(ctx, scope, args[0], args[1], env.Actor())
				if err != nil {
					return err
				}
				if o.Request != nil {
					return render.Pending(env.Out, "setting-changed", o.Request).Render()
				}
				return settings(env.Out, "settings", o.Settings).Render()
			})
		},
	}
}
