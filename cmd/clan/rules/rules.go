// Package rules implements "clan rules": the policy rules of a group and
// their approval.
package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/rules"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the policy rules of a group",
	}
	cmd.AddCommand(
		newListCmd(v),
		newShowCmd(v),
		newTemplatesCmd(v),
		newCategoriesCmd(v),
		newCreateCmd(v),
		newEditCmd(v),
		newApproveCmd(v),
		newToggleCmd(v, true),
		newToggleCmd(v, false),
		newDeleteCmd(v),
		newHistoryCmd(v),
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

func outcome(out *cli.Output, resultType, message string, o *governance.RuleOutcome) error {
	if o.Pending() {
		return render.Pending(out, resultType, o.Request).Render()
	}
	if o.Rule == nil {
		return out.Result(resultType, message).Render()
	}
	return out.Result(resultType, message).
		With("ID", o.Rule.ID).
		With("Version", o.Rule.Version).
		With("Enabled", o.Rule.Enabled).
		Render()
}

func newListCmd(v *viper.Viper) *cobra.Command {
	var opts rules.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "rules-list", func(ctx context.Context, env *cli.Env, scope string) error {
				list, err := env.Node.Core.Rules(ctx, scope, opts)
				if err != nil {
					return err
				}
				return render.Rules(env.Out, list).Render()
			})
		},
	}
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "deleted", false, "include deleted rules")
	cmd.Flags().BoolVar(&opts.EnabledOnly, "enabled", false, "only enabled rules")
	return cmd
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "rules-show", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.Rule(ctx, scope, args[0])
				if err != nil {
					return err
				}
				return render.Rule(env.Out, "rule", r).Render()
			})
		},
	}
}

func newTemplatesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the built-in rule templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cli.NewOutputFromViper(v, cmd.OutOrStdout())
			t := out.Table("rule-templates", "ID", "Category", "Params", "Text")
			for _, tmpl := range rules.Templates() {
				params := strings.Join(tmpl.Params(), ", ")
				if params == "" {
					params = "-"
				}
				t.AddRow(tmpl.ID, string(tmpl.Category), params, tmpl.Text)
			}
			return t.Render()
		},
	}
}

func newCategoriesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List the rule categories enforcement understands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l := cli.NewOutputFromViper(v, cmd.OutOrStdout()).List("rule-categories")
			for _, c := range rules.Categories() {
				l.AddText(string(c))
			}
			return l.Render()
		},
	}
}

func newCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		templateID string
		params     []string
		category   string
	)
	cmd := &cobra.Command{
		Use:   "create [text]",
		Short: "Create a rule from text or a template",
		Long: "Create a rule from free text or from a template.\n" +
			"The founder's rules are live at once; other elders open a RULE_CREATE request.\n" +
			"Text starting with \"cel:\" is compiled as an expression rule.",
		Example: "  clan rules create \"No links in chat\"\n" +
			"  clan rules create --template quiet-hours --param start=22:00 --param end=07:00",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := governance.RuleInput{TemplateID: templateID}
			if len(args) > 0 {
				in.Text = args[0]
			}
			if in.Text == "" && in.TemplateID == "" {
				return fmt.Errorf("rule text or --template required")
			}
			if category != "" {
				in.Category = rules.Category(category)
				if !slices.Contains(rules.Categories(), in.Category) {
					return fmt.Errorf("unknown category %q", category)
				}
			}
			p, err := render.ParseParams(params)
			if err != nil {
				return err
			}
			in.Params = p

			return run(cmd, v, "rules-create", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.CreateRule(ctx, scope, env.Actor(), in)
				if err != nil {
					return err
				}
				return outcome(env.Out, "rule-created", "Rule created", o)
			})
		},
	}
	cmd.Flags().StringVarP(&templateID, "template", "t", "", "template id (see: clan rules templates)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "template parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&category, "category", "", "override the inferred category")
	return cmd
}

func newEditCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> <text>",
		Short: "Replace the text of a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "rules-edit", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.EditRule(ctx, scope, args[0], args[1], env.Actor())
				if err != nil {
					return err
				}
				return outcome(env.Out, "rule-edited", "Rule edited", o)
			})
		},
	}
}

func newApproveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Add your approval to a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "rules-approve", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.ApproveRule(ctx, scope, args[0], env.Actor())
				if err != nil {
					return err
				}
				return env.Out.Result("rule-approved", "Rule approved").
					With("ID", r.ID).
					With("Approvals", r.Approvals.Len()).
					With("Enabled", r.Enabled).
					Render()
			})
		},
	}
}

func newToggleCmd(v *viper.Viper, enabled bool) *cobra.Command {
	use, short, msg := "disable", "Disable a rule", "Rule disabled"
	if enabled {
		use, short, msg = "enable", "Enable a rule", "Rule enabled"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short + " (founder only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "rules-"+use, func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.SetRuleEnabled(ctx, scope, args[0], enabled, env.Actor())
				if err != nil {
					return err
				}
				return env.Out.Result("rule-toggled", msg).
					With("ID", r.ID).
					With("Enabled", r.Enabled).
					Render()
			})
		},
	}
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "rules-delete", func(ctx context.Context, env *cli.Env, scope string) error {
				o, err := env.Node.Core.DeleteRule(ctx, scope, args[0], env.Actor())
				if err != nil {
					return err
				}
				return outcome(env.Out, "rule-deleted", "Rule deleted", o)
			})
		},
	}
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the revisions of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, "rules-history", func(ctx context.Context, env *cli.Env, scope string) error {
				revs, err := env.Node.Core.RuleHistory(ctx, scope, args[0])
				if err != nil {
					return err
				}
				t := env.Out.Table("rule-history", "Version", "Action", "Actor", "At", "Text")
				for _, r := range revs {
					t.AddRow(fmt.Sprint(r.Version), r.Action, render.TruncateHexValue(r.Actor), r.At.UTC().Format("2006-01-02 15:04:05"), r.Text)
				}
				return t.Render()
			})
		},
	}
}
