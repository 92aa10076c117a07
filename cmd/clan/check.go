package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/enforce"
)

var checkActions = []enforce.Action{
	enforce.ActionSendMessage,
	enforce.ActionUploadFile,
	enforce.ActionRemoveMember,
	enforce.ActionPromoteMember,
	enforce.ActionInviteMember,
}

func newCheckCmd(v *viper.Viper) *cobra.Command {
	var (
		as       string
		target   string
		content  string
		fileName string
		fileSize int64
		at       string
		attrs    []string
	)
	cmd := &cobra.Command{
		Use:   "check <action>",
		Short: "Evaluate an action against the enabled rules of a group",
		Long: "Evaluate an action against the enabled rules of a group.\n" +
			"Actions: send_message, upload_file, remove_member, promote_member, invite_member.",
		Example: "  clan check send_message --content \"see https://example.com\"\n" +
			"  clan check upload_file --file-name clip.mp4 --file-size 52428800",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act := enforce.Action(args[0])
			if !slices.Contains(checkActions, act) {
				return fmt.Errorf("unknown action %q", args[0])
			}
			actx := enforce.Context{
				Target:   target,
				Content:  content,
				FileName: fileName,
				FileSize: fileSize,
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				actx.At = ts
			}
			if len(attrs) > 0 {
				m, err := render.ParseParams(attrs)
				if err != nil {
					return err
				}
				actx.Attrs = m
			}

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Name:   "check",
				Viper:  v,
				Stdout: cmd.OutOrStdout(),
				Run: cli.Scoped(func(ctx context.Context, env *cli.Env, scope string) error {
					actx.Actor = env.Actor()
					if as != "" {
						actx.Actor = env.Identity(ctx, as)
					}
					if actx.Target != "" {
						actx.Target = env.Identity(ctx, actx.Target)
					}
					d := env.Node.Core.Check(ctx, scope, act, actx)
					if d.Allowed {
						return env.Out.Result("check", "Allowed").With("Action", string(act)).Render()
					}
					res := env.Out.Result("check", "Denied").
						With("Action", string(act)).
						With("Reason", d.Reason)
					for i, viol := range d.Violations {
						res.With(fmt.Sprintf("Rule %d", i+1), fmt.Sprintf("%s: %s", viol.RuleID, viol.Reason))
					}
					return res.Render()
				}),
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&as, "as", "", "identity attempting the action (default: the current key)")
	f.StringVar(&target, "target", "", "member the action is aimed at")
	f.StringVar(&content, "content", "", "message text")
	f.StringVar(&fileName, "file-name", "", "uploaded file name")
	f.Int64Var(&fileSize, "file-size", 0, "uploaded file size in bytes")
	f.StringVar(&at, "at", "", "evaluation time as RFC 3339 (default: now)")
	f.StringArrayVar(&attrs, "attr", nil, "extra attribute as key=value (repeatable)")
	return cmd
}
