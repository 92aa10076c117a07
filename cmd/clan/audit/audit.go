// Package audit implements "clan audit": the hash-chained log of every
// governance decision in a group.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/cli"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, verify and export the audit log of a group",
	}
	cmd.AddCommand(
		newListCmd(v),
		newVerifyCmd(v),
		newExportCmd(v),
		newCheckExportCmd(v),
		newAttestCmd(v),
		newVerifyAttestationCmd(v),
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

func report(out *cli.Output, r *audit.Report) error {
	msg := "Chain intact"
	if !r.Valid {
		msg = "Chain broken"
	}
	res := out.Result("audit-verify", msg).
		With("Scope", r.Scope).
		With("Checked", r.Checked).
		With("Genesis", r.Genesis).
		With("Head", r.Head)
	if r.Valid {
		return res.Render()
	}

	l := out.List("audit-verify").Add(res)
	for _, m := range r.Mismatches {
		l.Nest(out.KV("audit-mismatch").
			Set("Event", m.EventID).
			Set("Index", m.Index).
			Set("Field", m.Field).
			Set("Expected", m.Expected).
			Set("Actual", m.Actual))
	}
	if err := l.Render(); err != nil {
		return err
	}
	return fmt.Errorf("%d mismatches in %s", len(r.Mismatches), r.Scope)
}

func newListCmd(v *viper.Viper) *cobra.Command {
	var (
		since  string
		limit  int
		recent int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events, oldest first",
		Long:  "List audit events, oldest first. Pass the cursor of a previous page to --since to continue.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := audit.ListOptions{Limit: limit}
			if since != "" {
				ts, err := time.Parse(time.RFC3339Nano, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				opts.Since = ts
			}
			return run(cmd, v, "audit-list", func(ctx context.Context, env *cli.Env, scope string) error {
				if recent > 0 {
					events, err := env.Node.Core.RecentAudit(ctx, scope, recent)
					if err != nil {
						return err
					}
					return render.Events(env.Out, events).Render()
				}
				events, err := env.Node.Core.AuditEvents(ctx, scope, opts)
				if err != nil {
					return err
				}
				t := render.Events(env.Out, events)
				if limit > 0 && len(events) == limit {
					t.WithPagination(events[len(events)-1].Timestamp.UTC().Format(time.RFC3339Nano), true)
				}
				return t.Render()
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only events after this RFC 3339 instant")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "page size (0 for everything)")
	cmd.Flags().IntVar(&recent, "recent", 0, "show the newest n events, newest first")
	return cmd
}

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hashes of the newest events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "audit-verify", func(ctx context.Context, env *cli.Env, scope string) error {
				r, err := env.Node.Core.VerifyAudit(ctx, scope, window)
				if err != nil {
					return err
				}
				return report(env.Out, r)
			})
		},
	}
	cmd.Flags().IntVarP(&window, "window", "w", 0, "number of recent events to check (default from config)")
	return cmd
}

func newExportCmd(v *viper.Viper) *cobra.Command {
	var (
		archive bool
		file    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the whole chain as JSON",
		Long:  "Export the whole chain as JSON to a file, or send it to the configured archive with --archive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "audit-export", func(ctx context.Context, env *cli.Env, scope string) error {
				res, err := env.Node.Core.ExportAudit(ctx, scope, env.Actor(), archive)
				if err != nil {
					return err
				}
				if file != "" {
					data, err := json.MarshalIndent(res.Export, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(file, data, 0o600); err != nil {
						return fmt.Errorf("write export: %w", err)
					}
				}
				return env.Out.Result("audit-export", "Audit log exported").
					With("Scope", res.Export.Scope).
					With("Events", res.Export.Count).
					With("Head", res.Export.Head).
					With("File", file).
					With("Location", res.Location).
					Render()
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "write the export to the configured archive")
	cmd.Flags().StringVarP(&file, "file", "f", "", "write the export to this file")
	return cmd
}

func newCheckExportCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check-export <file>",
		Short: "Verify the full chain of an exported file, offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var exp audit.Export
			if err := json.Unmarshal(data, &exp); err != nil {
				return fmt.Errorf("decode export: %w", err)
			}
			r := audit.VerifyRecords(exp.Records)
			r.Scope = exp.Scope
			return report(cli.NewOutputFromViper(v, cmd.OutOrStdout()), r)
		},
	}
}

func newAttestCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "attest",
		Short: "Sign the current chain head with the device key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "audit-attest", func(ctx context.Context, env *cli.Env, scope string) error {
				a, err := env.Node.Core.Attest(ctx, scope)
				if err != nil {
					return err
				}
				return env.Out.Object("audit-attestation", a).Render()
			})
		},
	}
}

func newVerifyAttestationCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-attestation <file|->",
		Short: "Check the signature of an attestation, offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := render.ReadInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var a audit.Attestation
			if err := json.Unmarshal(data, &a); err != nil {
				return fmt.Errorf("decode attestation: %w", err)
			}
			if err := audit.VerifyAttestation(&a); err != nil {
				return err
			}
			return cli.NewOutputFromViper(v, cmd.OutOrStdout()).Result("attestation-valid", "Attestation valid").
				With("Scope", a.Scope).
				With("Head", a.Head).
				With("Count", a.Count).
				With("Signer", a.Signer).
				Render()
		},
	}
}
