// Package trust implements "clan trust": the stability score of this
// device.
package trust

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/trust"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Score this device and inspect its trust baseline",
	}
	cmd.AddCommand(newScoreCmd(v), newShowCmd(v), newReduceCmd(v))
	return cmd
}

func run(cmd *cobra.Command, v *viper.Viper, name string, fn func(ctx context.Context, env *cli.Env) error) error {
	return cli.RunCommand(cmd.Context(), cli.CommandConfig{
		Name:   name,
		Viper:  v,
		Stdout: cmd.OutOrStdout(),
		Run:    fn,
	})
}

func newScoreCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Run a scoring pass against the stored baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "trust-score", func(ctx context.Context, env *cli.Env) error {
				a, err := env.Node.Core.EvaluateTrust(ctx)
				if err != nil && a.Err == nil {
					return err
				}
				return render.Assessment(env.Out, "trust-score", a).Render()
			})
		},
	}
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored baseline without scoring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "trust-show", func(ctx context.Context, env *cli.Env) error {
				st, err := env.Node.Core.TrustState(ctx)
				if err != nil {
					return err
				}
				if st == nil {
					return env.Out.Result("trust-state", "Device has not been scored yet").Render()
				}
				return env.Out.KV("trust-state").
					Set("Device", st.Device).
					Set("Score", st.Score).
					Set("Tier", string(trust.TierFor(st.Score))).
					Set("Network", st.Signals.NetworkType).
					Set("Connected", st.Signals.Connected).
					Set("Fingerprint", st.Signals.Fingerprint).
					Set("Updated", st.UpdatedAt).
					Render()
			})
		},
	}
}

func newReduceCmd(v *viper.Viper) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reduce <points>",
		Short: "Apply an out-of-band penalty to the stored score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid penalty %q", args[0])
			}
			return run(cmd, v, "trust-reduce", func(ctx context.Context, env *cli.Env) error {
				score, err := env.Node.Core.ReduceTrust(ctx, n, reason)
				if err != nil {
					return err
				}
				return env.Out.Result("trust-reduced", "Trust reduced").
					With("Score", score).
					With("Tier", string(trust.TierFor(score))).
					Render()
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the audit log")
	return cmd
}
