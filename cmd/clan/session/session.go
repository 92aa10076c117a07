// Package session implements "clan session": the device session that gates
// sensitive operations.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/cmd/clan/tui"
	"github.com/gezibash/clan/internal/cli"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the device session",
		Long: "Manage the device session. Council and rule changes require a valid session\n" +
			"when governance.require_session is set.",
	}
	cmd.AddCommand(
		newInitCmd(v),
		newStatusCmd(v),
		newForegroundCmd(v),
		newBackgroundCmd(v),
		newSetPINCmd(v),
		newStepUpCmd(v),
		newPanicCmd(v),
		newCheckCmd(v),
	)
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

// readPIN takes the PIN from the flag, a hidden prompt on a terminal, or
// the first line of stdin.
func readPIN(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return tui.PromptSecret("PIN:", f, cmd.ErrOrStderr())
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read PIN: %w", err)
	}
	pin := strings.TrimRight(line, "\r\n")
	if pin == "" {
		return "", errors.New("no PIN given")
	}
	return pin, nil
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Start a fresh session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "session-init", func(ctx context.Context, env *cli.Env) error {
				st, err := env.Node.Core.StartSession(ctx)
				if err != nil {
					return err
				}
				return render.Session(env.Out, "session", st).Render()
			})
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session without running checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "session-status", func(ctx context.Context, env *cli.Env) error {
				st, err := env.Node.Core.SessionStatus(ctx)
				if err != nil {
					return err
				}
				return render.Session(env.Out, "session", st).Render()
			})
		},
	}
}

func newForegroundCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "foreground",
		Short: "Run the self-check and a fresh trust evaluation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "session-foreground", func(ctx context.Context, env *cli.Env) error {
				st, err := env.Node.Core.Foreground(ctx)
				if err != nil {
					return err
				}
				return render.Session(env.Out, "session", st).Render()
			})
		},
	}
}

func newBackgroundCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "background",
		Short: "Apply the passive trust penalty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "session-background", func(ctx context.Context, env *cli.Env) error {
				if err := env.Node.Core.Background(ctx); err != nil {
					return err
				}
				return env.Out.Result("session-background", "Background penalty applied").Render()
			})
		},
	}
}

func newSetPINCmd(v *viper.Viper) *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "set-pin",
		Short: "Install or replace the step-up PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := readPIN(cmd, pin)
			if err != nil {
				return err
			}
			return run(cmd, v, "session-set-pin", func(ctx context.Context, env *cli.Env) error {
				if err := env.Node.Core.SetPIN(ctx, p); err != nil {
					return err
				}
				return env.Out.Result("pin-set", "PIN set").Render()
			})
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN (prompted when omitted)")
	return cmd
}

func newStepUpCmd(v *viper.Viper) *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "step-up",
		Short: "Re-authenticate with the PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := readPIN(cmd, pin)
			if err != nil {
				return err
			}
			return run(cmd, v, "session-step-up", func(ctx context.Context, env *cli.Env) error {
				st, err := env.Node.Core.StepUp(ctx, p)
				if err != nil {
					return err
				}
				return render.Session(env.Out, "session", st).Render()
			})
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN (prompted when omitted)")
	return cmd
}

func newPanicCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "panic",
		Short: "Invalidate the session immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "session-panic", func(ctx context.Context, env *cli.Env) error {
				if err := env.Node.Core.Panic(ctx); err != nil {
					return err
				}
				return env.Out.Result("session-panic", "Session invalidated").Render()
			})
		},
	}
}

func newCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the sensitive-operation gate and report why it denies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, "session-check", func(ctx context.Context, env *cli.Env) error {
				if err := env.Node.Core.Authorize(ctx); err != nil {
					return err
				}
				return env.Out.Result("session-check", "Session authorized").Render()
			})
		},
	}
}
