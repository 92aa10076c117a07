// Package board implements "clan board": an interactive approvals board
// for the elders of a group.
package board

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/cmd/clan/tui"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/server"
)

// localSource votes through the core of the local node as actor.
type localSource struct {
	core  *governance.Core
	actor string
}

func (s localSource) Requests(ctx context.Context, scope string, opts approval.ListOptions) ([]*approval.Request, error) {
	return s.core.Requests(ctx, scope, opts)
}

func (s localSource) Approve(ctx context.Context, scope, id string) (*approval.Request, error) {
	r, err := s.core.ResolveRequest(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return s.core.Approve(ctx, r.ID, s.actor)
}

func (s localSource) Reject(ctx context.Context, scope, id string) (*approval.Request, error) {
	r, err := s.core.ResolveRequest(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return s.core.Reject(ctx, r.ID, s.actor)
}

func Entrypoint(v *viper.Viper) *cobra.Command {
	var (
		remote  string
		refresh time.Duration
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Interactive approvals board",
		Long: "Interactive approvals board for the pending requests of a group.\n" +
			"With --remote the board talks to a running \"clan serve\" and signs every vote.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return errors.New("board needs a terminal; use \"clan requests list\" instead")
			}
			ctx := cmd.Context()
			if remote != "" {
				return runRemote(ctx, v, remote, refresh)
			}
			return runLocal(ctx, v, refresh)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a clan server")
	cmd.Flags().DurationVar(&refresh, "refresh", 5*time.Second, "reload interval")
	return cmd
}

func runLocal(ctx context.Context, v *viper.Viper, refresh time.Duration) error {
	env, err := cli.OpenEnv(ctx, v, os.Stdout, nil)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	scope, err := env.Scope()
	if err != nil {
		return err
	}
	return run(ctx, localSource{core: env.Node.Core, actor: env.Actor()}, scope, env.Actor(), refresh)
}

func runRemote(ctx context.Context, v *viper.Viper, addr string, refresh time.Duration) error {
	cfg, err := cli.LoadConfig(v)
	if err != nil {
		return err
	}
	f, err := cli.OpenLogFile(cfg.DataDir)
	if err == nil {
		defer func() { _ = f.Close() }()
		observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, f)
	}
	scope := v.GetString("scope")
	if scope == "" {
		return cli.ErrNoScope
	}
	key, err := cli.LoadKey(ctx, cfg)
	if err != nil {
		return err
	}
	c, err := server.Dial(addr, key.Keypair)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return run(ctx, c, scope, key.Actor, refresh)
}

func run(ctx context.Context, src Source, scope, actor string, refresh time.Duration) error {
	base := tui.NewBase("board", scope, render.TruncateHexValue(actor), refresh)
	if err := base.WithApp(newModel(ctx, src, scope, base.Layout)).Run(); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	return nil
}
