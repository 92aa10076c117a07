package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/clan/internal/server"
)

// CommandConfig configures a command that runs against the local node.
type CommandConfig struct {
	// Name identifies the command in logs.
	Name  string
	Viper *viper.Viper
	// Timeout bounds the command. Zero means no timeout.
	Timeout time.Duration
	// Stdout receives rendered output; nil means os.Stdout.
	Stdout io.Writer
	// LogTo overrides the log file.
	LogTo io.Writer
	Run   func(ctx context.Context, env *Env) error
}

// RunCommand opens the environment, runs the command and closes the
// environment again. Failures are rendered as structured errors.
func RunCommand(ctx context.Context, cfg CommandConfig) error {
	if cfg.Name == "" {
		return errors.New("command name required")
	}
	if cfg.Viper == nil {
		return errors.New("viper required")
	}
	if cfg.Run == nil {
		return errors.New("run function required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	env, err := OpenEnv(ctx, cfg.Viper, stdout, cfg.LogTo)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() { _ = env.Close() }()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	env.Logger.DebugContext(ctx, "command start", "command", cfg.Name, "actor", env.Actor())
	if err := cfg.Run(ctx, env); err != nil {
		env.Logger.WarnContext(ctx, "command failed", "command", cfg.Name, "error", err)
		if env.Out.Format() != FormatText {
			_ = env.Out.Error(cfg.Name, err).WithCode(server.Code(err).String()).Render()
		}
		return err
	}
	return nil
}

// ScopedFunc is a command body bound to one group.
type ScopedFunc func(ctx context.Context, env *Env, scope string) error

// Scoped adapts fn to CommandConfig.Run. The scope comes from --scope or
// CLAN_SCOPE and is required.
func Scoped(fn ScopedFunc) func(ctx context.Context, env *Env) error {
	return func(ctx context.Context, env *Env) error {
		scope, err := env.Scope()
		if err != nil {
			return err
		}
		return fn(ctx, env, scope)
	}
}
