// Package cli provides the output renderers and the command environment
// shared by the clan subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/gezibash/clan/internal/config"
	"github.com/gezibash/clan/internal/keyring"
	"github.com/gezibash/clan/internal/node"
	"github.com/gezibash/clan/internal/observability"
)

// Env is everything a command needs: the merged config, the device key and
// the opened node.
type Env struct {
	Config  config.Config
	Viper   *viper.Viper
	Key     *keyring.Key
	Node    *node.Node
	Out     *Output
	Logger  *slog.Logger
	Metrics *observability.Metrics

	closers []func() error
}

// Actor is the identity commands act as.
func (e *Env) Actor() string {
	if e.Key == nil {
		return ""
	}
	return e.Key.Actor
}

// ErrNoScope is returned by Scope when no group was named.
var ErrNoScope = errors.New("no group scope: pass --scope or set CLAN_SCOPE")

// Scope is the group the command operates on.
func (e *Env) Scope() (string, error) {
	if s := e.Viper.GetString("scope"); s != "" {
		return s, nil
	}
	return "", ErrNoScope
}

// Identity resolves a command argument to an actor. Local key aliases and
// bare public key hex are resolved through the keyring; anything else is
// taken as an actor string.
func (e *Env) Identity(ctx context.Context, arg string) string {
	if strings.Contains(arg, ":") {
		return arg
	}
	if key, err := keyring.New(e.Config.DataDir).Load(ctx, arg); err == nil {
		return key.Actor
	}
	return arg
}

// Close releases the node and the log file.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

// LoadConfig merges flags, environment and the config file.
func LoadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = config.DefaultDataDir()
	}
	return cfg, nil
}

// OpenLogFile opens {data_dir}/log/cli.log for appending. Client commands
// log there instead of to the terminal.
func OpenLogFile(dataDir string) (*os.File, error) {
	dir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "cli.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is built from the data dir
}

// LoadKey resolves the device key. The default alias is generated on first
// use; any other name must already exist.
func LoadKey(ctx context.Context, cfg config.Config) (*keyring.Key, error) {
	kr := keyring.New(cfg.DataDir)
	name := cfg.KeyName
	if name == "" || name == keyring.DefaultAlias {
		return kr.LoadOrGenerate(ctx, keyring.DefaultAlias)
	}
	key, err := kr.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", name, err)
	}
	return key, nil
}

// OpenEnv builds an Env. Logs go to logTo when it is non-nil and to the
// data dir log file otherwise.
func OpenEnv(ctx context.Context, v *viper.Viper, stdout, logTo io.Writer) (*Env, error) {
	cfg, err := LoadConfig(v)
	if err != nil {
		return nil, err
	}
	env := &Env{Config: cfg, Viper: v, Out: NewOutputFromViper(v, stdout)}

	if logTo == nil {
		f, err := OpenLogFile(cfg.DataDir)
		if err != nil {
			logTo = io.Discard
		} else {
			logTo = f
			env.closers = append(env.closers, f.Close)
		}
	}
	env.Logger = observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, logTo)
	env.Metrics = observability.NewMetrics()

	key, err := LoadKey(ctx, cfg)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.Key = key

	n, err := node.Open(ctx, cfg, key.Keypair, env.Metrics)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.Node = n
	env.closers = append(env.closers, n.Close)
	return env, nil
}
