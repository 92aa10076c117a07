// Package serve implements "clan serve": the long-running process that
// exposes the governance core over gRPC and a read-only HTTP API.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/config"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/httpapi"
	"github.com/gezibash/clan/internal/middleware"
	"github.com/gezibash/clan/internal/node"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/server"
)

type options struct {
	allow    []string
	maintain []string
	interval time.Duration
}

func Entrypoint(v *viper.Viper) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the governance core over gRPC and HTTP",
		Long: "Serve the governance core. gRPC carries every operation, signed by the caller's key;\n" +
			"the HTTP API serves read-only views. The process owns the store while it runs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v, opts)
		},
	}
	config.BindServeFlags(cmd, v)
	cmd.Flags().StringSliceVar(&opts.allow, "allow", nil, "only accept signed calls from these actors")
	cmd.Flags().StringSliceVar(&opts.maintain, "maintain", nil, "groups whose stale requests are expired and approved requests swept")
	cmd.Flags().DurationVar(&opts.interval, "maintain-interval", time.Minute, "how often --maintain runs")
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper, opts options) error {
	cfg, err := cli.LoadConfig(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	key, err := cli.LoadKey(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Device:         key.Actor,
		StoreBackend:   cfg.Storage.Backend,
		ArchiveBackend: cfg.Archive.Backend,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	slog.Info("device identity", "device", key.Actor)

	if cfg.Observability.MetricsAddr != "" {
		obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)
	}

	n, err := node.Open(ctx, cfg, key.Keypair, obs.Metrics)
	if err != nil {
		return err
	}
	obs.Shutdown.RegisterCloser(observability.StageStorage, "node", n)
	slog.Info("store opened", "backend", cfg.Storage.Backend, "archive", cfg.Archive.Backend)

	hooks := &middleware.Chain{}
	if len(opts.allow) > 0 {
		hooks.Pre = append(hooks.Pre, middleware.AllowCallers(opts.allow...))
	}
	srv, err := server.New(cfg.GRPC.Addr, obs, cfg.GRPC.EnableReflection, n.Core, hooks)
	if err != nil {
		_ = n.Close()
		return fmt.Errorf("create server: %w", err)
	}
	obs.Shutdown.Register(observability.StageIngress, "grpc-server", func(ctx context.Context) error {
		srv.Stop(ctx)
		return nil
	})

	if cfg.HTTP.Addr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpapi.New(n.Core, obs.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("http api starting", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http api error", "error", err)
			}
		}()
		obs.Shutdown.Register(observability.StageIngress, "http-api", httpSrv.Shutdown)
	}

	if len(opts.maintain) > 0 {
		maintainCtx, stopMaintain := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			maintain(maintainCtx, n.Core, opts.maintain, opts.interval)
		}()
		obs.Shutdown.Register(observability.StageMaintenance, "maintain", func(ctx context.Context) error {
			stopMaintain()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := obs.Close(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("serving", "grpc", srv.Addr(), "http", cfg.HTTP.Addr, "metrics", cfg.Observability.MetricsAddr)
	return srv.Serve()
}

// maintain expires stale requests and executes approved ones that have not
// run, for every scope, until ctx is done.
func maintain(ctx context.Context, core *governance.Core, scopes []string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		for _, scope := range scopes {
			maintainScope(ctx, core, scope)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func maintainScope(ctx context.Context, core *governance.Core, scope string) {
	expired, err := core.Expire(ctx, scope)
	if err != nil {
		slog.WarnContext(ctx, "expire requests", "scope", scope, "error", err)
	}
	swept, err := core.Sweep(ctx, scope)
	if err != nil {
		slog.WarnContext(ctx, "sweep requests", "scope", scope, "error", err)
	}
	if len(expired) > 0 || len(swept) > 0 {
		slog.InfoContext(ctx, "maintenance", "scope", scope, "expired", len(expired), "executed", len(swept))
	}
}
