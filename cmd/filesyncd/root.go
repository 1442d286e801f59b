package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/filesync-core/internal/daemonconfig"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagClientID   string
	flagDebug      bool
	flagQuiet      bool
)

// daemonContext bundles resolved config and logger, stashed on the
// command's context by PersistentPreRunE.
type daemonContext struct {
	Cfg    *daemonconfig.Resolved
	Logger *slog.Logger
}

type daemonContextKey struct{}

func daemonContextFrom(ctx context.Context) *daemonContext {
	dc, _ := ctx.Value(daemonContextKey{}).(*daemonContext)
	return dc
}

// newRootCmd builds the fully-assembled root command. Called once from main.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "filesyncd",
		Short:         "FileSync core daemon",
		Long:          "Runs one client's FileSync core: catalog, local blob cache, and remote store, kept in sync until interrupted.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadDaemonContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagClientID, "client-id", "", "override the configured client id")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("debug", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// loadDaemonContext resolves the effective configuration and logger and
// stores them on the command's context for subcommand RunE handlers.
func loadDaemonContext(cmd *cobra.Command) error {
	env := daemonconfig.ReadEnvOverrides()

	if cmd.Flags().Changed("client-id") {
		env.ClientID = flagClientID
	}

	bootstrapLogger := buildLogger(daemonconfig.LoggingConfig{Level: "warn", Format: "text"})

	path := flagConfigPath
	if path == "" {
		path = env.ConfigPath
	}

	resolved, err := daemonconfig.Load(path, env, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(resolved.Logging)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, daemonContextKey{}, &daemonContext{Cfg: resolved, Logger: logger}))

	return nil
}

// buildLogger creates an slog.Logger from the resolved logging config,
// with --debug/--quiet flags taking precedence since they're the most
// specific to this invocation.
func buildLogger(cfg daemonconfig.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
