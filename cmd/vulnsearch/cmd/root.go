// Package cmd provides the CLI commands for vulnsearch.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vulnsearch/internal/config"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/logging"
	"github.com/Aman-CERP/vulnsearch/internal/profiling"
	"github.com/Aman-CERP/vulnsearch/pkg/version"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	dir        string
	logLevel   string
	debug      bool
	profile    profiling.Options
}

// app carries per-invocation state from PersistentPreRunE to the commands.
type app struct {
	opts    rootOptions
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
	session *profiling.Session
}

// NewRootCmd creates the root command for the vulnsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "vulnsearch",
		Short: "Federated full-text search over software supply-chain records",
		Long: `vulnsearch keeps one full-text index per record kind (projects,
components, services, licenses, vulnerabilities and CWEs) in sync with an
authoritative catalog, and answers keyword searches across all of them.

Run 'vulnsearch serve' to start the HTTP API.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.start(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.stop()
		},
	}
	cmd.SetVersionTemplate("vulnsearch version {{.Version}}\n")

	f := cmd.PersistentFlags()
	f.StringVarP(&a.opts.configPath, "config", "c", "", "Config file (default: layered user and project config)")
	f.StringVar(&a.opts.dir, "dir", ".", "Directory holding the project config (vulnsearch.yaml)")
	f.StringVar(&a.opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides server.log_level)")
	f.BoolVar(&a.opts.debug, "debug", false, "Enable debug logging to ~/.vulnsearch/logs/")
	f.StringVar(&a.opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	f.StringVar(&a.opts.profile.Heap, "profile-mem", "", "Write heap profile to file")
	f.StringVar(&a.opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newIndexCmd(a))
	cmd.AddCommand(newCatalogCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newDoctorCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd, a
}

// start loads configuration, installs the logger and starts profiling.
func (a *app) start(cmd *cobra.Command) error {
	if skipsConfig(cmd) {
		return nil
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	if a.opts.logLevel != "" {
		logCfg.Level = a.opts.logLevel
	}
	if a.opts.debug {
		logCfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	a.logger = logger
	a.cleanup = cleanup
	slog.SetDefault(logger)

	if a.opts.profile.Enabled() {
		if a.session, err = profiling.Start(a.opts.profile); err != nil {
			return err
		}
	}
	return nil
}

// stop ends profiling and closes the log file. It is safe to call twice:
// cobra skips PersistentPostRunE when a command fails.
func (a *app) stop() error {
	var err error
	if a.session != nil {
		err = a.session.Stop()
		a.session = nil
	}
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
	return err
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.opts.configPath != "" {
		return config.LoadFile(a.opts.configPath)
	}
	return config.Load(a.opts.dir)
}

// skipsConfig reports commands that must run without a valid config.
func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "init", "restore", "path", "help":
		return true
	}
	return false
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command under ctx and prints any error in the
// CLI error format.
func ExecuteContext(ctx context.Context) error {
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	if stopErr := a.stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		_, _ = fmt.Fprint(root.ErrOrStderr(), verrors.FormatForCLI(err))
	}
	return err
}
