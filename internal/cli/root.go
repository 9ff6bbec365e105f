package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/homemade/hbnsync/sync"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel   string
	LogFormat  string
	ConfigFile string
	Record     bool

	// Env overrides the variable lookup used to expand the config (for testing).
	// If nil, defaults to sync.DefaultEnv().
	Env sync.CompositeEnvVar
	// Journal forces the journal log handler on or off (for testing).
	Journal *bool
}

// NewRootCommand creates the root command for the hbnsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hbnsync",
		Short: "Ripple to REDCap participant sync",
		Long: `hbnsync copies participants flagged in Ripple into the REDCap project of their study,
then marks them as synced in Ripple.

Configuration is read from the embedded defaults, the file named by HBNSYNC_CONFIG
and the environment (RIPPLE_HOST, RIPPLE_TOKEN, REDCAP_HOST, REDCAP_TOKEN_<STUDY>).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file overriding "+sync.ConfigFileEnvVar)
	cmd.PersistentFlags().BoolVar(&opts.Record, "record", false, "record API requests to testdata/.requests")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewFieldsCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (opts *RootOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	logger, err := sync.NewLogger(sync.LoggerOptions{
		Level:   opts.LogLevel,
		Format:  opts.LogFormat,
		Writer:  cmd.ErrOrStderr(),
		Journal: opts.Journal,
	})
	if err != nil {
		return nil, WrapExitError(sync.ExitFailed, "invalid logging flags", err)
	}
	return logger, nil
}

func (opts *RootOptions) config() (sync.Config, error) {
	sync.Init(sync.Ripple2REDCap)

	var configOpts []sync.ConfigOption
	if opts.ConfigFile != "" {
		configOpts = append(configOpts, sync.ConfigWithFile(opts.ConfigFile))
	}
	if opts.Env != nil {
		configOpts = append(configOpts, sync.ConfigWithEnv(opts.Env))
	}
	config, err := sync.LoadConfigFromEnvironment(sync.DefaultEmbeddedConfig, configOpts...)
	if err != nil {
		return config, WrapExitError(sync.ExitFailed, "failed to load config", err)
	}
	return config, nil
}

// engine loads the config and wires an engine that logs through logger.
func (opts *RootOptions) engine(logger *slog.Logger) (*sync.Engine, error) {
	config, err := opts.config()
	if err != nil {
		return nil, err
	}
	engine, err := sync.NewEngine(&sync.SyncContext{
		Config:         config,
		RecordRequests: opts.Record,
		Logger:         logger,
	})
	if err != nil {
		return nil, WrapExitError(sync.ExitFailed, "failed to start", err)
	}
	return engine, nil
}

func closeEngine(engine *sync.Engine, logger *slog.Logger) {
	if err := engine.Close(); err != nil {
		logger.Error("error closing run guard", "error", err)
	}
}

func runResult(code int) error {
	if code == sync.ExitOK {
		return nil
	}
	return &ExitError{Code: code}
}

func invalidArg(format string, args ...any) error {
	return WrapExitError(sync.ExitFailed, "invalid arguments", fmt.Errorf(format, args...))
}
