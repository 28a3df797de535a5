package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"icr-worker/internal/config"
)

const (
	ExitFailure     = 1
	ExitConfigError = 2
	// ExitHalted tells the supervisor the worker stopped after a compensated
	// catalog failure and should be restarted.
	ExitHalted = 3
)

type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags; Config is filled in before any subcommand
// runs.
type RootOptions struct {
	ConfigFile string
	Root       string
	SavePath   string
	LogTo      string
	Debug      bool

	Config  config.Config
	Logger  *slog.Logger
	logFile io.Closer
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "ICR answer sheet worker",
		Long:  "Drains the local page queue, recognises answer sheets and records per-submission completion in the catalog.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logFile != nil {
				return opts.logFile.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "path to local queue directory (QUEUE_ROOT)")
	cmd.PersistentFlags().StringVar(&opts.SavePath, "save-path", "", "directory for rendered artifacts (SAVE_PATH)")
	cmd.PersistentFlags().StringVar(&opts.LogTo, "log-to", "", "path to logfile")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewIntakeCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitConfigError, "load config", err)
	}
	if o.Root != "" {
		cfg.QueueRoot = o.Root
	}
	if o.SavePath != "" {
		cfg.SavePath = o.SavePath
	}
	if o.LogTo != "" {
		cfg.LogTo = o.LogTo
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = o.Debug
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitConfigError, "invalid config", err)
	}

	logger, closer, err := NewLogger(cfg.LogTo, cfg.Debug, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitConfigError, "open log file", err)
	}
	o.Config = cfg
	o.Logger = logger
	o.logFile = closer
	slog.SetDefault(logger)
	return nil
}

// NewLogger writes text logs to logTo when set, otherwise to fallback.
func NewLogger(logTo string, debug bool, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	out := fallback
	var closer io.Closer
	if logTo != "" {
		f, err := os.OpenFile(logTo, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", "consumer.answers"), closer, nil
}
