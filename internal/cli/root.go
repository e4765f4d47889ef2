// Package cli implements the apptload command line.
package cli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/logging"
)

var version = "0.1.0"

// Exit codes returned by ExitCode.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// app carries the process collaborators so tests can replace them.
type app struct {
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv func(string) (string, bool)
	now       func() time.Time

	// logger is built from --log-level unless preset
	logger *zap.Logger
}

func defaultApp() *app {
	return &app{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		lookupEnv: os.LookupEnv,
		now:       time.Now,
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(defaultApp())
}

func newRootCmd(a *app) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:     "apptload",
		Short:   "Open-workload load generator for the appointment API",
		Version: version,
		Long: `apptload injects virtual users into the appointment API following an
arrival-rate profile (a linear ramp followed by a constant rate), records
every request outcome and checks the run against its assertions.

Configuration comes from an optional file, the environment (BASE_URL,
USERS_CREATE, USERS_CREATE_STATIC, USERS_QUERY, RAMP_DURATION,
CONSTANT_DURATION) and --set key=value overrides, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			logger, err := logging.New(logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $LOG_LEVEL or info")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newProbeCmd(a))
	root.AddCommand(newMockAPICmd(a))
	return root
}

// Execute runs the command line and returns the first error.
// This is called by main.main().
func Execute() error {
	a := defaultApp()
	err := newRootCmd(a).Execute()
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

// ExitCode maps an Execute error onto a process exit code. Failed assertions
// and runtime errors exit 1; configuration problems exit 2.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrConfiguration):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}
