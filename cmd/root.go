package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"deployer/internal/util"
)

// Process exit codes.
const (
	exitOK          = 0
	exitHostFailure = 1
	exitConfig      = 2
)

type options struct {
	configFile string
	verbose    bool
	logLevel   string
}

// exitError carries the exit code an error should end the process with.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

// ExitCode maps an error returned by the root command to a process exit code.
// Errors cobra raises itself (bad flags, wrong argument count) count as
// configuration errors.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

// NewRootCmd builds the deployer command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "Atomic release deployment tool",
		Long: `Deploys an application to one or more hosts as timestamped releases,
switching the current symlink atomically once a release is ready.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showMenu(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default deploy.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Stream command output and mirror the run log to stderr")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Run log level (debug, info, warn, error)")

	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newReleasesCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newMenuCmd(opts))
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		util.Default.Printf("❌ %v\n", err)
	}
	return ExitCode(err)
}
