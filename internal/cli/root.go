package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCmd creates the apiflow command tree
func NewRootCmd(version string) *cobra.Command {
	var debug bool
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "apiflow",
		Short:         "Run declarative flows of linked HTTP API calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Development logging at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	loggerFn := func() (*zap.Logger, error) { return newLogger(debug) }
	outputFn := func() *Output { return NewOutput(jsonOutput, rootCmd.OutOrStdout(), rootCmd.ErrOrStderr()) }

	rootCmd.AddCommand(
		NewRunCmd(version, loggerFn, outputFn),
		NewValidateCmd(loggerFn, outputFn),
	)

	return rootCmd
}
