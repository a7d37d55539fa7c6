package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/apiflow/pkg/config"
	"github.com/wehubfusion/apiflow/pkg/script"
)

type validation struct {
	Name      string `json:"name"`
	Endpoints int    `json:"endpoints"`
	Steps     int    `json:"steps"`
	Scripts   bool   `json:"scripts"`
}

// NewValidateCmd creates the validate command
func NewValidateCmd(loggerFn func() (*zap.Logger, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FLOW_FILE",
		Short: "Check a flow file against the schema and compile its scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFn()
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			v, err := validateFile(args[0], logger)
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSONMode() {
				out.JSON(v)
				return nil
			}
			out.Success(fmt.Sprintf("Flow %q is valid: %d endpoints, %d steps", v.Name, v.Endpoints, v.Steps))
			return nil
		},
	}
}

func validateFile(path string, logger *zap.Logger) (*validation, error) {
	file, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}

	var runner *script.Runner
	if file.HasScripts() {
		runner, err = script.NewRunner(script.Config{Logger: logger.Named("script")})
		if err != nil {
			return nil, err
		}
		defer runner.Close()
	}

	fl, endpoints, err := file.Build(runner)
	if err != nil {
		return nil, err
	}
	if _, err := file.EngineOptions(); err != nil {
		return nil, err
	}

	return &validation{
		Name:      fl.Name(),
		Endpoints: len(endpoints),
		Steps:     fl.Len(),
		Scripts:   runner != nil,
	}, nil
}
