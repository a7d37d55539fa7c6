package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/apiflow/internal/nats"
	"github.com/wehubfusion/apiflow/internal/tracing"
	"github.com/wehubfusion/apiflow/pkg/callback"
	"github.com/wehubfusion/apiflow/pkg/concurrency"
	"github.com/wehubfusion/apiflow/pkg/config"
	"github.com/wehubfusion/apiflow/pkg/engine"
	"github.com/wehubfusion/apiflow/pkg/flow"
	"github.com/wehubfusion/apiflow/pkg/metrics"
	"github.com/wehubfusion/apiflow/pkg/result"
	"github.com/wehubfusion/apiflow/pkg/script"
	"github.com/wehubfusion/apiflow/pkg/storage"
)

type runOptions struct {
	params []string
	ranges []string

	natsURL     string
	natsSubject string

	azureConnection string
	azureContainer  string

	metricsAddr  string
	otlpEndpoint string
}

// runCommand holds everything one `apiflow run` invocation needs
type runCommand struct {
	opts    runOptions
	version string
	logger  *zap.Logger
	out     *Output

	// publisher and blobs are created from opts unless already set
	publisher callback.Publisher
	blobs     storage.BlobStorageClient
}

// NewRunCmd creates the run command
func NewRunCmd(version string, loggerFn func() (*zap.Logger, error), outputFn func() *Output) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run FLOW_FILE",
		Short: "Run a flow once per initial parameter set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFn()
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			undo := concurrency.InitializeForKubernetes(logger)
			defer undo()

			flush, err := initSentry(os.Getenv("SENTRY_DSN"), version, os.Getenv("APIFLOW_ENV"))
			if err != nil {
				logger.Warn("Sentry disabled", zap.Error(err))
			}
			defer flush()

			rc := &runCommand{opts: opts, version: version, logger: logger, out: outputFn()}
			return rc.execute(cmd.Context(), args[0])
		},
	}

	cmd.Flags().StringArrayVar(&opts.params, "param", nil, "Initial parameter as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&opts.ranges, "range", nil, "Run once per integer in KEY=START:END, END excluded (repeatable)")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", os.Getenv("NATS_URL"), "Publish snapshots to this NATS server")
	cmd.Flags().StringVar(&opts.natsSubject, "nats-subject", "apiflow.results", "NATS subject for published snapshots")
	cmd.Flags().StringVar(&opts.azureConnection, "azure-connection", os.Getenv("AZURE_STORAGE_CONNECTION_STRING"), "Export final results to this Azure Storage account")
	cmd.Flags().StringVar(&opts.azureContainer, "azure-container", "apiflow-results", "Azure Blob container for exported results")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "Export spans to this OTLP/HTTP collector (host:port)")

	return cmd
}

func (rc *runCommand) execute(ctx context.Context, path string) error {
	paramSets, err := expandParamSets(rc.opts.params, rc.opts.ranges)
	if err != nil {
		return err
	}

	file, err := config.LoadFile(path)
	if err != nil {
		return err
	}

	var runner *script.Runner
	if file.HasScripts() {
		runner, err = script.NewRunner(script.Config{Logger: rc.logger.Named("script")})
		if err != nil {
			return err
		}
		defer runner.Close()
	}

	fl, _, err := file.Build(runner)
	if err != nil {
		return err
	}
	fileOpts, err := file.EngineOptions()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	engineOpts := append([]engine.Option{
		engine.WithLogger(rc.logger),
		engine.WithMetrics(metrics.New(reg)),
	}, fileOpts...)

	if rc.opts.metricsAddr != "" {
		srv, err := serveMetrics(rc.opts.metricsAddr, reg, rc.logger)
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		defer shutdownServer(srv, rc.logger)
	}

	if rc.opts.otlpEndpoint != "" {
		cfg := tracing.DefaultConfig("apiflow")
		cfg.ServiceVersion = rc.version
		cfg.OTLPEndpoint = rc.opts.otlpEndpoint
		shutdown, err := tracing.Setup(ctx, cfg, rc.logger)
		if err != nil {
			return err
		}
		defer func() { _ = tracing.Shutdown(shutdown, 5*time.Second, rc.logger) }()
	}

	eng, err := engine.NewFromEnv(engineOpts...)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := rc.connectPublisher(ctx, fl)
	if err != nil {
		return err
	}
	defer closePublisher()

	exporter, err := rc.exporter()
	if err != nil {
		return err
	}

	var callbacks []func(result.Snapshot)
	if rc.out.JSONMode() {
		callbacks = append(callbacks, callback.JSONLines(rc.out.w, func(err error) {
			rc.logger.Warn("Failed to write snapshot", zap.Error(err))
		}))
	}
	if publisher != nil {
		callbacks = append(callbacks, publisher.Func(ctx))
	}

	rc.logger.Info("Running flow",
		zap.String("flow", fl.Name()),
		zap.Int("runs", len(paramSets)),
		zap.Int("workers", eng.Limiter().Capacity()))

	reports := eng.RunManyResults(ctx, fl, paramSets, callback.Multi(callbacks...))
	exports, err := rc.finish(ctx, fl, reports, publisher, exporter)
	rc.out.Runs(reports, exports)
	return err
}

func (rc *runCommand) connectPublisher(ctx context.Context, fl *flow.Flow) (*callback.CallbackHandler, func(), error) {
	closeFn := func() {}
	pub := rc.publisher

	if pub == nil && rc.opts.natsURL != "" {
		cfg := natsconn.DefaultConnectionConfig(rc.opts.natsURL)
		cfg.Logger = rc.logger
		conn, err := natsconn.Connect(ctx, cfg)
		if err != nil {
			return nil, closeFn, err
		}
		pub = conn
		closeFn = func() {
			if err := natsconn.Close(conn); err != nil {
				rc.logger.Warn("Failed to close NATS connection", zap.Error(err))
			}
		}
	}
	if pub == nil {
		return nil, closeFn, nil
	}

	handler := callback.NewCallbackHandlerWithConfig(pub, &callback.Config{
		Subject:       rc.opts.natsSubject,
		Flow:          fl.Name(),
		EnableLogging: true,
		Logger:        rc.logger,
	})
	return handler, closeFn, nil
}

func (rc *runCommand) exporter() (*storage.Exporter, error) {
	blobs := rc.blobs
	if blobs == nil && rc.opts.azureConnection != "" {
		client, err := storage.NewAzureBlobClient(rc.opts.azureConnection, rc.opts.azureContainer, rc.logger)
		if err != nil {
			return nil, err
		}
		blobs = client
	}
	if blobs == nil {
		return nil, nil
	}
	return storage.NewExporter(blobs, rc.logger), nil
}

// finish reports, publishes and exports every run. It returns the export URL
// per report index and the joined run failures.
func (rc *runCommand) finish(ctx context.Context, fl *flow.Flow, reports []engine.Report, publisher *callback.CallbackHandler, exporter *storage.Exporter) (map[int]string, error) {
	exports := make(map[int]string, len(reports))
	var errs []error

	for i, rep := range reports {
		logger := rc.logger.With(zap.String("run_id", rep.RunID))

		if rep.Err != nil {
			reportRunFailure(fl.Name(), rep)
			errs = append(errs, fmt.Errorf("run %s: %w", rep.RunID, rep.Err))
		}

		if publisher != nil {
			var err error
			if rep.Err != nil {
				err = publisher.ReportError(ctx, rep.Err)
			} else {
				err = publisher.ReportSuccess(ctx, rep.Results)
			}
			if err != nil {
				logger.Warn("Failed to publish run outcome", zap.Error(err))
			}
		}

		if exporter != nil {
			url, err := exporter.Export(ctx, fl.Name(), rep.RunID, rep.Params, rep.Results, rep.Err)
			if err != nil {
				logger.Error("Failed to export run results", zap.Error(err))
				errs = append(errs, fmt.Errorf("export run %s: %w", rep.RunID, err))
				continue
			}
			exports[i] = url
		}
	}

	return exports, errors.Join(errs...)
}
