package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/cubetl/internal/tracing"
	"github.com/wehubfusion/cubetl/pkg/config"
	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/all"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

type runFlags struct {
	print        bool
	otlpEndpoint string
	sentryDSN    string
	runID        string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	r := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, r, args[0])
		},
	}

	f := cmd.Flags()
	f.BoolVar(&r.print, "print", false, "print final messages as JSON lines to stdout")
	f.StringVar(&r.otlpEndpoint, "otlp-endpoint", envOr("CUBETL_OTLP_ENDPOINT", ""), "export traces to this OTLP/HTTP host:port")
	f.StringVar(&r.sentryDSN, "sentry-dsn", envOr("CUBETL_SENTRY_DSN", ""), "report failures to Sentry")
	f.StringVar(&r.runID, "run-id", "", "run id (generated when empty)")
	return cmd
}

func runPipeline(cmd *cobra.Command, g *globalFlags, r *runFlags, path string) (err error) {
	logger, err := g.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	props, err := parseProps(g.props)
	if err != nil {
		return err
	}
	exprCfg, err := g.exprConfig()
	if err != nil {
		return err
	}

	cfg := runtime.DefaultConfig().WithLogger(logger).WithExpr(exprCfg).WithRunID(r.runID)
	for name, v := range props {
		cfg = cfg.WithProp(name, v)
	}

	if r.otlpEndpoint != "" {
		tp, err := tracing.Setup(cmd.Context(), tracing.DefaultConfig(r.otlpEndpoint), logger)
		if err != nil {
			return err
		}
		defer func() { _ = tracing.Shutdown(tp, logger) }()
		cfg = cfg.WithTracer(tp.Tracer("cubetl"))
	}

	if r.sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: r.sentryDSN, Release: version}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	std, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err := runtime.NewContext(std, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ctx.Close())
		if err != nil && r.sentryDSN != "" {
			report(ctx.RunID(), path, err)
		}
		logger.Debug("run metrics", zap.Any("metrics", ctx.Metrics().Snapshot()))
	}()

	def, err := config.LoadFile(path, all.NewFactory())
	if err != nil {
		return err
	}
	if err := def.Apply(ctx); err != nil {
		return err
	}

	var sink func(*message.Message) error
	if r.print {
		enc := json.NewEncoder(cmd.OutOrStdout())
		sink = func(m *message.Message) error { return enc.Encode(m) }
	}
	return runtime.Run(ctx, def.Pipeline, sink)
}

func report(runID, path string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
		scope.SetTag("error_code", cerrors.Code(err))
		scope.SetExtra("pipeline", path)
		sentry.CaptureException(err)
	})
}
