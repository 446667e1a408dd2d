package runtime

import (
	stderrors "errors"
	"iter"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// Registry is the lifecycle manager of one execution context. It
// initializes components at most once, finalizes them in reverse order of
// initialization, and is the single invocation point for nodes.
type Registry struct {
	order   []Component
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, tracer trace.Tracer, metrics *Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{logger: logger, tracer: tracer, metrics: metrics}
}

// Initialize binds ctx to c and runs its Initialize hook. It fails with a
// ConfigurationError if c was already initialized, by this registry or any
// other. c is recorded for finalization once its hook returns, also when the
// hook fails, so that components it initialized itself are finalized after
// it.
func (r *Registry) Initialize(ctx *Context, c Component) error {
	b := c.lifecycle()
	if b.initialized {
		return cerrors.NewConfigurationError(c.URN(), "cannot initialize "+Name(c)+" twice", cerrors.ErrAlreadyInitialized)
	}
	b.ctx = ctx
	b.registry = r
	b.initialized = true

	err := c.Initialize(ctx)
	r.order = append(r.order, c)
	if err != nil {
		r.logger.Debug("component initialization failed",
			zap.String("component", Name(c)),
			zap.Error(err))
		return asConfigurationError(c, err)
	}
	r.logger.Debug("component initialized", zap.String("component", Name(c)))
	return nil
}

// Require initializes c unless this registry already did. It is used for
// components shared between several owners. A component initialized by a
// different registry is rejected.
func (r *Registry) Require(ctx *Context, c Component) error {
	if b := c.lifecycle(); b.initialized && b.registry == r {
		return nil
	}
	return r.Initialize(ctx, c)
}

// IsInitialized reports whether c was initialized by this registry.
func (r *Registry) IsInitialized(c Component) bool {
	b := c.lifecycle()
	return b.initialized && b.registry == r
}

// Finalize runs the Finalize hook of c once. Finalizing a component that was
// never initialized, or was already finalized, does nothing.
func (r *Registry) Finalize(ctx *Context, c Component) error {
	b := c.lifecycle()
	if !b.initialized || b.finalized {
		return nil
	}
	b.finalized = true
	if err := c.Finalize(ctx); err != nil {
		r.logger.Warn("component finalization failed",
			zap.String("component", Name(c)),
			zap.Error(err))
		return err
	}
	r.logger.Debug("component finalized", zap.String("component", Name(c)))
	return nil
}

// FinalizeAll finalizes every recorded component in reverse order of
// initialization. It keeps going past failures and returns them combined.
func (r *Registry) FinalizeAll(ctx *Context) error {
	var errs error
	for _, c := range slices.Backward(r.order) {
		errs = multierr.Append(errs, r.Finalize(ctx, c))
	}
	return errs
}

// Components returns the recorded components in initialization order.
func (r *Registry) Components() []Component {
	return slices.Clone(r.order)
}

// Process forwards m to n. The returned sequence is traced as one span,
// counted in the metrics, and any failure is reported as a ProcessingError
// naming n and the message. Errors that already are ProcessingErrors pass
// through unchanged.
func (r *Registry) Process(ctx *Context, n Node, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		urn := n.URN()
		if !r.IsInitialized(n) {
			yield(nil, cerrors.NewConfigurationError(urn, Name(n)+" used before initialization", cerrors.ErrNotInitialized))
			return
		}

		_, span := r.tracer.Start(ctx.Context(), "process "+TypeName(n),
			trace.WithAttributes(
				attribute.String("cubetl.node.urn", urn),
				attribute.String("cubetl.node.type", TypeName(n)),
			))
		defer span.End()

		start := time.Now()
		emitted := 0
		r.metrics.RecordReceived(urn)
		defer func() {
			r.metrics.RecordDuration(urn, time.Since(start))
			span.SetAttributes(attribute.Int("cubetl.messages.emitted", emitted))
		}()

		for out, err := range n.Process(ctx, m) {
			if err != nil {
				err = asProcessingError(n, m, err)
				r.metrics.RecordError(urn)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(nil, err)
				return
			}
			emitted++
			r.metrics.RecordEmitted(urn)
			if !yield(out, nil) {
				return
			}
		}
	}
}

func asConfigurationError(c Component, err error) error {
	var cfgErr *cerrors.ConfigurationError
	if stderrors.As(err, &cfgErr) {
		return err
	}
	return cerrors.NewConfigurationError(c.URN(), "cannot initialize "+Name(c), err)
}

func asProcessingError(n Node, m *message.Message, err error) error {
	var procErr *cerrors.ProcessingError
	if stderrors.As(err, &procErr) {
		return err
	}
	rendered := ""
	if m != nil {
		rendered = m.String()
	}
	return cerrors.NewProcessingError(n.URN(), rendered, err)
}
