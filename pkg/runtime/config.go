package runtime

import (
	"maps"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/cubetl/pkg/expr"
)

// TracerName is the instrumentation name used when no tracer is configured.
const TracerName = "cubetl/runtime"

// Config configures an execution context.
type Config struct {
	// RunID identifies the run. Generated when empty.
	RunID string

	// Logger for structured logging (nil for no logging)
	Logger *zap.Logger

	// Tracer creates the per-node spans. Defaults to the global provider.
	Tracer trace.Tracer

	// Expr configures the expression engine.
	Expr expr.Config

	// Props are registered before any ContextProperties component, so they
	// take precedence over properties declared in configuration.
	Props map[string]any
}

// DefaultConfig returns sensible defaults for an execution context.
func DefaultConfig() Config {
	return Config{
		Expr: expr.DefaultConfig(),
	}
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(TracerName)
	}
	c.Expr.ApplyDefaults()
	return c.Expr.Validate()
}

// WithRunID sets the run id.
func (c Config) WithRunID(id string) Config {
	c.RunID = id
	return c
}

// WithLogger sets the logger.
func (c Config) WithLogger(logger *zap.Logger) Config {
	c.Logger = logger
	return c
}

// WithTracer sets the tracer.
func (c Config) WithTracer(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// WithExpr sets the expression engine configuration.
func (c Config) WithExpr(cfg expr.Config) Config {
	c.Expr = cfg
	return c
}

// WithProp adds an initial property.
func (c Config) WithProp(name string, value any) Config {
	props := make(map[string]any, len(c.Props)+1)
	maps.Copy(props, c.Props)
	props[name] = value
	c.Props = props
	return c
}
