// Package sql reads rows from PostgreSQL through a shared connection pool.
package sql

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// Rows is the result set of a query.
type Rows interface {
	Next() bool
	Values() ([]any, error)
	FieldDescriptions() []pgconn.FieldDescription
	Err() error
	Close()
}

// Querier runs queries.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

type poolQuerier struct {
	pool *pgxpool.Pool
}

func (q poolQuerier) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return q.pool.Query(ctx, sql, args...)
}

// Connection is a PostgreSQL connection pool shared by the nodes that
// reference it. The pool is created at Initialize and closed at Finalize.
type Connection struct {
	runtime.Base `yaml:",inline"`
	// DSN is a libpq connection string or URL. It may be a template over
	// the context properties.
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`

	pool    *pgxpool.Pool
	querier Querier
}

// NewConnection returns a connection backed by q instead of a pool.
func NewConnection(urn string, q Querier) *Connection {
	c := &Connection{querier: q}
	c.SetURN(urn)
	return c
}

// Initialize creates the pool. Connections are opened on first use.
func (c *Connection) Initialize(ctx *runtime.Context) error {
	if c.querier != nil {
		return nil
	}
	dsn, err := ctx.InterpolateString(c.URN(), c.DSN, nil)
	if err != nil {
		return err
	}
	if dsn == "" {
		return cerrors.Configurationf(c.URN(), "dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return cerrors.NewConfigurationError(c.URN(), "invalid dsn", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx.Context(), cfg)
	if err != nil {
		return cerrors.NewConfigurationError(c.URN(), "failed to create connection pool", err)
	}
	c.pool = pool
	c.querier = poolQuerier{pool: pool}
	ctx.Logger().Debug("sql connection pool ready",
		zap.String("urn", c.URN()),
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database))
	return nil
}

// Finalize closes the pool.
func (c *Connection) Finalize(*runtime.Context) error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// Describe never exposes the DSN, which usually carries credentials.
func (c *Connection) Describe() []runtime.Property {
	return []runtime.Property{{Name: "maxConns", Value: c.MaxConns}}
}

// Query runs sql on the pool.
func (c *Connection) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if c.querier == nil {
		return nil, cerrors.ErrNotInitialized
	}
	return c.querier.Query(ctx, sql, args...)
}

// QueryReader runs Query for each input message and yields one copy of the
// input per row, with a field per result column. Args are positional
// parameters ($1, $2, ...) and may be templates.
type QueryReader struct {
	runtime.Base `yaml:",inline"`
	Connection   string `yaml:"connection"`
	Query        string `yaml:"query"`
	Args         []any  `yaml:"args"`

	conn *Connection
}

// Initialize resolves the connection.
func (r *QueryReader) Initialize(ctx *runtime.Context) error {
	if r.Query == "" {
		return cerrors.Configurationf(r.URN(), "query is required")
	}
	c, ok := ctx.Get(r.Connection)
	if !ok {
		return cerrors.NewConfigurationError(r.URN(), "unknown connection "+r.Connection, cerrors.ErrUnknownReference)
	}
	conn, ok := c.(*Connection)
	if !ok {
		return cerrors.Configurationf(r.URN(), "%s is not a sql connection", runtime.Name(c))
	}
	if err := ctx.Require(conn); err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// Describe returns the query.
func (r *QueryReader) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "connection", Value: r.Connection},
		{Name: "query", Value: r.Query},
		{Name: "args", Value: r.Args},
	}
}

// Process yields one message per row. The result set is closed when the
// consumer stops early.
func (r *QueryReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		query, err := r.InterpolateString(r.Query, m)
		if err != nil {
			yield(nil, err)
			return
		}
		args := make([]any, len(r.Args))
		for i, a := range r.Args {
			if args[i], err = r.InterpolateValue(a, m); err != nil {
				yield(nil, err)
				return
			}
		}

		rows, err := r.conn.Query(ctx.Context(), query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("query failed: %w", err))
			return
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		count := 0
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				yield(nil, fmt.Errorf("could not read row %d: %w", count+1, err))
				return
			}
			out := ctx.CopyMessage(m)
			for i, f := range fields {
				if i < len(values) {
					out.Set(f.Name, normalize(values[i]))
				}
			}
			count++
			if !yield(out, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("query failed after %d rows: %w", count, err))
			return
		}
		ctx.Logger().Debug("query finished", zap.String("urn", r.URN()), zap.Int("rows", count))
	}
}

// normalize converts driver values to the types messages carry.
func normalize(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case map[string]any:
		return message.FromMap(t)
	default:
		return v
	}
}
