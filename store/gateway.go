// Package store is the metadata store gateway: typed access to the request
// queue, run logs, row errors, schedules, and mapping definitions.
//
// All SQL lives here. The gateway is constructed with an explicit schema
// name and a dialect; table references are qualified at query-build time, no
// ambient state is consulted.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/dialect"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrConcurrentTransition is returned by Transition when the request is
	// no longer in the expected status. Callers treat it as "someone else
	// owns this" and do not retry.
	ErrConcurrentTransition = errors.New("request not in expected status")

	// ErrNotClaimOwner is returned by Heartbeat when the caller no longer
	// holds the claim, or the lease has already expired.
	ErrNotClaimOwner = errors.New("caller does not hold the claim")

	// ErrRunConflict is returned by OpenRun when the mapping already has a
	// non-terminal run.
	ErrRunConflict = errors.New("mapping already has a run in progress")

	// ErrNotFound is returned by lookups for a missing row.
	ErrNotFound = errors.New("not found")
)

// Gateway provides typed access to the metadata tables.
type Gateway struct {
	pool    *pgxpool.Pool
	schema  string
	dialect dialect.Dialect
	log     *logrus.Logger
}

// NewGateway connects to the metadata store. The schema is passed explicitly
// and applied to every table reference.
func NewGateway(ctx context.Context, dsn, schema string, log *logrus.Logger) (*Gateway, error) {
	if log == nil {
		log = common.Logger
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping metadata store: %w", err)
	}
	return &Gateway{
		pool:    pool,
		schema:  schema,
		dialect: dialect.Postgres{},
		log:     log,
	}, nil
}

// Close closes the underlying pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// Pool exposes the underlying pool for advanced callers (tests, migrations).
func (g *Gateway) Pool() *pgxpool.Pool {
	return g.pool
}

// table returns the dialect-quoted, schema-qualified table reference.
func (g *Gateway) table(name string) string {
	if g.schema == "" {
		return g.dialect.QuoteIdent(name)
	}
	return g.dialect.QuoteIdent(g.schema) + "." + g.dialect.QuoteIdent(name)
}

// EnsureSchema creates the schema and all metadata tables if they do not
// exist. Safe to call on every startup.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	ddl := schemaSQL
	if g.schema != "" {
		create := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;\n", g.dialect.QuoteIdent(g.schema))
		ddl = create + strings.ReplaceAll(ddl, "{{schema}}.", g.dialect.QuoteIdent(g.schema)+".")
	} else {
		ddl = strings.ReplaceAll(ddl, "{{schema}}.", "")
	}
	if _, err := g.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to apply metadata schema: %w", err)
	}
	return nil
}

// now is indirected for tests.
var now = time.Now
