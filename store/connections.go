package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Connection is one registered source or target database. Registration
// itself happens outside the core; the gateway only reads the registry.
type Connection struct {
	ConnRef string
	Dialect string
	DSN     string
	MaxSize int
}

// GetConnection loads a registered connection, or ErrNotFound.
func (g *Gateway) GetConnection(ctx context.Context, connRef string) (*Connection, error) {
	sql := fmt.Sprintf(
		`SELECT conn_ref, dialect, dsn, max_size FROM %s WHERE conn_ref = $1`,
		g.table("connection_def"))
	var c Connection
	err := g.pool.QueryRow(ctx, sql, connRef).Scan(&c.ConnRef, &c.Dialect, &c.DSN, &c.MaxSize)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("connection %s: %w", connRef, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connRef, err)
	}
	return &c, nil
}

// PutConnection registers or updates a connection. Used by seeding tools
// and tests.
func (g *Gateway) PutConnection(ctx context.Context, c *Connection) error {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s (conn_ref, dialect, dsn, max_size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conn_ref) DO UPDATE SET
			dialect = EXCLUDED.dialect, dsn = EXCLUDED.dsn, max_size = EXCLUDED.max_size`,
		g.table("connection_def"))
	if _, err := g.pool.Exec(ctx, sql, c.ConnRef, c.Dialect, c.DSN, c.MaxSize); err != nil {
		return fmt.Errorf("failed to store connection %s: %w", c.ConnRef, err)
	}
	return nil
}
