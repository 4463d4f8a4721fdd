// Package pool manages one named connection pool per registered database.
// Pools are created lazily on the first acquire and capped at the size
// registered with the connection. Source and target pools are independent
// even when they point at the same physical database.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/dialect"
	"github.com/rowmill/rowmill/store"
)

// ConnectionSource resolves connection references to registered databases.
// The metadata store gateway implements it.
type ConnectionSource interface {
	GetConnection(ctx context.Context, connRef string) (*store.Connection, error)
}

// Handle is a borrowed connection. Release must be called on all exit
// paths.
type Handle struct {
	*pgxpool.Conn
	Dialect dialect.Dialect
}

// Manager lends short-lived connections to workers.
type Manager struct {
	source ConnectionSource
	log    *logrus.Logger

	mu    sync.Mutex
	pools map[string]*entry
}

type entry struct {
	pool    *pgxpool.Pool
	dialect dialect.Dialect
}

// NewManager creates an empty manager. No connections are opened until the
// first Acquire.
func NewManager(source ConnectionSource, log *logrus.Logger) *Manager {
	if log == nil {
		log = common.Logger
	}
	return &Manager{
		source: source,
		log:    log,
		pools:  map[string]*entry{},
	}
}

// Acquire borrows a connection from the pool named by connRef, blocking up
// to timeout for a free slot. Idle connections are health-checked by the
// pool before lending.
func (m *Manager) Acquire(ctx context.Context, connRef string, timeout time.Duration) (*Handle, error) {
	e, err := m.lookup(ctx, connRef)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection from pool %s: %w", connRef, err)
	}
	return &Handle{Conn: conn, Dialect: e.dialect}, nil
}

// Dialect returns the dialect registered for a connection without borrowing
// from its pool.
func (m *Manager) Dialect(ctx context.Context, connRef string) (dialect.Dialect, error) {
	e, err := m.lookup(ctx, connRef)
	if err != nil {
		return nil, err
	}
	return e.dialect, nil
}

func (m *Manager) lookup(ctx context.Context, connRef string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pools[connRef]; ok {
		return e, nil
	}

	conn, err := m.source.GetConnection(ctx, connRef)
	if err != nil {
		return nil, err
	}
	d, err := dialect.ByName(conn.Dialect)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", connRef, err)
	}

	cfg, err := pgxpool.ParseConfig(conn.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN of connection %s: %w", connRef, err)
	}
	if conn.MaxSize > 0 {
		cfg.MaxConns = int32(conn.MaxSize)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for connection %s: %w", connRef, err)
	}
	m.log.WithField("conn_ref", connRef).WithField("max_size", cfg.MaxConns).Info("pool.open")

	e := &entry{pool: p, dialect: d}
	m.pools[connRef] = e
	return e, nil
}

// Close closes all pools. In-flight handles drain first.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, e := range m.pools {
		e.pool.Close()
		delete(m.pools, ref)
	}
}
