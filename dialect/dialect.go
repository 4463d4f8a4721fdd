// Package dialect models the SQL differences between supported databases as
// a capability interface. Components that build SQL (the metadata store
// gateway and the chunk processor) are polymorphic over this interface and
// never branch on a dialect tag inline.
package dialect

import "fmt"

// Dialect captures the per-database SQL capabilities the orchestrator needs:
// identifier quoting, parameter placeholders, pagination, upsert syntax, and
// the skip-locked clause used for queue claims.
type Dialect interface {
	// Name returns the dialect identifier ("postgres", "mysql").
	Name() string

	// QuoteIdent quotes a single identifier (table or column name).
	QuoteIdent(ident string) string

	// Placeholder returns the parameter placeholder for the n-th argument
	// (1-based): $1 for postgres, ? for mysql.
	Placeholder(n int) string

	// LimitOffset returns the row-window clause appended to an ordered query.
	LimitOffset(offset, limit int64) string

	// UpsertSuffix returns the clause appended to an INSERT statement to turn
	// it into an upsert keyed on keyCols, updating updateCols on conflict.
	// Returns an error when the dialect cannot express an upsert for the
	// given column sets.
	UpsertSuffix(table string, keyCols, updateCols []string) (string, error)

	// SkipLocked returns the locking clause for atomic queue claims.
	SkipLocked() string

	// Truncate returns the statement that empties a table.
	Truncate(table string) string
}

// ByName returns the dialect registered under the given name.
func ByName(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql", "pgx", "":
		return Postgres{}, nil
	case "mysql", "mariadb":
		return MySQL{}, nil
	}
	return nil, fmt.Errorf("unsupported dialect %q", name)
}
