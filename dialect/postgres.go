package dialect

import (
	"fmt"
	"strings"
)

// Postgres implements Dialect for PostgreSQL 12+.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (Postgres) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (Postgres) LimitOffset(offset, limit int64) string {
	return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}

func (p Postgres) UpsertSuffix(table string, keyCols, updateCols []string) (string, error) {
	if len(keyCols) == 0 {
		return "", fmt.Errorf("upsert on %s requires at least one key column", table)
	}
	quotedKeys := make([]string, len(keyCols))
	for i, c := range keyCols {
		quotedKeys[i] = p.QuoteIdent(c)
	}
	if len(updateCols) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", ")), nil
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		q := p.QuoteIdent(c)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(quotedKeys, ", "), strings.Join(sets, ", ")), nil
}

func (Postgres) SkipLocked() string {
	return "FOR UPDATE SKIP LOCKED"
}

func (Postgres) Truncate(table string) string {
	return "TRUNCATE TABLE " + table
}
