package dialect

import (
	"fmt"
	"strings"
)

// MySQL implements Dialect for MySQL 8 / MariaDB 10.6+.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) QuoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQL) Placeholder(n int) string {
	return "?"
}

func (MySQL) LimitOffset(offset, limit int64) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (m MySQL) UpsertSuffix(table string, keyCols, updateCols []string) (string, error) {
	// MySQL upserts key on any unique index, so the key columns only need to
	// exist; they are not named in the clause.
	if len(keyCols) == 0 {
		return "", fmt.Errorf("upsert on %s requires at least one key column", table)
	}
	if len(updateCols) == 0 {
		// Degenerate upsert: touch a key column to make the statement a no-op
		// on duplicates.
		q := m.QuoteIdent(keyCols[0])
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", q, q), nil
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		q := m.QuoteIdent(c)
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", q, q)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "), nil
}

func (MySQL) SkipLocked() string {
	return "FOR UPDATE SKIP LOCKED"
}

func (MySQL) Truncate(table string) string {
	return "TRUNCATE TABLE " + table
}
