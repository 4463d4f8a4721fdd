package executor

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmill/rowmill/retry"
)

func TestClassifyRowError_DataAndIntegrityViolations(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"duplicate key", "23505", CodeDuplicateKey},
		{"foreign key violation", "23503", CodeConstraint},
		{"not null violation", "23502", CodeConstraint},
		{"check violation", "23514", CodeConstraint},
		{"bad text representation", "22P02", CodeTypeCoercion},
		{"numeric overflow", "22003", CodeTypeCoercion},
		{"string too long", "22001", CodeTypeCoercion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := classifyRowError(&pgconn.PgError{Code: tt.code, Message: tt.name})
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.Code)
		})
	}
}

// Faults that are not a property of the row must abort the chunk so the
// retry controller classifies them: a missing table fails the run, a
// deadlock gets retried. Swallowing them as row failures would commit the
// chunk and close the run SUCCESS with every row failed.
func TestClassifyRowError_SystemFaultsAreNotRowFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"missing table", &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}, retry.Permanent},
		{"syntax error", &pgconn.PgError{Code: "42601", Message: "syntax error"}, retry.Permanent},
		{"permission denied", &pgconn.PgError{Code: "42501", Message: "permission denied"}, retry.Permanent},
		{"deadlock", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}, retry.Transient},
		{"serialization failure", &pgconn.PgError{Code: "40001", Message: "could not serialize"}, retry.Transient},
		{"connection failure", &pgconn.PgError{Code: "08006", Message: "connection failure"}, retry.Transient},
		{"driver error", errors.New("conn closed"), retry.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, classifyRowError(tt.err))
			assert.Equal(t, tt.want, retry.Classify(tt.err))
		})
	}
}
