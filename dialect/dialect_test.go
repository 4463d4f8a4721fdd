package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "postgres", want: "postgres"},
		{name: "postgresql", want: "postgres"},
		{name: "", want: "postgres"},
		{name: "mysql", want: "mysql"},
		{name: "mariadb", want: "mysql"},
		{name: "oracle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ByName(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestPostgres_QuoteIdent(t *testing.T) {
	d := Postgres{}
	assert.Equal(t, `"txn_id"`, d.QuoteIdent("txn_id"))
	assert.Equal(t, `"we""ird"`, d.QuoteIdent(`we"ird`))
}

func TestPostgres_Placeholders(t *testing.T) {
	d := Postgres{}
	assert.Equal(t, "$1", d.Placeholder(1))
	assert.Equal(t, "$7", d.Placeholder(7))
}

func TestPostgres_LimitOffset(t *testing.T) {
	d := Postgres{}
	assert.Equal(t, "OFFSET 2000 ROWS FETCH NEXT 1000 ROWS ONLY", d.LimitOffset(2000, 1000))
}

func TestPostgres_UpsertSuffix(t *testing.T) {
	d := Postgres{}

	suffix, err := d.UpsertSuffix("facts", []string{"txn_id"}, []string{"amount", "updated_at"})
	require.NoError(t, err)
	assert.Equal(t,
		`ON CONFLICT ("txn_id") DO UPDATE SET "amount" = EXCLUDED."amount", "updated_at" = EXCLUDED."updated_at"`,
		suffix)

	suffix, err = d.UpsertSuffix("facts", []string{"txn_id"}, nil)
	require.NoError(t, err)
	assert.Equal(t, `ON CONFLICT ("txn_id") DO NOTHING`, suffix)

	_, err = d.UpsertSuffix("facts", nil, []string{"amount"})
	require.Error(t, err)
}

func TestMySQL_QuoteIdent(t *testing.T) {
	d := MySQL{}
	assert.Equal(t, "`txn_id`", d.QuoteIdent("txn_id"))
}

func TestMySQL_LimitOffset(t *testing.T) {
	d := MySQL{}
	assert.Equal(t, "LIMIT 1000 OFFSET 2000", d.LimitOffset(2000, 1000))
}

func TestMySQL_UpsertSuffix(t *testing.T) {
	d := MySQL{}

	suffix, err := d.UpsertSuffix("facts", []string{"txn_id"}, []string{"amount"})
	require.NoError(t, err)
	assert.Equal(t, "ON DUPLICATE KEY UPDATE `amount` = VALUES(`amount`)", suffix)

	suffix, err = d.UpsertSuffix("facts", []string{"txn_id"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ON DUPLICATE KEY UPDATE `txn_id` = `txn_id`", suffix)

	_, err = d.UpsertSuffix("facts", nil, nil)
	require.Error(t, err)
}

func TestSkipLocked(t *testing.T) {
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", Postgres{}.SkipLocked())
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", MySQL{}.SkipLocked())
}
