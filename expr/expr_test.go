package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEval(t *testing.T, src string, env Env) any {
	t.Helper()
	p, err := Parse(src)
	require.NoError(t, err, "parse %q", src)
	v, err := p.Eval(env)
	require.NoError(t, err, "eval %q", src)
	return v
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"foo(",
		"nosuchfunc(1)",
		"'unterminated",
		"1 2",
		"(1",
		"a ! b",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestEval_Arithmetic(t *testing.T) {
	env := Env{"qty": int64(3), "price": 2.5}

	assert.Equal(t, int64(7), mustEval(t, "1 + 2 * 3", nil))
	assert.Equal(t, int64(2), mustEval(t, "7 % 5", nil))
	assert.Equal(t, 7.5, mustEval(t, "qty * price", env))
	assert.Equal(t, int64(-3), mustEval(t, "-qty", env))
	assert.Equal(t, int64(9), mustEval(t, "(1 + 2) * 3", nil))
}

func TestEval_DivisionByZero(t *testing.T) {
	p, err := Parse("1 / 0")
	require.NoError(t, err)
	_, err = p.Eval(nil)
	assert.Error(t, err)
}

func TestEval_NullPropagation(t *testing.T) {
	env := Env{"a": nil, "b": int64(2)}
	assert.Nil(t, mustEval(t, "a + b", env))
	assert.Nil(t, mustEval(t, "a > b", env))
}

func TestEval_StringOps(t *testing.T) {
	env := Env{"first": "Ada", "last": "Lovelace"}

	assert.Equal(t, "Ada Lovelace", mustEval(t, "first || ' ' || last", env))
	assert.Equal(t, "Ada Lovelace", mustEval(t, "concat(first, ' ', last)", env))
	assert.Equal(t, "ADA", mustEval(t, "upper(first)", env))
	assert.Equal(t, "ada", mustEval(t, "lower(first)", env))
	assert.Equal(t, "Love", mustEval(t, "substring(last, 1, 4)", env))
	assert.Equal(t, "x", mustEval(t, "trim('  x  ')", nil))
	assert.Equal(t, "it's", mustEval(t, "'it''s'", nil))
}

func TestEval_Coalesce(t *testing.T) {
	env := Env{"nick": nil, "name": "Ada"}
	assert.Equal(t, "Ada", mustEval(t, "coalesce(nick, name, 'unknown')", env))
	assert.Nil(t, mustEval(t, "coalesce(nick, null)", env))
}

func TestEval_If(t *testing.T) {
	env := Env{"amount": int64(150)}
	assert.Equal(t, "large", mustEval(t, "if(amount > 100, 'large', 'small')", env))
	assert.Equal(t, "small", mustEval(t, "if(amount > 1000, 'large', 'small')", env))
	// NULL condition selects the else branch.
	assert.Equal(t, "small", mustEval(t, "if(null > 1, 'large', 'small')", env))
}

func TestEval_IfShortCircuit(t *testing.T) {
	// The untaken branch must not be evaluated.
	assert.Equal(t, int64(1), mustEval(t, "if(true, 1, 1/0)", nil))
}

func TestEval_Cast(t *testing.T) {
	assert.Equal(t, int64(42), mustEval(t, "cast('42', 'integer')", nil))
	assert.Equal(t, 4.5, mustEval(t, "cast('4.5', 'decimal')", nil))
	assert.Equal(t, "42", mustEval(t, "cast(42, 'text')", nil))
	assert.Equal(t, true, mustEval(t, "cast('Y', 'boolean')", nil))
	assert.Equal(t, false, mustEval(t, "cast(0, 'boolean')", nil))

	ts := mustEval(t, "cast('2024-03-01T00:00:00Z', 'timestamp')", nil)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ts)

	p, err := Parse("cast('notanumber', 'integer')")
	require.NoError(t, err)
	_, err = p.Eval(nil)
	assert.Error(t, err)
}

func TestEval_DateDiff(t *testing.T) {
	env := Env{
		"shipped": time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		"ordered": time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, int64(9), mustEval(t, "date_diff('day', shipped, ordered)", env))
	assert.Equal(t, int64(216), mustEval(t, "date_diff('hour', shipped, ordered)", env))
}

func TestEval_Comparisons(t *testing.T) {
	env := Env{"a": int64(1), "b": int64(2), "s": "abc"}
	assert.Equal(t, true, mustEval(t, "a < b", env))
	assert.Equal(t, true, mustEval(t, "a != b", env))
	assert.Equal(t, true, mustEval(t, "a <> b", env))
	assert.Equal(t, false, mustEval(t, "a = b", env))
	assert.Equal(t, true, mustEval(t, "s = 'abc'", env))
	assert.Equal(t, true, mustEval(t, "s < 'abd'", env))
}

func TestEval_UnknownColumn(t *testing.T) {
	p, err := Parse("missing + 1")
	require.NoError(t, err)
	_, err = p.Eval(Env{})
	assert.Error(t, err)
}

func TestProgram_Columns(t *testing.T) {
	p, err := Parse("coalesce(Nick, name) || if(amount > 0, name, 'x')")
	require.NoError(t, err)
	assert.Equal(t, []string{"nick", "name", "amount"}, p.Columns())
}

func TestNewEnv_CaseInsensitive(t *testing.T) {
	env := NewEnv([]string{"Txn_ID", "Amount"}, []any{int64(7), 1.5})
	v, ok := env.Lookup("txn_id")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, 1.5, mustEval(t, "AMOUNT", env))
}
