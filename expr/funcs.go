package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// functions is the fixed function set of the grammar. Each function receives
// the unevaluated argument nodes so that if() can short-circuit.
var functions = map[string]func(env Env, args []node) (any, error){
	"coalesce":  fnCoalesce,
	"concat":    fnConcat,
	"substring": fnSubstring,
	"trim":      fnTrim,
	"upper":     fnUpper,
	"lower":     fnLower,
	"cast":      fnCast,
	"date_diff": fnDateDiff,
	"if":        fnIf,
}

func evalArgs(env Env, args []node) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func fnCoalesce(env Env, args []node) (any, error) {
	if len(args) == 0 {
		return nil, evalErrorf("coalesce needs at least one argument")
	}
	for _, a := range args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func fnConcat(env Env, args []node) (any, error) {
	vals, err := evalArgs(env, args)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, v := range vals {
		if v == nil {
			continue
		}
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

func concatValues(left, right any) (any, error) {
	if left == nil && right == nil {
		return nil, nil
	}
	var sb strings.Builder
	if left != nil {
		sb.WriteString(stringify(left))
	}
	if right != nil {
		sb.WriteString(stringify(right))
	}
	return sb.String(), nil
}

// fnSubstring is substring(s, start, length) with a 1-based start, SQL style.
func fnSubstring(env Env, args []node) (any, error) {
	if len(args) != 3 {
		return nil, evalErrorf("substring needs 3 arguments, got %d", len(args))
	}
	vals, err := evalArgs(env, args)
	if err != nil {
		return nil, err
	}
	if vals[0] == nil {
		return nil, nil
	}
	s, ok := vals[0].(string)
	if !ok {
		return nil, evalErrorf("substring: first argument must be a string, got %T", vals[0])
	}
	start, ok := vals[1].(int64)
	if !ok {
		return nil, evalErrorf("substring: start must be an integer, got %T", vals[1])
	}
	length, ok := vals[2].(int64)
	if !ok {
		return nil, evalErrorf("substring: length must be an integer, got %T", vals[2])
	}
	runes := []rune(s)
	if start < 1 {
		start = 1
	}
	from := int(start - 1)
	if from >= len(runes) || length <= 0 {
		return "", nil
	}
	to := from + int(length)
	if to > len(runes) {
		to = len(runes)
	}
	return string(runes[from:to]), nil
}

func fnTrim(env Env, args []node) (any, error) {
	return stringFunc("trim", strings.TrimSpace, env, args)
}

func fnUpper(env Env, args []node) (any, error) {
	return stringFunc("upper", strings.ToUpper, env, args)
}

func fnLower(env Env, args []node) (any, error) {
	return stringFunc("lower", strings.ToLower, env, args)
}

func stringFunc(name string, f func(string) string, env Env, args []node) (any, error) {
	if len(args) != 1 {
		return nil, evalErrorf("%s needs 1 argument, got %d", name, len(args))
	}
	v, err := args[0].eval(env)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, evalErrorf("%s: argument must be a string, got %T", name, v)
	}
	return f(s), nil
}

// fnCast is cast(value, 'type') with type one of integer, decimal, text,
// timestamp, boolean.
func fnCast(env Env, args []node) (any, error) {
	if len(args) != 2 {
		return nil, evalErrorf("cast needs 2 arguments, got %d", len(args))
	}
	v, err := args[0].eval(env)
	if err != nil {
		return nil, err
	}
	tn, err := args[1].eval(env)
	if err != nil {
		return nil, err
	}
	typeName, ok := tn.(string)
	if !ok {
		return nil, evalErrorf("cast: type name must be a string literal")
	}
	if v == nil {
		return nil, nil
	}
	switch strings.ToLower(typeName) {
	case "integer", "int":
		return castInteger(v)
	case "decimal", "float":
		return castDecimal(v)
	case "text", "string":
		return stringify(v), nil
	case "timestamp":
		return castTimestamp(v)
	case "boolean", "bool":
		return castBoolean(v)
	}
	return nil, evalErrorf("cast: unknown type %q", typeName)
}

func castInteger(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, evalErrorf("cast: %q is not an integer", t)
		}
		return i, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, evalErrorf("cast: cannot cast %T to integer", v)
}

func castDecimal(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, evalErrorf("cast: %q is not a decimal", t)
		}
		return f, nil
	}
	return nil, evalErrorf("cast: cannot cast %T to decimal", v)
}

func castTimestamp(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts, nil
			}
		}
		return nil, evalErrorf("cast: %q is not a timestamp", t)
	}
	return nil, evalErrorf("cast: cannot cast %T to timestamp", v)
}

func castBoolean(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		switch t {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, evalErrorf("cast: %d is not a boolean", t)
	case string:
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "Y", "TRUE", "1":
			return true, nil
		case "N", "FALSE", "0":
			return false, nil
		}
		return nil, evalErrorf("cast: %q is not a boolean", t)
	}
	return nil, evalErrorf("cast: cannot cast %T to boolean", v)
}

// fnDateDiff is date_diff('unit', a, b) returning a - b in whole units.
// Units: day, hour, minute, second.
func fnDateDiff(env Env, args []node) (any, error) {
	if len(args) != 3 {
		return nil, evalErrorf("date_diff needs 3 arguments, got %d", len(args))
	}
	vals, err := evalArgs(env, args)
	if err != nil {
		return nil, err
	}
	unit, ok := vals[0].(string)
	if !ok {
		return nil, evalErrorf("date_diff: unit must be a string literal")
	}
	if vals[1] == nil || vals[2] == nil {
		return nil, nil
	}
	a, ok := timeValue(vals[1])
	if !ok {
		return nil, evalErrorf("date_diff: second argument must be a timestamp, got %T", vals[1])
	}
	b, ok := timeValue(vals[2])
	if !ok {
		return nil, evalErrorf("date_diff: third argument must be a timestamp, got %T", vals[2])
	}
	d := a.Sub(b)
	switch strings.ToLower(unit) {
	case "day":
		return int64(d.Hours() / 24), nil
	case "hour":
		return int64(d.Hours()), nil
	case "minute":
		return int64(d.Minutes()), nil
	case "second":
		return int64(d.Seconds()), nil
	}
	return nil, evalErrorf("date_diff: unknown unit %q", unit)
}

// fnIf is if(cond, then, else) with short-circuit evaluation.
func fnIf(env Env, args []node) (any, error) {
	if len(args) != 3 {
		return nil, evalErrorf("if needs 3 arguments, got %d", len(args))
	}
	cond, err := args[0].eval(env)
	if err != nil {
		return nil, err
	}
	ok, err := truthy(cond)
	if err != nil {
		return nil, err
	}
	if ok {
		return args[1].eval(env)
	}
	return args[2].eval(env)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case time.Time:
		return t.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}
