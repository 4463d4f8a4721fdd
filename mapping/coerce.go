package mapping

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrTypeCoercion marks a value that cannot be coerced to its target
// column's semantic type. Rows failing coercion are recorded with error code
// TYPE_COERCION and processing continues.
var ErrTypeCoercion = errors.New("type coercion failed")

func coercionErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeCoercion, fmt.Sprintf(format, args...))
}

// NormalizeValue folds driver-specific scalar types into the canonical set
// used throughout the processor: nil, int64, float64, string, bool,
// time.Time, []byte.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	}
	return v
}

// Coerce converts a normalized value to the column's semantic type:
//
//	integer   <- integer
//	decimal   <- integer | decimal
//	text      <- any, with length validation when bounded
//	timestamp <- timestamp | ISO-8601 text
//	boolean   <- boolean | integer 0/1 | text "Y"/"N"
//	binary    <- bytes | text
//
// Any other combination fails with ErrTypeCoercion. NULL passes through
// unless the column is required.
func Coerce(v any, c Column) (any, error) {
	v = NormalizeValue(v)
	if v == nil {
		if c.Required {
			return nil, coercionErr("column %s is required but value is NULL", c.TargetColumn)
		}
		return nil, nil
	}

	switch c.TargetType {
	case TypeInteger:
		if i, ok := v.(int64); ok {
			return i, nil
		}
		return nil, coercionErr("column %s: cannot coerce %T to integer", c.TargetColumn, v)

	case TypeDecimal:
		switch t := v.(type) {
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		}
		return nil, coercionErr("column %s: cannot coerce %T to decimal", c.TargetColumn, v)

	case TypeText:
		s := coerceText(v)
		if c.Length > 0 && utf8.RuneCountInString(s) > c.Length {
			return nil, coercionErr("column %s: value of length %d exceeds bound %d",
				c.TargetColumn, utf8.RuneCountInString(s), c.Length)
		}
		return s, nil

	case TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
					return ts, nil
				}
			}
			return nil, coercionErr("column %s: %q is not an ISO-8601 timestamp", c.TargetColumn, t)
		}
		return nil, coercionErr("column %s: cannot coerce %T to timestamp", c.TargetColumn, v)

	case TypeBoolean:
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
			return nil, coercionErr("column %s: integer %d is not a boolean", c.TargetColumn, t)
		case string:
			switch strings.ToUpper(strings.TrimSpace(t)) {
			case "Y":
				return true, nil
			case "N":
				return false, nil
			}
			return nil, coercionErr("column %s: %q is not a boolean", c.TargetColumn, t)
		}
		return nil, coercionErr("column %s: cannot coerce %T to boolean", c.TargetColumn, v)

	case TypeBinary:
		switch t := v.(type) {
		case []byte:
			return t, nil
		case string:
			return []byte(t), nil
		}
		return nil, coercionErr("column %s: cannot coerce %T to binary", c.TargetColumn, v)
	}

	return nil, coercionErr("column %s: unknown target type %q", c.TargetColumn, c.TargetType)
}

func coerceText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
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
