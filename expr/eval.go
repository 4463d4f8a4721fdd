package expr

import (
	"time"
)

func (n *binaryNode) eval(env Env) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "||":
		return concatValues(left, right)
	case "+", "-", "*", "/", "%":
		return arithmetic(n.op, left, right)
	case "=", "!=", "<", "<=", ">", ">=":
		return compare(n.op, left, right)
	}
	return nil, evalErrorf("unknown operator %q", n.op)
}

// arithmetic applies numeric operators with int64/float64 promotion.
// NULL operands propagate NULL, SQL style.
func arithmetic(op string, left, right any) (any, error) {
	if left == nil || right == nil {
		return nil, nil
	}
	li, lIsInt := left.(int64)
	ri, rIsInt := right.(int64)
	if lIsInt && rIsInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, evalErrorf("division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, evalErrorf("division by zero")
			}
			return li % ri, nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, evalErrorf("operator %q needs numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, evalErrorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		return nil, evalErrorf("operator %% needs integer operands")
	}
	return nil, evalErrorf("unknown operator %q", op)
}

func compare(op string, left, right any) (any, error) {
	if left == nil || right == nil {
		// NULL compares as NULL; if() treats it as false.
		return nil, nil
	}

	if lt, ok := timeValue(left); ok {
		rt, ok := timeValue(right)
		if !ok {
			return nil, evalErrorf("cannot compare %T with %T", left, right)
		}
		return orderResult(op, compareTimes(lt, rt))
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, evalErrorf("cannot compare %T with %T", left, right)
		}
		switch {
		case ls < rs:
			return orderResult(op, -1)
		case ls > rs:
			return orderResult(op, 1)
		default:
			return orderResult(op, 0)
		}
	}

	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		if !ok {
			return nil, evalErrorf("cannot compare %T with %T", left, right)
		}
		switch op {
		case "=":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return nil, evalErrorf("operator %q not defined for booleans", op)
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, evalErrorf("cannot compare %T with %T", left, right)
	}
	switch {
	case lf < rf:
		return orderResult(op, -1)
	case lf > rf:
		return orderResult(op, 1)
	default:
		return orderResult(op, 0)
	}
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func orderResult(op string, cmp int) (any, error) {
	switch op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, evalErrorf("unknown comparison %q", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
