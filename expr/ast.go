package expr

import "strings"

type node interface {
	eval(env Env) (any, error)
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(Env) (any, error) { return n.value, nil }

type columnNode struct {
	name string
}

func (n *columnNode) eval(env Env) (any, error) {
	v, ok := env.Lookup(n.name)
	if !ok {
		return nil, evalErrorf("unknown column %q", n.name)
	}
	return v, nil
}

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(env Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case int64:
		return -t, nil
	case float64:
		return -t, nil
	}
	return nil, evalErrorf("cannot negate %T", v)
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(env Env) (any, error) {
	fn, ok := functions[strings.ToLower(n.name)]
	if !ok {
		return nil, evalErrorf("unknown function %q", n.name)
	}
	return fn(env, n.args)
}
