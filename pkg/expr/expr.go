// Package expr implements the sandboxed expression language used by every
// `when` condition in workflows: transitions, rules, action guards and exit
// conditions all evaluate through the single evaluator defined here.
//
// Expressions are parsed with go/parser into a restricted AST: literals,
// identifiers, attribute and index access, boolean operators, comparisons,
// arithmetic, and calls to a fixed allow-list of registered helpers. Anything
// else is rejected at compile time. Evaluation runs against a read-only
// context map and never mutates it; this is a sandboxing requirement, not an
// optimization.
package expr

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var evalLog = logger.New("expr:expr")

// Context is the read-only evaluation context. Top-level keys are the fixed
// roots {event, state, variables, settings, session, task}; values are plain
// maps, slices and scalars.
type Context map[string]any

// Helper is a pure, total function exposed to expressions. Helpers receive
// the evaluation context so predicates like command_contains can inspect the
// current event without the expression passing it explicitly.
type Helper func(ctx Context, args []any) (any, error)

// Program is a compiled expression. Programs are immutable and safe for
// concurrent evaluation.
type Program struct {
	src  string
	root ast.Expr
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Evaluator owns the helper allow-list and a compile cache. A single
// evaluator instance serves all workflows in the daemon.
type Evaluator struct {
	mu      sync.RWMutex
	helpers map[string]Helper

	progMu   sync.RWMutex
	programs map[string]*Program
}

// New creates an evaluator with the built-in pure helpers registered.
func New() *Evaluator {
	e := &Evaluator{
		helpers:  map[string]Helper{},
		programs: map[string]*Program{},
	}
	registerBuiltins(e)
	return e
}

// RegisterHelper adds a helper to the allow-list. Registration fails on
// duplicate or syntactically invalid names.
func (e *Evaluator) RegisterHelper(name string, h Helper) error {
	if !token.IsIdentifier(name) {
		return errkind.New(errkind.InvalidInput, "invalid helper name %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.helpers[name]; exists {
		return errkind.New(errkind.Conflict, "helper %q already registered", name)
	}
	e.helpers[name] = h
	return nil
}

// helper looks up a registered helper by name.
func (e *Evaluator) helper(name string) (Helper, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.helpers[name]
	return h, ok
}

// Compile parses and validates an expression. Parse or validation errors are
// fatal for the workflow that declares the expression.
func Compile(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, errkind.New(errkind.InvalidInput, "empty expression")
	}
	root, err := parser.ParseExpr(trimmed)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, fmt.Sprintf("parse %q", trimmed))
	}
	if err := validate(root); err != nil {
		return nil, err
	}
	return &Program{src: trimmed, root: root}, nil
}

// Program returns a compiled program for src, caching compilations. Repeated
// evaluations of the same expression across pipeline passes skip re-parsing.
func (e *Evaluator) Program(src string) (*Program, error) {
	e.progMu.RLock()
	p, ok := e.programs[src]
	e.progMu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := Compile(src)
	if err != nil {
		return nil, err
	}
	e.progMu.Lock()
	e.programs[src] = p
	e.progMu.Unlock()
	return p, nil
}

// validate walks the AST and rejects any node outside the restricted grammar.
func validate(node ast.Expr) error {
	switch n := node.(type) {
	case *ast.BasicLit:
		switch n.Kind {
		case token.INT, token.FLOAT, token.STRING:
			return nil
		}
		return errkind.New(errkind.InvalidInput, "literal kind %s not allowed", n.Kind)
	case *ast.Ident:
		return nil
	case *ast.ParenExpr:
		return validate(n.X)
	case *ast.UnaryExpr:
		if n.Op != token.NOT && n.Op != token.SUB {
			return errkind.New(errkind.InvalidInput, "unary operator %s not allowed", n.Op)
		}
		return validate(n.X)
	case *ast.BinaryExpr:
		switch n.Op {
		case token.LAND, token.LOR,
			token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ,
			token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		default:
			return errkind.New(errkind.InvalidInput, "operator %s not allowed", n.Op)
		}
		if err := validate(n.X); err != nil {
			return err
		}
		return validate(n.Y)
	case *ast.SelectorExpr:
		return validate(n.X)
	case *ast.IndexExpr:
		if err := validate(n.X); err != nil {
			return err
		}
		return validate(n.Index)
	case *ast.CallExpr:
		if _, ok := n.Fun.(*ast.Ident); !ok {
			return errkind.New(errkind.InvalidInput, "only direct helper calls are allowed")
		}
		for _, arg := range n.Args {
			if err := validate(arg); err != nil {
				return err
			}
		}
		return nil
	default:
		return errkind.New(errkind.InvalidInput, "expression form %T not allowed", node)
	}
}

// Eval evaluates a compiled program against ctx. Runtime failures return an
// EvaluationError; callers evaluating guards treat that as false.
func (e *Evaluator) Eval(p *Program, ctx Context) (any, error) {
	return e.eval(p.root, ctx)
}

// EvalBool evaluates src as a guard. Compile errors propagate (they are fatal
// at workflow load); runtime errors log at warn level and yield false.
func (e *Evaluator) EvalBool(src string, ctx Context) (bool, error) {
	p, err := e.Program(src)
	if err != nil {
		return false, err
	}
	v, err := e.Eval(p, ctx)
	if err != nil {
		evalLog.Printf("warn: expression %q failed: %v", src, err)
		return false, nil
	}
	return Truthy(v), nil
}

func (e *Evaluator) eval(node ast.Expr, ctx Context) (any, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(n)
	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil", "null", "none":
			return nil, nil
		}
		return ctx[n.Name], nil
	case *ast.ParenExpr:
		return e.eval(n.X, ctx)
	case *ast.UnaryExpr:
		v, err := e.eval(n.X, ctx)
		if err != nil {
			return nil, err
		}
		if n.Op == token.NOT {
			return !Truthy(v), nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "cannot negate %T", v)
		}
		return -f, nil
	case *ast.BinaryExpr:
		return e.evalBinary(n, ctx)
	case *ast.SelectorExpr:
		base, err := e.eval(n.X, ctx)
		if err != nil {
			return nil, err
		}
		return attr(base, n.Sel.Name)
	case *ast.IndexExpr:
		base, err := e.eval(n.X, ctx)
		if err != nil {
			return nil, err
		}
		idx, err := e.eval(n.Index, ctx)
		if err != nil {
			return nil, err
		}
		return index(base, idx)
	case *ast.CallExpr:
		name := n.Fun.(*ast.Ident).Name
		h, ok := e.helper(name)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "unknown helper %q", name)
		}
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			v, err := e.eval(a, ctx)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return h(ctx, args)
	}
	return nil, errkind.New(errkind.EvaluationError, "unexpected node %T", node)
}

// evalBinary implements short-circuit boolean operators, comparisons and
// arithmetic.
func (e *Evaluator) evalBinary(n *ast.BinaryExpr, ctx Context) (any, error) {
	// Short-circuit before evaluating the right operand.
	if n.Op == token.LAND || n.Op == token.LOR {
		left, err := e.eval(n.X, ctx)
		if err != nil {
			return nil, err
		}
		lt := Truthy(left)
		if n.Op == token.LAND && !lt {
			return false, nil
		}
		if n.Op == token.LOR && lt {
			return true, nil
		}
		right, err := e.eval(n.Y, ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := e.eval(n.X, ctx)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(n.Y, ctx)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case token.EQL:
		return equal(left, right), nil
	case token.NEQ:
		return !equal(left, right), nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return compare(n.Op, left, right)
	case token.ADD:
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, errkind.New(errkind.EvaluationError, "cannot concatenate string and %T", right)
			}
			return ls + rs, nil
		}
		return arith(n.Op, left, right)
	case token.SUB, token.MUL, token.QUO, token.REM:
		return arith(n.Op, left, right)
	}
	return nil, errkind.New(errkind.EvaluationError, "unexpected operator %s", n.Op)
}

func evalLiteral(lit *ast.BasicLit) (any, error) {
	switch lit.Kind {
	case token.INT:
		i, err := strconv.ParseInt(lit.Value, 0, 64)
		if err != nil {
			return nil, errkind.Wrap(errkind.EvaluationError, err, "integer literal")
		}
		return float64(i), nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return nil, errkind.Wrap(errkind.EvaluationError, err, "float literal")
		}
		return f, nil
	case token.STRING:
		s, err := strconv.Unquote(lit.Value)
		if err != nil {
			return nil, errkind.Wrap(errkind.EvaluationError, err, "string literal")
		}
		return s, nil
	}
	return nil, errkind.New(errkind.EvaluationError, "literal kind %s", lit.Kind)
}

// attr resolves attribute access on maps and on structs exposed as maps.
// Access on nil is a runtime error so guards evaluate to false with a warning.
func attr(base any, name string) (any, error) {
	if base == nil {
		return nil, errkind.New(errkind.EvaluationError, "attribute %q access on nil", name)
	}
	switch m := base.(type) {
	case map[string]any:
		return m[name], nil
	case Context:
		return m[name], nil
	}
	rv := reflect.ValueOf(base)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(name))
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	}
	return nil, errkind.New(errkind.EvaluationError, "attribute %q access on %T", name, base)
}

// index resolves map and slice indexing.
func index(base, idx any) (any, error) {
	if base == nil {
		return nil, errkind.New(errkind.EvaluationError, "index access on nil")
	}
	switch b := base.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "map index must be a string, got %T", idx)
		}
		return b[key], nil
	case []any:
		f, ok := toFloat(idx)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "list index must be a number, got %T", idx)
		}
		i := int(f)
		if i < 0 || i >= len(b) {
			return nil, errkind.New(errkind.EvaluationError, "list index %d out of range (len %d)", i, len(b))
		}
		return b[i], nil
	case string:
		f, ok := toFloat(idx)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "string index must be a number, got %T", idx)
		}
		i := int(f)
		if i < 0 || i >= len(b) {
			return nil, errkind.New(errkind.EvaluationError, "string index %d out of range", i)
		}
		return string(b[i]), nil
	}
	return nil, errkind.New(errkind.EvaluationError, "cannot index %T", base)
}

// Truthy implements the language's truth rules: nil and zero values are
// false, non-empty strings and collections are true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// equal compares two values with numeric normalization.
func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compare(op token.Token, a, b any) (any, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "cannot compare string with %T", b)
		}
		c := strings.Compare(as, bs)
		return cmpResult(op, c), nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, errkind.New(errkind.EvaluationError, "cannot compare %T with %T", a, b)
	}
	switch {
	case af < bf:
		return cmpResult(op, -1), nil
	case af > bf:
		return cmpResult(op, 1), nil
	default:
		return cmpResult(op, 0), nil
	}
}

func cmpResult(op token.Token, c int) bool {
	switch op {
	case token.LSS:
		return c < 0
	case token.LEQ:
		return c <= 0
	case token.GTR:
		return c > 0
	case token.GEQ:
		return c >= 0
	}
	return false
}

func arith(op token.Token, a, b any) (any, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, errkind.New(errkind.EvaluationError, "arithmetic on %T and %T", a, b)
	}
	switch op {
	case token.ADD:
		return af + bf, nil
	case token.SUB:
		return af - bf, nil
	case token.MUL:
		return af * bf, nil
	case token.QUO:
		if bf == 0 {
			return nil, errkind.New(errkind.EvaluationError, "division by zero")
		}
		return af / bf, nil
	case token.REM:
		if bf == 0 {
			return nil, errkind.New(errkind.EvaluationError, "modulo by zero")
		}
		return float64(int64(af) % int64(bf)), nil
	}
	return nil, errkind.New(errkind.EvaluationError, "unexpected arithmetic operator %s", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case uint32:
		return float64(t), true
	}
	return 0, false
}
