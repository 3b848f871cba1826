package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log/slog"
	"math"
	"strconv"

	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/task"
)

// Interp evaluates numeric expressions inside a static sandbox. The input is
// parsed, the whole tree is checked against an allowlist of node kinds and
// callable names, and only then evaluated. Anything the checker has not
// explicitly admitted is refused before evaluation starts.
type Interp struct {
	maxExprBytes int
	maxDepth     int
	logger       *slog.Logger
}

// NewInterp builds the sandbox with the given input caps.
func NewInterp(maxExprBytes, maxDepth int) *Interp {
	if maxExprBytes <= 0 {
		maxExprBytes = 4096
	}
	if maxDepth <= 0 {
		maxDepth = 32
	}
	return &Interp{
		maxExprBytes: maxExprBytes,
		maxDepth:     maxDepth,
		logger:       log.WithComponent("interp"),
	}
}

type interpPayload struct {
	Expr string             `json:"expr"`
	Vars map[string]float64 `json:"vars,omitempty"`
}

type interpResult struct {
	Value float64 `json:"value"`
}

// allowedFuncs is the fixed entry-point table. Nothing outside it is
// callable, whatever the expression names.
var allowedFuncs = map[string]func(args []float64) (float64, error){
	"sum": func(args []float64) (float64, error) {
		var s float64
		for _, a := range args {
			s += a
		}
		return s, nil
	},
	"mean": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("mean requires at least one argument")
		}
		var s float64
		for _, a := range args {
			s += a
		}
		return s / float64(len(args)), nil
	},
	"min": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("min requires at least one argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			m = math.Min(m, a)
		}
		return m, nil
	},
	"max": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("max requires at least one argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			m = math.Max(m, a)
		}
		return m, nil
	},
	"abs": func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("abs requires exactly one argument")
		}
		return math.Abs(args[0]), nil
	},
	"clamp": func(args []float64) (float64, error) {
		if len(args) != 3 {
			return 0, fmt.Errorf("clamp requires exactly three arguments")
		}
		return math.Min(math.Max(args[0], args[1]), args[2]), nil
	},
}

// Invoke parses, checks, and evaluates the payload expression.
func (ip *Interp) Invoke(ctx context.Context, payload json.RawMessage, mem *memory.Store) task.Outcome {
	var p interpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.HandlerErrorf("invalid payload: %v", err)
	}
	if p.Expr == "" {
		return task.HandlerErrorf("payload missing expr")
	}
	if len(p.Expr) > ip.maxExprBytes {
		return task.SandboxViolationf("expression exceeds %d bytes", ip.maxExprBytes)
	}

	expr, err := parser.ParseExpr(p.Expr)
	if err != nil {
		return task.SandboxViolationf("expression does not parse: %v", err)
	}

	if err := ip.check(expr, p.Vars, 0); err != nil {
		ip.logger.Warn("sandbox refused expression", "error", err)
		return task.SandboxViolationf("%v", err)
	}

	value, err := ip.eval(expr, p.Vars)
	if err != nil {
		return task.HandlerErrorf("evaluation failed: %v", err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return task.HandlerErrorf("evaluation produced a non-finite value")
	}

	result, _ := json.Marshal(interpResult{Value: value})
	return task.Success(result)
}

// check admits a node only if every part of it is on the allowlist. It runs
// to completion before any evaluation happens.
func (ip *Interp) check(node ast.Expr, vars map[string]float64, depth int) error {
	if depth > ip.maxDepth {
		return fmt.Errorf("expression nesting exceeds depth %d", ip.maxDepth)
	}

	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return fmt.Errorf("literal kind %s is not allowed", n.Kind)
		}
		return nil

	case *ast.Ident:
		if _, ok := vars[n.Name]; !ok {
			return fmt.Errorf("unknown identifier %q", n.Name)
		}
		return nil

	case *ast.ParenExpr:
		return ip.check(n.X, vars, depth+1)

	case *ast.UnaryExpr:
		if n.Op != token.SUB && n.Op != token.ADD {
			return fmt.Errorf("unary operator %s is not allowed", n.Op)
		}
		return ip.check(n.X, vars, depth+1)

	case *ast.BinaryExpr:
		switch n.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		default:
			return fmt.Errorf("operator %s is not allowed", n.Op)
		}
		if err := ip.check(n.X, vars, depth+1); err != nil {
			return err
		}
		return ip.check(n.Y, vars, depth+1)

	case *ast.CallExpr:
		fn, ok := n.Fun.(*ast.Ident)
		if !ok {
			return fmt.Errorf("only direct calls to named functions are allowed")
		}
		if _, known := allowedFuncs[fn.Name]; !known {
			return fmt.Errorf("function %q is not callable here", fn.Name)
		}
		for _, arg := range n.Args {
			if err := ip.check(arg, vars, depth+1); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("expression node %T is not allowed", node)
	}
}

func (ip *Interp) eval(node ast.Expr, vars map[string]float64) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return strconv.ParseFloat(n.Value, 64)

	case *ast.Ident:
		return vars[n.Name], nil

	case *ast.ParenExpr:
		return ip.eval(n.X, vars)

	case *ast.UnaryExpr:
		v, err := ip.eval(n.X, vars)
		if err != nil {
			return 0, err
		}
		if n.Op == token.SUB {
			return -v, nil
		}
		return v, nil

	case *ast.BinaryExpr:
		x, err := ip.eval(n.X, vars)
		if err != nil {
			return 0, err
		}
		y, err := ip.eval(n.Y, vars)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return math.Mod(x, y), nil
		}

	case *ast.CallExpr:
		fn := allowedFuncs[n.Fun.(*ast.Ident).Name]
		args := make([]float64, len(n.Args))
		for i, arg := range n.Args {
			v, err := ip.eval(arg, vars)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		return fn(args)
	}
	return 0, fmt.Errorf("unexpected expression node %T", node)
}
