package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrInvalidFormula is returned when an expression cannot be compiled, for
// example because of a syntax error or an unknown variable.
var ErrInvalidFormula = errors.New("invalid formula")

var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var unary = map[string]func(float64) float64{
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"sinh":  math.Sinh,
	"cosh":  math.Cosh,
	"tanh":  math.Tanh,
	"sqrt":  math.Sqrt,
	"log":   math.Log,
	"ln":    math.Log,
	"log10": math.Log10,
	"log2":  math.Log2,
	"exp":   math.Exp,
	"abs":   math.Abs,
	"fact":  factorial,
}

func factorial(n float64) float64 {
	if n < 0 || n != math.Trunc(n) {
		return math.NaN()
	}
	return math.Gamma(n + 1)
}

// Program is a compiled expression bound to a fixed set of variable names.
type Program struct {
	source string
	vars   []string
	prog   *vm.Program
}

// Compile parses source for the given variable names.
func Compile(source string, vars []string) (*Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFormula)
	}
	names := append([]string(nil), vars...)
	sort.Strings(names)

	opts := []expr.Option{expr.Env(env(names, nil)), expr.DisableAllBuiltins()}
	for name, fn := range unary {
		opts = append(opts, expr.Function(name, wrapUnary(name, fn)))
	}
	prog, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormula, firstLine(err.Error()))
	}
	return &Program{source: source, vars: names, prog: prog}, nil
}

// Source returns the expression text.
func (p *Program) Source() string { return p.source }

// Eval runs the program with the given values. Variables missing from values
// evaluate as zero.
func (p *Program) Eval(values map[string]float64) (float64, error) {
	out, err := expr.Run(p.prog, env(p.vars, values))
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	return v, nil
}

// Evaluate compiles and runs source in one step.
func Evaluate(source string, values map[string]float64) (float64, error) {
	vars := make([]string, 0, len(values))
	for k := range values {
		vars = append(vars, k)
	}
	p, err := Compile(source, vars)
	if err != nil {
		return 0, err
	}
	return p.Eval(values)
}

// Validate reports whether source compiles against the variable names.
func Validate(source string, vars []string) error {
	_, err := Compile(source, vars)
	return err
}

func env(vars []string, values map[string]float64) map[string]any {
	m := make(map[string]any, len(constants)+len(vars))
	for k, v := range constants {
		m[k] = v
	}
	for _, name := range vars {
		m[name] = values[name]
	}
	return m
}

func wrapUnary(name string, fn func(float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(x), nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("non-numeric value %v (%T)", v, v)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
