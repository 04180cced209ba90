package skapi

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter selects listed resources with a CEL expression. The expression sees
// the string variables id, label, created and modified, and extra, a map of
// the remaining fields. It must evaluate to a bool, for example
//
//	label.startsWith("Stores") && extra.rows > 100
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr.
func NewFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("label", cel.StringType),
		cel.Variable("created", cel.StringType),
		cel.Variable("modified", cel.StringType),
		cel.Variable("extra", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// Match evaluates the filter against r.
func (f *Filter) Match(r Resource) (bool, error) {
	extra := r.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	out, _, err := f.prg.Eval(map[string]any{
		"id":       r.ID,
		"label":    r.Label,
		"created":  r.Created,
		"modified": r.Modified,
		"extra":    extra,
	})
	if err != nil {
		return false, fmt.Errorf("filter %q on %s: %w", f.expr, r.ID, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q on %s: result not bool", f.expr, r.ID)
	}
	return val, nil
}

// Apply returns the resources f matches, in order.
func (f *Filter) Apply(items []Resource) ([]Resource, error) {
	out := make([]Resource, 0, len(items))
	for _, r := range items {
		ok, err := f.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
