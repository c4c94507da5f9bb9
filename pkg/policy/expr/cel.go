package expr

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celEnv is shared by all CEL programs: the standard attributes every
// policy sees.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("expr: cel environment: %v", err))
	}
	return env
}()

type celProgram struct {
	prg cel.Program
}

func compileCEL(source string) (*celProgram, error) {
	ast, issues := celEnv.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, issues.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &celProgram{prg: prg}, nil
}

func (p *celProgram) Eval(ctx context.Context, in Input) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	resource := in.Resource
	if resource == nil {
		resource = map[string]interface{}{}
	}
	reqContext := in.Context
	if reqContext == nil {
		reqContext = map[string]interface{}{}
	}
	out, _, err := p.prg.ContextEval(ctx, map[string]interface{}{
		"action":   in.Action,
		"actor":    in.Actor,
		"resource": resource,
		"context":  reqContext,
	})
	if err != nil {
		return false, fmt.Errorf("expr: cel evaluation: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expr: cel rule returned %T, want bool", out.Value())
	}
	return matched, nil
}
