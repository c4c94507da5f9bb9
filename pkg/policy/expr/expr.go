// Package expr compiles and evaluates policy rule expressions. Two
// dialects are supported: JSONLogic-style operator objects (the wire
// format policies are stored in) and CEL source strings.
package expr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse is returned when a rule fails to compile. Parse errors block
// policy activation at create time.
var ErrParse = errors.New("expr: rule parse error")

// Input is the evaluation environment: the flattened request the policy
// engine exposes to rules.
type Input struct {
	Action   string                 `json:"action"`
	Actor    string                 `json:"actor"`
	Resource map[string]interface{} `json:"resource"`
	Context  map[string]interface{} `json:"context"`
}

func (in Input) vars() map[string]interface{} {
	return map[string]interface{}{
		"action":   in.Action,
		"actor":    in.Actor,
		"resource": in.Resource,
		"context":  in.Context,
	}
}

// Program is a compiled rule. Evaluation must respect ctx cancellation;
// the engine wraps it in a CPU budget.
type Program interface {
	Eval(ctx context.Context, in Input) (bool, error)
}

// ruleEnvelope is the stored rule form: exactly one dialect key, or a bare
// JSONLogic operator object.
type ruleEnvelope struct {
	Logic json.RawMessage `json:"logic"`
	CEL   string          `json:"cel"`
}

// Compile parses a stored rule document into a Program.
func Compile(rule json.RawMessage) (Program, error) {
	if len(rule) == 0 {
		return nil, fmt.Errorf("%w: empty rule", ErrParse)
	}
	var env ruleEnvelope
	if err := json.Unmarshal(rule, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	switch {
	case env.CEL != "":
		return compileCEL(env.CEL)
	case len(env.Logic) > 0:
		return compileLogic(env.Logic)
	default:
		// Bare operator object, e.g. {"==":[{"var":"resource.pool"},"gpus"]}.
		return compileLogic(rule)
	}
}
