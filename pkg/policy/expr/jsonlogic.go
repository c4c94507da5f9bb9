package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// logicProgram evaluates a JSONLogic-style operator tree. The supported
// operator set covers the rules the substrate stores: var, ==, !=, >, >=,
// <, <=, !, !!, and, or, if, in, missing, cat, max, min.
type logicProgram struct {
	root interface{}
}

func compileLogic(raw json.RawMessage) (*logicProgram, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := checkNode(root); err != nil {
		return nil, err
	}
	return &logicProgram{root: root}, nil
}

var logicOps = map[string]bool{
	"var": true, "==": true, "!=": true, ">": true, ">=": true,
	"<": true, "<=": true, "!": true, "!!": true, "and": true,
	"or": true, "if": true, "in": true, "missing": true, "cat": true,
	"max": true, "min": true,
}

// checkNode rejects unknown operators at compile time so malformed rules
// block activation instead of failing open at evaluation time.
func checkNode(node interface{}) error {
	switch t := node.(type) {
	case map[string]interface{}:
		if len(t) != 1 {
			return fmt.Errorf("%w: operator object must have exactly one key, got %d", ErrParse, len(t))
		}
		for op, args := range t {
			if !logicOps[op] {
				return fmt.Errorf("%w: unknown operator %q", ErrParse, op)
			}
			if list, ok := args.([]interface{}); ok {
				for _, a := range list {
					if err := checkNode(a); err != nil {
						return err
					}
				}
			}
		}
	case []interface{}:
		for _, el := range t {
			if err := checkNode(el); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *logicProgram) Eval(ctx context.Context, in Input) (bool, error) {
	out, err := evalNode(ctx, p.root, in.vars())
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

func evalNode(ctx context.Context, node interface{}, vars map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, ok := node.(map[string]interface{})
	if !ok {
		return node, nil
	}
	for op, rawArgs := range obj {
		args, _ := rawArgs.([]interface{})
		if args == nil && rawArgs != nil {
			args = []interface{}{rawArgs}
		}
		return applyOp(ctx, op, args, vars)
	}
	return nil, nil
}

func applyOp(ctx context.Context, op string, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	switch op {
	case "var":
		return opVar(ctx, args, vars)
	case "missing":
		return opMissing(ctx, args, vars)
	case "and":
		var last interface{} = true
		for _, a := range args {
			v, err := evalNode(ctx, a, vars)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return v, nil
			}
			last = v
		}
		return last, nil
	case "or":
		var last interface{} = false
		for _, a := range args {
			v, err := evalNode(ctx, a, vars)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return v, nil
			}
			last = v
		}
		return last, nil
	case "if":
		return opIf(ctx, args, vars)
	case "!":
		v, err := evalFirst(ctx, args, vars)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "!!":
		v, err := evalFirst(ctx, args, vars)
		if err != nil {
			return nil, err
		}
		return truthy(v), nil
	case "==", "!=", ">", ">=", "<", "<=":
		return opCompare(ctx, op, args, vars)
	case "in":
		return opIn(ctx, args, vars)
	case "cat":
		var sb strings.Builder
		for _, a := range args {
			v, err := evalNode(ctx, a, vars)
			if err != nil {
				return nil, err
			}
			sb.WriteString(stringify(v))
		}
		return sb.String(), nil
	case "max", "min":
		return opExtremum(ctx, op, args, vars)
	default:
		return nil, fmt.Errorf("expr: unknown operator %q", op)
	}
}

func evalFirst(ctx context.Context, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return evalNode(ctx, args[0], vars)
}

func opVar(ctx context.Context, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return vars, nil
	}
	pathVal, err := evalNode(ctx, args[0], vars)
	if err != nil {
		return nil, err
	}
	path, _ := pathVal.(string)
	v, found := lookup(vars, path)
	if !found && len(args) > 1 {
		return evalNode(ctx, args[1], vars)
	}
	return v, nil
}

func opMissing(ctx context.Context, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	var missing []interface{}
	for _, a := range args {
		v, err := evalNode(ctx, a, vars)
		if err != nil {
			return nil, err
		}
		path := stringify(v)
		if _, found := lookup(vars, path); !found {
			missing = append(missing, path)
		}
	}
	if missing == nil {
		missing = []interface{}{}
	}
	return missing, nil
}

func opIf(ctx context.Context, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	for i := 0; i+1 < len(args); i += 2 {
		cond, err := evalNode(ctx, args[i], vars)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return evalNode(ctx, args[i+1], vars)
		}
	}
	if len(args)%2 == 1 {
		return evalNode(ctx, args[len(args)-1], vars)
	}
	return nil, nil
}

func opCompare(ctx context.Context, op string, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expr: %q needs 2 operands, got %d", op, len(args))
	}
	a, err := evalNode(ctx, args[0], vars)
	if err != nil {
		return nil, err
	}
	b, err := evalNode(ctx, args[1], vars)
	if err != nil {
		return nil, err
	}

	if na, aNum := toNumber(a); aNum {
		if nb, bNum := toNumber(b); bNum {
			switch op {
			case "==":
				return na == nb, nil
			case "!=":
				return na != nb, nil
			case ">":
				return na > nb, nil
			case ">=":
				return na >= nb, nil
			case "<":
				return na < nb, nil
			case "<=":
				return na <= nb, nil
			}
		}
	}
	sa, sb := stringify(a), stringify(b)
	switch op {
	case "==":
		return sa == sb, nil
	case "!=":
		return sa != sb, nil
	case ">":
		return sa > sb, nil
	case ">=":
		return sa >= sb, nil
	case "<":
		return sa < sb, nil
	case "<=":
		return sa <= sb, nil
	}
	return nil, fmt.Errorf("expr: unsupported comparison %q", op)
}

func opIn(ctx context.Context, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expr: \"in\" needs 2 operands, got %d", len(args))
	}
	needle, err := evalNode(ctx, args[0], vars)
	if err != nil {
		return nil, err
	}
	haystack, err := evalNode(ctx, args[1], vars)
	if err != nil {
		return nil, err
	}
	switch h := haystack.(type) {
	case []interface{}:
		for _, el := range h {
			if stringify(el) == stringify(needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(h, stringify(needle)), nil
	default:
		return false, nil
	}
}

func opExtremum(ctx context.Context, op string, args []interface{}, vars map[string]interface{}) (interface{}, error) {
	var best float64
	var have bool
	for _, a := range args {
		v, err := evalNode(ctx, a, vars)
		if err != nil {
			return nil, err
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("expr: %q on non-number %v", op, v)
		}
		if !have || (op == "max" && n > best) || (op == "min" && n < best) {
			best, have = n, true
		}
	}
	if !have {
		return nil, nil
	}
	return best, nil
}

// lookup resolves a dotted path ("resource.pool") against nested maps.
func lookup(vars map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return vars, true
	}
	var cur interface{} = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		n, ok := toNumber(v)
		return ok && n != 0
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
