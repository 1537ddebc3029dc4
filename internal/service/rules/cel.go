package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// celCostLimit bounds expression evaluation cost
const celCostLimit = 10000

var celEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create CEL environment: %v", err))
	}
	celEnv = env
}

// NewCELCondition compiles expr into a Custom condition. The expression
// sees the input as `data` and must yield a bool (true is compliant) or a
// number (the score). Compile errors are configuration errors.
func NewCELCondition(name, expr string, inputs []string) (compliance.Custom, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return compliance.Custom{}, errors.NewConfigurationError("INVALID_CEL",
			fmt.Sprintf("condition %q does not compile", name)).WithCause(issues.Err())
	}

	switch ast.OutputType().Kind() {
	case types.BoolKind, types.DoubleKind, types.IntKind, types.UintKind, types.DynKind:
	default:
		return compliance.Custom{}, errors.NewConfigurationError("INVALID_CEL",
			fmt.Sprintf("condition %q yields %s, want bool or number", name, ast.OutputType()))
	}

	prg, err := celEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return compliance.Custom{}, errors.NewConfigurationError("INVALID_CEL",
			fmt.Sprintf("condition %q cannot be planned", name)).WithCause(err)
	}

	fn := func(ctx context.Context, data map[string]interface{}) (float64, error) {
		if data == nil {
			data = map[string]interface{}{}
		}
		out, _, err := prg.ContextEval(ctx, map[string]interface{}{"data": data})
		if err != nil {
			return 0, fmt.Errorf("eval: %w", err)
		}
		switch v := out.Value().(type) {
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		default:
			return 0, fmt.Errorf("result %T is not bool or number", v)
		}
	}

	return compliance.Custom{
		ConditionName: name,
		Inputs:        inputs,
		Fn:            fn,
		Source:        expr,
	}, nil
}
