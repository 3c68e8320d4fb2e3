package expressions

import "context"

// Engine evaluates prefixed expressions within workflow steps.
// Three implementations: CEL (conditions), Expr (logic), GoJQ (transforms).
// The default $-token Evaluator handles everything unprefixed.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
