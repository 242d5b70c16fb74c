// Package expressions provides the expression engines that back custom
// condition tags and template variable projection. Two condition languages
// are supported (Expr and CEL) plus jq for reshaping entity snapshots into
// template variables.
package expressions

import "context"

// Engine evaluates an expression against a data scope.
// Condition expressions see three top-level variables:
//
//	entity: the fresh entity snapshot fields
//	run:    run metadata (id, company_id, entity_id, ...)
//	params: definition config tunables
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
