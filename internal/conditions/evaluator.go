// Package conditions implements the condition tags that gate workflow steps.
// A tag is judged against a fresh entity snapshot at fire time. Evaluation
// fails open: unknown tags and evaluation errors yield true with a warning,
// because a miswritten condition must never strand a business workflow.
package conditions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/outflowhq/outflow/internal/collab"
	"github.com/outflowhq/outflow/internal/expressions"
)

// Builtin condition tags.
const (
	TagNoReply        = "no_reply"
	TagPositiveReview = "positive_review"
	TagNoReferralUse  = "no_referral_use"
)

// Config parameter keys read by builtin tags. Thresholds stay data-driven so
// each company can tune them per definition.
const (
	ParamReviewRatingThreshold = "review_rating_threshold"
)

const defaultReviewRatingThreshold = 4

// BuiltinFunc judges a builtin tag against a snapshot and definition params.
type BuiltinFunc func(snap collab.EntitySnapshot, params map[string]any) bool

// Evaluator resolves condition tags. Builtin tags are registered functions;
// tags prefixed "expr:" or "cel:" are evaluated by the matching expression
// engine over the {entity, run, params} scope.
type Evaluator struct {
	logger   *slog.Logger
	engines  map[string]expressions.Engine
	builtins map[string]BuiltinFunc
}

// NewEvaluator creates an Evaluator with the builtin tags and both condition
// languages registered.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &Evaluator{
		logger: logger,
		engines: map[string]expressions.Engine{
			"expr": expressions.NewExprEngine(),
			"cel":  celEngine,
		},
		builtins: make(map[string]BuiltinFunc),
	}

	e.Register(TagNoReply, func(snap collab.EntitySnapshot, _ map[string]any) bool {
		return snap.Int("reply_count") == 0
	})
	e.Register(TagPositiveReview, func(snap collab.EntitySnapshot, params map[string]any) bool {
		threshold := paramInt(params, ParamReviewRatingThreshold, defaultReviewRatingThreshold)
		return snap.Int("rating") >= threshold
	})
	e.Register(TagNoReferralUse, func(snap collab.EntitySnapshot, _ map[string]any) bool {
		return snap.Int("referral_use_count") == 0
	})

	return e, nil
}

// Register adds or replaces a builtin tag.
func (e *Evaluator) Register(tag string, fn BuiltinFunc) {
	e.builtins[tag] = fn
}

// Evaluate judges a tag against the snapshot. runMeta carries run metadata
// (id, company_id, entity coordinates) and params the definition's captured
// config. An empty tag is unconditional and returns true.
func (e *Evaluator) Evaluate(ctx context.Context, tag string, snap collab.EntitySnapshot, runMeta map[string]any, params map[string]any) bool {
	if tag == "" {
		return true
	}

	if engineName, expression, ok := splitExpressionTag(tag); ok {
		return e.evaluateExpression(ctx, engineName, expression, snap, runMeta, params)
	}

	fn, ok := e.builtins[tag]
	if !ok {
		e.logger.WarnContext(ctx, "unknown condition tag, failing open",
			slog.String("tag", tag))
		return true
	}
	return fn(snap, params)
}

func (e *Evaluator) evaluateExpression(ctx context.Context, engineName, expression string, snap collab.EntitySnapshot, runMeta, params map[string]any) bool {
	engine, ok := e.engines[engineName]
	if !ok {
		e.logger.WarnContext(ctx, "unknown condition engine, failing open",
			slog.String("engine", engineName))
		return true
	}

	scope := map[string]any{
		"entity": snap.Fields,
		"run":    runMeta,
		"params": params,
	}

	out, err := engine.Evaluate(ctx, expression, scope)
	if err != nil {
		e.logger.WarnContext(ctx, "condition evaluation failed, failing open",
			slog.String("engine", engineName),
			slog.String("expression", expression),
			slog.String("error", err.Error()))
		return true
	}

	result, ok := out.(bool)
	if !ok {
		e.logger.WarnContext(ctx, "condition did not produce a boolean, failing open",
			slog.String("engine", engineName),
			slog.String("expression", expression))
		return true
	}
	return result
}

// splitExpressionTag recognizes "expr:<expression>" and "cel:<expression>".
func splitExpressionTag(tag string) (engine, expression string, ok bool) {
	idx := strings.Index(tag, ":")
	if idx <= 0 {
		return "", "", false
	}
	engine = tag[:idx]
	if engine != "expr" && engine != "cel" {
		return "", "", false
	}
	expression = strings.TrimSpace(tag[idx+1:])
	return engine, expression, expression != ""
}

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
