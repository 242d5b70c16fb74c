package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionScope() map[string]any {
	return map[string]any{
		"entity": map[string]any{
			"reply_count": 0,
			"rating":      5,
			"name":        "Ada",
		},
		"run":    map[string]any{"company_id": "co-1"},
		"params": map[string]any{"review_rating_threshold": 4},
	}
}

func TestExprEngineEvaluate(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `entity.reply_count == 0`, conditionScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `entity.rating >= params.review_rating_threshold`, conditionScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngineCachesPrograms(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `entity.rating > 3`, conditionScope())
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), `entity.rating > 3`, conditionScope())
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}

func TestExprEngineCompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `entity.rating >`, conditionScope())
	require.Error(t, err)
}

func TestExprEngineEmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", conditionScope())
	require.Error(t, err)
}

func TestCELEngineEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `entity.reply_count == 0`, conditionScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngineMissingScopeDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `!("rating" in entity)`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngineCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `entity.rating >=`, conditionScope())
	require.Error(t, err)
}

func TestGoJQEngineSingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.entity.name`, conditionScope())
	require.NoError(t, err)
	assert.Equal(t, "Ada", out)
}

func TestGoJQEngineNestedProjection(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"entity": map[string]any{
			"address": map[string]any{"city": "Austin"},
		},
	}
	out, err := e.Evaluate(context.Background(), `.entity.address.city`, data)
	require.NoError(t, err)
	assert.Equal(t, "Austin", out)
}

func TestGoJQEngineNoOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.entity.missing // empty`, conditionScope())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngineParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, conditionScope())
	require.Error(t, err)
}
