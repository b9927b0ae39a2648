package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordRouter(t *testing.T) {
	ctx := context.Background()
	targets := []string{"deployer", "reporter"}
	r := NewKeywordRouter(DefaultKeywordRules(targets))

	t.Run("named target wins", func(t *testing.T) {
		route, err := r.Route(ctx, "ask the reporter for last week's summary", targets)
		require.NoError(t, err)
		assert.Equal(t, ActionExecute, route.Action)
		assert.Equal(t, "reporter", route.Target)
		assert.Equal(t, 0.9, route.Confidence)
		assert.Equal(t, "target-reporter", route.MatchedRule)
	})

	t.Run("unmatched input falls back with low confidence", func(t *testing.T) {
		route, err := r.Route(ctx, "do something unspecified", targets)
		require.NoError(t, err)
		assert.Equal(t, ActionExecute, route.Action)
		assert.Equal(t, "deployer", route.Target)
		assert.Equal(t, 0.3, route.Confidence, "low confidence so the evaluator escalates")
	})

	t.Run("no targets means require_human", func(t *testing.T) {
		route, err := r.Route(ctx, "anything", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionRequireHuman, route.Action)
	})

	t.Run("rules for unknown targets are skipped", func(t *testing.T) {
		rules := DefaultKeywordRules([]string{"deployer", "retired"})
		route, err := NewKeywordRouter(rules).Route(ctx, "ping the retired service", []string{"deployer"})
		require.NoError(t, err)
		assert.Equal(t, "deployer", route.Target, "rule target absent from the live set falls through")
	})
}
