package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionListQuery(t *testing.T) {
	t.Run("no filter", func(t *testing.T) {
		query, args := decisionListQuery(DecisionFilter{}, 50, 10)
		assert.NotContains(t, query, "WHERE")
		assert.Contains(t, query, "LIMIT $1 OFFSET $2")
		assert.Equal(t, []any{50, 10}, args)
	})

	t.Run("symbol filter is uppercased", func(t *testing.T) {
		query, args := decisionListQuery(DecisionFilter{Symbol: "btc"}, 50, 0)
		assert.Contains(t, query, "WHERE symbol = $1")
		assert.Contains(t, query, "LIMIT $2 OFFSET $3")
		assert.Equal(t, []any{"BTC", 50, 0}, args)
	})

	t.Run("type filter", func(t *testing.T) {
		query, args := decisionListQuery(DecisionFilter{DecisionType: "signal"}, 50, 0)
		assert.Contains(t, query, "WHERE decision_type = $1")
		assert.Equal(t, []any{"signal", 50, 0}, args)
	})

	t.Run("combined filters keep arg order", func(t *testing.T) {
		query, args := decisionListQuery(DecisionFilter{Symbol: "ETH", DecisionType: "skip"}, 20, 40)
		assert.Contains(t, query, "WHERE symbol = $1 AND decision_type = $2")
		assert.Contains(t, query, "LIMIT $3 OFFSET $4")
		require.Len(t, args, 4)
		assert.Equal(t, []any{"ETH", "skip", 20, 40}, args)
	})

	t.Run("bad pagination clamped", func(t *testing.T) {
		_, args := decisionListQuery(DecisionFilter{}, 0, -5)
		assert.Equal(t, []any{100, 0}, args)
	})
}
