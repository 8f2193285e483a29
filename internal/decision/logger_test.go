package decision

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/database"
)

type stubRepo struct {
	rows      []*database.DecisionLog
	createErr error

	outcomeID int64
	outcome   [2]float64
}

func (r *stubRepo) CreateDecisionLog(ctx context.Context, d *database.DecisionLog) error {
	if r.createErr != nil {
		return r.createErr
	}
	d.ID = int64(len(r.rows) + 1)
	r.rows = append(r.rows, d)
	return nil
}

func (r *stubRepo) UpdateDecisionOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64, closedAt time.Time) error {
	r.outcomeID = decisionID
	r.outcome = [2]float64{pnl, rMultiple}
	return nil
}

func (r *stubRepo) ListDecisionLogs(ctx context.Context, f database.DecisionFilter, limit, offset int) ([]*database.DecisionLog, error) {
	var out []*database.DecisionLog
	for _, d := range r.rows {
		if f.Symbol != "" && d.Symbol != strings.ToUpper(f.Symbol) {
			continue
		}
		if f.DecisionType != "" && d.DecisionType != f.DecisionType {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *stubRepo) GetDecisionStats(ctx context.Context, days int) (*database.DecisionStats, error) {
	return &database.DecisionStats{}, nil
}

func TestLogPersistsAndReturnsID(t *testing.T) {
	repo := &stubRepo{}
	l := NewLogger(repo, zerolog.Nop())

	id := l.LogSignal(context.Background(), Record{
		Symbol:       "BTC",
		Direction:    "long",
		TraderCount:  3,
		AgreementPct: 1.0,
		EffectiveK:   3,
		EVEstimate:   0.76,
		Gates:        []Gate{{Name: "min_traders", Passed: true, Value: 3, Threshold: 3}},
	})
	require.Equal(t, int64(1), id)

	row := repo.rows[0]
	assert.Equal(t, TypeSignal, row.DecisionType)
	assert.Equal(t, "BTC", row.Symbol)
	assert.NotEmpty(t, row.Gates)
	assert.Contains(t, row.Reasoning, "3/3 traders agree")

	t.Run("skip and reject types", func(t *testing.T) {
		l.LogSkip(context.Background(), Record{Symbol: "BTC"})
		assert.Equal(t, TypeSkip, repo.rows[1].DecisionType)
		l.LogRiskReject(context.Background(), Record{Symbol: "BTC"})
		assert.Equal(t, TypeRiskReject, repo.rows[2].DecisionType)
	})
}

func TestLogSurvivesPersistenceOutage(t *testing.T) {
	t.Run("nil repo", func(t *testing.T) {
		l := NewLogger(nil, zerolog.Nop())
		assert.Zero(t, l.LogSignal(context.Background(), Record{Symbol: "BTC"}))
	})

	t.Run("failing repo", func(t *testing.T) {
		l := NewLogger(&stubRepo{createErr: assert.AnError}, zerolog.Nop())
		assert.Zero(t, l.LogSkip(context.Background(), Record{Symbol: "BTC"}))
	})
}

func TestListFilters(t *testing.T) {
	repo := &stubRepo{}
	l := NewLogger(repo, zerolog.Nop())

	l.LogSignal(context.Background(), Record{Symbol: "BTC", Direction: "long"})
	l.LogSkip(context.Background(), Record{Symbol: "BTC"})
	l.LogSignal(context.Background(), Record{Symbol: "ETH", Direction: "short"})

	all, err := l.List(context.Background(), database.DecisionFilter{}, 100, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	t.Run("by symbol", func(t *testing.T) {
		got, err := l.List(context.Background(), database.DecisionFilter{Symbol: "btc"}, 100, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, d := range got {
			assert.Equal(t, "BTC", d.Symbol)
		}
	})

	t.Run("by type", func(t *testing.T) {
		got, err := l.List(context.Background(), database.DecisionFilter{DecisionType: TypeSignal}, 100, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("combined", func(t *testing.T) {
		got, err := l.List(context.Background(), database.DecisionFilter{Symbol: "ETH", DecisionType: TypeSignal}, 100, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ETH", got[0].Symbol)
	})
}

func TestUpdateOutcome(t *testing.T) {
	repo := &stubRepo{}
	l := NewLogger(repo, zerolog.Nop())

	require.NoError(t, l.UpdateOutcome(context.Background(), 7, -60, -1.2))
	assert.Equal(t, int64(7), repo.outcomeID)
	assert.Equal(t, [2]float64{-60, -1.2}, repo.outcome)

	t.Run("zero id is a no-op", func(t *testing.T) {
		require.NoError(t, l.UpdateOutcome(context.Background(), 0, 100, 1))
		assert.Equal(t, int64(7), repo.outcomeID)
	})
}

func TestReasoning(t *testing.T) {
	t.Run("signal", func(t *testing.T) {
		got := Reasoning(Record{
			Type: TypeSignal, Symbol: "BTC", Direction: "long",
			TraderCount: 4, AgreementPct: 0.75, EffectiveK: 2.5, EVEstimate: 0.8,
		})
		assert.Equal(t, "consensus long on BTC: 3/4 traders agree, effective-K 2.50, net EV 0.80R", got)
	})

	t.Run("skip names the failed gates", func(t *testing.T) {
		got := Reasoning(Record{
			Type: TypeSkip, Symbol: "BTC",
			Gates: []Gate{
				{Name: "min_traders", Passed: true},
				{Name: "effective_k", Passed: false, Value: 1.5, Threshold: 2},
			},
		})
		assert.Contains(t, got, "skipped BTC")
		assert.Contains(t, got, "effective_k (1.5 vs 2)")
		assert.NotContains(t, got, "min_traders")
	})

	t.Run("skip with no gates", func(t *testing.T) {
		got := Reasoning(Record{Type: TypeSkip, Symbol: "ETH"})
		assert.Equal(t, "skipped ETH: no qualifying consensus", got)
	})

	t.Run("risk reject quotes the first failing check", func(t *testing.T) {
		got := Reasoning(Record{
			Type: TypeRiskReject, Symbol: "BTC", Direction: "long",
			RiskChecks: []RiskCheck{
				{Name: "kill_switch", Passed: true},
				{Name: "position_size", Passed: false, Reason: "position $1500 exceeds cap"},
			},
		})
		assert.Equal(t, "risk governor blocked long BTC: position $1500 exceeds cap", got)
	})
}
