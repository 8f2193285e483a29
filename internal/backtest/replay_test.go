package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/consensus"
)

type recordingDetector struct {
	clock *Clock
	seen  []consensus.Fill
	// onFill lets a test hook into each delivery.
	onFill func(f consensus.Fill)
}

func (d *recordingDetector) OnFill(ctx context.Context, f consensus.Fill) {
	d.seen = append(d.seen, f)
	if d.onFill != nil {
		d.onFill(f)
	}
}

func fillAt(id string, ts time.Time) consensus.Fill {
	return consensus.Fill{ID: id, Trader: "0xaaa", Asset: "BTC", Size: 1, Price: 50_000, Timestamp: ts}
}

func TestReplayOrdersFills(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(start)
	det := &recordingDetector{clock: clock}
	r := NewReplayer(det, clock, zerolog.Nop())

	// Shuffled input; equal timestamps keep their relative order.
	fills := []consensus.Fill{
		fillAt("c", start.Add(20*time.Second)),
		fillAt("a", start),
		fillAt("b", start.Add(10*time.Second)),
		fillAt("b2", start.Add(10*time.Second)),
	}
	res, err := r.Run(context.Background(), fills)
	require.NoError(t, err)

	assert.Equal(t, 4, res.FillsReplayed)
	assert.Equal(t, start, res.FirstFill)
	assert.Equal(t, start.Add(20*time.Second), res.LastFill)

	ids := make([]string, len(det.seen))
	for i, f := range det.seen {
		ids[i] = f.ID
	}
	assert.Equal(t, []string{"a", "b", "b2", "c"}, ids)

	// The input slice itself is untouched.
	assert.Equal(t, "c", fills[0].ID)
}

func TestReplayClockTracksFills(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(start)
	det := &recordingDetector{clock: clock}
	det.onFill = func(f consensus.Fill) {
		// Each fill observes the clock at its own timestamp.
		assert.Equal(t, f.Timestamp, clock.Now())
	}
	r := NewReplayer(det, clock, zerolog.Nop())

	_, err := r.Run(context.Background(), []consensus.Fill{
		fillAt("a", start.Add(time.Second)),
		fillAt("b", start.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), clock.Now())
}

func TestClockNeverRewinds(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(start)
	c.advance(start.Add(time.Hour))
	c.advance(start.Add(time.Minute))
	assert.Equal(t, start.Add(time.Hour), c.Now())
}

func TestReplayRejectsZeroTimestamps(t *testing.T) {
	clock := NewClock(time.Now())
	r := NewReplayer(&recordingDetector{clock: clock}, clock, zerolog.Nop())

	_, err := r.Run(context.Background(), []consensus.Fill{{ID: "bad"}})
	assert.Error(t, err)
}

func TestReplayEmptyInput(t *testing.T) {
	clock := NewClock(time.Now())
	r := NewReplayer(&recordingDetector{clock: clock}, clock, zerolog.Nop())

	res, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.FillsReplayed)
}

func TestReplayCountsSignals(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(start)
	det := &recordingDetector{clock: clock}
	r := NewReplayer(det, clock, zerolog.Nop())
	det.onFill = func(f consensus.Fill) {
		if f.ID == "b" {
			r.CountSignal()
		}
	}

	res, err := r.Run(context.Background(), []consensus.Fill{
		fillAt("a", start),
		fillAt("b", start.Add(time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Signals)
}

func TestReplayHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := NewClock(time.Now())
	r := NewReplayer(&recordingDetector{clock: clock}, clock, zerolog.Nop())
	_, err := r.Run(ctx, []consensus.Fill{fillAt("a", time.Now())})
	assert.ErrorIs(t, err, context.Canceled)
}
