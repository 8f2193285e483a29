package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/consensus"
)

// Detector is the replay surface of the consensus pipeline.
type Detector interface {
	OnFill(ctx context.Context, f consensus.Fill)
}

// Result summarizes one replay run.
type Result struct {
	FillsReplayed int       `json:"fills_replayed"`
	Signals       int       `json:"signals"`
	FirstFill     time.Time `json:"first_fill"`
	LastFill      time.Time `json:"last_fill"`
}

// Replayer feeds recorded fills through a detector in timestamp order. The
// detector instance must be built with its clock pinned to the replay
// position so no provider reads ahead of the fill being processed.
type Replayer struct {
	detector Detector
	clock    *Clock
	log      zerolog.Logger

	signals int
}

// Clock is the injectable time source for replayed components. It only
// moves forward.
type Clock struct {
	current time.Time
}

// NewClock starts at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{current: start}
}

// Now returns the replay position.
func (c *Clock) Now() time.Time {
	return c.current
}

// advance moves the clock forward; regressions are ignored so out-of-order
// input cannot rewind time.
func (c *Clock) advance(to time.Time) {
	if to.After(c.current) {
		c.current = to
	}
}

// NewReplayer creates a replayer over a detector and its clock.
func NewReplayer(detector Detector, clock *Clock, logger zerolog.Logger) *Replayer {
	return &Replayer{
		detector: detector,
		clock:    clock,
		log:      logger.With().Str("component", "replayer").Logger(),
	}
}

// CountSignal lets the caller's signal handler report emissions back.
func (r *Replayer) CountSignal() {
	r.signals++
}

// Run replays fills oldest first. The input is sorted defensively; a fill
// with a zero timestamp is rejected because it would poison the clock.
func (r *Replayer) Run(ctx context.Context, fills []consensus.Fill) (*Result, error) {
	if len(fills) == 0 {
		return &Result{}, nil
	}
	for _, f := range fills {
		if f.Timestamp.IsZero() {
			return nil, fmt.Errorf("fill %s has no timestamp", f.ID)
		}
	}

	ordered := make([]consensus.Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	for _, f := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.clock.advance(f.Timestamp)
		r.detector.OnFill(ctx, f)
	}

	res := &Result{
		FillsReplayed: len(ordered),
		Signals:       r.signals,
		FirstFill:     ordered[0].Timestamp,
		LastFill:      ordered[len(ordered)-1].Timestamp,
	}
	r.log.Info().
		Int("fills", res.FillsReplayed).
		Int("signals", res.Signals).
		Msg("replay complete")
	return res, nil
}
