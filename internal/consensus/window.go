package consensus

import (
	"sync"
	"time"
)

// AdaptiveWindowSeconds maps an ATR percentile in [0,1] to a window
// duration: 2, 4 or 6 minutes for low, medium or high volatility, clamped
// to [60, 360] seconds.
func AdaptiveWindowSeconds(atrPercentile float64) int {
	var secs int
	switch {
	case atrPercentile < 1.0/3:
		secs = 120
	case atrPercentile < 2.0/3:
		secs = 240
	default:
		secs = 360
	}
	if secs < 60 {
		secs = 60
	}
	if secs > 360 {
		secs = 360
	}
	return secs
}

// Window is one asset's sliding fill buffer.
type Window struct {
	Asset     string
	Fills     []Fill
	CreatedAt time.Time
	Duration  time.Duration
}

// Expired reports whether the window has outlived its duration.
func (w *Window) Expired(now time.Time) bool {
	return now.Sub(w.CreatedAt) > w.Duration
}

// windowSet owns the per-asset windows. Fill ingestion per asset is
// serialized under the set lock; the critical sections are pure memory.
type windowSet struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

func newWindowSet(now func() time.Time) *windowSet {
	return &windowSet{
		windows: make(map[string]*Window),
		now:     now,
	}
}

// add appends a fill, opening a fresh window when none exists or the
// current one has expired. Returns a snapshot of the window's fills.
func (s *windowSet) add(f Fill, duration time.Duration) []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[f.Asset]
	if !ok || w.Expired(now) {
		w = &Window{Asset: f.Asset, CreatedAt: now, Duration: duration}
		s.windows[f.Asset] = w
	}
	w.Fills = append(w.Fills, f)

	snapshot := make([]Fill, len(w.Fills))
	copy(snapshot, w.Fills)
	return snapshot
}

// snapshot returns the live window's fills, or nil when none is active.
func (s *windowSet) snapshot(asset string) ([]Fill, *Window) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[asset]
	if !ok || w.Expired(s.now()) {
		return nil, nil
	}
	fills := make([]Fill, len(w.Fills))
	copy(fills, w.Fills)
	return fills, w
}

// clear drops the asset's window, typically on signal emission.
func (s *windowSet) clear(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, asset)
}
