package reconcile

import (
	"context"
	"sync"

	"mdsync/pkg/logger"
	"mdsync/pkg/market"
	"mdsync/pkg/rest"
)

// Outcome says what a live point did to a series.
type Outcome int

const (
	Replaced Outcome = iota
	Appended
	Stale
)

// Merge applies one live point to series: a point with the last element's
// time replaces it, a newer one is appended, an older one is ignored.
// series is modified in place when the point replaces.
func Merge(series []market.Candle, point market.Candle) ([]market.Candle, Outcome) {
	n := len(series)
	if n == 0 || point.Time > series[n-1].Time {
		return append(series, point), Appended
	}
	if point.Time == series[n-1].Time {
		series[n-1] = point
		return series, Replaced
	}
	return series, Stale
}

// extend appends the points of shown that are newer than the last element
// of fresh, so bars streamed since the history was fetched survive a refresh.
func extend(fresh, shown []market.Candle) []market.Candle {
	for _, p := range shown {
		if n := len(fresh); n == 0 || p.Time > fresh[n-1].Time {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// SeriesReconciler merges fetched history with live points for one pair
// at a time and drives a SeriesRenderer.
type SeriesReconciler struct {
	fetcher  SeriesFetcher
	renderer SeriesRenderer

	mu        sync.Mutex
	tracker   tracker
	history   []market.Candle
	loaded    bool
	live      *market.Candle
	displayed []market.Candle

	wg sync.WaitGroup
}

func NewSeries(fetcher SeriesFetcher, renderer SeriesRenderer, onStatus StatusFunc) *SeriesReconciler {
	return &SeriesReconciler{
		fetcher:  fetcher,
		renderer: renderer,
		tracker:  tracker{onStatus: onStatus},
	}
}

// Select switches to pair. Whatever was shown is cleared at once and
// results of earlier fetches are ignored from here on.
func (r *SeriesReconciler) Select(ctx context.Context, pair string) {
	r.mu.Lock()
	gen := r.tracker.next(pair)
	r.history = nil
	r.loaded = false
	r.live = nil
	r.displayed = nil
	r.renderer.ReplaceAll(nil)
	r.tracker.set(Loading, "")
	r.mu.Unlock()

	r.fetch(ctx, gen, pair)
}

// Refresh re-fetches the current pair without clearing it. Streamed bars
// newer than the fetched history are kept. On failure the displayed series
// stays as it was.
func (r *SeriesReconciler) Refresh(ctx context.Context) {
	r.mu.Lock()
	pair, gen := r.tracker.pair, r.tracker.gen
	r.mu.Unlock()

	if pair == "" {
		return
	}
	r.fetch(ctx, gen, pair)
}

func (r *SeriesReconciler) fetch(ctx context.Context, gen uint64, pair string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		candles, err := r.fetcher.FetchSeries(ctx, pair)
		r.apply(ctx, gen, pair, candles, err)
	}()
}

func (r *SeriesReconciler) apply(ctx context.Context, gen uint64, pair string, candles []market.Candle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.tracker.current(gen) {
		logger.Debug(ctx, "discarding series result for previous selection", "pair", pair)
		return
	}

	if err != nil {
		logger.Warn(ctx, "series fetch failed", "pair", pair, "error", err)
		r.tracker.set(Failed, rest.Describe(err))
		return
	}

	// the fetched slice may be shared with the cache
	r.history = candles
	r.loaded = true
	r.displayed = extend(append(make([]market.Candle, 0, len(candles)+len(r.displayed)+1), candles...), r.displayed)
	if r.live != nil {
		r.displayed, _ = Merge(r.displayed, *r.live)
	}

	r.renderer.ReplaceAll(r.snapshot())
	r.tracker.set(Ready, "")
}

// ApplyLive merges a streamed point. Points for another pair are dropped.
func (r *SeriesReconciler) ApplyLive(ctx context.Context, pair string, point market.Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pair != r.tracker.pair {
		logger.Debug(ctx, "live point for inactive pair dropped", "pair", pair, "active", r.tracker.pair)
		return
	}

	if !r.loaded {
		if r.live == nil || point.Time >= r.live.Time {
			p := point
			r.live = &p
		}
		return
	}

	var outcome Outcome
	r.displayed, outcome = Merge(r.displayed, point)
	if outcome == Stale {
		logger.Debug(ctx, "stale live point dropped", "pair", pair, "time", point.Time)
		return
	}

	p := point
	r.live = &p
	r.renderer.PatchOne(point)
}

func (r *SeriesReconciler) snapshot() []market.Candle {
	return append([]market.Candle(nil), r.displayed...)
}

// Displayed returns a copy of what the renderer currently shows.
func (r *SeriesReconciler) Displayed() []market.Candle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *SeriesReconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.status
}

func (r *SeriesReconciler) Pair() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.pair
}

// Wait blocks until every fetch started so far has been applied or discarded.
func (r *SeriesReconciler) Wait() {
	r.wg.Wait()
}
