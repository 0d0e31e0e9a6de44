package reconcile

import (
	"context"

	"mdsync/pkg/market"
)

type Phase int

const (
	Idle Phase = iota
	Loading
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Status is what the UI shows next to the data. Message is set only when
// Phase is Failed.
type Status struct {
	Pair    string
	Phase   Phase
	Message string
}

type StatusFunc func(Status)

type SeriesFetcher interface {
	FetchSeries(ctx context.Context, id string) ([]market.Candle, error)
}

type BookFetcher interface {
	FetchPointInTime(ctx context.Context, id string) (*market.OrderBook, error)
}

// SeriesRenderer is the charting surface. ReplaceAll with an empty slice
// means nothing is loaded.
type SeriesRenderer interface {
	ReplaceAll(points []market.Candle)
	PatchOne(point market.Candle)
}

// BookRenderer draws an order book; nil means nothing is loaded.
type BookRenderer interface {
	RenderBook(book *market.OrderBook)
}

// tracker holds the selection token and the last reported status. Callers
// hold the owning reconciler's lock.
type tracker struct {
	pair     string
	gen      uint64
	status   Status
	onStatus StatusFunc
}

func (t *tracker) next(pair string) uint64 {
	t.pair = pair
	t.gen++
	return t.gen
}

func (t *tracker) current(gen uint64) bool {
	return gen == t.gen
}

func (t *tracker) set(phase Phase, message string) {
	s := Status{Pair: t.pair, Phase: phase, Message: message}
	if s == t.status {
		return
	}
	t.status = s
	if t.onStatus != nil {
		t.onStatus(s)
	}
}
