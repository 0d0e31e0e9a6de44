package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"mdsync/pkg/market"
	"mdsync/pkg/reconcile"
	"mdsync/pkg/stream"
)

// terminal prints renderer calls as lines of text.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) ReplaceAll(points []market.Candle) {
	if len(points) == 0 {
		t.printf("chart  | loading")
		return
	}
	first, last := points[0], points[len(points)-1]
	t.printf("chart  | %d candles %s .. %s, last close %.4f",
		len(points), stamp(first.Time), stamp(last.Time), last.Close)
}

func (t *terminal) PatchOne(point market.Candle) {
	t.printf("tick   | %s o=%.4f h=%.4f l=%.4f c=%.4f v=%.2f",
		stamp(point.Time), point.Open, point.High, point.Low, point.Close, point.Volume)
}

func (t *terminal) RenderBook(book *market.OrderBook) {
	if book == nil {
		t.printf("book   | loading")
		return
	}

	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		t.printf("book   | %s one-sided (%d asks, %d bids)", book.Pair, len(book.Asks), len(book.Bids))
		return
	}

	spread, _ := book.Spread()
	mid, _ := book.Mid()
	t.printf("book   | %s bid %s x %s  ask %s x %s  spread %s  mid %s",
		book.Pair, bid.Price, bid.Amount, ask.Price, ask.Amount, spread, mid)
}

func (t *terminal) status(name string) reconcile.StatusFunc {
	return func(s reconcile.Status) {
		if s.Phase == reconcile.Failed {
			t.printf("%-6s | %s error: %s", name, s.Pair, s.Message)
			return
		}
		t.printf("%-6s | %s %s", name, s.Pair, s.Phase)
	}
}

func (t *terminal) streamState(s stream.State) {
	t.printf("stream | %s", s)
}

func stamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("01-02 15:04")
}
