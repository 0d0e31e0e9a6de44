package reconcile

import (
	"context"
	"sync"

	"mdsync/pkg/logger"
	"mdsync/pkg/market"
	"mdsync/pkg/rest"
)

// BookReconciler shows the latest live order book when there is one and
// the fetched book otherwise. Books are never merged.
type BookReconciler struct {
	fetcher  BookFetcher
	renderer BookRenderer

	mu      sync.Mutex
	tracker tracker
	fetched *market.OrderBook
	live    *market.OrderBook

	wg sync.WaitGroup
}

func NewBook(fetcher BookFetcher, renderer BookRenderer, onStatus StatusFunc) *BookReconciler {
	return &BookReconciler{
		fetcher:  fetcher,
		renderer: renderer,
		tracker:  tracker{onStatus: onStatus},
	}
}

func (r *BookReconciler) Select(ctx context.Context, pair string) {
	r.mu.Lock()
	gen := r.tracker.next(pair)
	r.fetched = nil
	r.live = nil
	r.renderer.RenderBook(nil)
	r.tracker.set(Loading, "")
	r.mu.Unlock()

	r.fetch(ctx, gen, pair)
}

func (r *BookReconciler) Refresh(ctx context.Context) {
	r.mu.Lock()
	pair, gen := r.tracker.pair, r.tracker.gen
	r.mu.Unlock()

	if pair == "" {
		return
	}
	r.fetch(ctx, gen, pair)
}

func (r *BookReconciler) fetch(ctx context.Context, gen uint64, pair string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		book, err := r.fetcher.FetchPointInTime(ctx, pair)
		r.apply(ctx, gen, pair, book, err)
	}()
}

func (r *BookReconciler) apply(ctx context.Context, gen uint64, pair string, book *market.OrderBook, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.tracker.current(gen) {
		logger.Debug(ctx, "discarding book result for previous selection", "pair", pair)
		return
	}

	if err != nil {
		logger.Warn(ctx, "book fetch failed", "pair", pair, "error", err)
		// a live book is already on screen
		if r.live == nil {
			r.tracker.set(Failed, rest.Describe(err))
		}
		return
	}

	r.fetched = book
	if r.live == nil {
		r.renderer.RenderBook(book)
	}
	r.tracker.set(Ready, "")
}

// ApplyLive replaces the shown book. Books for another pair are dropped.
func (r *BookReconciler) ApplyLive(ctx context.Context, pair string, book *market.OrderBook) {
	if book == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pair != r.tracker.pair {
		logger.Debug(ctx, "live book for inactive pair dropped", "pair", pair, "active", r.tracker.pair)
		return
	}

	r.live = book
	r.renderer.RenderBook(book)
	r.tracker.set(Ready, "")
}

// Displayed returns the live book, else the fetched one, else nil.
func (r *BookReconciler) Displayed() *market.OrderBook {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live != nil {
		return r.live
	}
	return r.fetched
}

func (r *BookReconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.status
}

func (r *BookReconciler) Wait() {
	r.wg.Wait()
}
