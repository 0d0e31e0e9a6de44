// Package session owns one cache, one REST client, one stream connection
// and the two reconcilers for the lifetime of a view.
package session

import (
	"context"
	"errors"
	"sync"

	"mdsync/pkg/config"
	"mdsync/pkg/logger"
	"mdsync/pkg/market"
	"mdsync/pkg/reconcile"
	"mdsync/pkg/rest"
	"mdsync/pkg/stream"
	"mdsync/pkg/ttlcache"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrClosed = errors.New("session closed")

// Renderers are the outputs of a session. Series and Book are required.
type Renderers struct {
	Series         reconcile.SeriesRenderer
	Book           reconcile.BookRenderer
	OnSeriesStatus reconcile.StatusFunc
	OnBookStatus   reconcile.StatusFunc
	OnStreamState  func(stream.State)
}

// streamer is satisfied by both *stream.Client and *stream.Redialer.
type streamer interface {
	Start(ctx context.Context)
	SetActive(id string)
	Active() string
	State() stream.State
	Close() error
}

type Session struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc

	rest   *rest.Client
	stream streamer
	series *reconcile.SeriesReconciler
	book   *reconcile.BookReconciler

	mu     sync.Mutex
	closed bool
}

// Open wires a session from cfg and starts its stream connection. No pair
// is selected until SelectPair is called.
func Open(ctx context.Context, cfg *config.Config, r Renderers, opts ...stream.Option) (*Session, error) {
	if r.Series == nil || r.Book == nil {
		return nil, errors.New("session: series and book renderers are required")
	}

	id := uuid.NewString()
	ctx = logger.WithSession(ctx, id)
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:     id,
		ctx:    ctx,
		cancel: cancel,
	}

	s.rest = rest.New(rest.Options{
		BaseURL:        cfg.APIURL,
		Cache:          ttlcache.New[[]market.Candle](cfg.CacheTTL),
		Timeout:        cfg.RequestTimeout,
		DedupeInFlight: cfg.DedupeInFlight,
	})
	s.series = reconcile.NewSeries(s.rest, r.Series, r.OnSeriesStatus)
	s.book = reconcile.NewBook(s.rest, r.Book, r.OnBookStatus)

	handlers := stream.Handlers{
		OnSeriesPoint: func(pair string, point market.Candle) {
			s.series.ApplyLive(ctx, pair, point)
		},
		OnSnapshot: func(pair string, book *market.OrderBook) {
			s.book.ApplyLive(ctx, pair, book)
		},
		OnState: r.OnStreamState,
	}

	if cfg.Reconnect.Enabled {
		backoff := stream.Backoff{Initial: cfg.Reconnect.InitialBackoff, Max: cfg.Reconnect.MaxBackoff}
		s.stream = stream.NewRedialer(cfg.WSURL, handlers, backoff, opts...)
	} else {
		s.stream = stream.New(cfg.WSURL, handlers, opts...)
	}
	s.stream.Start(ctx)

	logger.Info(ctx, "session opened", "api_url", cfg.APIURL, "ws_url", cfg.WSURL, "reconnect", cfg.Reconnect.Enabled)
	return s, nil
}

// SelectPair switches everything to pair: both reconcilers clear what they
// show and fetch anew, then the stream subscription moves.
func (s *Session) SelectPair(ctx context.Context, pair string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	spanCtx, span := logger.StartSpan(s.ctx, "session.SelectPair", trace.WithAttributes(attribute.String("pair", pair)))
	defer span.End()

	logger.Info(spanCtx, "selecting pair", "pair", pair, "previous", s.stream.Active())

	// reconcilers first, so a live update arriving right after the
	// subscribe already matches their pair
	s.series.Select(spanCtx, pair)
	s.book.Select(spanCtx, pair)
	s.stream.SetActive(pair)
	return nil
}

// Refresh drops the current pair's cached history and re-fetches it along
// with the book.
func (s *Session) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if pair := s.series.Pair(); pair != "" {
		s.rest.Invalidate(pair)
	}
	s.series.Refresh(s.ctx)
	s.book.Refresh(s.ctx)
}

// Invalidate drops the cached history for pair.
func (s *Session) Invalidate(pair string) {
	s.rest.Invalidate(pair)
}

func (s *Session) Pair() string {
	return s.series.Pair()
}

func (s *Session) Series() []market.Candle {
	return s.series.Displayed()
}

func (s *Session) Book() *market.OrderBook {
	return s.book.Displayed()
}

func (s *Session) SeriesStatus() reconcile.Status {
	return s.series.Status()
}

func (s *Session) BookStatus() reconcile.Status {
	return s.book.Status()
}

func (s *Session) StreamState() stream.State {
	return s.stream.State()
}

// Wait blocks until every fetch started so far has been settled.
func (s *Session) Wait() {
	s.series.Wait()
	s.book.Wait()
}

// Close unsubscribes, closes the stream once and waits for in-flight
// fetches. Later calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.stream.Close()
	s.cancel()
	s.Wait()

	logger.Info(s.ctx, "session closed")
	return err
}
