package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mdsync/pkg/config"
	"mdsync/pkg/feedsim"
	"mdsync/pkg/market"
	"mdsync/pkg/reconcile"
	"mdsync/pkg/stream"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type chart struct {
	mu      sync.Mutex
	points  []market.Candle
	patches int
}

func (c *chart) ReplaceAll(points []market.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = points
}

func (c *chart) PatchOne(point market.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches++
}

func (c *chart) Patches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patches
}

type depth struct {
	mu   sync.Mutex
	last *market.OrderBook
}

func (d *depth) RenderBook(book *market.OrderBook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = book
}

type fixture struct {
	sim   *feedsim.Server
	cfg   *config.Config
	chart *chart
	depth *depth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := feedsim.New()
	ts := httptest.NewServer(sim.Handler())
	t.Cleanup(func() {
		sim.CloseStreams()
		ts.Close()
	})

	sim.SetSeries("X", []market.Candle{{Time: 100, Close: 1}})
	sim.SetSeries("Y", []market.Candle{{Time: 100, Close: 10}, {Time: 160, Close: 11}})
	sim.Seed([]string{"Z"}, 50, time.Minute, 5, time.Unix(3000, 0))
	sim.SetBook("X", &market.OrderBook{Pair: "X"})
	sim.SetBook("Y", &market.OrderBook{Pair: "Y"})

	cfg := config.Default()
	cfg.APIURL = ts.URL
	cfg.WSURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	return &fixture{
		sim:   sim,
		cfg:   cfg,
		chart: &chart{},
		depth: &depth{},
	}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), f.cfg, Renderers{
		Series: f.chart,
		Book:   f.depth,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, func() bool { return s.StreamState() == stream.Open }, 2*time.Second, 5*time.Millisecond)
	return s
}

func (f *fixture) subscribed(t *testing.T, pair string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sim.Subscribers(pair) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOpenRequiresRenderers(t *testing.T) {
	_, err := Open(context.Background(), config.Default(), Renderers{})
	assert.Error(t, err)
}

func TestSelectLoadsHistoryAndBook(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	assert.NotEmpty(t, s.ID)

	require.NoError(t, s.SelectPair(context.Background(), "Y"))
	s.Wait()

	assert.Equal(t, "Y", s.Pair())
	assert.Len(t, s.Series(), 2)
	require.NotNil(t, s.Book())
	assert.Equal(t, "Y", s.Book().Pair)
	assert.Equal(t, reconcile.Ready, s.SeriesStatus().Phase)
	assert.Equal(t, reconcile.Ready, s.BookStatus().Phase)
}

func TestLivePointsReplaceAndAppend(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	s.Wait()
	f.subscribed(t, "X")

	f.sim.PushPoint("X", market.Candle{Time: 100, Close: 5})
	require.Eventually(t, func() bool {
		got := s.Series()
		return len(got) == 1 && got[0].Close == 5
	}, 2*time.Second, 5*time.Millisecond)

	f.sim.PushPoint("X", market.Candle{Time: 160, Close: 6})
	require.Eventually(t, func() bool { return len(s.Series()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.chart.Patches())
}

func TestSwitchMovesSubscriptionAndDropsStrayUpdates(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	s.Wait()
	f.subscribed(t, "X")

	require.NoError(t, s.SelectPair(context.Background(), "Y"))
	s.Wait()
	f.subscribed(t, "Y")
	assert.Equal(t, 0, f.sim.Subscribers("X"))

	f.sim.PushAs("Y", "X", market.Candle{Time: 999, Close: 42})
	f.sim.PushPoint("Y", market.Candle{Time: 160, Close: 12})

	require.Eventually(t, func() bool {
		got := s.Series()
		return len(got) == 2 && got[1].Close == 12
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLateFetchForPreviousPairIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.sim.Delay("/series/X", 150*time.Millisecond)
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	require.NoError(t, s.SelectPair(context.Background(), "Y"))
	s.Wait()

	got := s.Series()
	require.Len(t, got, 2)
	assert.Equal(t, 10.0, got[0].Close)
	assert.Equal(t, "Y", s.SeriesStatus().Pair)
}

func TestHistoryIsCachedAndBooksAreNot(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	for _, pair := range []string{"X", "Y", "X"} {
		require.NoError(t, s.SelectPair(context.Background(), pair))
		s.Wait()
	}

	assert.Equal(t, 1, f.sim.Hits("/series/X"))
	assert.Equal(t, 2, f.sim.Hits("/snapshot/X"))

	s.Invalidate("Y")
	require.NoError(t, s.SelectPair(context.Background(), "Y"))
	s.Wait()
	assert.Equal(t, 2, f.sim.Hits("/series/Y"))
}

func TestRefreshRefetchesAndKeepsLiveBars(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	s.Wait()
	f.subscribed(t, "X")

	f.sim.PushPoint("X", market.Candle{Time: 160, Close: 2})
	f.sim.PushPoint("X", market.Candle{Time: 220, Close: 3})
	require.Eventually(t, func() bool { return len(s.Series()) == 3 }, 2*time.Second, 5*time.Millisecond)

	s.Refresh()
	s.Wait()

	assert.Equal(t, 2, f.sim.Hits("/series/X"))
	assert.Equal(t, 2, f.sim.Hits("/snapshot/X"))
	assert.Len(t, s.Series(), 3)
	assert.Equal(t, reconcile.Ready, s.SeriesStatus().Phase)
}

func TestFailureAfterSwitchClearsChart(t *testing.T) {
	f := newFixture(t)
	f.sim.Fail("/series/Y", http.StatusInternalServerError)
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	s.Wait()
	require.NoError(t, s.SelectPair(context.Background(), "Y"))
	s.Wait()

	assert.Empty(t, s.Series())
	assert.Equal(t, reconcile.Status{Pair: "Y", Phase: reconcile.Failed, Message: "server responded with status 500"}, s.SeriesStatus())
	assert.Equal(t, reconcile.Ready, s.BookStatus().Phase)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	s.Wait()
	f.subscribed(t, "X")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, stream.Closed, s.StreamState())
	require.Eventually(t, func() bool { return f.sim.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.SelectPair(context.Background(), "Y"), ErrClosed)
}

func TestReconnectResubscribes(t *testing.T) {
	f := newFixture(t)
	f.cfg.Reconnect = config.Reconnect{Enabled: true, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	s := f.open(t)

	require.NoError(t, s.SelectPair(context.Background(), "Z"))
	s.Wait()
	f.subscribed(t, "Z")
	assert.Len(t, s.Series(), 5)

	f.sim.CloseStreams()
	require.Eventually(t, func() bool { return f.sim.Subscribers("Z") == 1 && s.StreamState() == stream.Open }, 2*time.Second, 5*time.Millisecond)

	f.sim.PushPoint("Z", market.Candle{Time: 3060, Close: 1})
	require.Eventually(t, func() bool { return len(s.Series()) == 6 }, 2*time.Second, 5*time.Millisecond)
}

// scriptedConn answers every subscribe with one live point for that pair.
type scriptedConn struct {
	inbox chan []byte
	quit  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	pairAtSend map[string]string
	session    func() *Session
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbox:
		return websocket.TextMessage, msg, nil
	case <-c.quit:
		return 0, nil, errors.New("closed")
	}
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	msg := gjson.ParseBytes(data)
	if msg.Get("type").String() != "subscribe" {
		return nil
	}
	id := msg.Get("id").String()

	c.mu.Lock()
	c.pairAtSend[id] = c.session().Pair()
	c.mu.Unlock()

	c.inbox <- []byte(`{"type":"series_point_update","id":"` + id + `","point":{"time":160,"close":7}}`)
	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

func TestFirstLiveUpdateAfterSelectIsKept(t *testing.T) {
	f := newFixture(t)

	var s *Session
	conn := &scriptedConn{
		inbox:      make(chan []byte, 4),
		quit:       make(chan struct{}),
		pairAtSend: map[string]string{},
		session:    func() *Session { return s },
	}
	dial := stream.WithDialer(func(ctx context.Context, url string) (stream.Conn, error) {
		return conn, nil
	})

	var err error
	s, err = Open(context.Background(), f.cfg, Renderers{Series: f.chart, Book: f.depth}, dial)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.Eventually(t, func() bool { return s.StreamState() == stream.Open }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.SelectPair(context.Background(), "X"))
	s.Wait()

	require.Eventually(t, func() bool { return len(s.Series()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 7.0, s.Series()[1].Close)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, "X", conn.pairAtSend["X"])
}
