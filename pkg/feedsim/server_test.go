package feedsim

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mdsync/pkg/market"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseStreams()
		ts.Close()
	})
	return s, ts
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSeriesAndSnapshotRoutes(t *testing.T) {
	s, ts := startServer(t)
	s.SetSeries("BTCUSDT", []market.Candle{{Time: 60, Close: 1}, {Time: 120, Close: 2}})
	s.Seed([]string{"ETHUSDT"}, 2000, time.Minute, 10, time.Unix(6000, 0))

	status, body := get(t, ts.URL+"/series/BTCUSDT")
	require.Equal(t, http.StatusOK, status)
	candles, err := market.ParseCandles(body)
	require.NoError(t, err)
	assert.Len(t, candles, 2)

	status, body = get(t, ts.URL+"/series/ETHUSDT")
	require.Equal(t, http.StatusOK, status)
	candles, err = market.ParseCandles(body)
	require.NoError(t, err)
	require.Len(t, candles, 10)
	assert.Equal(t, int64(6000), candles[9].Time)

	status, body = get(t, ts.URL+"/snapshot/ETHUSDT")
	require.Equal(t, http.StatusOK, status)
	book, err := market.ParseOrderBookBytes(body)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", book.Pair)
	assert.Len(t, book.Asks, 5)
	spread, ok := book.Spread()
	require.True(t, ok)
	assert.True(t, spread.IsPositive())

	status, _ = get(t, ts.URL+"/snapshot/NOPE")
	assert.Equal(t, http.StatusNotFound, status)

	assert.Equal(t, 1, s.Hits("/series/BTCUSDT"))
}

func TestProgrammedFailure(t *testing.T) {
	s, ts := startServer(t)
	s.SetSeries("X", []market.Candle{{Time: 1, Close: 1}})

	s.Fail("/series/X", http.StatusServiceUnavailable)
	status, body := get(t, ts.URL+"/series/X")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Service Unavailable", string(body))

	s.Fail("/series/X", 0)
	status, _ = get(t, ts.URL+"/series/X")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, s.Hits("/series/X"))
}

func TestDelay(t *testing.T) {
	s, ts := startServer(t)
	s.SetSeries("X", []market.Candle{{Time: 1, Close: 1}})
	s.Delay("/series/X", 50*time.Millisecond)

	start := time.Now()
	status, _ := get(t, ts.URL+"/series/X")
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func subscribe(t *testing.T, conn *websocket.Conn, kind, id string) {
	t.Helper()
	msg, _ := json.Marshal(map[string]string{"type": kind, "id": id, "stream": "all"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func read(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(msg)
}

func TestPushReachesSubscribersOnly(t *testing.T) {
	s, ts := startServer(t)
	conn := dial(t, ts)

	subscribe(t, conn, "subscribe", "A")
	require.Eventually(t, func() bool { return s.Subscribers("A") == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, s.PushPoint("B", market.Candle{Time: 1, Close: 1}))
	assert.Equal(t, 1, s.PushPoint("A", market.Candle{Time: 2, Close: 3}))

	frame := read(t, conn)
	assert.Equal(t, "series_point_update", frame.Get("type").String())
	assert.Equal(t, "A", frame.Get("id").String())
	assert.Equal(t, 3.0, frame.Get("point.close").Float())

	book := &market.OrderBook{Pair: "A"}
	assert.Equal(t, 1, s.PushBook("A", book))
	frame = read(t, conn)
	assert.Equal(t, "snapshot_update", frame.Get("type").String())
	assert.Equal(t, "A", frame.Get("data.pair").String())

	subscribe(t, conn, "unsubscribe", "A")
	require.Eventually(t, func() bool { return s.Subscribers("A") == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.PushPoint("A", market.Candle{Time: 3, Close: 1}))
}

func TestUnknownCommandGetsErrorFrame(t *testing.T) {
	s, ts := startServer(t)
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, time.Millisecond)

	subscribe(t, conn, "ping", "A")
	frame := read(t, conn)
	assert.Equal(t, "error", frame.Get("type").String())

	assert.Equal(t, 1, s.PushError("maintenance"))
	frame = read(t, conn)
	assert.Equal(t, "maintenance", frame.Get("message").String())
}

func TestCloseStreamsDisconnects(t *testing.T) {
	s, ts := startServer(t)
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, time.Millisecond)

	s.CloseStreams()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, 0, s.Clients())
}

func TestSimulateUpdatesSubscribedPairs(t *testing.T) {
	s, ts := startServer(t)
	s.Seed([]string{"A", "B"}, 100, time.Minute, 3, time.Now())
	conn := dial(t, ts)
	subscribe(t, conn, "subscribe", "A")
	require.Eventually(t, func() bool { return s.Subscribers("A") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Simulate(ctx, 10*time.Millisecond, time.Minute)

	point := read(t, conn)
	assert.Equal(t, "series_point_update", point.Get("type").String())
	assert.Equal(t, "A", point.Get("id").String())
	book := read(t, conn)
	assert.Equal(t, "snapshot_update", book.Get("type").String())
}

func TestServeStopsOnCancel(t *testing.T) {
	s := New()
	s.SetSeries("X", []market.Candle{{Time: 1, Close: 1}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	status, _ := get(t, "http://"+ln.Addr().String()+"/series/X")
	assert.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
