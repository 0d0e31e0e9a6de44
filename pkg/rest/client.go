package rest

import (
	"context"
	"net/url"
	"strings"
	"time"

	"mdsync/pkg/logger"
	"mdsync/pkg/market"
	"mdsync/pkg/ttlcache"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"
)

const seriesKeyPrefix = "series:"

// Options configures a Client. Cache may be nil, in which case an unbounded
// one is created.
type Options struct {
	BaseURL        string
	Cache          *ttlcache.Cache[[]market.Candle]
	Timeout        time.Duration
	DedupeInFlight bool
	HTTPClient     *fasthttp.Client
}

// Client fetches historical series (memoized) and point-in-time order book
// snapshots (never memoized).
type Client struct {
	baseURL string
	http    *fasthttp.Client
	cache   *ttlcache.Cache[[]market.Candle]
	timeout time.Duration

	dedupe bool
	group  singleflight.Group
}

func New(opts Options) *Client {
	cache := opts.Cache
	if cache == nil {
		cache = ttlcache.New[[]market.Candle](0)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &fasthttp.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		cache:   cache,
		timeout: opts.Timeout,
		dedupe:  opts.DedupeInFlight,
	}
}

func SeriesKey(id string) string {
	return seriesKeyPrefix + id
}

// FetchSeries returns the candle history for id, from cache when present.
// The returned slice is shared with the cache and must not be modified.
func (c *Client) FetchSeries(ctx context.Context, id string) ([]market.Candle, error) {
	ctx, span := logger.StartSpan(ctx, "rest.FetchSeries")
	defer span.End()

	key := SeriesKey(id)
	if candles, ok := c.cache.Get(key); ok {
		logger.Debug(ctx, "series cache hit", "id", id, "count", len(candles))
		return candles, nil
	}

	if !c.dedupe {
		return c.loadSeries(ctx, id)
	}

	// the shared request must outlive any single caller's cancellation
	ch := c.group.DoChan(key, func() (any, error) {
		return c.loadSeries(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logger.Debug(ctx, "series fetch shared with in-flight request", "id", id)
		}
		return res.Val.([]market.Candle), nil
	case <-ctx.Done():
		return nil, &TransportError{URL: c.endpoint("series", id), Err: ctx.Err()}
	}
}

func (c *Client) loadSeries(ctx context.Context, id string) ([]market.Candle, error) {
	target := c.endpoint("series", id)

	body, err := c.get(ctx, target)
	if err != nil {
		logger.ErrorWithErr(ctx, "series fetch failed", err, "id", id)
		return nil, err
	}

	candles, err := market.ParseCandles(body)
	if err != nil {
		err = &DecodeError{URL: target, Err: err}
		logger.ErrorWithErr(ctx, "series decode failed", err, "id", id)
		return nil, err
	}

	c.cache.Set(SeriesKey(id), candles)
	logger.Debug(ctx, "series fetched", "id", id, "count", len(candles))
	return candles, nil
}

// FetchPointInTime always hits the network; a depth snapshot is stale as soon
// as it arrives, so it is never cached.
func (c *Client) FetchPointInTime(ctx context.Context, id string) (*market.OrderBook, error) {
	ctx, span := logger.StartSpan(ctx, "rest.FetchPointInTime")
	defer span.End()

	target := c.endpoint("snapshot", id)

	body, err := c.get(ctx, target)
	if err != nil {
		logger.ErrorWithErr(ctx, "snapshot fetch failed", err, "id", id)
		return nil, err
	}

	book, err := market.ParseOrderBookBytes(body)
	if err != nil {
		err = &DecodeError{URL: target, Err: err}
		logger.ErrorWithErr(ctx, "snapshot decode failed", err, "id", id)
		return nil, err
	}
	if book.Pair == "" {
		book.Pair = id
	}

	return book, nil
}

// Invalidate drops the cached series for id.
func (c *Client) Invalidate(id string) {
	c.cache.Delete(SeriesKey(id))
}

func (c *Client) InvalidateAll() {
	c.cache.Clear()
}

func (c *Client) endpoint(kind, id string) string {
	return c.baseURL + "/" + kind + "/" + url.PathEscape(id)
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else if c.timeout > 0 {
		err = c.http.DoTimeout(req, resp, c.timeout)
	} else {
		err = c.http.Do(req, resp)
	}
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}

	body := append([]byte(nil), resp.Body()...)

	status := resp.StatusCode()
	if status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		return nil, &HTTPError{URL: target, Status: status, Body: string(body)}
	}

	return body, nil
}
