package feedsim

import (
	"context"
	"math/rand"
	"time"

	"mdsync/pkg/market"

	"github.com/shopspring/decimal"
)

// Seed fills history and a book for each pair: n bars of period length
// ending at now, following a random walk from start.
func (s *Server) Seed(pairs []string, start float64, period time.Duration, n int, now time.Time) {
	step := seconds(period)
	end := now.Unix() - now.Unix()%step

	for _, pair := range pairs {
		candles := make([]market.Candle, 0, n)
		price := start
		for i := n - 1; i >= 0; i-- {
			c := bar(end-int64(i)*step, price)
			price = c.Close
			candles = append(candles, c)
		}
		s.SetSeries(pair, candles)
		s.SetBook(pair, bookAround(pair, price, now))
	}
}

func bar(ts int64, open float64) market.Candle {
	last := open * (1 + (rand.Float64()-0.5)/100)
	high, low := open, last
	if last > open {
		high, low = last, open
	}
	return market.Candle{
		Time:   ts,
		Open:   open,
		High:   high * (1 + rand.Float64()/500),
		Low:    low * (1 - rand.Float64()/500),
		Close:  last,
		Volume: rand.Float64() * 100,
	}
}

func bookAround(pair string, mid float64, now time.Time) *market.OrderBook {
	center := decimal.NewFromFloat(mid).Round(2)
	tick := decimal.RequireFromString("0.01")

	book := &market.OrderBook{Pair: pair, Timestamp: now.UnixMilli()}
	for i := int64(1); i <= 5; i++ {
		offset := tick.Mul(decimal.NewFromInt(i))
		amount := decimal.NewFromFloat(rand.Float64() * 5).Round(4)
		book.Asks = append(book.Asks, market.Level{Price: center.Add(offset), Amount: amount})
		book.Bids = append(book.Bids, market.Level{Price: center.Sub(offset), Amount: amount})
	}
	return book
}

// Simulate moves every subscribed pair once per interval: the last bar is
// updated in place, rolled over when its period has passed, and a fresh
// book is pushed.
func (s *Server) Simulate(ctx context.Context, interval, period time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	step := seconds(period)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, pair := range s.pairs() {
				if s.Subscribers(pair) == 0 {
					continue
				}
				point := s.advance(pair, now, step)
				s.PushPoint(pair, point)
				s.PushBook(pair, bookAround(pair, point.Close, now))
			}
		}
	}
}

func (s *Server) pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.series))
	for pair := range s.series {
		out = append(out, pair)
	}
	return out
}

func (s *Server) advance(pair string, now time.Time, step int64) market.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	candles := s.series[pair]
	bucket := now.Unix() - now.Unix()%step
	if len(candles) == 0 || candles[len(candles)-1].Time < bucket {
		open := 100.0
		if len(candles) > 0 {
			open = candles[len(candles)-1].Close
		}
		next := bar(bucket, open)
		s.series[pair] = append(candles, next)
		return next
	}

	last := &candles[len(candles)-1]
	moved := bar(last.Time, last.Close)
	last.Close = moved.Close
	if moved.Close > last.High {
		last.High = moved.Close
	}
	if moved.Close < last.Low {
		last.Low = moved.Close
	}
	last.Volume += moved.Volume / 10
	return *last
}

func seconds(d time.Duration) int64 {
	if d < time.Second {
		return 1
	}
	return int64(d / time.Second)
}
