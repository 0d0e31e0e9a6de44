package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Candle is one OHLCV bar. Time is the start of the bar's period.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

var ErrNotArray = errors.New("expected a JSON array")

// ParseCandle reads a single point object. time and close are required, the
// remaining fields default to zero when absent.
func ParseCandle(v gjson.Result) (Candle, error) {
	if !v.IsObject() {
		return Candle{}, fmt.Errorf("candle: expected object, got %s", v.Type)
	}

	t := v.Get("time")
	if t.Type != gjson.Number {
		return Candle{}, errors.New("candle: missing numeric time")
	}
	c := v.Get("close")
	if c.Type != gjson.Number {
		return Candle{}, errors.New("candle: missing numeric close")
	}

	return Candle{
		Time:   t.Int(),
		Open:   v.Get("open").Float(),
		High:   v.Get("high").Float(),
		Low:    v.Get("low").Float(),
		Close:  c.Float(),
		Volume: v.Get("volume").Float(),
	}, nil
}

// ParseCandles decodes a series body. The result is ordered oldest to newest
// with at most one candle per time; on duplicates the later element wins.
func ParseCandles(body []byte) ([]Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}

	jsonResult := gjson.ParseBytes(body)
	if !jsonResult.IsArray() {
		return nil, ErrNotArray
	}

	rows := jsonResult.Array()
	candles := make([]Candle, 0, len(rows))
	for i, v := range rows {
		c, err := ParseCandle(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		candles = append(candles, c)
	}

	return normalize(candles), nil
}

func normalize(candles []Candle) []Candle {
	less := func(i, j int) bool { return candles[i].Time < candles[j].Time }
	if !sort.SliceIsSorted(candles, less) {
		sort.SliceStable(candles, less)
	}

	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].Time == c.Time {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
