package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Level is one [price, amount] row of a book side.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook is always a full replacement; asks ascend, bids descend.
type OrderBook struct {
	Pair      string  `json:"pair"`
	Asks      []Level `json:"asks"`
	Bids      []Level `json:"bids"`
	Timestamp int64   `json:"timestamp"`
}

func (b *OrderBook) BestAsk() (Level, bool) {
	if b == nil || len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

func (b *OrderBook) BestBid() (Level, bool) {
	if b == nil || len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// Spread is best ask minus best bid. ok is false when either side is empty.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	ask, okAsk := b.BestAsk()
	bid, okBid := b.BestBid()
	if !okAsk || !okBid {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

func (b *OrderBook) Mid() (decimal.Decimal, bool) {
	ask, okAsk := b.BestAsk()
	bid, okBid := b.BestBid()
	if !okAsk || !okBid {
		return decimal.Zero, false
	}
	return ask.Price.Add(bid.Price).Div(decimal.NewFromInt(2)), true
}

// ParseOrderBook reads a snapshot object. Levels may carry numbers or
// numeric strings; both are kept exact. Asks come back ascending and bids
// descending whatever order the payload used.
func ParseOrderBook(v gjson.Result) (*OrderBook, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("order book: expected object, got %s", v.Type)
	}

	asks, err := parseLevels(v.Get("asks"))
	if err != nil {
		return nil, fmt.Errorf("order book asks: %w", err)
	}
	bids, err := parseLevels(v.Get("bids"))
	if err != nil {
		return nil, fmt.Errorf("order book bids: %w", err)
	}

	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })

	return &OrderBook{
		Pair:      v.Get("pair").String(),
		Asks:      asks,
		Bids:      bids,
		Timestamp: v.Get("timestamp").Int(),
	}, nil
}

// ParseOrderBookBytes validates and decodes a REST snapshot body.
func ParseOrderBookBytes(body []byte) (*OrderBook, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}
	return ParseOrderBook(gjson.ParseBytes(body))
}

func parseLevels(side gjson.Result) ([]Level, error) {
	if !side.Exists() || side.Type == gjson.Null {
		return []Level{}, nil
	}
	if !side.IsArray() {
		return nil, ErrNotArray
	}

	rows := side.Array()
	levels := make([]Level, 0, len(rows))
	for i, row := range rows {
		pair := row.Array()
		if !row.IsArray() || len(pair) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, amount]", i)
		}

		price, err := decimal.NewFromString(pair[0].String())
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		amount, err := decimal.NewFromString(pair[1].String())
		if err != nil {
			return nil, fmt.Errorf("level %d amount: %w", i, err)
		}

		levels = append(levels, Level{Price: price, Amount: amount})
	}

	return levels, nil
}

// MarshalJSON writes the level in wire form, [price, amount].
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte("[" + l.Price.String() + "," + l.Amount.String() + "]"), nil
}
