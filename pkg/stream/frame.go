package stream

import (
	"encoding/json"

	"mdsync/pkg/market"

	"github.com/tidwall/gjson"
)

// Kind classifies an inbound frame.
type Kind int

const (
	KindDiscard Kind = iota
	KindSeriesPoint
	KindSnapshot
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSeriesPoint:
		return "series_point_update"
	case KindSnapshot:
		return "snapshot_update"
	case KindError:
		return "error"
	default:
		return "discard"
	}
}

// Frame is the decoded form of one server message. For KindDiscard, Reason
// says why the frame was rejected.
type Frame struct {
	Kind    Kind
	ID      string
	Point   market.Candle
	Book    *market.OrderBook
	Message string
	Reason  string
}

func discard(reason string) Frame {
	return Frame{Kind: KindDiscard, Reason: reason}
}

// Decode never fails: anything it cannot make sense of comes back as
// KindDiscard.
func Decode(raw []byte) Frame {
	if !gjson.ValidBytes(raw) {
		return discard("invalid json")
	}

	msg := gjson.ParseBytes(raw)
	if !msg.IsObject() {
		return discard("not an object")
	}

	t := msg.Get("type")
	if t.Type != gjson.String {
		return discard("missing type")
	}

	if t.Str == "error" {
		return Frame{Kind: KindError, Message: msg.Get("message").String()}
	}

	id := msg.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return discard("missing id")
	}

	switch t.Str {
	case "series_point_update":
		point, err := market.ParseCandle(msg.Get("point"))
		if err != nil {
			return discard(err.Error())
		}
		return Frame{Kind: KindSeriesPoint, ID: id.Str, Point: point}

	case "snapshot_update":
		book, err := market.ParseOrderBook(msg.Get("data"))
		if err != nil {
			return discard(err.Error())
		}
		if book.Pair == "" {
			book.Pair = id.Str
		}
		return Frame{Kind: KindSnapshot, ID: id.Str, Book: book}

	default:
		return discard("unknown type " + t.Str)
	}
}

type controlFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Stream string `json:"stream"`
}

func encodeControl(kind, id string) []byte {
	b, _ := json.Marshal(controlFrame{Type: kind, ID: id, Stream: "all"})
	return b
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
