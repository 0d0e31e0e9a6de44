package feedsim

import (
	"encoding/json"

	"mdsync/pkg/market"
)

type pointFrame struct {
	Type  string        `json:"type"`
	ID    string        `json:"id"`
	Point market.Candle `json:"point"`
}

type bookFrame struct {
	Type string            `json:"type"`
	ID   string            `json:"id"`
	Data *market.OrderBook `json:"data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// PushPoint sends a series point to clients subscribed to id and returns
// how many were reached.
func (s *Server) PushPoint(id string, point market.Candle) int {
	return s.pushTo(id, encode(pointFrame{Type: "series_point_update", ID: id, Point: point}))
}

func (s *Server) PushBook(id string, book *market.OrderBook) int {
	return s.pushTo(id, encode(bookFrame{Type: "snapshot_update", ID: id, Data: book}))
}

// PushAs sends a frame tagged with id to clients subscribed to sub. It lets
// tests deliver updates for a pair the client no longer follows.
func (s *Server) PushAs(sub, id string, point market.Candle) int {
	return s.pushTo(sub, encode(pointFrame{Type: "series_point_update", ID: id, Point: point}))
}

func (s *Server) PushError(message string) int {
	return s.PushRaw(encode(errorFrame{Type: "error", Message: message}))
}

// PushRaw sends raw bytes to every client, subscribed or not.
func (s *Server) PushRaw(raw []byte) int {
	n := 0
	for _, p := range s.snapshotPeers() {
		if p.enqueue(raw) {
			n++
		}
	}
	return n
}

func (s *Server) pushTo(id string, frame []byte) int {
	n := 0
	for _, p := range s.snapshotPeers() {
		if p.subscribed(id) && p.enqueue(frame) {
			n++
		}
	}
	return n
}
