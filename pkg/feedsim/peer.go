package feedsim

import (
	"context"
	"sync"
	"time"

	"mdsync/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

type peer struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]bool
}

func newPeer(srv *Server, conn *websocket.Conn) *peer {
	return &peer{
		srv:  srv,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
		subs: make(map[string]bool),
	}
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.quit) })
}

func (p *peer) subscribed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[id]
}

// enqueue drops the frame when the client is not keeping up.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	case <-p.quit:
		return false
	default:
		logger.Warn(context.Background(), "feedsim client too slow, frame dropped")
		return false
	}
}

func (p *peer) readPump() {
	defer p.srv.unregister(p)

	p.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.handle(message)
	}
}

func (p *peer) handle(message []byte) {
	cmd := gjson.ParseBytes(message)
	id := cmd.Get("id").String()

	switch cmd.Get("type").String() {
	case "subscribe":
		p.mu.Lock()
		p.subs[id] = true
		p.mu.Unlock()
	case "unsubscribe":
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	default:
		p.enqueue(encode(errorFrame{Type: "error", Message: "unknown command"}))
	}
}

func (p *peer) writePump() {
	defer p.conn.Close()

	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.srv.unregister(p)
				return
			}
		case <-p.quit:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
