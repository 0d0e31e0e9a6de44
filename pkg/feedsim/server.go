// Package feedsim is a small market data backend speaking the REST and
// streaming protocol the sync layer consumes. It backs the CLI's -sim mode
// and the integration tests.
package feedsim

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"mdsync/pkg/logger"
	"mdsync/pkg/market"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	engine *gin.Engine

	mu       sync.RWMutex
	series   map[string][]market.Candle
	books    map[string]*market.OrderBook
	failures map[string]int
	delays   map[string]time.Duration
	hits     map[string]int
	peers    map[*peer]struct{}
}

func New() *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:   gin.New(),
		series:   make(map[string][]market.Candle),
		books:    make(map[string]*market.OrderBook),
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
		hits:     make(map[string]int),
		peers:    make(map[*peer]struct{}),
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/series/:id", s.getSeries)
	s.engine.GET("/snapshot/:id", s.getSnapshot)
	s.engine.GET("/ws", s.handleWebSocket)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine}

	go func() {
		<-ctx.Done()
		s.CloseStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "feed simulator listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) SetSeries(id string, candles []market.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[id] = append([]market.Candle(nil), candles...)
}

func (s *Server) SetBook(id string, book *market.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[id] = book
}

// Fail makes requests to path answer with status. A zero status clears it.
func (s *Server) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// Delay holds responses for path for d before answering.
func (s *Server) Delay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.delays, path)
		return
	}
	s.delays[path] = d
}

// Hits reports how many requests path has received.
func (s *Server) Hits(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits[path]
}

// intercept counts the request and applies any programmed delay or
// failure. It reports whether the handler should continue.
func (s *Server) intercept(c *gin.Context) bool {
	path := c.Request.URL.Path

	s.mu.Lock()
	s.hits[path]++
	status := s.failures[path]
	delay := s.delays[path]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			return false
		}
	}

	if status != 0 {
		c.String(status, http.StatusText(status))
		return false
	}
	return true
}

func (s *Server) getSeries(c *gin.Context) {
	if !s.intercept(c) {
		return
	}

	s.mu.RLock()
	stored, ok := s.series[c.Param("id")]
	candles := append([]market.Candle{}, stored...)
	s.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pair"})
		return
	}
	c.JSON(http.StatusOK, candles)
}

func (s *Server) getSnapshot(c *gin.Context) {
	if !s.intercept(c) {
		return
	}

	s.mu.RLock()
	book, ok := s.books[c.Param("id")]
	s.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pair"})
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}

	p := newPeer(s, conn)

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	go p.writePump()
	go p.readPump()
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()

	if ok {
		p.stop()
	}
}

// CloseStreams disconnects every streaming client.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[*peer]struct{})
	s.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
}

// Subscribers counts clients currently subscribed to id.
func (s *Server) Subscribers(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for p := range s.peers {
		if p.subscribed(id) {
			n++
		}
	}
	return n
}

// Clients counts connected streaming clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}
