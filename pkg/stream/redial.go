package stream

import (
	"context"
	"sync"
	"time"

	"mdsync/pkg/logger"
)

// Backoff bounds the delay between reconnect attempts. The delay doubles
// after each failed attempt and resets once a connection has opened.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	cur *= 2
	if b.Max > 0 && cur > b.Max {
		return b.Max
	}
	return cur
}

// Redialer supervises a Client from the outside: when one closes on its own
// it dials a fresh one, subscribed to the last active identifier.
type Redialer struct {
	url      string
	handlers Handlers
	opts     []Option
	backoff  Backoff
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	current *Client
	active  string
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	dials   int
}

func NewRedialer(url string, handlers Handlers, backoff Backoff, opts ...Option) *Redialer {
	return &Redialer{
		url:      url,
		handlers: handlers,
		opts:     opts,
		backoff:  backoff,
		sleep:    sleepCtx,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Redialer) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Redialer) loop(ctx context.Context) {
	defer close(r.done)

	var delay time.Duration
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		c := New(r.url, r.handlers, r.opts...)
		c.SetActive(r.active)
		r.current = c
		r.dials++
		attempt := r.dials
		r.mu.Unlock()

		c.Start(ctx)

		select {
		case <-c.Done():
		case <-r.stop:
			c.Close()
			return
		case <-ctx.Done():
			c.Close()
			return
		}

		if c.everOpened() {
			delay = 0
		}
		delay = r.backoff.next(delay)

		logger.Warn(ctx, "stream lost, reconnecting", "attempt", attempt, "delay", delay)
		if err := r.sleepOrStop(ctx, delay); err != nil {
			return
		}
	}
}

func (r *Redialer) sleepOrStop(ctx context.Context, d time.Duration) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-sctx.Done():
		}
	}()

	return r.sleep(sctx, d)
}

// SetActive records id and forwards it to the live client, if any.
func (r *Redialer) SetActive(id string) {
	r.mu.Lock()
	r.active = id
	c := r.current
	r.mu.Unlock()

	if c != nil {
		c.SetActive(id)
	}
}

func (r *Redialer) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Redialer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Closed
	}
	if r.current == nil {
		return Connecting
	}
	return r.current.State()
}

// Dials reports how many clients have been created so far.
func (r *Redialer) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// Close stops supervision and closes the current client. Repeated calls are no-ops.
func (r *Redialer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.current
	close(r.stop)
	r.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
	}
	return err
}

// Done is closed when the supervision loop has exited.
func (r *Redialer) Done() <-chan struct{} {
	return r.done
}
