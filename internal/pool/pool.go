// Package pool hands out a bounded number of data-store clients.
//
// Callers over the limit wait in FIFO order; a released client goes straight
// to the oldest waiter before it is returned to the idle set.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("pool closed")

type Options[T any] struct {
	Max int
	// New creates a client. Required.
	New func(ctx context.Context) (T, error)
	// Close disposes of a client. Optional.
	Close func(ctx context.Context, c T) error
	// Healthy is consulted on Release; unhealthy clients are discarded.
	Healthy func(c T) bool
	Logger  zerolog.Logger
}

type Stats struct {
	Max     int `json:"max"`
	Live    int `json:"live"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

// grant is what a waiter receives: a client, a free slot to fill, or an error.
type grant[T any] struct {
	client    T
	hasClient bool
	err       error
}

type waiter[T any] struct {
	ch chan grant[T]
}

type Pool[T any] struct {
	opts Options[T]
	log  zerolog.Logger

	mu      sync.Mutex
	idle    []T
	live    int
	waiters []*waiter[T]
	closed  bool
}

func New[T any](opts Options[T]) (*Pool[T], error) {
	if opts.New == nil {
		return nil, fmt.Errorf("nil client factory")
	}
	if opts.Max <= 0 {
		opts.Max = 1
	}
	return &Pool[T]{opts: opts, log: opts.Logger}, nil
}

// Acquire returns an idle client, creates one while under the limit, or waits
// until another caller releases one.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if p == nil {
		return zero, fmt.Errorf("nil pool")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	if p.live < p.opts.Max {
		p.live++
		p.mu.Unlock()
		return p.create(ctx)
	}

	w := &waiter[T]{ch: make(chan grant[T], 1)}
	p.waiters = append(p.waiters, w)
	waiting := len(p.waiters)
	p.mu.Unlock()

	p.log.Debug().Int("waiting", waiting).Msg("connection pool exhausted, queued")

	select {
	case g := <-w.ch:
		return p.take(ctx, g)
	case <-ctx.Done():
		p.mu.Lock()
		if p.removeWaiter(w) {
			p.mu.Unlock()
			return zero, ctx.Err()
		}
		p.mu.Unlock()
		// Granted concurrently with cancellation; pass it on.
		g := <-w.ch
		if g.err == nil {
			if g.hasClient {
				p.Release(g.client)
			} else {
				p.freeSlot()
			}
		}
		return zero, ctx.Err()
	}
}

func (p *Pool[T]) take(ctx context.Context, g grant[T]) (T, error) {
	var zero T
	if g.err != nil {
		return zero, g.err
	}
	if g.hasClient {
		return g.client, nil
	}
	return p.create(ctx)
}

// create fills a slot that has already been counted in live.
func (p *Pool[T]) create(ctx context.Context) (T, error) {
	c, err := p.opts.New(ctx)
	if err != nil {
		p.freeSlot()
		var zero T
		return zero, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

// Release hands c to the oldest waiter or returns it to the idle set.
func (p *Pool[T]) Release(c T) {
	if p == nil {
		return
	}
	if p.opts.Healthy != nil && !p.opts.Healthy(c) {
		p.Discard(c)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		p.closeClient(c)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- grant[T]{client: c, hasClient: true}
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Discard closes c and frees its slot.
func (p *Pool[T]) Discard(c T) {
	if p == nil {
		return
	}
	p.closeClient(c)
	p.freeSlot()
}

func (p *Pool[T]) freeSlot() {
	p.mu.Lock()
	p.live--
	if !p.closed && len(p.waiters) > 0 && p.live < p.opts.Max {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.live++
		p.mu.Unlock()
		w.ch <- grant[T]{}
		return
	}
	p.mu.Unlock()
}

func (p *Pool[T]) removeWaiter(w *waiter[T]) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool[T]) closeClient(c T) {
	if p.opts.Close == nil {
		return
	}
	if err := p.opts.Close(context.Background(), c); err != nil {
		p.log.Warn().Err(err).Msg("close pooled client")
	}
}

// Execute acquires a client, runs fn and always gives the client back, even
// when fn fails or panics.
func (p *Pool[T]) Execute(ctx context.Context, fn func(ctx context.Context, c T) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	released := false
	defer func() {
		if !released {
			p.Discard(c)
		}
	}()

	err = fn(ctx, c)
	released = true
	p.Release(c)
	return err
}

func (p *Pool[T]) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:     p.opts.Max,
		Live:    p.live,
		Idle:    len(p.idle),
		InUse:   p.live - len(p.idle),
		Waiting: len(p.waiters),
	}
}

// ActiveConnections reports clients currently checked out.
func (p *Pool[T]) ActiveConnections() int {
	return p.Stats().InUse
}

// Close disposes of idle clients and fails pending waiters. Clients still in
// use are closed as they are released.
func (p *Pool[T]) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant[T]{err: ErrClosed}
	}

	var firstErr error
	for _, c := range idle {
		if p.opts.Close == nil {
			continue
		}
		if err := p.opts.Close(ctx, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
