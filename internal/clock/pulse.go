package clock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Ticker interface {
	Tick() error
}

// TickerFunc adapts a function to a Ticker.
type TickerFunc func() error

func (f TickerFunc) Tick() error {
	return f()
}

type TickerID interface{}

type TickerSubscriber struct {
	ID     TickerID
	Ticker Ticker
	Name   string
}

type TickerSubscriberOption func(*TickerSubscriber)

// WithName labels the errors of a subscriber.
func WithName(name string) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Name = name
	}
}

// Pulse dispatches scheduling ticks to its subscribers on a Clock.
type Pulse struct {
	clock    Clock
	interval time.Duration
	subs     []TickerSubscriber
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)
	done     chan struct{}
	started  atomic.Bool
}

func NewPulse(ctx context.Context, clk Clock, interval time.Duration, onError func(error)) *Pulse {
	ctx, cancel := context.WithCancel(ctx)
	return &Pulse{
		clock:    clk,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		onError:  onError,
		done:     make(chan struct{}),
	}
}

func (p *Pulse) Add(id TickerID, ticker Ticker, opts ...TickerSubscriberOption) {
	sub := TickerSubscriber{
		ID:     id,
		Ticker: ticker,
	}
	for _, opt := range opts {
		opt(&sub)
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
}

func (p *Pulse) Start() {
	if p.started.CompareAndSwap(false, true) {
		go p.dispatchTicks()
	}
}

// Stop ends the dispatch loop and waits for it to exit.
func (p *Pulse) Stop() {
	p.cancel()
	if p.started.Load() {
		<-p.done
	}
}

func (p *Pulse) dispatchTicks() {
	defer close(p.done)
	for {
		select {
		case <-p.clock.After(p.interval):
			p.Tick()
		case <-p.ctx.Done():
			return
		}
	}
}

// Tick runs one pulse synchronously.
func (p *Pulse) Tick() {
	p.mu.Lock()
	subs := append([]TickerSubscriber(nil), p.subs...)
	p.mu.Unlock()

	for _, sub := range subs {
		err := sub.Ticker.Tick()
		if err == nil || p.onError == nil {
			continue
		}
		if sub.Name != "" {
			err = fmt.Errorf("%s: %w", sub.Name, err)
		}
		p.onError(err)
	}
}
