// Package pubsub provides a basic fan-out Publisher. Every subscriber sees
// the same published value; a subscriber that cannot keep up loses ticks
// instead of stalling the publisher.
package pubsub

import (
	"sync"

	"github.com/rs/zerolog"
)

type Publisher[T any] struct {
	name    string
	clients map[chan T]struct{}
	logger  zerolog.Logger
	lock    sync.RWMutex
	closed  bool
}

func New[T any](name string, logger zerolog.Logger) *Publisher[T] {
	return &Publisher[T]{
		name:    name,
		clients: make(map[chan T]struct{}),
		logger:  logger.With().Str("stream", name).Logger(),
	}
}

// Subscribe registers a new client with the given channel buffer size.
func (p *Publisher[T]) Subscribe(buffer int) chan T {
	p.lock.Lock()
	defer p.lock.Unlock()
	ch := make(chan T, buffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.clients[ch] = struct{}{}
	p.logger.Debug().Int("subscribers", len(p.clients)).Msg("subscriber added")
	return ch
}

func (p *Publisher[T]) Unsubscribe(ch chan T) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.clients[ch]; !ok {
		return
	}
	delete(p.clients, ch)
	close(ch)
	p.logger.Debug().Int("subscribers", len(p.clients)).Msg("subscriber removed")
}

// Publish hands info to every subscriber without blocking.
func (p *Publisher[T]) Publish(info T) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for ch := range p.clients {
		select {
		case ch <- info:
		default:
			p.logger.Warn().Msg("subscriber too slow, dropping update")
		}
	}
}

func (p *Publisher[T]) Subscribers() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.clients)
}

func (p *Publisher[T]) Closed() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.closed
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (p *Publisher[T]) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for ch := range p.clients {
		close(ch)
		delete(p.clients, ch)
	}
}
