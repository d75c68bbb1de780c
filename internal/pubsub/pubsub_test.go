package pubsub

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPublisher(t *testing.T) {
	p := New[int]("test", zerolog.Nop())

	const clients = 10
	var chs []chan int
	for range clients {
		chs = append(chs, p.Subscribe(1))
	}
	assert.Equal(t, clients, p.Subscribers())

	p.Publish(123)
	for _, ch := range chs {
		assert.Equal(t, 123, <-ch)
	}

	for _, ch := range chs {
		p.Unsubscribe(ch)
	}
	assert.Zero(t, p.Subscribers())
}

func TestPublisher_SlowSubscriberDoesNotBlock(t *testing.T) {
	p := New[int]("test", zerolog.Nop())
	slow := p.Subscribe(1)
	fast := p.Subscribe(3)

	p.Publish(1)
	p.Publish(2)
	p.Publish(3)

	assert.Equal(t, 1, <-slow)
	assert.Empty(t, slow)
	assert.Equal(t, []int{1, 2, 3}, []int{<-fast, <-fast, <-fast})
}

func TestPublisher_Close(t *testing.T) {
	p := New[string]("test", zerolog.Nop())
	ch := p.Subscribe(0)
	p.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := p.Subscribe(0)
	_, ok = <-late
	assert.False(t, ok)

	p.Publish("ignored")
}
