package gateway

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemBroker is the single-node Broker.
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool

	// BufSize is the per-subscription channel size.
	BufSize int
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message), BufSize: 4096}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.BufSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range topics {
			list := b.subs[t]
			for i, c := range list {
				if c == ch {
					b.subs[t] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		close(ch)
	})
	return ch, nil
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
