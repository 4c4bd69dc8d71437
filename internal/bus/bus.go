// Package bus delivers the engine's raw event stream to a single listener.
package bus

import (
	"errors"
	"sync"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

var (
	ErrAlreadySubscribed = errors.New("event bus already has a subscriber")
	ErrClosed            = errors.New("event bus closed")
)

// Handler receives events in emission order on the bus's delivery goroutine.
type Handler func(protocol.RawEvent)

// Token identifies a subscription. The zero token is never issued.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
	queue   []protocol.RawEvent
	wake    chan struct{}
	done    chan struct{}
}

// Bus is an ordered, unbatched event stream with at most one subscriber.
type Bus struct {
	mu        sync.Mutex
	sub       *subscription
	nextToken Token
	closed    bool
}

func New() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(handler Handler) (Token, error) {
	if handler == nil {
		return 0, errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if b.sub != nil {
		return 0, ErrAlreadySubscribed
	}
	b.nextToken++
	sub := &subscription{
		token:   b.nextToken,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.sub = sub
	go b.deliver(sub)
	return sub.token, nil
}

// Unsubscribe stops delivery for token. Unknown or repeated tokens are ignored.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil || b.sub.token != token {
		return
	}
	b.stopLocked()
}

// Publish enqueues ev for the current subscriber. Without one it is dropped.
func (b *Bus) Publish(ev protocol.RawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.sub
	if sub == nil {
		return
	}
	sub.queue = append(sub.queue, ev)
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) Subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.sub != nil {
		b.stopLocked()
	}
}

func (b *Bus) stopLocked() {
	close(b.sub.done)
	b.sub.queue = nil
	b.sub = nil
}

func (b *Bus) deliver(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			b.mu.Lock()
			if b.sub != sub || len(sub.queue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := sub.queue[0]
			sub.queue[0] = protocol.RawEvent{}
			sub.queue = sub.queue[1:]
			b.mu.Unlock()

			sub.handler(ev)
		}
	}
}
