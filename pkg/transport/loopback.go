package transport

import (
	"context"
	"fmt"
	"sync"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls this far behind starts losing messages, matching broker semantics
// for slow consumers.
const subscriberBuffer = 64

// Loopback is an in-process Transport. It backs tests and the `luminode dev`
// sandbox, where device and backend run in one process.
type Loopback struct {
	mu          sync.Mutex
	closed      bool
	subscribers map[string][]*loopbackSub
}

type loopbackSub struct {
	ch   chan Message
	once sync.Once
}

func (s *loopbackSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewLoopback creates an empty loopback bus.
func NewLoopback() *Loopback {
	return &Loopback{
		subscribers: make(map[string][]*loopbackSub),
	}
}

// Publish implements Transport. Delivery is asynchronous; a full subscriber
// buffer drops the message for that subscriber only.
func (l *Loopback) Publish(_ context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("transport closed")
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, sub := range l.subscribers[topic] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Transport.
func (l *Loopback) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("transport closed")
	}

	sub := &loopbackSub{ch: make(chan Message, subscriberBuffer)}
	l.subscribers[topic] = append(l.subscribers[topic], sub)

	go func() {
		<-ctx.Done()
		l.unsubscribe(topic, sub)
	}()

	return sub.ch, nil
}

// Close implements Transport.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for _, subs := range l.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	l.subscribers = make(map[string][]*loopbackSub)
	return nil
}

func (l *Loopback) unsubscribe(topic string, target *loopbackSub) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.subscribers[topic]
	for i, sub := range subs {
		if sub == target {
			l.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	target.close()
}
