package events

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
)

// MemoryBus is a synchronous in-process Bus. Published envelopes are queued and only
// delivered when Drain (or Run) is called, which lets tests control interleavings.
type MemoryBus struct {
	drainMu   sync.Mutex
	mu        sync.Mutex
	subs      map[string][]subscription
	queue     []Envelope
	held      []heldDelivery
	published []Envelope
	failures  []error
}

// heldDelivery is an envelope a subscriber deferred with Defer.
type heldDelivery struct {
	env Envelope
	sub subscription
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]subscription)}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return err
	}
	env := NewEnvelope(msg)
	b.queue = append(b.queue, env)
	b.published = append(b.published, env)
	return nil
}

// FailNext makes the next Publish calls fail with err, once per call to FailNext.
func (b *MemoryBus) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, err)
}

// Inject queues env for delivery as is, e.g. a duplicate or out-of-order redelivery.
func (b *MemoryBus) Inject(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, env)
}

// Published returns every envelope successfully published on channel.
func (b *MemoryBus) Published(channel string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Envelope
	for _, env := range b.published {
		if env.Channel == channel {
			out = append(out, env)
		}
	}
	return out
}

func (b *MemoryBus) Subscribe(group, channel string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], subscription{group: group, channel: channel, handler: h})
}

// Drain delivers queued envelopes, including ones published by handlers along the way,
// until the queue is empty. Handler errors are collected, not retried. Deferred deliveries
// are offered again once the queue empties, for as long as some other delivery made
// progress, and are kept for the next Drain otherwise. Concurrent Drain calls are
// serialized so delivery order is kept.
func (b *MemoryBus) Drain(ctx context.Context) error {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	held := b.held
	b.held = nil
	b.mu.Unlock()

	var errs []error
	progressed := true
	handle := func(env Envelope, sub subscription) {
		err := sub.handler(ctx, env)
		switch {
		case IsDeferred(err):
			held = append(held, heldDelivery{env: env, sub: sub})
			return
		case err != nil:
			errs = append(errs, err)
		}
		progressed = true
	}

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			if len(held) == 0 || !progressed {
				b.mu.Lock()
				b.held = held
				b.mu.Unlock()
				return stderrors.Join(errs...)
			}
			retry := held
			held, progressed = nil, false
			for _, d := range retry {
				handle(d.env, d.sub)
			}
			continue
		}
		env := b.queue[0]
		b.queue = b.queue[1:]
		subs := append([]subscription(nil), b.subs[env.Channel]...)
		b.mu.Unlock()

		for _, sub := range subs {
			handle(env, sub)
		}
	}
}

func (b *MemoryBus) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = b.Drain(ctx)
		}
	}
}

func (b *MemoryBus) Close() error { return nil }
