package ledger

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
)

const subscriptionBuffer = 64

// Subscription is a registered push handler. Events are delivered one at a
// time in the order the contract emits them for the subscribed name.
type Subscription struct {
	name   EventName
	cancel context.CancelFunc
	stream Stream
	done   chan struct{}

	mu       sync.Mutex
	canceled bool
	err      error

	cancelOnce sync.Once
}

// Subscribe registers handler for name. The handler runs on a dedicated
// goroutine and must not call Cancel on its own subscription.
func (c *Client) Subscribe(ctx context.Context, name EventName, handler func(RawEvent)) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	_, span := c.tracer.Start(ctx, "ledger.subscribe", trace.WithAttributes(attribute.String("ledger.event", string(name))))
	defer span.End()

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sink := make(chan RawEvent, subscriptionBuffer)
	stream, err := c.contract.Watch(subCtx, name, sink)
	if err != nil {
		cancel()
		return nil, fail(span, classify(err, "watch "+string(name)))
	}

	sub := &Subscription{
		name:   name,
		cancel: cancel,
		stream: stream,
		done:   make(chan struct{}),
	}
	go sub.run(subCtx, sink, handler)
	return sub, nil
}

func (s *Subscription) run(ctx context.Context, sink <-chan RawEvent, handler func(RawEvent)) {
	defer close(s.done)
	errs := s.stream.Err()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.mu.Lock()
			if !s.canceled && err != nil {
				s.err = apperrors.Wrap(apperrors.CodeRemoteUnavailable, "event stream "+string(s.name), err)
			}
			s.mu.Unlock()
			return
		case evt := <-sink:
			s.deliver(evt, handler)
		}
	}
}

func (s *Subscription) deliver(evt RawEvent, handler func(RawEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	handler(evt)
}

// Name returns the subscribed event name.
func (s *Subscription) Name() EventName {
	return s.name
}

// Cancel stops the subscription. Once Cancel returns no further event is
// delivered, including one that was already buffered.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.mu.Unlock()
		s.cancel()
		s.stream.Unsubscribe()
	})
}

// Done is closed when the subscription stops delivering, either because it
// was canceled or because the underlying stream failed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the stream failure that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
