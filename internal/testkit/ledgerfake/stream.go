package ledgerfake

import (
	"context"
	"sync"

	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
)

// Stream is a fake event feed.
type Stream struct {
	owner *Contract
	name  ledger.EventName
	errc  chan error
	once  sync.Once
}

// Unsubscribe implements ledger.Stream.
func (s *Stream) Unsubscribe() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		defer s.owner.mu.Unlock()
		delete(s.owner.streams[s.name], s)
		close(s.errc)
	})
}

// Err implements ledger.Stream.
func (s *Stream) Err() <-chan error {
	return s.errc
}

// Watch implements ledger.Contract.
func (c *Contract) Watch(ctx context.Context, name ledger.EventName, sink chan<- ledger.RawEvent) (ledger.Stream, error) {
	if err := c.enter(MethodWatch); err != nil {
		return nil, err
	}
	s := &Stream{owner: c, name: name, errc: make(chan error, 1)}
	c.mu.Lock()
	if c.streams[name] == nil {
		c.streams[name] = make(map[*Stream]chan<- ledger.RawEvent)
	}
	c.streams[name][s] = sink
	c.mu.Unlock()
	return s, nil
}

// Emit delivers evt to every live stream watching evt.Name.
func (c *Contract) Emit(evt ledger.RawEvent) {
	c.mu.Lock()
	sinks := make([]chan<- ledger.RawEvent, 0, len(c.streams[evt.Name]))
	for _, sink := range c.streams[evt.Name] {
		sinks = append(sinks, sink)
	}
	c.mu.Unlock()
	for _, sink := range sinks {
		sink <- evt
	}
}

// Watchers returns the number of live streams for name.
func (c *Contract) Watchers(name ledger.EventName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams[name])
}

// Break fails every live stream for name with err and drops them.
func (c *Contract) Break(name ledger.EventName, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.streams[name] {
		select {
		case s.errc <- err:
		default:
		}
	}
	delete(c.streams, name)
}

var _ ledger.Contract = (*Contract)(nil)
