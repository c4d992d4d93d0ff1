package battle

import "sync/atomic"

type listener struct {
	fn     func(Snapshot)
	active atomic.Bool
}

// Subscription is a registered change callback.
type Subscription struct {
	m  *Machine
	id uint64
	l  *listener
}

// SubscribeToChanges registers fn to receive a snapshot after every state
// change. Deliveries are ordered by Snapshot.Version. fn runs on the goroutine
// that made the change and must not call Machine methods; the snapshot it
// receives is already a copy.
func (m *Machine) SubscribeToChanges(fn func(Snapshot)) *Subscription {
	l := &listener{fn: fn}
	l.active.Store(true)
	m.listenersMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = l
	m.listenersMu.Unlock()
	return &Subscription{m: m, id: id, l: l}
}

// Cancel removes the callback. No delivery starts after Cancel returns. It
// is safe to call more than once and from inside the callback.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.l.active.Store(false)
	s.m.listenersMu.Lock()
	delete(s.m.listeners, s.id)
	s.m.listenersMu.Unlock()
}

// commitLocked bumps the version, releases mu and delivers the new snapshot.
func (m *Machine) commitLocked() {
	m.version++
	m.deliverLocked(m.snapshotLocked())
}

// deliverLocked releases mu and hands snaps to every listener in order.
func (m *Machine) deliverLocked(snaps ...Snapshot) {
	m.listenersMu.Lock()
	listeners := make([]*listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.Unlock()
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	for _, snap := range snaps {
		for _, l := range listeners {
			if l.active.Load() {
				l.fn(snap)
			}
		}
	}
}
