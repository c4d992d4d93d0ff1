// Package reconcile forwards ledger push events into a battle machine.
package reconcile

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/bossarena/internal/services/arena/battle"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
)

const (
	defaultRetryDelay   = time.Second
	defaultDedupeWindow = 512

	// unknownActor never matches a participant, so the machine resyncs.
	unknownActor int64 = math.MinInt64
)

// Ledger is the subset of ledger.Client the reconciler uses.
type Ledger interface {
	Subscribe(ctx context.Context, name ledger.EventName, handler func(ledger.RawEvent)) (*ledger.Subscription, error)
	FetchHolderIndex(ctx context.Context, account string) (int64, error)
	FetchCharacter(ctx context.Context, account string) (character.Character, error)
}

// Machine receives translated events.
type Machine interface {
	ApplyRemoteEvent(ctx context.Context, evt battle.Event) error
	Resync(ctx context.Context) error
}

// Config tunes a Reconciler.
type Config struct {
	// SelfAccount is the local account. Roster events it caused are skipped.
	SelfAccount string
	// RetryDelay separates resubscribe attempts after a stream fails.
	RetryDelay time.Duration
	// DedupeWindow is how many recent event keys are remembered.
	DedupeWindow int
}

// Reconciler owns the push subscriptions for one battle session.
type Reconciler struct {
	ledger      Ledger
	machine     Machine
	selfAccount string
	retryDelay  time.Duration

	seen *keyWindow

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	holdersMu sync.Mutex
	holders   map[string]int64
}

// New builds a reconciler. Call Start to subscribe.
func New(l Ledger, m Machine, cfg Config) (*Reconciler, error) {
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if m == nil {
		return nil, errors.New("machine is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	return &Reconciler{
		ledger:      l,
		machine:     m,
		selfAccount: normalizeAccount(cfg.SelfAccount),
		retryDelay:  cfg.RetryDelay,
		seen:        newKeyWindow(cfg.DedupeWindow),
		holders:     make(map[string]int64),
	}, nil
}

// Start subscribes to the action outcome and roster events. It returns once
// both subscriptions are live, so a state read issued afterwards cannot miss
// an event.
func (r *Reconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("reconciler already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	for _, name := range []ledger.EventName{ledger.EventActionOutcome, ledger.EventRosterChanged} {
		handler := r.handlerFor(name)
		sub, err := r.ledger.Subscribe(r.ctx, name, handler)
		if err != nil {
			r.Stop()
			return err
		}
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			sub.Cancel()
			return errors.New("reconciler stopped")
		}
		r.wg.Add(1)
		r.mu.Unlock()
		go r.supervise(name, sub, handler)
	}
	return nil
}

// Stop cancels every subscription and waits for the workers. No event reaches
// the machine after Stop returns.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// supervise keeps one subscription alive. When the stream fails it waits,
// resubscribes and asks the machine to resync, since events emitted while
// the stream was down are lost.
func (r *Reconciler) supervise(name ledger.EventName, sub *ledger.Subscription, handler func(ledger.RawEvent)) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			sub.Cancel()
			return
		case <-sub.Done():
		}
		log.Printf("reconcile: %s stream ended: %v", name, sub.Err())
		sub.Cancel()

		for {
			if !waitRetry(r.ctx, r.retryDelay) {
				return
			}
			next, err := r.ledger.Subscribe(r.ctx, name, handler)
			if err != nil {
				log.Printf("reconcile: resubscribe %s: %v", name, err)
				continue
			}
			sub = next
			break
		}
		log.Printf("reconcile: %s stream restored", name)
		if err := r.machine.Resync(r.ctx); err != nil {
			log.Printf("reconcile: resync after %s reconnect: %v", name, err)
		}
	}
}

func (r *Reconciler) handlerFor(name ledger.EventName) func(ledger.RawEvent) {
	return func(raw ledger.RawEvent) {
		if raw.Name == "" {
			raw.Name = name
		}
		r.handle(raw)
	}
}

func (r *Reconciler) handle(raw ledger.RawEvent) {
	if raw.Removed {
		log.Printf("reconcile: ignoring retracted %s %s", raw.Name, raw.Key)
		return
	}
	if raw.Key != "" && !r.seen.add(raw.Key) {
		return
	}
	ctx := r.ctx
	var (
		evt battle.Event
		ok  bool
	)
	switch raw.Name {
	case ledger.EventActionOutcome:
		evt, ok = r.translateOutcome(ctx, raw)
	case ledger.EventRosterChanged:
		evt, ok = r.translateRoster(ctx, raw)
	default:
		log.Printf("reconcile: ignoring unknown event %q", raw.Name)
		return
	}
	if !ok {
		return
	}
	if err := r.machine.ApplyRemoteEvent(ctx, evt); err != nil {
		log.Printf("reconcile: apply %s %s: %v", raw.Name, raw.Key, err)
	}
}

func (r *Reconciler) translateOutcome(ctx context.Context, raw ledger.RawEvent) (battle.Event, bool) {
	bossHP, okBoss := character.Amount(raw.BossHP)
	actorHP, okActor := character.Amount(raw.ActorHP)
	if !okBoss || !okActor {
		log.Printf("reconcile: %s carries out of range hp; clamped", raw.Key)
	}
	return battle.ActionOutcome(r.holderIndex(ctx, raw.Actor), bossHP, actorHP).At(raw.Position), true
}

func (r *Reconciler) translateRoster(ctx context.Context, raw ledger.RawEvent) (battle.Event, bool) {
	account := normalizeAccount(raw.Actor)
	if account != "" && account == r.selfAccount {
		return battle.Event{}, false
	}
	c, err := r.ledger.FetchCharacter(ctx, raw.Actor)
	if err != nil {
		log.Printf("reconcile: fetch joined character %s: %v", raw.Actor, err)
		if err := r.machine.Resync(ctx); err != nil {
			log.Printf("reconcile: resync: %v", err)
		}
		return battle.Event{}, false
	}
	r.rememberHolder(account, c.ID)
	return battle.RosterChanged(c), true
}

// holderIndex maps an account to its holder index, caching hits. An account
// that cannot be resolved maps to an id no participant has.
func (r *Reconciler) holderIndex(ctx context.Context, account string) int64 {
	key := normalizeAccount(account)
	if key == "" {
		return unknownActor
	}
	r.holdersMu.Lock()
	index, ok := r.holders[key]
	r.holdersMu.Unlock()
	if ok {
		return index
	}
	index, err := r.ledger.FetchHolderIndex(ctx, account)
	if err != nil {
		log.Printf("reconcile: holder index for %s: %v", account, err)
		return unknownActor
	}
	r.rememberHolder(key, index)
	return index
}

func (r *Reconciler) rememberHolder(account string, index int64) {
	if account == "" {
		return
	}
	r.holdersMu.Lock()
	r.holders[account] = index
	r.holdersMu.Unlock()
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

func waitRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
