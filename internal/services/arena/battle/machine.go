package battle

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/platform/timeouts"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxPendingEvents bounds the events buffered before bootstrap completes.
const maxPendingEvents = 256

// Config tunes a Machine.
type Config struct {
	// HitWindow is how long Confirmed is held before returning to Idle.
	HitWindow time.Duration
	// Scheduler runs the hit window timer. Defaults to WallClock.
	Scheduler Scheduler
	// Journal optionally records local action lifecycle.
	Journal Journal
	// Now stamps journal records. Defaults to time.Now.
	Now func() time.Time
}

// Machine serializes every mutation of one battle session.
type Machine struct {
	ledger    Ledger
	hitWindow time.Duration
	scheduler Scheduler
	journal   Journal
	now       func() time.Time

	resyncGroup singleflight.Group

	mu           sync.Mutex
	session      uint64
	cycle        uint64
	version      uint64
	bootstrapped bool
	self         *character.Character
	boss         *character.Character
	others       []character.Character
	phase        Phase
	outcome      Outcome
	hit          *Hit
	lastErr      *Failure
	lastActionID string
	hitTimer     Timer
	pending      []Event
	// applied is the newest ledger position folded into the state.
	applied ledger.Position

	// notifyMu orders change deliveries to match the order of mutations.
	notifyMu sync.Mutex

	listenersMu  sync.Mutex
	listeners    map[uint64]*listener
	nextListener uint64
}

// NewMachine builds an empty machine bound to a ledger.
func NewMachine(l Ledger, cfg Config) (*Machine, error) {
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.HitWindow <= 0 {
		cfg.HitWindow = timeouts.HitDisplay
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = WallClock
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		ledger:    l,
		hitWindow: cfg.HitWindow,
		scheduler: cfg.Scheduler,
		journal:   cfg.Journal,
		now:       cfg.Now,
		phase:     PhaseIdle,
		outcome:   OutcomeInProgress,
		listeners: make(map[uint64]*listener),
	}, nil
}

// Bootstrap installs the initial read. Events applied before Bootstrap are
// replayed on top of it in arrival order. A replayed event naming an unknown
// participant triggers a resync whose failure is logged; the initial read
// stands and later events retry it.
func (m *Machine) Bootstrap(ctx context.Context, self, boss character.Character, others []character.Character) error {
	m.mu.Lock()
	if m.bootstrapped {
		m.mu.Unlock()
		return apperrors.New(apperrors.CodeAlreadyBootstrapped, "battle already bootstrapped")
	}
	self = self.WithHP(self.HP)
	boss = boss.WithHP(boss.HP)
	m.self = &self
	m.boss = &boss
	m.others = m.others[:0]
	for _, other := range others {
		if other.ID == self.ID {
			continue
		}
		m.others = append(m.others, other.WithHP(other.HP))
	}
	m.bootstrapped = true
	m.refreshOutcomeLocked()

	pending := m.pending
	m.pending = nil
	resync := false
	for _, evt := range pending {
		if _, unknown := m.applyLocked(evt); unknown {
			resync = true
		}
	}
	session := m.session
	selfID := self.ID
	m.commitLocked()

	if len(pending) > 0 {
		log.Printf("battle: replayed %d events buffered during bootstrap", len(pending))
	}
	if resync {
		if err := m.resync(ctx, session, selfID); err != nil {
			log.Printf("battle: bootstrap kept the initial read; roster resync failed: %v", err)
		}
	}
	return nil
}

// RequestAction submits one attack and waits for it to be confirmed. Only one
// attack may be outstanding; a second call while one is pending, a call after
// victory, or a call before bootstrap returns an error without touching the
// ledger.
func (m *Machine) RequestAction(ctx context.Context) (ledger.Receipt, error) {
	m.mu.Lock()
	if err := m.admitLocked(); err != nil {
		m.mu.Unlock()
		return ledger.Receipt{}, err
	}
	m.stopHitTimerLocked()
	m.cycle++
	session, cycle := m.session, m.cycle
	selfID := m.self.ID
	m.phase = PhaseSubmitting
	m.hit = nil
	m.lastErr = nil
	m.commitLocked()

	handle, err := m.ledger.SubmitAction(ctx)
	if err != nil {
		return ledger.Receipt{}, m.fail(ctx, session, cycle, selfID, "", err)
	}
	m.record(ctx, ActionRecord{ActionID: handle.ID, HolderIndex: selfID, Status: ActionSubmitted})

	receipt, err := m.ledger.AwaitConfirmation(ctx, handle)
	if err != nil {
		return ledger.Receipt{}, m.fail(ctx, session, cycle, selfID, handle.ID, err)
	}
	m.confirm(ctx, session, cycle, selfID, receipt)
	return receipt, nil
}

func (m *Machine) admitLocked() error {
	switch {
	case !m.bootstrapped:
		return apperrors.New(apperrors.CodeNotBootstrapped, "battle is not bootstrapped")
	case m.outcome == OutcomeVictory:
		return apperrors.New(apperrors.CodeBattleAlreadyWon, "boss already defeated")
	case m.phase != PhaseIdle:
		return apperrors.New(apperrors.CodeActionAlreadyInFlight, "an attack is already in flight")
	}
	return nil
}

func (m *Machine) confirm(ctx context.Context, session, cycle uint64, selfID int64, receipt ledger.Receipt) {
	m.mu.Lock()
	if m.session != session || m.cycle != cycle {
		m.mu.Unlock()
		log.Printf("battle: dropping confirmation of %s for a discarded session", receipt.ActionID)
		return
	}
	bossBefore := m.boss.HP
	observed := receipt.Outcome != nil
	if outcome := receipt.Outcome; outcome != nil {
		bossHP, okBoss := character.Amount(outcome.BossHP)
		actorHP, okActor := character.Amount(outcome.ActorHP)
		if !okBoss || !okActor {
			log.Printf("battle: receipt %s carries out of range hp; clamped", receipt.ActionID)
		}
		if pos := outcome.Position; !pos.IsZero() && !m.applied.IsZero() && !pos.After(m.applied) {
			observed = false
			log.Printf("battle: receipt %s at %d/%d is older than applied state; keeping newer hp", receipt.ActionID, pos.Block, pos.Index)
		} else {
			m.applyLocked(ActionOutcome(selfID, bossHP, actorHP).At(pos))
		}
	}
	m.phase = PhaseConfirmed
	m.lastActionID = receipt.ActionID
	m.hit = &Hit{
		BossName: m.boss.Name,
		Damage:   m.hitDamageLocked(bossBefore, observed),
		ActionID: receipt.ActionID,
	}
	m.hitTimer = m.scheduler.AfterFunc(m.hitWindow, func() { m.endHitWindow(session, cycle) })
	record := ActionRecord{
		ActionID:    receipt.ActionID,
		HolderIndex: selfID,
		Status:      ActionConfirmed,
		BossHP:      m.boss.HP,
		SelfHP:      m.self.HP,
	}
	m.commitLocked()
	m.record(ctx, record)
}

// hitDamageLocked reports the damage shown in the hit indicator. It prefers
// the observed boss hp drop and falls back to the attacker's rated damage
// when the drop was already applied by a remote event.
func (m *Machine) hitDamageLocked(bossBefore int64, observed bool) int64 {
	if observed {
		if drop := bossBefore - m.boss.HP; drop > 0 {
			return drop
		}
	}
	return m.self.AttackDamage
}

func (m *Machine) endHitWindow(session, cycle uint64) {
	m.mu.Lock()
	if m.session != session || m.cycle != cycle || m.phase != PhaseConfirmed {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseIdle
	m.hit = nil
	m.hitTimer = nil
	m.commitLocked()
}

func (m *Machine) fail(ctx context.Context, session, cycle uint64, selfID int64, actionID string, err error) error {
	err = apperrors.Ensure(err, apperrors.CodeRemoteUnavailable, "attack")
	m.mu.Lock()
	if m.session != session || m.cycle != cycle {
		m.mu.Unlock()
		return err
	}
	m.phase = PhaseFailed
	m.lastErr = failureOf(err)
	m.version++
	failed := m.snapshotLocked()
	m.phase = PhaseIdle
	m.version++
	idle := m.snapshotLocked()
	m.deliverLocked(failed, idle)

	log.Printf("battle: attack %s failed: %v", actionID, err)
	m.record(ctx, ActionRecord{
		ActionID:    actionID,
		HolderIndex: selfID,
		Status:      ActionFailed,
		ErrorCode:   string(apperrors.CodeOf(err)),
	})
	return err
}

// ApplyRemoteEvent folds a push event into the state. Events that arrive
// before Bootstrap are buffered and replayed by it. An event naming a
// participant that is not in the roster triggers a roster refetch.
func (m *Machine) ApplyRemoteEvent(ctx context.Context, evt Event) error {
	m.mu.Lock()
	if !m.bootstrapped {
		if len(m.pending) >= maxPendingEvents {
			m.pending = m.pending[1:]
			log.Printf("battle: pending event buffer full; dropping oldest")
		}
		m.pending = append(m.pending, evt)
		m.mu.Unlock()
		return nil
	}
	changed, unknown := m.applyLocked(evt)
	session, selfID := m.session, m.self.ID
	if changed {
		m.commitLocked()
	} else {
		m.mu.Unlock()
	}
	if unknown {
		return m.resync(ctx, session, selfID)
	}
	return nil
}

// Resync refetches the boss and the roster and folds them into the state.
func (m *Machine) Resync(ctx context.Context) error {
	m.mu.Lock()
	if !m.bootstrapped {
		m.mu.Unlock()
		return apperrors.New(apperrors.CodeNotBootstrapped, "battle is not bootstrapped")
	}
	session, selfID := m.session, m.self.ID
	m.mu.Unlock()
	return m.resync(ctx, session, selfID)
}

type ledgerView struct {
	boss   character.Character
	self   *character.Character
	others []character.Character
}

// resync refetches ledger state. Concurrent callers of the same session and
// self share one fetch, since the roster is decoded relative to self. The
// event that triggered it was emitted before the fetch started, so the
// fetched state already reflects it.
func (m *Machine) resync(ctx context.Context, session uint64, selfID int64) error {
	key := strconv.FormatUint(session, 10) + "/" + strconv.FormatInt(selfID, 10)
	v, err, _ := m.resyncGroup.Do(key, func() (any, error) {
		return m.fetchView(ctx, selfID)
	})
	if err != nil {
		log.Printf("battle: resync: %v", err)
		return err
	}
	view := v.(ledgerView)

	m.mu.Lock()
	if m.session != session || !m.bootstrapped {
		m.mu.Unlock()
		return nil
	}
	if m.outcome != OutcomeVictory {
		boss := view.boss.WithHP(view.boss.HP)
		boss.ID = ledger.BossID
		m.boss = &boss
		m.refreshOutcomeLocked()
	}
	if view.self != nil && view.self.ID == m.self.ID {
		self := view.self.WithHP(view.self.HP)
		if m.self.Defeated() {
			self.HP = 0
		}
		m.self = &self
	}
	merged := make([]character.Character, 0, len(view.others))
	for _, other := range view.others {
		if other.ID == m.self.ID {
			continue
		}
		if prev, ok := m.findOtherLocked(other.ID); ok && prev.Defeated() {
			other.HP = 0
		}
		merged = append(merged, other.WithHP(other.HP))
	}
	m.others = merged
	m.commitLocked()
	log.Printf("battle: resynchronized with %d participants", len(merged))
	return nil
}

// fetchView reads the boss and the full roster in parallel.
func (m *Machine) fetchView(ctx context.Context, selfID int64) (ledgerView, error) {
	var (
		view    ledgerView
		records []character.RawRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		boss, err := m.ledger.FetchBoss(gctx)
		view.boss = boss
		return err
	})
	g.Go(func() error {
		var err error
		records, err = m.ledger.FetchRoster(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return ledgerView{}, err
	}

	others, err := character.DecodeRoster(records, selfID)
	if err != nil {
		log.Printf("battle: resync roster: %v", err)
	}
	view.others = others
	if selfID >= 0 && selfID < int64(len(records)) {
		self, err := character.Decode(selfID, records[selfID])
		if err != nil {
			log.Printf("battle: resync self: %v", err)
		}
		view.self = &self
	}
	return view, nil
}

// applyLocked folds one event. It reports whether state changed and whether
// the event named a participant the machine does not know.
func (m *Machine) applyLocked(evt Event) (changed, unknown bool) {
	switch evt.Kind {
	case KindActionOutcome:
		if evt.Position.After(m.applied) {
			m.applied = evt.Position
		}
		if m.outcome != OutcomeVictory {
			if next := character.ClampHP(evt.BossHP, m.boss.MaxHP); next != m.boss.HP {
				m.boss.HP = next
				changed = true
			}
			if m.refreshOutcomeLocked() {
				changed = true
			}
		}
		switch {
		case evt.ActorID == m.self.ID:
			changed = setHP(m.self, evt.ActorHP) || changed
		default:
			i := m.indexOfOtherLocked(evt.ActorID)
			if i < 0 {
				return changed, true
			}
			changed = setHP(&m.others[i], evt.ActorHP) || changed
		}
	case KindRosterChanged:
		c := evt.Character
		if c.ID == m.self.ID || c.ID == ledger.BossID {
			return false, false
		}
		c = c.WithHP(c.HP)
		i := m.indexOfOtherLocked(c.ID)
		if i < 0 {
			m.others = append(m.others, c)
			return true, false
		}
		if m.others[i].Defeated() {
			c.HP = 0
		}
		if m.others[i] != c {
			m.others[i] = c
			changed = true
		}
	default:
		log.Printf("battle: ignoring event of kind %q", evt.Kind)
	}
	return changed, false
}

// setHP writes an absolute hp. A defeated character stays at zero.
func setHP(c *character.Character, hp int64) bool {
	if c.Defeated() {
		return false
	}
	next := character.ClampHP(hp, c.MaxHP)
	if next == c.HP {
		return false
	}
	c.HP = next
	return true
}

func (m *Machine) refreshOutcomeLocked() bool {
	if m.outcome == OutcomeVictory || m.boss == nil || !m.boss.Defeated() {
		return false
	}
	m.outcome = OutcomeVictory
	log.Printf("battle: boss %s defeated", m.boss.Label())
	return true
}

func (m *Machine) indexOfOtherLocked(id int64) int {
	for i := range m.others {
		if m.others[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Machine) findOtherLocked(id int64) (character.Character, bool) {
	if i := m.indexOfOtherLocked(id); i >= 0 {
		return m.others[i], true
	}
	return character.Character{}, false
}

// Reset discards the session. In-flight confirmations and timers from the
// discarded session are ignored when they resolve.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.stopHitTimerLocked()
	m.session++
	m.bootstrapped = false
	m.self = nil
	m.boss = nil
	m.others = nil
	m.pending = nil
	m.applied = ledger.Position{}
	m.phase = PhaseIdle
	m.outcome = OutcomeInProgress
	m.hit = nil
	m.lastErr = nil
	m.lastActionID = ""
	m.commitLocked()
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:      m.version,
		Bootstrapped: m.bootstrapped,
		Self:         copyCharacter(m.self),
		Boss:         copyCharacter(m.boss),
		Others:       append([]character.Character{}, m.others...),
		Phase:        m.phase,
		Outcome:      m.outcome,
		LastActionID: m.lastActionID,
	}
	if m.hit != nil {
		hit := *m.hit
		snap.Hit = &hit
	}
	if m.lastErr != nil {
		failure := *m.lastErr
		snap.LastError = &failure
	}
	return snap
}

func (m *Machine) stopHitTimerLocked() {
	if m.hitTimer != nil {
		m.hitTimer.Stop()
		m.hitTimer = nil
	}
}

func (m *Machine) record(ctx context.Context, record ActionRecord) {
	if m.journal == nil {
		return
	}
	record.RecordedAt = m.now().UTC()
	if err := m.journal.RecordAction(context.WithoutCancel(ctx), record); err != nil {
		log.Printf("battle: journal %s %s: %v", record.Status, record.ActionID, err)
	}
}
