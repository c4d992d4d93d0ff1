package battle_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
	"github.com/louisbranch/bossarena/internal/testkit/ledgerfake"
)

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) battle.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every scheduled callback, stopped or not, the way a timer that
// raced with Stop would.
func (c *manualClock) fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
}

type memJournal struct {
	mu      sync.Mutex
	records []battle.ActionRecord
}

func (j *memJournal) RecordAction(_ context.Context, record battle.ActionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, record)
	return nil
}

func (j *memJournal) statuses() []battle.ActionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]battle.ActionStatus, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Status)
	}
	return out
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []battle.Phase
	last   battle.Snapshot
}

func (r *phaseRecorder) observe(snap battle.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.phases); n == 0 || r.phases[n-1] != snap.Phase {
		r.phases = append(r.phases, snap.Phase)
	}
	r.last = snap
}

func (r *phaseRecorder) seen() []battle.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]battle.Phase{}, r.phases...)
}

type fixture struct {
	fake    *ledgerfake.Contract
	clock   *manualClock
	journal *memJournal
	machine *battle.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := ledgerfake.New()
	fake.SetBoss(ledgerfake.Record("Gorgon", 200, 200, 10))
	fake.AddHolder("0xaaa", ledgerfake.Record("Aria", 100, 100, 25))
	fake.AddHolder("0xbbb", ledgerfake.Record("Bram", 80, 80, 20))
	client, err := ledger.NewClient(fake, ledger.Options{ConfirmationTimeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	clock := &manualClock{}
	journal := &memJournal{}
	machine, err := battle.NewMachine(client, battle.Config{
		HitWindow: 5 * time.Second,
		Scheduler: clock,
		Journal:   journal,
	})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return &fixture{fake: fake, clock: clock, journal: journal, machine: machine}
}

var (
	selfChar = character.Character{ID: 0, Name: "Aria", HP: 100, MaxHP: 100, AttackDamage: 25}
	bossChar = character.Character{ID: ledger.BossID, Name: "Gorgon", HP: 200, MaxHP: 200, AttackDamage: 10}
	bramChar = character.Character{ID: 1, Name: "Bram", HP: 80, MaxHP: 80, AttackDamage: 20}
)

func (f *fixture) bootstrap(t *testing.T, boss character.Character) {
	t.Helper()
	if err := f.machine.Bootstrap(context.Background(), selfChar, boss, []character.Character{bramChar}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
}

func receiptWith(bossHP, selfHP int64) func(ledger.ActionHandle) (ledger.Receipt, error) {
	return func(handle ledger.ActionHandle) (ledger.Receipt, error) {
		return ledger.Receipt{
			ActionID:    handle.ID,
			BlockNumber: 7,
			Outcome: &ledger.ActionOutcome{
				Actor:   "0xaaa",
				BossHP:  big.NewInt(bossHP),
				ActorHP: big.NewInt(selfHP),
			},
		}, nil
	}
}

func TestNewMachineRequiresLedger(t *testing.T) {
	if _, err := battle.NewMachine(nil, battle.Config{}); err == nil {
		t.Fatal("expected missing ledger error")
	}
}

func TestInitialSnapshotIsEmpty(t *testing.T) {
	f := newFixture(t)
	snap := f.machine.Snapshot()
	if snap.Bootstrapped || snap.Self != nil || snap.Boss != nil {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
	if snap.Phase != battle.PhaseIdle || snap.Outcome != battle.OutcomeInProgress {
		t.Fatalf("phase/outcome = %s/%s, want idle/in_progress", snap.Phase, snap.Outcome)
	}
}

func TestBootstrapTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	before := f.machine.Snapshot()

	err := f.machine.Bootstrap(context.Background(), selfChar, bossChar, nil)
	if !errors.Is(err, apperrors.ErrAlreadyBootstrapped) {
		t.Fatalf("err = %v, want already bootstrapped", err)
	}
	if after := f.machine.Snapshot(); after.Version != before.Version || len(after.Others) != 1 {
		t.Fatalf("second bootstrap changed state: %+v", after)
	}
}

func TestBootstrapExcludesSelfFromOthersAndClamps(t *testing.T) {
	f := newFixture(t)
	overfull := character.Character{ID: 3, Name: "Cato", HP: 500, MaxHP: 50}
	err := f.machine.Bootstrap(context.Background(), selfChar, bossChar, []character.Character{selfChar, bramChar, overfull})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	snap := f.machine.Snapshot()
	if len(snap.Others) != 2 || snap.Others[0].ID != 1 || snap.Others[1].ID != 3 {
		t.Fatalf("others = %+v, want ids 1,3", snap.Others)
	}
	if snap.Others[1].HP != 50 {
		t.Fatalf("clamped hp = %d, want 50", snap.Others[1].HP)
	}
}

func TestRequestActionBeforeBootstrap(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.RequestAction(context.Background())
	if !errors.Is(err, apperrors.ErrNotBootstrapped) {
		t.Fatalf("err = %v, want not bootstrapped", err)
	}
	if got := f.fake.Calls(ledgerfake.MethodSubmitAction); got != 0 {
		t.Fatalf("submit calls = %d, want 0", got)
	}
}

func TestRequestActionTwiceSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)

	type result struct {
		receipt ledger.Receipt
		err     error
	}
	done := make(chan result, 1)
	go func() {
		receipt, err := f.machine.RequestAction(context.Background())
		done <- result{receipt, err}
	}()

	var handle ledger.ActionHandle
	select {
	case handle = <-f.fake.Submitted():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for submission")
	}

	_, err := f.machine.RequestAction(context.Background())
	if !errors.Is(err, apperrors.ErrActionAlreadyInFlight) {
		t.Fatalf("second request err = %v, want action already in flight", err)
	}
	if got := f.fake.Calls(ledgerfake.MethodSubmitAction); got != 1 {
		t.Fatalf("submit calls = %d, want 1", got)
	}

	f.fake.Resolve(handle.ID, ledger.Receipt{ActionID: handle.ID}, nil)
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("first request: %v", res.err)
		}
		if res.receipt.ActionID != handle.ID {
			t.Fatalf("receipt id = %q, want %q", res.receipt.ActionID, handle.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}
}

func TestRemoteVictoryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()

	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(selfChar.ID, 0, 80)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := f.machine.Snapshot()
	if first.Outcome != battle.OutcomeVictory || first.Boss.HP != 0 || first.Self.HP != 80 {
		t.Fatalf("snapshot = %+v, want victory with self hp 80", first)
	}

	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(selfChar.ID, 0, 80)); err != nil {
		t.Fatalf("apply duplicate: %v", err)
	}
	second := f.machine.Snapshot()
	if second.Version != first.Version {
		t.Fatalf("duplicate changed version %d -> %d", first.Version, second.Version)
	}
	if second.Outcome != battle.OutcomeVictory || second.Boss.HP != 0 || second.Self.HP != 80 {
		t.Fatalf("duplicate changed state: %+v", second)
	}
}

func TestVictoryNeverReverts(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()
	_ = f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 0, 60))
	_ = f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 40, 50))

	snap := f.machine.Snapshot()
	if snap.Outcome != battle.OutcomeVictory || snap.Boss.HP != 0 {
		t.Fatalf("boss hp/outcome = %d/%s, want 0/victory", snap.Boss.HP, snap.Outcome)
	}
	if snap.Others[0].HP != 50 {
		t.Fatalf("bram hp = %d, want 50", snap.Others[0].HP)
	}
}

func TestConfirmedActionAndRemoteEchoDoNotDoubleSubtract(t *testing.T) {
	f := newFixture(t)
	boss := bossChar
	boss.HP = 50
	f.bootstrap(t, boss)
	f.fake.ReceiptFor = receiptWith(30, 100)

	if _, err := f.machine.RequestAction(context.Background()); err != nil {
		t.Fatalf("request action: %v", err)
	}
	if err := f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(selfChar.ID, 30, 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := f.machine.Snapshot().Boss.HP; got != 30 {
		t.Fatalf("boss hp = %d, want 30", got)
	}
}

func TestRemoteEventBeforeConfirmationKeepsHitDamage(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.ReceiptFor = func(handle ledger.ActionHandle) (ledger.Receipt, error) {
		// The push event overtakes the receipt.
		if err := f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(selfChar.ID, 175, 100)); err != nil {
			return ledger.Receipt{}, err
		}
		return receiptWith(175, 100)(handle)
	}
	if _, err := f.machine.RequestAction(context.Background()); err != nil {
		t.Fatalf("request action: %v", err)
	}
	snap := f.machine.Snapshot()
	if snap.Boss.HP != 175 {
		t.Fatalf("boss hp = %d, want 175", snap.Boss.HP)
	}
	if snap.Hit == nil || snap.Hit.Damage != 25 || snap.Hit.BossName != "Gorgon" {
		t.Fatalf("hit = %+v, want 25 damage on Gorgon", snap.Hit)
	}
}

func TestRequestActionAfterVictory(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	_ = f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(bramChar.ID, 0, 80))

	_, err := f.machine.RequestAction(context.Background())
	if !errors.Is(err, apperrors.ErrBattleAlreadyWon) {
		t.Fatalf("err = %v, want battle already won", err)
	}
	if got := f.fake.Calls(ledgerfake.MethodSubmitAction); got != 0 {
		t.Fatalf("submit calls = %d, want 0", got)
	}
}

func TestEndToEndAttackCycle(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.ReceiptFor = receiptWith(175, 100)
	rec := &phaseRecorder{}
	sub := f.machine.SubscribeToChanges(rec.observe)
	defer sub.Cancel()

	receipt, err := f.machine.RequestAction(context.Background())
	if err != nil {
		t.Fatalf("request action: %v", err)
	}
	if err := f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(selfChar.ID, 175, 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := f.machine.Snapshot()
	if snap.Phase != battle.PhaseConfirmed || snap.Hit == nil {
		t.Fatalf("phase = %s hit = %+v, want confirmed with hit", snap.Phase, snap.Hit)
	}
	if snap.LastActionID != receipt.ActionID {
		t.Fatalf("last action = %q, want %q", snap.LastActionID, receipt.ActionID)
	}

	f.clock.fire()
	snap = f.machine.Snapshot()
	if snap.Boss.HP != 175 || snap.Self.HP != 100 {
		t.Fatalf("boss/self hp = %d/%d, want 175/100", snap.Boss.HP, snap.Self.HP)
	}
	if snap.Phase != battle.PhaseIdle || snap.Outcome != battle.OutcomeInProgress || snap.Hit != nil {
		t.Fatalf("final snapshot = %+v, want idle in progress without hit", snap)
	}

	// The duplicate push event changes nothing and is not delivered.
	want := []battle.Phase{battle.PhaseSubmitting, battle.PhaseConfirmed, battle.PhaseIdle}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}

	statuses := f.journal.statuses()
	if len(statuses) != 2 || statuses[0] != battle.ActionSubmitted || statuses[1] != battle.ActionConfirmed {
		t.Fatalf("journal = %v, want submitted, confirmed", statuses)
	}
}

func TestHitWindowUsesConfiguredDuration(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.ReceiptFor = receiptWith(175, 100)
	if _, err := f.machine.RequestAction(context.Background()); err != nil {
		t.Fatalf("request action: %v", err)
	}
	f.clock.mu.Lock()
	defer f.clock.mu.Unlock()
	if len(f.clock.timers) != 1 || f.clock.timers[0].d != 5*time.Second {
		t.Fatalf("timers = %+v, want one 5s timer", f.clock.timers)
	}
}

func TestNewActionAfterHitWindowIgnoresStaleTimer(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.ReceiptFor = receiptWith(175, 100)
	ctx := context.Background()
	if _, err := f.machine.RequestAction(ctx); err != nil {
		t.Fatalf("first action: %v", err)
	}
	f.clock.mu.Lock()
	first := f.clock.timers[0]
	f.clock.timers = nil
	f.clock.mu.Unlock()
	first.f()

	f.fake.ReceiptFor = receiptWith(150, 100)
	if _, err := f.machine.RequestAction(ctx); err != nil {
		t.Fatalf("second action: %v", err)
	}
	first.f()
	if got := f.machine.Snapshot().Phase; got != battle.PhaseConfirmed {
		t.Fatalf("phase = %s, want confirmed until the second window ends", got)
	}
}

func TestSubmissionRejectedFailsThenIdles(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.SubmitHook = func(context.Context) error {
		return apperrors.New(apperrors.CodeSubmissionRejected, "user declined")
	}
	rec := &phaseRecorder{}
	sub := f.machine.SubscribeToChanges(rec.observe)
	defer sub.Cancel()

	_, err := f.machine.RequestAction(context.Background())
	if !errors.Is(err, apperrors.ErrSubmissionRejected) {
		t.Fatalf("err = %v, want submission rejected", err)
	}
	want := []battle.Phase{battle.PhaseSubmitting, battle.PhaseFailed, battle.PhaseIdle}
	got := rec.seen()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	snap := f.machine.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != apperrors.CodeSubmissionRejected || snap.LastError.Retryable {
		t.Fatalf("last error = %+v, want non-retryable submission rejected", snap.LastError)
	}
	if snap.Boss.HP != 200 {
		t.Fatalf("boss hp = %d, want unchanged 200", snap.Boss.HP)
	}
	statuses := f.journal.statuses()
	if len(statuses) != 1 || statuses[0] != battle.ActionFailed {
		t.Fatalf("journal = %v, want failed", statuses)
	}
}

func TestRevertedActionAllowsRetry(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.ReceiptFor = func(ledger.ActionHandle) (ledger.Receipt, error) {
		return ledger.Receipt{}, apperrors.New(apperrors.CodeActionReverted, "execution reverted")
	}
	_, err := f.machine.RequestAction(context.Background())
	if !errors.Is(err, apperrors.ErrActionReverted) {
		t.Fatalf("err = %v, want action reverted", err)
	}
	if snap := f.machine.Snapshot(); snap.Phase != battle.PhaseIdle || !snap.LastError.Retryable {
		t.Fatalf("snapshot = %+v, want idle with retryable error", snap)
	}

	f.fake.ReceiptFor = receiptWith(175, 100)
	if _, err := f.machine.RequestAction(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if snap := f.machine.Snapshot(); snap.LastError != nil || snap.Boss.HP != 175 {
		t.Fatalf("snapshot = %+v, want cleared error and boss hp 175", snap)
	}
}

func TestEventsBeforeBootstrapAreReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 190, 70)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.machine.Snapshot().Bootstrapped {
		t.Fatal("buffered event bootstrapped the machine")
	}
	f.bootstrap(t, bossChar)

	snap := f.machine.Snapshot()
	if snap.Boss.HP != 190 || snap.Others[0].HP != 70 {
		t.Fatalf("boss/bram hp = %d/%d, want 190/70", snap.Boss.HP, snap.Others[0].HP)
	}
}

func TestUnknownActorTriggersRosterResync(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	index := f.fake.AddHolder("0xccc", ledgerfake.Record("Cato", 40, 60, 5))
	f.fake.SetHP(ledger.BossID, 180)

	if err := f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(index, 180, 40)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := f.fake.Calls(ledgerfake.MethodGetAllEntities); got != 1 {
		t.Fatalf("roster fetches = %d, want 1", got)
	}
	if got := f.fake.Calls(ledgerfake.MethodGetBigBoss); got != 1 {
		t.Fatalf("boss fetches = %d, want 1", got)
	}
	snap := f.machine.Snapshot()
	if snap.Boss.HP != 180 {
		t.Fatalf("boss hp = %d, want 180", snap.Boss.HP)
	}
	if len(snap.Others) != 2 || snap.Others[1].ID != index || snap.Others[1].HP != 40 {
		t.Fatalf("others = %+v, want Bram and Cato", snap.Others)
	}
}

func TestResyncFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	f.fake.FailWith(ledgerfake.MethodGetAllEntities, errors.New("dial tcp: connection refused"))

	err := f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(9, 150, 10))
	if !errors.Is(err, apperrors.ErrRemoteUnavailable) {
		t.Fatalf("err = %v, want remote unavailable", err)
	}
	if got := f.machine.Snapshot().Boss.HP; got != 150 {
		t.Fatalf("boss hp = %d, want 150", got)
	}
}

func TestResyncKeepsVictoryAndRefreshesSelf(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()
	_ = f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 0, 80))
	f.fake.SetHP(0, 64)

	if err := f.machine.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	snap := f.machine.Snapshot()
	if snap.Boss.HP != 0 || snap.Outcome != battle.OutcomeVictory {
		t.Fatalf("boss hp/outcome = %d/%s, want 0/victory", snap.Boss.HP, snap.Outcome)
	}
	if snap.Self.HP != 64 {
		t.Fatalf("self hp = %d, want 64 from ledger", snap.Self.HP)
	}
}

func TestResyncBeforeBootstrap(t *testing.T) {
	f := newFixture(t)
	if err := f.machine.Resync(context.Background()); !errors.Is(err, apperrors.ErrNotBootstrapped) {
		t.Fatalf("err = %v, want not bootstrapped", err)
	}
}

func TestBootstrapSurvivesFailedReplayResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(9, 150, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	f.fake.FailWith(ledgerfake.MethodGetAllEntities, errors.New("dial tcp: connection refused"))

	if err := f.machine.Bootstrap(ctx, selfChar, bossChar, []character.Character{bramChar}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	snap := f.machine.Snapshot()
	if !snap.Bootstrapped || snap.Boss.HP != 150 {
		t.Fatalf("bootstrapped/boss hp = %v/%d, want true/150", snap.Bootstrapped, snap.Boss.HP)
	}
	if len(snap.Others) != 1 || snap.Others[0].ID != bramChar.ID {
		t.Fatalf("others = %+v, want Bram from the initial read", snap.Others)
	}
}

func awaitSubmission(t *testing.T, f *fixture) ledger.ActionHandle {
	t.Helper()
	select {
	case handle := <-f.fake.Submitted():
		return handle
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for submission")
		return ledger.ActionHandle{}
	}
}

func positionedReceipt(actionID string, bossHP, selfHP int64, pos ledger.Position) ledger.Receipt {
	return ledger.Receipt{
		ActionID:    actionID,
		BlockNumber: pos.Block,
		Outcome: &ledger.ActionOutcome{
			Actor:    "0xaaa",
			BossHP:   big.NewInt(bossHP),
			ActorHP:  big.NewInt(selfHP),
			Position: pos,
		},
	}
}

func TestStaleReceiptKeepsNewerRemoteState(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.RequestAction(ctx)
		done <- err
	}()
	handle := awaitSubmission(t, f)

	// The own echo and a later attack by Bram both land before the receipt.
	own := ledger.Position{Block: 10, Index: 0}
	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(selfChar.ID, 175, 100).At(own)); err != nil {
		t.Fatalf("apply own: %v", err)
	}
	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 155, 80).At(ledger.Position{Block: 11})); err != nil {
		t.Fatalf("apply bram: %v", err)
	}

	f.fake.Resolve(handle.ID, positionedReceipt(handle.ID, 175, 100, own), nil)
	if err := <-done; err != nil {
		t.Fatalf("request action: %v", err)
	}

	snap := f.machine.Snapshot()
	if snap.Boss.HP != 155 {
		t.Fatalf("boss hp = %d, want 155 from the newer event", snap.Boss.HP)
	}
	if snap.Phase != battle.PhaseConfirmed || snap.Hit == nil || snap.Hit.Damage != selfChar.AttackDamage {
		t.Fatalf("phase/hit = %s/%+v, want confirmed with rated damage", snap.Phase, snap.Hit)
	}
}

func TestNewerReceiptOverridesOlderRemoteState(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.RequestAction(ctx)
		done <- err
	}()
	handle := awaitSubmission(t, f)

	if err := f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 190, 80).At(ledger.Position{Block: 10, Index: 2})); err != nil {
		t.Fatalf("apply bram: %v", err)
	}
	f.fake.Resolve(handle.ID, positionedReceipt(handle.ID, 165, 90, ledger.Position{Block: 11, Index: 0}), nil)
	if err := <-done; err != nil {
		t.Fatalf("request action: %v", err)
	}

	snap := f.machine.Snapshot()
	if snap.Boss.HP != 165 || snap.Self.HP != 90 {
		t.Fatalf("boss/self hp = %d/%d, want 165/90", snap.Boss.HP, snap.Self.HP)
	}
	if snap.Hit == nil || snap.Hit.Damage != 25 {
		t.Fatalf("hit = %+v, want observed drop of 25", snap.Hit)
	}
}

// gatedLedger holds the first roster read until release is closed.
type gatedLedger struct {
	battle.Ledger
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) FetchRoster(ctx context.Context) ([]character.RawRecord, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Ledger.FetchRoster(ctx)
}

func TestResyncAcrossAccountSwitchKeepsNewRoster(t *testing.T) {
	fake := ledgerfake.New()
	fake.SetBoss(ledgerfake.Record("Gorgon", 200, 200, 10))
	fake.AddHolder("0xaaa", ledgerfake.Record("Aria", 100, 100, 25))
	fake.AddHolder("0xbbb", ledgerfake.Record("Bram", 80, 80, 20))
	catoIndex := fake.AddHolder("0xccc", ledgerfake.Record("Cato", 40, 60, 5))
	client, err := ledger.NewClient(fake, ledger.Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	gate := &gatedLedger{Ledger: client, entered: make(chan struct{}), release: make(chan struct{})}
	machine, err := battle.NewMachine(gate, battle.Config{Scheduler: &manualClock{}})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	ctx := context.Background()
	if err := machine.Bootstrap(ctx, selfChar, bossChar, []character.Character{bramChar}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	previous := make(chan error, 1)
	go func() { previous <- machine.Resync(ctx) }()
	<-gate.entered

	cato := character.Character{ID: catoIndex, Name: "Cato", HP: 40, MaxHP: 60, AttackDamage: 5}
	machine.Reset()
	if err := machine.Bootstrap(ctx, cato, bossChar, []character.Character{selfChar, bramChar}); err != nil {
		t.Fatalf("rebootstrap: %v", err)
	}

	current := make(chan error, 1)
	go func() { current <- machine.Resync(ctx) }()
	select {
	case err := <-current:
		if err != nil {
			t.Fatalf("resync: %v", err)
		}
	case <-time.After(time.Second):
		close(gate.release)
		<-current
		t.Fatal("resync of the new account waited on the previous account's read")
	}
	close(gate.release)
	if err := <-previous; err != nil {
		t.Fatalf("previous resync: %v", err)
	}

	snap := machine.Snapshot()
	if snap.Self.ID != catoIndex {
		t.Fatalf("self = %+v, want Cato", snap.Self)
	}
	if len(snap.Others) != 2 || snap.Others[0].ID != selfChar.ID || snap.Others[1].ID != bramChar.ID {
		t.Fatalf("others = %+v, want Aria then Bram", snap.Others)
	}
}

func TestRosterChanged(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()
	cato := character.Character{ID: 2, Name: "Cato", HP: 60, MaxHP: 60, AttackDamage: 5}

	_ = f.machine.ApplyRemoteEvent(ctx, battle.RosterChanged(cato))
	_ = f.machine.ApplyRemoteEvent(ctx, battle.RosterChanged(selfChar))
	renamed := bramChar
	renamed.Name = "Bram II"
	_ = f.machine.ApplyRemoteEvent(ctx, battle.RosterChanged(renamed))

	snap := f.machine.Snapshot()
	if len(snap.Others) != 2 {
		t.Fatalf("others = %+v, want 2 entries", snap.Others)
	}
	if snap.Others[0].Name != "Bram II" || snap.Others[1].ID != 2 {
		t.Fatalf("others = %+v, want updated Bram then Cato", snap.Others)
	}
}

func TestRemoteHPIsClampedAndDefeatIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	ctx := context.Background()

	_ = f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 500, 900))
	snap := f.machine.Snapshot()
	if snap.Boss.HP != 200 || snap.Others[0].HP != 80 {
		t.Fatalf("boss/bram hp = %d/%d, want clamped 200/80", snap.Boss.HP, snap.Others[0].HP)
	}

	_ = f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 190, -4))
	_ = f.machine.ApplyRemoteEvent(ctx, battle.ActionOutcome(bramChar.ID, 180, 30))
	if got := f.machine.Snapshot().Others[0].HP; got != 0 {
		t.Fatalf("bram hp = %d, want defeated at 0", got)
	}
}

func TestResetDiscardsInFlightConfirmation(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.RequestAction(context.Background())
		done <- err
	}()
	handle := <-f.fake.Submitted()

	f.machine.Reset()
	f.fake.Resolve(handle.ID, ledger.Receipt{
		ActionID: handle.ID,
		Outcome:  &ledger.ActionOutcome{BossHP: big.NewInt(175), ActorHP: big.NewInt(100)},
	}, nil)
	if err := <-done; err != nil {
		t.Fatalf("request action: %v", err)
	}

	snap := f.machine.Snapshot()
	if snap.Bootstrapped || snap.Boss != nil || snap.Phase != battle.PhaseIdle {
		t.Fatalf("snapshot = %+v, want reset state", snap)
	}
	f.bootstrap(t, bossChar)
	if got := f.machine.Snapshot().Boss.HP; got != 200 {
		t.Fatalf("boss hp after rebootstrap = %d, want 200", got)
	}
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	f := newFixture(t)
	var (
		mu    sync.Mutex
		count int
	)
	sub := f.machine.SubscribeToChanges(func(battle.Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	f.bootstrap(t, bossChar)
	sub.Cancel()
	sub.Cancel()
	_ = f.machine.ApplyRemoteEvent(context.Background(), battle.ActionOutcome(bramChar.ID, 150, 70))

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("deliveries = %d, want 1", count)
	}
}

func TestSubscriptionCancelFromCallback(t *testing.T) {
	f := newFixture(t)
	calls := 0
	var sub *battle.Subscription
	sub = f.machine.SubscribeToChanges(func(battle.Snapshot) {
		calls++
		sub.Cancel()
	})
	f.bootstrap(t, bossChar)
	f.machine.Reset()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, bossChar)
	snap := f.machine.Snapshot()
	snap.Boss.HP = 1
	snap.Others[0].HP = 1
	again := f.machine.Snapshot()
	if again.Boss.HP != 200 || again.Others[0].HP != 80 {
		t.Fatalf("snapshot mutation leaked: %+v", again)
	}
}
