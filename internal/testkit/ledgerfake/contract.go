// Package ledgerfake provides an in-memory battle contract for tests.
package ledgerfake

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
)

// Method names used as keys in Contract.Errors.
const (
	MethodGetEntity      = "GetEntity"
	MethodGetBigBoss     = "GetBigBoss"
	MethodGetAllEntities = "GetAllEntities"
	MethodGetHolderIndex = "GetHolderIndex"
	MethodSubmitAction   = "SubmitAction"
	MethodWatch          = "Watch"
)

type result struct {
	receipt ledger.Receipt
	err     error
}

// Contract is an in-memory ledger.Contract.
type Contract struct {
	mu       sync.Mutex
	boss     character.RawRecord
	entities []character.RawRecord
	holders  map[string]int64
	errors   map[string]error
	calls    map[string]int

	// SubmitHook runs before an action is dispatched. A non-nil error
	// rejects the submission.
	SubmitHook func(ctx context.Context) error
	// ReceiptFor resolves AwaitReceipt immediately when set. Otherwise
	// AwaitReceipt blocks until Resolve is called for the handle.
	ReceiptFor func(handle ledger.ActionHandle) (ledger.Receipt, error)

	submitted chan ledger.ActionHandle
	nextTx    int
	pending   map[string]chan result
	streams   map[ledger.EventName]map[*Stream]chan<- ledger.RawEvent
}

// New returns an empty contract.
func New() *Contract {
	return &Contract{
		holders:   make(map[string]int64),
		errors:    make(map[string]error),
		calls:     make(map[string]int),
		submitted: make(chan ledger.ActionHandle, 16),
		pending:   make(map[string]chan result),
		streams:   make(map[ledger.EventName]map[*Stream]chan<- ledger.RawEvent),
	}
}

// Record builds a raw record from plain integers.
func Record(name string, hp, maxHP, damage int64) character.RawRecord {
	return character.RawRecord{
		Name:         name,
		ImageRef:     "ipfs://" + name,
		HP:           big.NewInt(hp),
		MaxHP:        big.NewInt(maxHP),
		AttackDamage: big.NewInt(damage),
	}
}

// SetBoss replaces the boss record.
func (c *Contract) SetBoss(raw character.RawRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boss = raw
}

// AddHolder appends an entity bound to account and returns its holder index.
func (c *Contract) AddHolder(account string, raw character.RawRecord) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = append(c.entities, raw)
	index := int64(len(c.entities) - 1)
	c.holders[account] = index
	return index
}

// SetHP overwrites the hp of the entity at index.
func (c *Contract) SetHP(index int64, hp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index == ledger.BossID {
		c.boss.HP = big.NewInt(hp)
		return
	}
	c.entities[index].HP = big.NewInt(hp)
}

// FailWith makes method return err until cleared with a nil err.
func (c *Contract) FailWith(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errors, method)
		return
	}
	c.errors[method] = err
}

// Calls returns how many times method was invoked.
func (c *Contract) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Submitted delivers every dispatched action handle.
func (c *Contract) Submitted() <-chan ledger.ActionHandle {
	return c.submitted
}

// Resolve completes a pending AwaitReceipt call for the action id.
func (c *Contract) Resolve(actionID string, receipt ledger.Receipt, err error) {
	c.mu.Lock()
	ch, ok := c.pending[actionID]
	if !ok {
		ch = make(chan result, 1)
		c.pending[actionID] = ch
	}
	c.mu.Unlock()
	ch <- result{receipt: receipt, err: err}
}

func (c *Contract) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	return c.errors[method]
}

// GetEntity implements ledger.Contract.
func (c *Contract) GetEntity(ctx context.Context, account string) (character.RawRecord, error) {
	if err := c.enter(MethodGetEntity); err != nil {
		return character.RawRecord{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	index, ok := c.holders[account]
	if !ok {
		return character.RawRecord{}, apperrors.New(apperrors.CodeNotFound, "no entity for "+account)
	}
	return c.entities[index], nil
}

// GetBigBoss implements ledger.Contract.
func (c *Contract) GetBigBoss(ctx context.Context) (character.RawRecord, error) {
	if err := c.enter(MethodGetBigBoss); err != nil {
		return character.RawRecord{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boss, nil
}

// GetAllEntities implements ledger.Contract.
func (c *Contract) GetAllEntities(ctx context.Context) ([]character.RawRecord, error) {
	if err := c.enter(MethodGetAllEntities); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]character.RawRecord, len(c.entities))
	copy(out, c.entities)
	return out, nil
}

// GetHolderIndex implements ledger.Contract.
func (c *Contract) GetHolderIndex(ctx context.Context, account string) (int64, error) {
	if err := c.enter(MethodGetHolderIndex); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	index, ok := c.holders[account]
	if !ok {
		return 0, apperrors.New(apperrors.CodeNotFound, "no entity for "+account)
	}
	return index, nil
}

// SubmitAction implements ledger.Contract.
func (c *Contract) SubmitAction(ctx context.Context) (ledger.ActionHandle, error) {
	if err := c.enter(MethodSubmitAction); err != nil {
		return ledger.ActionHandle{}, err
	}
	if c.SubmitHook != nil {
		if err := c.SubmitHook(ctx); err != nil {
			return ledger.ActionHandle{}, err
		}
	}
	c.mu.Lock()
	c.nextTx++
	handle := ledger.ActionHandle{ID: "0xtx" + strconv.Itoa(c.nextTx), SubmittedAt: time.Now().UTC()}
	if _, ok := c.pending[handle.ID]; !ok {
		c.pending[handle.ID] = make(chan result, 1)
	}
	c.mu.Unlock()
	select {
	case c.submitted <- handle:
	default:
	}
	return handle, nil
}

// AwaitReceipt implements ledger.Contract.
func (c *Contract) AwaitReceipt(ctx context.Context, handle ledger.ActionHandle) (ledger.Receipt, error) {
	if c.ReceiptFor != nil {
		return c.ReceiptFor(handle)
	}
	c.mu.Lock()
	ch, ok := c.pending[handle.ID]
	if !ok {
		ch = make(chan result, 1)
		c.pending[handle.ID] = ch
	}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ledger.Receipt{}, ctx.Err()
	case res := <-ch:
		return res.receipt, res.err
	}
}
