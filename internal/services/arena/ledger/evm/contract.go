// Package evm binds the battle contract on an EVM chain to ledger.Contract.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
)

const defaultPollInterval = time.Second

// Backend is the chain access the adapter needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options tunes a Contract.
type Options struct {
	// PollInterval paces receipt polling for actions submitted elsewhere.
	PollInterval time.Duration
}

// Contract implements ledger.Contract on a deployed battle contract.
type Contract struct {
	address      common.Address
	abi          abi.ABI
	backend      Backend
	bound        *bind.BoundContract
	signer       Signer
	pollInterval time.Duration

	mu      sync.Mutex
	pending map[common.Hash]*types.Transaction
}

// New binds the contract at address. signer may be nil for a read-only
// binding; SubmitAction then fails with SUBMISSION_REJECTED.
func New(backend Backend, address common.Address, signer Signer, opts Options) (*Contract, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if address == (common.Address{}) {
		return nil, errors.New("contract address is required")
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse battle abi: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Contract{
		address:      address,
		abi:          parsed,
		backend:      backend,
		bound:        bind.NewBoundContract(address, parsed, backend, backend, backend),
		signer:       signer,
		pollInterval: opts.PollInterval,
		pending:      make(map[common.Hash]*types.Transaction),
	}, nil
}

// Account returns the signing account, or "" for a read-only binding.
func (c *Contract) Account() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// GetEntity implements ledger.Contract.
func (c *Contract) GetEntity(ctx context.Context, account string) (character.RawRecord, error) {
	holder, err := parseAccount(account)
	if err != nil {
		return character.RawRecord{}, err
	}
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetEntity, holder); err != nil {
		return character.RawRecord{}, fmt.Errorf("call %s: %w", methodGetEntity, err)
	}
	tuple, err := firstTuple(out)
	if err != nil {
		return character.RawRecord{}, err
	}
	if tuple.Name == "" && isZero(tuple.MaxHp) {
		return character.RawRecord{}, apperrors.New(apperrors.CodeNotFound, "account "+holder.Hex()+" holds no entity")
	}
	return tuple.record(), nil
}

// GetBigBoss implements ledger.Contract.
func (c *Contract) GetBigBoss(ctx context.Context) (character.RawRecord, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetBigBoss); err != nil {
		return character.RawRecord{}, fmt.Errorf("call %s: %w", methodGetBigBoss, err)
	}
	tuple, err := firstTuple(out)
	if err != nil {
		return character.RawRecord{}, err
	}
	return tuple.record(), nil
}

// GetAllEntities implements ledger.Contract.
func (c *Contract) GetAllEntities(ctx context.Context) ([]character.RawRecord, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetAllEntities); err != nil {
		return nil, fmt.Errorf("call %s: %w", methodGetAllEntities, err)
	}
	if len(out) == 0 {
		return nil, errors.New("empty getAllEntities result")
	}
	tuples := *abi.ConvertType(out[0], new([]entityTuple)).(*[]entityTuple)
	records := make([]character.RawRecord, 0, len(tuples))
	for _, tuple := range tuples {
		records = append(records, tuple.record())
	}
	return records, nil
}

// GetHolderIndex implements ledger.Contract. It returns -1 when the account
// holds no entity.
func (c *Contract) GetHolderIndex(ctx context.Context, account string) (int64, error) {
	holder, err := parseAccount(account)
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetHolderIndex, holder); err != nil {
		return 0, fmt.Errorf("call %s: %w", methodGetHolderIndex, err)
	}
	if len(out) != 2 {
		return 0, fmt.Errorf("getHolderIndex returned %d values", len(out))
	}
	index := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	found := *abi.ConvertType(out[1], new(bool)).(*bool)
	if !found {
		return -1, nil
	}
	if index == nil || !index.IsInt64() {
		return 0, apperrors.New(apperrors.CodeCorruptRecord, "holder index out of range")
	}
	return index.Int64(), nil
}

// SubmitAction implements ledger.Contract.
func (c *Contract) SubmitAction(ctx context.Context) (ledger.ActionHandle, error) {
	if c.signer == nil {
		return ledger.ActionHandle{}, apperrors.New(apperrors.CodeSubmissionRejected, "no signer configured")
	}
	opts, err := c.signer.TransactOpts(ctx)
	if err != nil {
		return ledger.ActionHandle{}, classifyTransact(err)
	}
	tx, err := c.bound.Transact(opts, methodAttackBoss)
	if err != nil {
		return ledger.ActionHandle{}, classifyTransact(err)
	}
	c.mu.Lock()
	c.pending[tx.Hash()] = tx
	c.mu.Unlock()
	return ledger.ActionHandle{ID: tx.Hash().Hex(), SubmittedAt: time.Now().UTC()}, nil
}

// AwaitReceipt implements ledger.Contract.
func (c *Contract) AwaitReceipt(ctx context.Context, handle ledger.ActionHandle) (ledger.Receipt, error) {
	hash := common.HexToHash(handle.ID)
	c.mu.Lock()
	tx, ok := c.pending[hash]
	delete(c.pending, hash)
	c.mu.Unlock()

	var (
		receipt *types.Receipt
		err     error
	)
	if ok {
		receipt, err = bind.WaitMined(ctx, c.backend, tx)
	} else {
		receipt, err = c.pollReceipt(ctx, hash)
	}
	if err != nil {
		return ledger.Receipt{}, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return ledger.Receipt{}, apperrors.WithMetadata(apperrors.CodeActionReverted, "attack reverted", map[string]string{
			"tx": handle.ID,
		})
	}

	out := ledger.Receipt{ActionID: handle.ID}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	for _, lg := range receipt.Logs {
		if evt, ok := c.convertLog(ledger.EventActionOutcome, *lg); ok {
			out.Outcome = &ledger.ActionOutcome{Actor: evt.Actor, BossHP: evt.BossHP, ActorHP: evt.ActorHP, Position: evt.Position}
			break
		}
	}
	return out, nil
}

func (c *Contract) pollReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch implements ledger.Contract.
func (c *Contract) Watch(ctx context.Context, name ledger.EventName, sink chan<- ledger.RawEvent) (ledger.Stream, error) {
	if _, ok := c.abi.Events[string(name)]; !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	logs, sub, err := c.bound.WatchLogs(&bind.WatchOpts{Context: ctx}, string(name))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", name, err)
	}
	stream := &logStream{sub: sub, quit: make(chan struct{})}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stream.quit:
				return
			case lg := <-logs:
				evt, ok := c.convertLog(name, lg)
				if !ok {
					continue
				}
				select {
				case sink <- evt:
				case <-ctx.Done():
					return
				case <-stream.quit:
					return
				}
			}
		}
	}()
	return stream, nil
}

// convertLog decodes a contract log into a RawEvent.
func (c *Contract) convertLog(name ledger.EventName, lg types.Log) (ledger.RawEvent, bool) {
	ev, ok := c.abi.Events[string(name)]
	if !ok || lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return ledger.RawEvent{}, false
	}
	raw := ledger.RawEvent{
		Name:     name,
		Key:      lg.TxHash.Hex() + ":" + strconv.FormatUint(uint64(lg.Index), 10),
		Position: ledger.Position{Block: lg.BlockNumber, Index: lg.Index},
		Removed:  lg.Removed,
	}
	switch name {
	case ledger.EventActionOutcome:
		var decoded attackComplete
		if err := c.bound.UnpackLog(&decoded, string(name), lg); err != nil {
			return ledger.RawEvent{}, false
		}
		raw.Actor = decoded.Sender.Hex()
		raw.BossHP = decoded.NewBossHp
		raw.ActorHP = decoded.NewPlayerHp
	case ledger.EventRosterChanged:
		var decoded characterMinted
		if err := c.bound.UnpackLog(&decoded, string(name), lg); err != nil {
			return ledger.RawEvent{}, false
		}
		raw.Actor = decoded.Sender.Hex()
		raw.TokenID = decoded.TokenId
	default:
		return ledger.RawEvent{}, false
	}
	return raw, true
}

type logStream struct {
	sub  event.Subscription
	quit chan struct{}
	once sync.Once
}

func (s *logStream) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

func (s *logStream) Err() <-chan error {
	return s.sub.Err()
}

func (t entityTuple) record() character.RawRecord {
	return character.RawRecord{
		Name:         t.Name,
		ImageRef:     t.ImageURI,
		HP:           t.Hp,
		MaxHP:        t.MaxHp,
		AttackDamage: t.AttackDamage,
	}
}

func firstTuple(out []interface{}) (entityTuple, error) {
	if len(out) == 0 {
		return entityTuple{}, errors.New("empty contract result")
	}
	return *abi.ConvertType(out[0], new(entityTuple)).(*entityTuple), nil
}

func parseAccount(account string) (common.Address, error) {
	account = strings.TrimSpace(account)
	if !common.IsHexAddress(account) {
		return common.Address{}, apperrors.New(apperrors.CodeNotFound, "invalid account "+account)
	}
	return common.HexToAddress(account), nil
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// classifyTransact maps dispatch failures onto the arena taxonomy.
func classifyTransact(err error) error {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return apperrors.Wrap(apperrors.CodeSubmissionRejected, "submit attack", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return apperrors.Wrap(apperrors.CodeActionReverted, "submit attack", err)
	case strings.Contains(msg, "insufficient funds"):
		return apperrors.Wrap(apperrors.CodeSubmissionRejected, "submit attack", err)
	}
	return apperrors.Wrap(apperrors.CodeRemoteUnavailable, "submit attack", err)
}

var _ ledger.Contract = (*Contract)(nil)
