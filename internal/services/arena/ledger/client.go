package ledger

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/platform/otel"
	"github.com/louisbranch/bossarena/internal/platform/timeouts"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
)

// BossID is the identity given to the boss. Holder indices are never
// negative, so it cannot collide with a participant.
const BossID int64 = -1

// Options bounds the waits performed by Client.
type Options struct {
	// CallTimeout caps each read call. Defaults to timeouts.LedgerCall.
	CallTimeout time.Duration
	// ConfirmationTimeout caps AwaitConfirmation. Defaults to
	// timeouts.Confirmation.
	ConfirmationTimeout time.Duration
}

// Client wraps a Contract with typed reads and writes. It holds no battle state.
type Client struct {
	contract            Contract
	callTimeout         time.Duration
	confirmationTimeout time.Duration
	tracer              trace.Tracer
}

// NewClient wraps contract.
func NewClient(contract Contract, opts Options) (*Client, error) {
	if contract == nil {
		return nil, errors.New("ledger contract is required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = timeouts.LedgerCall
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = timeouts.Confirmation
	}
	return &Client{
		contract:            contract,
		callTimeout:         opts.CallTimeout,
		confirmationTimeout: opts.ConfirmationTimeout,
		tracer:              otel.Tracer("internal/services/arena/ledger"),
	}, nil
}

// FetchHolderIndex returns the holder index bound to account.
func (c *Client) FetchHolderIndex(ctx context.Context, account string) (int64, error) {
	account = strings.TrimSpace(account)
	ctx, span := c.tracer.Start(ctx, "ledger.get_holder_index", trace.WithAttributes(attribute.String("ledger.account", account)))
	defer span.End()
	if account == "" {
		return 0, fail(span, apperrors.New(apperrors.CodeNotFound, "account is required"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	index, err := c.contract.GetHolderIndex(callCtx, account)
	if err != nil {
		return 0, fail(span, classify(err, "get holder index"))
	}
	if index < 0 {
		return 0, fail(span, apperrors.New(apperrors.CodeNotFound, "account "+account+" holds no entity"))
	}
	return index, nil
}

// FetchCharacter returns the entity bound to account, identified by its
// holder index.
func (c *Client) FetchCharacter(ctx context.Context, account string) (character.Character, error) {
	index, err := c.FetchHolderIndex(ctx, account)
	if err != nil {
		return character.Character{}, err
	}

	ctx, span := c.tracer.Start(ctx, "ledger.get_entity", trace.WithAttributes(
		attribute.String("ledger.account", account),
		attribute.Int64("ledger.holder_index", index),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	raw, err := c.contract.GetEntity(callCtx, account)
	if err != nil {
		return character.Character{}, fail(span, classify(err, "get entity"))
	}
	return decodeLogged(index, raw), nil
}

// FetchBoss returns the shared boss.
func (c *Client) FetchBoss(ctx context.Context) (character.Character, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.get_big_boss")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	raw, err := c.contract.GetBigBoss(callCtx)
	if err != nil {
		return character.Character{}, fail(span, classify(err, "get big boss"))
	}
	return decodeLogged(BossID, raw), nil
}

// FetchRoster returns every entity in ledger enumeration order. The position
// of a record is its holder index.
func (c *Client) FetchRoster(ctx context.Context) ([]character.RawRecord, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.get_all_entities")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	records, err := c.contract.GetAllEntities(callCtx)
	if err != nil {
		return nil, fail(span, classify(err, "get all entities"))
	}
	span.SetAttributes(attribute.Int("ledger.roster_size", len(records)))
	return records, nil
}

// FetchOthers fetches the roster and decodes it without the entity at
// selfIndex.
func (c *Client) FetchOthers(ctx context.Context, selfIndex int64) ([]character.Character, error) {
	records, err := c.FetchRoster(ctx)
	if err != nil {
		return nil, err
	}
	others, err := character.DecodeRoster(records, selfIndex)
	if err != nil {
		log.Printf("ledger: roster: %v", err)
	}
	return others, nil
}

// SubmitAction dispatches an attack. It returns once the signer has accepted
// and the provider has the transaction; it does not wait for inclusion.
func (c *Client) SubmitAction(ctx context.Context) (ActionHandle, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.submit_action")
	defer span.End()

	handle, err := c.contract.SubmitAction(ctx)
	if err != nil {
		return ActionHandle{}, fail(span, classify(err, "submit action"))
	}
	if handle.SubmittedAt.IsZero() {
		handle.SubmittedAt = time.Now().UTC()
	}
	span.SetAttributes(attribute.String("ledger.action_id", handle.ID))
	return handle, nil
}

// AwaitConfirmation waits for the action to be included. It fails with
// TIMEOUT when no receipt arrives within the confirmation window and with
// ACTION_REVERTED when the ledger rejected the action.
func (c *Client) AwaitConfirmation(ctx context.Context, handle ActionHandle) (Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.await_confirmation", trace.WithAttributes(attribute.String("ledger.action_id", handle.ID)))
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmationTimeout)
	defer cancel()
	receipt, err := c.contract.AwaitReceipt(waitCtx, handle)
	if err != nil {
		if waitCtx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			return Receipt{}, fail(span, apperrors.Wrap(apperrors.CodeTimeout, "await confirmation of "+handle.ID, err))
		}
		return Receipt{}, fail(span, classify(err, "await confirmation"))
	}
	if receipt.ActionID == "" {
		receipt.ActionID = handle.ID
	}
	span.SetAttributes(attribute.Int64("ledger.block_number", int64(receipt.BlockNumber)))
	return receipt, nil
}

func decodeLogged(id int64, raw character.RawRecord) character.Character {
	c, err := character.Decode(id, raw)
	if err != nil {
		log.Printf("ledger: %v", err)
	}
	return c
}

// classify converts provider errors into the arena taxonomy. Errors that
// already carry a code pass through; anything else means the provider could
// not be reached.
func classify(err error, op string) error {
	return apperrors.Ensure(err, apperrors.CodeRemoteUnavailable, op)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	return err
}
