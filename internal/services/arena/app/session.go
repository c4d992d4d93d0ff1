package server

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
	"github.com/louisbranch/bossarena/internal/services/arena/reconcile"
)

// SessionConfig wires a Session.
type SessionConfig struct {
	Client     *ledger.Client
	Machine    *battle.Machine
	RetryDelay time.Duration
}

// Session binds one battle machine to the account currently attached. The
// machine outlives attachments so change subscribers survive account
// switches; each attachment gets its own reconciler.
type Session struct {
	client     *ledger.Client
	machine    *battle.Machine
	retryDelay time.Duration

	// mu serializes attach and detach.
	mu         sync.Mutex
	account    string
	reconciler *reconcile.Reconciler
}

// NewSession validates the collaborators.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Client == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.Machine == nil {
		return nil, errors.New("battle machine is required")
	}
	return &Session{client: cfg.Client, machine: cfg.Machine, retryDelay: cfg.RetryDelay}, nil
}

// Machine returns the battle machine.
func (s *Session) Machine() *battle.Machine {
	return s.machine
}

// Account returns the attached account, or "" when detached.
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Attach subscribes to push events for account and then bootstraps the
// machine from a full read. Subscribing first means nothing emitted during
// the read is lost; the machine buffers it until Bootstrap.
func (s *Session) Attach(ctx context.Context, account string) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return apperrors.New(apperrors.CodeNotFound, "account is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconciler != nil {
		return apperrors.New(apperrors.CodeAlreadyBootstrapped, "session already attached to "+s.account)
	}

	r, err := reconcile.New(s.client, s.machine, reconcile.Config{SelfAccount: account, RetryDelay: s.retryDelay})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	self, boss, others, err := s.readBattle(ctx, account)
	if err == nil {
		err = s.machine.Bootstrap(ctx, self, boss, others)
	}
	if err != nil {
		r.Stop()
		s.machine.Reset()
		return err
	}
	s.account = account
	s.reconciler = r
	log.Printf("arena: attached %s as %s", account, self.Label())
	return nil
}

// readBattle fetches self, boss and roster in parallel.
func (s *Session) readBattle(ctx context.Context, account string) (character.Character, character.Character, []character.Character, error) {
	var (
		self    character.Character
		boss    character.Character
		records []character.RawRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		self, err = s.client.FetchCharacter(gctx, account)
		return err
	})
	g.Go(func() error {
		var err error
		boss, err = s.client.FetchBoss(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		records, err = s.client.FetchRoster(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return character.Character{}, character.Character{}, nil, err
	}
	others, err := character.DecodeRoster(records, self.ID)
	if err != nil {
		log.Printf("arena: roster: %v", err)
	}
	return self, boss, others, nil
}

// Detach cancels the subscriptions and clears the machine.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
}

func (s *Session) detachLocked() {
	if s.reconciler != nil {
		s.reconciler.Stop()
		s.reconciler = nil
	}
	s.machine.Reset()
	if s.account != "" {
		log.Printf("arena: detached %s", s.account)
	}
	s.account = ""
}

// SwitchAccount detaches the current account and attaches the next one.
func (s *Session) SwitchAccount(ctx context.Context, account string) error {
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
	return s.Attach(ctx, account)
}
