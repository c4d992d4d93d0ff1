// Package arena parses arena command flags and composes the battle session,
// its ledger connection and the local transport.
package arena

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/bossarena/internal/platform/cmd"
	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/platform/timeouts"
	server "github.com/louisbranch/bossarena/internal/services/arena/app"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
	"github.com/louisbranch/bossarena/internal/services/arena/journal"
	"github.com/louisbranch/bossarena/internal/services/arena/journal/sqlite"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger/evm"
)

// Config holds arena command configuration.
type Config struct {
	HTTPAddr            string        `env:"BOSSARENA_ARENA_ADDR"                 envDefault:":8090"`
	RPCURL              string        `env:"BOSSARENA_LEDGER_RPC_URL"             envDefault:"ws://localhost:8546"`
	ContractAddress     string        `env:"BOSSARENA_CONTRACT_ADDRESS"`
	SignerKey           string        `env:"BOSSARENA_SIGNER_KEY"`
	Account             string        `env:"BOSSARENA_ACCOUNT"`
	JournalPath         string        `env:"BOSSARENA_JOURNAL_PATH"               envDefault:"arena_journal.db"`
	Locale              string        `env:"BOSSARENA_LOCALE"                     envDefault:"en-US"`
	HitWindow           time.Duration `env:"BOSSARENA_HIT_WINDOW"                 envDefault:"5s"`
	CallTimeout         time.Duration `env:"BOSSARENA_LEDGER_CALL_TIMEOUT"        envDefault:"10s"`
	ConfirmationTimeout time.Duration `env:"BOSSARENA_CONFIRMATION_TIMEOUT"       envDefault:"2m"`
	ResubscribeDelay    time.Duration `env:"BOSSARENA_RESUBSCRIBE_DELAY"          envDefault:"1s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "arena HTTP listen address")
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "ledger RPC endpoint (ws:// or ipc)")
	fs.StringVar(&cfg.ContractAddress, "contract", cfg.ContractAddress, "battle contract address")
	fs.StringVar(&cfg.Account, "account", cfg.Account, "account to attach on startup")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "action journal sqlite path; empty disables the journal")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "locale for hit toasts")
	fs.DurationVar(&cfg.HitWindow, "hit-window", cfg.HitWindow, "how long a confirmed hit stays visible")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.HitWindow <= 0 {
		cfg.HitWindow = timeouts.HitDisplay
	}
	return cfg, nil
}

// Run dials the ledger and serves the arena until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceArena, func(ctx context.Context) error {
		contract, closeLedger, err := evm.Dial(ctx, evm.DialConfig{
			RPCURL:    cfg.RPCURL,
			Address:   cfg.ContractAddress,
			SignerKey: cfg.SignerKey,
		})
		if err != nil {
			return fmt.Errorf("dial ledger: %w", err)
		}
		defer closeLedger()

		account := strings.TrimSpace(cfg.Account)
		if account == "" {
			account = contract.Account()
		}
		return serve(ctx, cfg, contract, account)
	})
}

// serve composes the arena over contract and blocks until ctx ends.
func serve(ctx context.Context, cfg Config, contract ledger.Contract, account string) error {
	client, err := ledger.NewClient(contract, ledger.Options{
		CallTimeout:         cfg.CallTimeout,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	})
	if err != nil {
		return err
	}

	var store journal.Store
	machineCfg := battle.Config{HitWindow: cfg.HitWindow}
	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		sqliteStore, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := sqliteStore.Close(); err != nil {
				log.Printf("arena: close journal: %v", err)
			}
		}()
		store = sqliteStore
		machineCfg.Journal = sqliteStore
	}

	machine, err := battle.NewMachine(client, machineCfg)
	if err != nil {
		return err
	}
	session, err := server.NewSession(server.SessionConfig{
		Client:     client,
		Machine:    machine,
		RetryDelay: cfg.ResubscribeDelay,
	})
	if err != nil {
		return err
	}

	if account != "" {
		if err := session.Attach(ctx, account); err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("attach %s: %w", account, err)
			}
			log.Printf("arena: %s holds no character yet; waiting for an account switch", account)
		}
	}

	srv, err := server.NewServer(server.Config{
		HTTPAddr: cfg.HTTPAddr,
		Locale:   cfg.Locale,
	}, session, store)
	if err != nil {
		session.Detach()
		return err
	}
	defer srv.Close()
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve arena: %w", err)
	}
	return nil
}
