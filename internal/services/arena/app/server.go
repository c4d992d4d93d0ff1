package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/message"

	"github.com/louisbranch/bossarena/internal/platform/timeouts"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
	"github.com/louisbranch/bossarena/internal/services/arena/journal"
)

const (
	maxFramePayloadBytes   = 4 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
	maxJournalLimit        = 500
)

// Config defines the inputs for the arena transport boundary.
type Config struct {
	HTTPAddr          string
	Locale            string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the arena HTTP/WebSocket process.
//
// It presents the battle session to a single local collaborator; battle
// state itself lives in the session's machine.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	handler         *handler
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// battleView is the snapshot as presented to the collaborator.
type battleView struct {
	battle.Snapshot
	Account string `json:"account,omitempty"`
	Toast   string `json:"toast,omitempty"`
}

type attackResult struct {
	ActionID    string `json:"action_id"`
	BlockNumber uint64 `json:"block_number"`
}

type accountPayload struct {
	Account string `json:"account"`
}

type journalEntry struct {
	ActionID    string `json:"action_id"`
	HolderIndex int64  `json:"holder_index"`
	Status      string `json:"status"`
	BossHP      int64  `json:"boss_hp"`
	SelfHP      int64  `json:"self_hp"`
	ErrorCode   string `json:"error_code,omitempty"`
	RecordedAt  string `json:"recorded_at"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// snapshotFeed hands the newest snapshot to a slow writer without blocking
// the machine; intermediate snapshots may be skipped.
type snapshotFeed struct {
	ch chan battle.Snapshot
}

func newSnapshotFeed() *snapshotFeed {
	return &snapshotFeed{ch: make(chan battle.Snapshot, 1)}
}

func (f *snapshotFeed) offer(snap battle.Snapshot) {
	for {
		select {
		case f.ch <- snap:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

type handler struct {
	session *Session
	journal journal.Store
	printer *message.Printer
}

func (h *handler) view(snap battle.Snapshot) battleView {
	return battleView{
		Snapshot: snap,
		Account:  h.session.Account(),
		Toast:    hitToast(h.printer, snap.Hit),
	}
}

// NewHandler creates arena routes for tests and embedding. store may be nil.
func NewHandler(session *Session, store journal.Store, locale string) http.Handler {
	h := &handler{session: session, journal: store, printer: newPrinter(locale)}
	return h.routes()
}

// NewServer builds a configured arena server around an attached session.
// store may be nil when no journal is configured.
func NewServer(config Config, session *Session, store journal.Store) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if session == nil {
		return nil, errors.New("session is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	h := &handler{session: session, journal: store, printer: newPrinter(config.Locale)}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		handler:         h,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           h.routes(),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
	}, nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("arena server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("arena server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close detaches the session. The journal is owned by the caller.
func (s *Server) Close() {
	if s == nil || s.handler == nil {
		return
	}
	s.handler.session.Detach()
}
