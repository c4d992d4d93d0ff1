package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
)

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /api/battle", h.handleGetBattle)
	mux.HandleFunc("POST /api/battle/attack", h.handleAttack)
	mux.HandleFunc("POST /api/account", h.handleSwitchAccount)
	mux.HandleFunc("GET /api/journal", h.handleJournal)

	wsHandler := websocket.Handler(h.handleWSConn)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func (h *handler) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view(h.session.Machine().Snapshot()))
}

// handleAttack blocks until the attack resolves. The collaborator watching
// /ws sees the phase changes while it waits.
func (h *handler) handleAttack(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.session.Machine().RequestAction(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attackResult{ActionID: receipt.ActionID, BlockNumber: receipt.BlockNumber})
}

func (h *handler) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	var payload accountPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFramePayloadBytes)).Decode(&payload); err != nil {
		http.Error(w, "invalid account payload", http.StatusBadRequest)
		return
	}
	if err := h.session.SwitchAccount(r.Context(), payload.Account); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(h.session.Machine().Snapshot()))
}

func (h *handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "journal is not configured", http.StatusNotFound)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxJournalLimit)
	}
	records, err := h.journal.ListActions(r.Context(), limit)
	if err != nil {
		log.Printf("arena: list journal: %v", err)
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	entries := make([]journalEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, journalEntry{
			ActionID:    record.ActionID,
			HolderIndex: record.HolderIndex,
			Status:      string(record.Status),
			BossHP:      record.BossHP,
			SelfHP:      record.SelfHP,
			ErrorCode:   record.ErrorCode,
			RecordedAt:  record.RecordedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleWSConn streams snapshots and accepts attack frames.
func (h *handler) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	machine := h.session.Machine()

	feed := newSnapshotFeed()
	sub := machine.SubscribeToChanges(feed.offer)
	defer sub.Cancel()
	feed.offer(machine.Snapshot())

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		var lastVersion uint64
		sent := false
		for {
			select {
			case <-done:
				return
			case snap := <-feed.ch:
				if sent && snap.Version < lastVersion {
					continue
				}
				if err := h.writeSnapshot(peer, "", snap); err != nil {
					return
				}
				lastVersion, sent = snap.Version, true
			}
		}
	}()
	defer func() {
		close(done)
		<-writerDone
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", false)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", false)
			return
		}

		switch frame.Type {
		case "battle.snapshot":
			_ = h.writeSnapshot(peer, frame.RequestID, machine.Snapshot())
		case "battle.attack":
			go h.handleAttackFrame(conn.Request().Context(), peer, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", false)
		}
	}
}

func (h *handler) handleAttackFrame(ctx context.Context, peer *wsPeer, frame wsFrame) {
	receipt, err := h.session.Machine().RequestAction(context.WithoutCancel(ctx))
	if err != nil {
		domainErr, _ := apperrors.As(apperrors.Ensure(err, apperrors.CodeUnknown, "attack"))
		_ = writeWSError(peer, frame.RequestID, string(domainErr.Code), domainErr.Error(), domainErr.Retryable())
		return
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "battle.attack.result",
		RequestID: frame.RequestID,
		Payload:   mustJSON(attackResult{ActionID: receipt.ActionID, BlockNumber: receipt.BlockNumber}),
	})
}

func (h *handler) writeSnapshot(peer *wsPeer, requestID string, snap battle.Snapshot) error {
	return peer.writeFrame(wsFrame{
		Type:      "battle.snapshot",
		RequestID: requestID,
		Payload:   mustJSON(h.view(snap)),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.writeFrame(wsFrame{
		Type:      "battle.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

func writeError(w http.ResponseWriter, err error) {
	domainErr, _ := apperrors.As(apperrors.Ensure(err, apperrors.CodeUnknown, "request"))
	writeJSON(w, domainErr.Code.HTTPStatus(), wsErrorEnvelope{
		Error: wsError{
			Code:      string(domainErr.Code),
			Message:   domainErr.Error(),
			Retryable: domainErr.Retryable(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("arena: encode response: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
