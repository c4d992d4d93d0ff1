// Package timeouts defines shared timeout constants used across the arena.
// Centralizing these values keeps the ledger, battle and transport layers in
// agreement about how long each kind of wait may last.
package timeouts

import "time"

// LedgerCall caps a single read call against the ledger provider.
const LedgerCall = 10 * time.Second

// Confirmation bounds how long an attack may wait for inclusion before it is
// reported as timed out.
const Confirmation = 2 * time.Minute

// HitDisplay is how long a confirmed attack stays in the confirmed phase so
// the hit indicator can be shown before the view returns to idle.
const HitDisplay = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
