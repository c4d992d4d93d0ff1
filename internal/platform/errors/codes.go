// Package errors provides the structured error taxonomy surfaced to arena
// collaborators. Transport and ledger failures are converted into a Code at
// the ledger boundary so callers never see raw provider errors.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Ledger transport errors
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"
	CodeNotFound          Code = "NOT_FOUND"

	// Action lifecycle errors
	CodeSubmissionRejected Code = "SUBMISSION_REJECTED"
	CodeActionReverted     Code = "ACTION_REVERTED"
	CodeTimeout            Code = "TIMEOUT"

	// Data integrity errors
	CodeCorruptRecord Code = "CORRUPT_RECORD"

	// Sequencing misuse, reported as no-ops
	CodeAlreadyBootstrapped   Code = "ALREADY_BOOTSTRAPPED"
	CodeNotBootstrapped       Code = "NOT_BOOTSTRAPPED"
	CodeActionAlreadyInFlight Code = "ACTION_ALREADY_IN_FLIGHT"
	CodeBattleAlreadyWon      Code = "BATTLE_ALREADY_WON"
)

// Retryable reports whether a collaborator may retry the failed operation
// manually without changing anything first.
func (c Code) Retryable() bool {
	switch c {
	case CodeRemoteUnavailable, CodeActionReverted, CodeTimeout:
		return true
	default:
		return false
	}
}

// Misuse reports whether the code signals a sequencing misuse that left state
// untouched.
func (c Code) Misuse() bool {
	switch c {
	case CodeAlreadyBootstrapped, CodeNotBootstrapped, CodeActionAlreadyInFlight, CodeBattleAlreadyWon:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the code to the status used by the arena HTTP surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return 404
	case CodeSubmissionRejected:
		return 403
	case CodeActionAlreadyInFlight, CodeBattleAlreadyWon, CodeAlreadyBootstrapped:
		return 409
	case CodeNotBootstrapped:
		return 425
	case CodeRemoteUnavailable:
		return 503
	case CodeTimeout:
		return 504
	case CodeActionReverted:
		return 422
	default:
		return 500
	}
}
