package battle

import (
	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
)

// Phase is the lifecycle of the local attack.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseConfirmed  Phase = "confirmed"
	PhaseFailed     Phase = "failed"
)

// Outcome is derived from the boss hp.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeVictory    Outcome = "victory"
)

// Failure is the collaborator-facing view of the last action error.
type Failure struct {
	Code      apperrors.Code `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
}

// Hit describes the transient indicator shown while a confirmed attack is
// inside its display window.
type Hit struct {
	BossName string `json:"boss_name"`
	Damage   int64  `json:"damage"`
	ActionID string `json:"action_id"`
}

// Snapshot is a read-only copy of the battle state.
type Snapshot struct {
	Version      uint64                `json:"version"`
	Bootstrapped bool                  `json:"bootstrapped"`
	Self         *character.Character  `json:"self,omitempty"`
	Boss         *character.Character  `json:"boss,omitempty"`
	Others       []character.Character `json:"others"`
	Phase        Phase                 `json:"phase"`
	Outcome      Outcome               `json:"outcome"`
	Hit          *Hit                  `json:"hit,omitempty"`
	LastError    *Failure              `json:"last_error,omitempty"`
	LastActionID string                `json:"last_action_id,omitempty"`
}

func failureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	domainErr, ok := apperrors.As(err)
	if !ok {
		return &Failure{Code: apperrors.CodeUnknown, Message: err.Error()}
	}
	return &Failure{
		Code:      domainErr.Code,
		Message:   domainErr.Error(),
		Retryable: domainErr.Retryable(),
	}
}

func copyCharacter(c *character.Character) *character.Character {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
