// Package command turns user and automation intents into cloud calls and
// tracks each call until the lock's real state confirms it.
package command

import (
	"time"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// Kind names the intent behind a command.
type Kind string

const (
	KindLock                 Kind = "lock"
	KindUnlock               Kind = "unlock"
	KindConfigurePassageMode Kind = "configure_passage_mode"
	KindCreatePasscode       Kind = "create_passcode"
	KindCleanupPasscodes     Kind = "cleanup_passcodes"
)

// Phase is the position of a command in its lifecycle.
//
// Lock and unlock move Requested, Sent, Acknowledged, then Confirmed once a
// poll or webhook reports the lock, or TimedOut when none does in time.
// Single-shot commands end in Completed. Any cloud error ends in Failed.
type Phase string

const (
	PhaseRequested    Phase = "requested"
	PhaseSent         Phase = "sent"
	PhaseAcknowledged Phase = "acknowledged"
	PhaseConfirmed    Phase = "confirmed"
	PhaseTimedOut     Phase = "timed_out"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseConfirmed, PhaseTimedOut, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// Command is the externally visible record of one command on one lock.
type Command struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	LockID      string    `json:"lock_id"`
	Phase       Phase     `json:"phase"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CleanupResult lists the passcodes removed from one lock.
type CleanupResult struct {
	LockID  string   `json:"lock_id"`
	Removed []string `json:"removed"`
}

func targetState(kind Kind) models.LockState {
	if kind == KindLock {
		return models.LockStateLocked
	}
	return models.LockStateUnlocked
}
