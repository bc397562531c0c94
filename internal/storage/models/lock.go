// Package models contains the domain models for the application.
package models

import (
	"time"
)

// ManagedLock is a lock in the persisted inventory. The inventory survives
// restarts so webhook deliveries can be matched before the first sweep.
type ManagedLock struct {
	LockID    string    `json:"lock_id"`
	Name      string    `json:"name"`
	MAC       string    `json:"mac,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockState is the tri-state lock position.
type LockState string

const (
	LockStateUnknown  LockState = "unknown"
	LockStateLocked   LockState = "locked"
	LockStateUnlocked LockState = "unlocked"
)

// Source identifies which writer produced an update.
type Source string

const (
	SourceCommandEcho Source = "command-echo"
	SourcePoll        Source = "poll"
	SourceWebhook     Source = "webhook"
)

// Priority orders sources for tie-breaking: webhook > poll > command-echo.
func (s Source) Priority() int {
	switch s {
	case SourceWebhook:
		return 2
	case SourcePoll:
		return 1
	case SourceCommandEcho:
		return 0
	default:
		return -1
	}
}

// Confirmed reports whether the source reflects the lock's real state.
func (s Source) Confirmed() bool {
	return s == SourcePoll || s == SourceWebhook
}

// OperatorMethod is how the last operation on a lock was performed.
type OperatorMethod string

const (
	MethodUnknown     OperatorMethod = "unknown"
	MethodApp         OperatorMethod = "app"
	MethodPasscode    OperatorMethod = "passcode"
	MethodKey         OperatorMethod = "key"
	MethodCard        OperatorMethod = "card"
	MethodFingerprint OperatorMethod = "fingerprint"
	MethodGateway     OperatorMethod = "gateway"
	MethodRemote      OperatorMethod = "remote"
	MethodAuto        OperatorMethod = "auto"
)

// Operator records who last operated a lock and how.
type Operator struct {
	Identity    string         `json:"identity,omitempty"`
	Method      OperatorMethod `json:"method"`
	Description string         `json:"description,omitempty"`
}

// Stamp records when and from which source a field was last written.
type Stamp struct {
	At     time.Time
	Source Source
}

// IsZero reports whether the field was never written.
func (s Stamp) IsZero() bool {
	return s.Source == "" && s.At.IsZero()
}

// FieldStamps holds one stamp per mergeable LockRecord field.
type FieldStamps struct {
	Name        Stamp
	State       Stamp
	Battery     Stamp
	Operator    Stamp
	PassageMode Stamp
	AutoLock    Stamp
}

// LockRecord is the last-known state of one lock.
type LockRecord struct {
	LockID          string      `json:"lock_id"`
	Name            string      `json:"name"`
	State           LockState   `json:"state"`
	BatteryLevel    *int        `json:"battery_level,omitempty"`
	LastOperator    Operator    `json:"last_operator"`
	LastEventAt     time.Time   `json:"last_event_at"`
	LastSource      Source      `json:"last_source,omitempty"`
	PassageMode     PassageMode `json:"passage_mode"`
	AutoLockSeconds int         `json:"auto_lock_seconds"`

	// Stale is set when an optimistic state was never confirmed.
	Stale bool `json:"stale"`

	Stamps FieldStamps `json:"-"`
}

// NewLockRecord returns an empty record for a newly discovered lock.
func NewLockRecord(lockID, name string) LockRecord {
	return LockRecord{
		LockID:       lockID,
		Name:         name,
		State:        LockStateUnknown,
		LastOperator: Operator{Method: MethodUnknown},
		PassageMode:  PassageMode{Kind: PassageModeUnknown},
	}
}

// Clone returns a copy that shares no memory with r.
func (r LockRecord) Clone() LockRecord {
	out := r
	if r.BatteryLevel != nil {
		v := *r.BatteryLevel
		out.BatteryLevel = &v
	}
	return out
}
