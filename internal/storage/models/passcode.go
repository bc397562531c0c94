package models

import (
	"strings"
	"time"
)

const (
	minPasscodeLength = 4
	maxPasscodeLength = 9
)

// PasscodeType is the cloud's keyboard password type.
type PasscodeType int

const (
	PasscodeTypeUnknown   PasscodeType = 0
	PasscodeTypePermanent PasscodeType = 2
	PasscodeTypeTemporary PasscodeType = 3
)

// Passcode is a keypad code on a lock. Passcodes are never cached; the cloud
// listing is the only source of truth.
type Passcode struct {
	LockID     string       `json:"lock_id"`
	RemoteID   int64        `json:"remote_id,omitempty"`
	Code       string       `json:"-"`
	Label      string       `json:"label"`
	Type       PasscodeType `json:"type"`
	ValidFrom  time.Time    `json:"valid_from"`
	ValidUntil time.Time    `json:"valid_until"`
}

// ExpiredAt reports whether the passcode's validity ended before now.
// Permanent passcodes never expire. A temporary passcode with no end date
// is treated as expired.
func (p Passcode) ExpiredAt(now time.Time) bool {
	switch p.Type {
	case PasscodeTypePermanent:
		return false
	case PasscodeTypeTemporary:
		return p.ValidUntil.Before(now)
	default:
		return !p.ValidUntil.IsZero() && p.ValidUntil.Before(now)
	}
}

// ValidatePasscodeCode checks the 4-9 digit rule.
func ValidatePasscodeCode(code string) error {
	if len(code) < minPasscodeLength || len(code) > maxPasscodeLength {
		return invalid("passcode", "must be %d to %d digits", minPasscodeLength, maxPasscodeLength)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return invalid("passcode", "must contain only digits")
		}
	}
	return nil
}

// PasscodeRequest is the create_passcode service input.
type PasscodeRequest struct {
	Name      string    `json:"passcode_name"`
	Code      string    `json:"passcode"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Passcode validates the request and returns the temporary passcode to create.
func (r PasscodeRequest) Passcode(lockID string) (Passcode, error) {
	if err := ValidatePasscodeCode(r.Code); err != nil {
		return Passcode{}, err
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return Passcode{}, invalid("passcode_name", "required")
	}
	if r.StartTime.IsZero() {
		return Passcode{}, invalid("start_time", "required")
	}
	if r.EndTime.IsZero() {
		return Passcode{}, invalid("end_time", "required")
	}
	if !r.EndTime.After(r.StartTime) {
		return Passcode{}, invalid("end_time", "must be after start_time")
	}
	return Passcode{
		LockID:     lockID,
		Code:       r.Code,
		Label:      name,
		Type:       PasscodeTypeTemporary,
		ValidFrom:  r.StartTime,
		ValidUntil: r.EndTime,
	}, nil
}
