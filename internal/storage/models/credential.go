package models

import "time"

// Credential is an issued OAuth token pair. It is replaced wholesale on refresh.
type Credential struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	IssuedAt     time.Time `json:"issued_at"`
}

// IsZero reports whether no credential has been issued.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// ValidFor reports whether the access token stays valid for at least margin after now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return now.Add(margin).Before(c.ExpiresAt)
}
