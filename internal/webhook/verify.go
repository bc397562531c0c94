package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body in HMAC mode.
const SignatureHeader = "X-TTLock-Signature"

// Verifier decides whether a delivery is authentic.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// PathTokenVerifier accepts deliveries whose {token} route variable matches
// the shared secret. The vendor callback carries no signature, so the
// secret lives in the registered URL.
type PathTokenVerifier struct {
	token []byte
}

// NewPathTokenVerifier returns a verifier for secret. An empty secret
// rejects everything.
func NewPathTokenVerifier(secret string) *PathTokenVerifier {
	return &PathTokenVerifier{token: []byte(secret)}
}

func (v *PathTokenVerifier) Verify(r *http.Request, _ []byte) error {
	if len(v.token) == 0 {
		return errors.New("no webhook secret configured")
	}
	got := mux.Vars(r)["token"]
	if got == "" {
		return errors.New("missing path token")
	}
	if subtle.ConstantTimeCompare([]byte(got), v.token) != 1 {
		return errors.New("path token mismatch")
	}
	return nil
}

// HMACVerifier checks the SignatureHeader against the body.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier returns a verifier for secret. An empty secret rejects everything.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(r *http.Request, body []byte) error {
	return VerifyHMAC(v.secret, body, r.Header.Get(SignatureHeader))
}

// VerifyHMAC compares signature ("sha256=<hex>" or bare hex) with the
// HMAC-SHA256 of body.
func VerifyHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("no webhook secret configured")
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if signature == "" {
		return errors.New("missing signature")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return fmt.Errorf("invalid hex signature: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the SignatureHeader value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
