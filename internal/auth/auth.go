// Package auth implements the pre-shared token scheme used at login and, optionally, on new work
// connections. The client proves knowledge of the token by sending
// hex(HMAC-SHA256(token, decimal unix timestamp)) together with the timestamp.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultWindow bounds how far a credential timestamp may drift from the server clock.
const DefaultWindow = 15 * time.Minute

var (
	ErrAuth                 = errors.New("authentication failed")
	ErrMissingCredential    = fmt.Errorf("%w: missing credential", ErrAuth)
	ErrTimestampOutOfWindow = fmt.Errorf("%w: timestamp out of window", ErrAuth)
	ErrTokenMismatch        = fmt.Errorf("%w: token mismatch", ErrAuth)
)

// Credential is what a client presents.
type Credential struct {
	PrivilegeKey string
	Timestamp    int64
}

// Key computes the privilege key for token at unix timestamp ts.
func Key(token string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewCredential builds a credential for the given token at now.
func NewCredential(token string, now time.Time) Credential {
	ts := now.Unix()
	return Credential{PrivilegeKey: Key(token, ts), Timestamp: ts}
}

// Verifier checks credentials against a shared token.
type Verifier struct {
	token  string
	window time.Duration
}

// NewVerifier returns a Verifier. An empty token disables authentication; a zero window means
// DefaultWindow.
func NewVerifier(token string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{token: token, window: window}
}

// Enabled reports whether credentials are checked at all.
func (v *Verifier) Enabled() bool { return v.token != "" }

// Authenticate returns nil when cred is valid at now.
func (v *Verifier) Authenticate(cred Credential, now time.Time) error {
	if !v.Enabled() {
		return nil
	}
	if cred.PrivilegeKey == "" || cred.Timestamp == 0 {
		return ErrMissingCredential
	}
	skew := now.Sub(time.Unix(cred.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return fmt.Errorf("%w: skew %s", ErrTimestampOutOfWindow, skew.Truncate(time.Second))
	}
	want := Key(v.token, cred.Timestamp)
	if subtle.ConstantTimeCompare([]byte(want), []byte(cred.PrivilegeKey)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}
