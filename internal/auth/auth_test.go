package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAuthenticate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier("s3cret", 15*time.Minute)

	cases := []struct {
		name string
		cred Credential
		want error
	}{
		{"valid", NewCredential("s3cret", now), nil},
		{"valid near window edge", NewCredential("s3cret", now.Add(-14*time.Minute)), nil},
		{"future within window", NewCredential("s3cret", now.Add(10*time.Minute)), nil},
		{"replay outside window", NewCredential("s3cret", now.Add(-16*time.Minute)), ErrTimestampOutOfWindow},
		{"future outside window", NewCredential("s3cret", now.Add(20*time.Minute)), ErrTimestampOutOfWindow},
		{"wrong token", NewCredential("other", now), ErrTokenMismatch},
		{"missing key", Credential{Timestamp: now.Unix()}, ErrMissingCredential},
		{"missing timestamp", Credential{PrivilegeKey: "abc"}, ErrMissingCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Authenticate(tc.cred, now)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, ErrAuth) {
				t.Fatalf("%v does not wrap ErrAuth", err)
			}
		})
	}
}

func TestAuthenticateRepeatable(t *testing.T) {
	now := time.Now()
	v := NewVerifier("tok", 0)
	cred := NewCredential("tok", now)
	for i := 0; i < 3; i++ {
		if err := v.Authenticate(cred, now); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
}

func TestDisabledVerifier(t *testing.T) {
	v := NewVerifier("", 0)
	if v.Enabled() {
		t.Fatal("empty token should disable auth")
	}
	if err := v.Authenticate(Credential{}, time.Now()); err != nil {
		t.Fatalf("disabled verifier rejected: %v", err)
	}
}

func TestKeyDependsOnTimestamp(t *testing.T) {
	if Key("t", 1) == Key("t", 2) {
		t.Fatal("keys for different timestamps collide")
	}
	if Key("t", 1) != Key("t", 1) {
		t.Fatal("key is not deterministic")
	}
}
