package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret"

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(testSecret)
	token := SignToken(testSecret, "user-123", time.Now().Add(time.Hour))

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.UserID != "user-123" {
		t.Errorf("UserID = %q, want user-123", id.UserID)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewVerifier(testSecret)
	good := SignToken(testSecret, "user-123", time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", SignToken("other-secret", "user-123", time.Now().Add(time.Hour))},
		{"expired", SignToken(testSecret, "user-123", time.Now().Add(-time.Minute))},
		{"empty subject", SignToken(testSecret, "", time.Now().Add(time.Hour))},
		{"not a jwt", "garbage"},
		{"two segments", "a.b"},
		{"tampered payload", tamper(good)},
		{"empty", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); err == nil {
				t.Errorf("Verify(%q) succeeded, want error", tc.token)
			}
		})
	}
}

// tamper flips a character in the payload segment while keeping the
// original signature.
func tamper(token string) string {
	parts := strings.Split(token, ".")
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	return parts[0] + "." + string(payload) + "." + parts[2]
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	v := NewVerifier(testSecret)

	// Hand-built token claiming alg "none" with an empty signature.
	header := "eyJhbGciOiJub25lIn0" // {"alg":"none"}
	payload := "eyJzdWIiOiJ1c2VyLTEyMyJ9"
	token := header + "." + payload + "."

	if _, err := v.Verify(token); err == nil {
		t.Error("Verify() accepted alg=none token")
	}
}

func TestVerifyBearer(t *testing.T) {
	v := NewVerifier(testSecret)
	token := SignToken(testSecret, "user-9", time.Now().Add(time.Hour))

	id, err := v.VerifyBearer("Bearer " + token)
	if err != nil {
		t.Fatalf("VerifyBearer() error: %v", err)
	}
	if id.UserID != "user-9" {
		t.Errorf("UserID = %q, want user-9", id.UserID)
	}

	if _, err := v.VerifyBearer(token); err == nil {
		t.Error("VerifyBearer() without scheme should error")
	}
	if _, err := v.VerifyBearer(""); err == nil {
		t.Error("VerifyBearer(\"\") should error")
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	if _, ok := IdentityFromContext(ctx); ok {
		t.Error("IdentityFromContext on empty context should report absent")
	}

	ctx = WithIdentity(ctx, Identity{UserID: "alice"})
	id, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("IdentityFromContext reported absent after WithIdentity")
	}
	if id.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", id.UserID)
	}

	// An identity with an empty user id is treated as absent.
	ctx = WithIdentity(context.Background(), Identity{})
	if _, ok := IdentityFromContext(ctx); ok {
		t.Error("empty identity should be treated as absent")
	}
}
