// Package token implements the invite token wire format:
//
//	profile:ttl:timestamp:recipientHash:notesHash:signature
//
// Tokens are stateless signed claims. Verification is purely cryptographic
// plus a freshness check; no database lookup is involved.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed        = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
)

// HashNone is the sentinel used when a token carries no recipient or notes.
const HashNone = "none"

// Token is a parsed and verified invite token.
type Token struct {
	Profile       string
	TTL           int
	IssuedAt      time.Time
	RecipientHash string
	NotesHash     string
	Signature     string
}

// String re-encodes the token in wire format.
func (t *Token) String() string {
	return fmt.Sprintf("%s:%s", t.payload(), t.Signature)
}

func (t *Token) payload() string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", t.Profile, t.TTL, t.IssuedAt.Unix(), t.RecipientHash, t.NotesHash)
}

// fieldHash returns the first 12 hex chars of SHA-256 over s, or "none" when
// s is empty.
func fieldHash(s string) string {
	if s == "" {
		return HashNone
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a signed invite token. TTL is in seconds and must be positive.
// Recipient and notes are optional; they are hashed into the token so the
// issuer can later attribute a redeemed invite without the token leaking the
// raw values.
func Issue(secret, profile string, ttl int, recipient, notes string) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	if profile == "" || strings.Contains(profile, ":") {
		return "", fmt.Errorf("invalid profile %q", profile)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("invalid ttl %d", ttl)
	}
	t := &Token{
		Profile:       profile,
		TTL:           ttl,
		IssuedAt:      time.Now(),
		RecipientHash: fieldHash(recipient),
		NotesHash:     fieldHash(notes),
	}
	t.Signature = sign(secret, t.payload())
	return t.String(), nil
}

// Verify parses raw, recomputes its HMAC with constant-time comparison and
// checks the freshness window. The token must be redeemed before
// issuedAt+ttl; this window is independent of the runtime TTL the session is
// later scheduled with.
func Verify(secret, raw string) (*Token, error) {
	return verifyAt(secret, raw, time.Now())
}

func verifyAt(secret, raw string, now time.Time) (*Token, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("%w: expected 6 fields, got %d", ErrMalformed, len(parts))
	}

	ttl, err := strconv.Atoi(parts[1])
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("%w: bad ttl %q", ErrMalformed, parts[1])
	}
	issued, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, parts[2])
	}

	t := &Token{
		Profile:       parts[0],
		TTL:           ttl,
		IssuedAt:      time.Unix(issued, 0),
		RecipientHash: parts[3],
		NotesHash:     parts[4],
		Signature:     parts[5],
	}

	expected := sign(secret, t.payload())
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return nil, ErrInvalidSignature
	}

	if now.After(t.IssuedAt.Add(time.Duration(ttl) * time.Second)) {
		return nil, ErrExpired
	}
	return t, nil
}
