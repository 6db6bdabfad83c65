// Package signer builds the per-call authentication envelope for the payment gateway.
//
// Every credential carries a fresh random nonce, so no two calls to Sign return the
// same tranKey. Callers must not cache an Auth between gateway requests.
package signer

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
	"time"
)

const nonceSize = 16

// Auth is the authentication object sent with every gateway request.
type Auth struct {
	Login   string `json:"login"`
	TranKey string `json:"tranKey"`
	Nonce   string `json:"nonce"`
	Seed    string `json:"seed"`
}

// Signer produces Auth envelopes for one gateway identity.
type Signer struct {
	login  string
	secret string
	now    func() time.Time
	random io.Reader
}

// Option customizes a Signer.
type Option func(*Signer)

// WithClock overrides the seed time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithRandom overrides the nonce entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Signer) { s.random = r }
}

// New creates a signer for the given gateway login and secret key.
func New(login, secret string, opts ...Option) *Signer {
	s := &Signer{
		login:  login,
		secret: secret,
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login returns the gateway identity.
func (s *Signer) Login() string {
	return s.login
}

// Sign returns a fresh authentication envelope. It panics only if the entropy
// source fails, which for crypto/rand means the platform is unusable.
func (s *Signer) Sign() Auth {
	raw := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		panic("signer: nonce entropy unavailable: " + err.Error())
	}
	seed := s.now().Format(time.RFC3339)

	return Auth{
		Login:   s.login,
		TranKey: TranKey(raw, seed, s.secret),
		Nonce:   base64.StdEncoding.EncodeToString(raw),
		Seed:    seed,
	}
}

// TranKey computes base64(SHA-256(rawNonce + seed + secret)). The raw nonce is
// hashed, not its base64 form.
func TranKey(rawNonce []byte, seed, secret string) string {
	h := sha256.New()
	h.Write(rawNonce)
	h.Write([]byte(seed))
	h.Write([]byte(secret))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NotificationSignature returns hex(SHA-1(requestID + status + date + secret)),
// the signature the gateway attaches to push notifications.
func (s *Signer) NotificationSignature(requestID, status, date string) string {
	sum := sha1.Sum([]byte(requestID + status + date + s.secret))
	return hex.EncodeToString(sum[:])
}

// VerifyNotification checks a notification signature in either the SHA-1 form or
// the "sha256:" prefixed form.
func (s *Signer) VerifyNotification(requestID, status, date, signature string) bool {
	var expected string
	if rest, ok := strings.CutPrefix(signature, "sha256:"); ok {
		sum := sha256.Sum256([]byte(requestID + status + date + s.secret))
		expected = hex.EncodeToString(sum[:])
		signature = rest
	} else {
		expected = s.NotificationSignature(requestID, status, date)
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}
