// Package oauthstate issues and verifies the state parameter of the OAuth
// consent round trip. A token is self-contained: base64url(JSON payload) "."
// base64url(HMAC-SHA256 of the payload part).
package oauthstate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unical/internal/models"
)

// DefaultTTL is how long an issued state stays valid.
const DefaultTTL = 10 * time.Minute

var (
	ErrMalformed = errors.New("oauth state is malformed")
	ErrSignature = errors.New("oauth state signature mismatch")
	ErrExpired   = errors.New("oauth state expired")
)

// Payload is the signed content of a state token.
type Payload struct {
	OwnerID  uint            `json:"owner_id"`
	Provider models.Provider `json:"provider"`
	Nonce    string          `json:"nonce"`
	Expires  int64           `json:"exp"`
}

// Signer issues and verifies state tokens with one secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer. The secret must not be empty.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("oauth state secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a state token for the owner connecting provider p.
func (s *Signer) Issue(ownerID uint, p models.Provider) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	raw, err := json.Marshal(Payload{
		OwnerID:  ownerID,
		Provider: p,
		Nonce:    hex.EncodeToString(nonce),
		Expires:  s.now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + s.sign(body), nil
}

// Verify checks the signature and expiry of token and returns its payload.
func (s *Signer) Verify(token string) (*Payload, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return nil, ErrMalformed
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(body))) {
		return nil, ErrSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrMalformed
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrMalformed
	}
	if s.now().Unix() > p.Expires {
		return nil, ErrExpired
	}
	return &p, nil
}

func (s *Signer) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
