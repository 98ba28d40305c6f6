package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// StateTTL bounds how long an OAuth redirect may take.
const StateTTL = 10 * time.Minute

var (
	ErrInvalidState = errors.New("invalid oauth state")
	ErrStateExpired = errors.New("oauth state expired")
)

// stateEncoding rejects non-zero trailing bits so every altered character
// changes the decoded bytes.
var stateEncoding = base64.RawURLEncoding.Strict()

// StatePayload travels through the provider's consent screen inside the
// OAuth state parameter.
type StatePayload struct {
	ResourceID uuid.UUID `json:"resource_id"`
	ReturnTo   string    `json:"return_to,omitempty"`
	Nonce      string    `json:"nonce"`
	IssuedAt   int64     `json:"issued_at"`
}

// StateSigner builds and verifies HMAC-SHA256 signed state tokens of the form
// base64url(json) "." base64url(mac).
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewStateSigner(key []byte) *StateSigner {
	return &StateSigner{key: key, ttl: StateTTL, now: time.Now}
}

// DeriveStateKey expands the vault key into an independent signing key.
func DeriveStateKey(vaultKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, vaultKey, nil, []byte("clinicsync oauth state"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}
	return key, nil
}

// Build stamps the payload with the current time and a fresh nonce, then
// signs it.
func (s *StateSigner) Build(p StatePayload) (string, error) {
	p.IssuedAt = s.now().Unix()
	if p.Nonce == "" {
		p.Nonce = uuid.NewString()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	body := stateEncoding.EncodeToString(raw)
	return body + "." + stateEncoding.EncodeToString(s.sign(body)), nil
}

func (s *StateSigner) Verify(token string) (*StatePayload, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return nil, ErrInvalidState
	}
	got, err := stateEncoding.DecodeString(sig)
	if err != nil {
		return nil, ErrInvalidState
	}
	if !hmac.Equal(got, s.sign(body)) {
		return nil, ErrInvalidState
	}

	raw, err := stateEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidState
	}
	var p StatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ResourceID == uuid.Nil {
		return nil, ErrInvalidState
	}

	issued := time.Unix(p.IssuedAt, 0)
	now := s.now()
	if now.Sub(issued) > s.ttl || issued.After(now.Add(time.Minute)) {
		return nil, ErrStateExpired
	}
	return &p, nil
}

func (s *StateSigner) sign(body string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
