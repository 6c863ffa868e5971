package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing download token")
	ErrInvalidToken = errors.New("invalid download token")
	ErrTokenExpired = errors.New("download token expired")
)

// Signer issues short-lived HMAC tokens binding a download to one file name.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a signer. An empty secret is replaced by a random one, which
// invalidates outstanding tokens on restart.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if strings.TrimSpace(secret) == "" {
		secret = uuid.New().String()
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

func (s *Signer) Sign(name string, now time.Time) string {
	expires := now.Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s:%d", name, expires)
	raw := payload + ":" + s.mac(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (s *Signer) Verify(name, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// file names never contain ':' so the last two fields are fixed
	raw := string(decoded)
	sig := strings.LastIndexByte(raw, ':')
	if sig < 0 {
		return ErrInvalidToken
	}
	payload := raw[:sig]
	exp := strings.LastIndexByte(payload, ':')
	if exp < 0 {
		return ErrInvalidToken
	}
	if payload[:exp] != name {
		return fmt.Errorf("%w: token does not match file", ErrInvalidToken)
	}
	expires, err := strconv.ParseInt(payload[exp+1:], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry: %v", ErrInvalidToken, err)
	}
	if now.Unix() > expires {
		return ErrTokenExpired
	}
	provided, err := hex.DecodeString(raw[sig+1:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	expected, _ := hex.DecodeString(s.mac(payload))
	if !hmac.Equal(expected, provided) {
		return ErrInvalidToken
	}
	return nil
}

func (s *Signer) mac(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
