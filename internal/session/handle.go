package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

// HandleCodec mints and verifies signed token handles: opaque strings that
// reference a (session, platform) pair without carrying credentials. A
// handle is payload.mac, both base64url, where the MAC is HMAC-SHA256 over
// the payload bytes.
type HandleCodec struct {
	key      []byte
	lifetime time.Duration

	now func() time.Time
}

type handlePayload struct {
	SessionID  string `json:"sid"`
	PlatformID string `json:"pid"`
	IssuedAt   int64  `json:"ts"`
}

func NewHandleCodec(key []byte, lifetime time.Duration) (*HandleCodec, error) {
	if len(key) < 32 {
		return nil, errors.New("handle signing key must be at least 32 bytes")
	}

	return &HandleCodec{key: key, lifetime: lifetime, now: time.Now}, nil
}

// Issue mints a handle for the pair, valid for the codec's lifetime.
func (c *HandleCodec) Issue(sid, pid string) (string, error) {
	payload, err := json.Marshal(handlePayload{
		SessionID:  sid,
		PlatformID: pid,
		IssuedAt:   c.now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding handle payload: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(c.sign(payload)), nil
}

// Verify checks a handle and returns the pair it references. Malformed,
// forged and expired handles are indistinguishable to the caller: all
// return serviceerr.ErrInvalidHandle.
func (c *HandleCodec) Verify(handle string) (sid, pid string, err error) {
	payloadPart, macPart, ok := strings.Cut(handle, ".")
	if !ok {
		return "", "", serviceerr.ErrInvalidHandle
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return "", "", serviceerr.ErrInvalidHandle
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return "", "", serviceerr.ErrInvalidHandle
	}

	if !hmac.Equal(mac, c.sign(payload)) {
		return "", "", serviceerr.ErrInvalidHandle
	}

	var p handlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", "", serviceerr.ErrInvalidHandle
	}
	if p.SessionID == "" || p.PlatformID == "" {
		return "", "", serviceerr.ErrInvalidHandle
	}

	issued := time.Unix(p.IssuedAt, 0)
	now := c.now()
	if now.After(issued.Add(c.lifetime)) || issued.After(now.Add(time.Minute)) {
		return "", "", serviceerr.ErrInvalidHandle
	}

	return p.SessionID, p.PlatformID, nil
}

func (c *HandleCodec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)

	return mac.Sum(nil)
}
