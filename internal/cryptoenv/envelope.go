// Package cryptoenv seals and opens token records at rest. Each entry is
// encrypted with an AES-256-GCM key derived from the operator master key and
// a per-entry random salt, so compromising one ciphertext never exposes the
// key of another. The session id is bound as additional authenticated data.
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

const (
	// blobVersion frames encrypted entries. Entries without it are treated
	// as legacy plaintext written before a master key was configured.
	blobVersion = "v1"

	saltLen = 16
	keyLen  = 32

	// MinIterations is the floor for the PBKDF2 iteration count.
	MinIterations = 100_000
)

// Envelope derives per-entry keys from the master key and encrypts or
// decrypts serialized records. A nil or empty master key makes Seal the
// identity function so storage holds plaintext.
type Envelope struct {
	masterKey  []byte
	iterations int
}

// New creates an Envelope. An empty masterKey disables encryption.
// Iteration counts below MinIterations are raised to it.
func New(masterKey []byte, iterations int) *Envelope {
	if iterations < MinIterations {
		iterations = MinIterations
	}

	return &Envelope{masterKey: masterKey, iterations: iterations}
}

// Enabled reports whether a master key is configured.
func (e *Envelope) Enabled() bool {
	return len(e.masterKey) > 0
}

func (e *Envelope) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(e.masterKey, salt, e.iterations, keyLen, sha256.New)
}

// Seal encrypts plaintext for the given session. Without a master key the
// plaintext is returned unchanged.
func (e *Envelope) Seal(sessionID string, plaintext []byte) ([]byte, error) {
	if !e.Enabled() {
		return plaintext, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := e.newAEAD(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(sessionID))

	blob := blobVersion + ":" +
		base64.RawURLEncoding.EncodeToString(salt) + ":" +
		base64.RawURLEncoding.EncodeToString(sealed)

	return []byte(blob), nil
}

// Open decrypts a blob written by Seal. Blobs without the version frame are
// returned as-is for backward compatibility with entries written before a
// master key was configured. Any framed blob that cannot be authenticated
// and decrypted yields serviceerr.ErrDecryptionFailure, never partial data.
func (e *Envelope) Open(sessionID string, blob []byte) ([]byte, error) {
	s := string(blob)
	if !strings.HasPrefix(s, blobVersion+":") {
		// Legacy plaintext entry.
		return blob, nil
	}

	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil, errors.Join(serviceerr.ErrDecryptionFailure, errors.New("malformed blob"))
	}

	if !e.Enabled() {
		// Ciphertext but no key: fail closed.
		return nil, errors.Join(serviceerr.ErrDecryptionFailure, errors.New("no master key configured"))
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(salt) != saltLen {
		return nil, errors.Join(serviceerr.ErrDecryptionFailure, errors.New("malformed salt"))
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.Join(serviceerr.ErrDecryptionFailure, errors.New("malformed ciphertext"))
	}

	aead, err := e.newAEAD(salt)
	if err != nil {
		return nil, errors.Join(serviceerr.ErrDecryptionFailure, err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, errors.Join(serviceerr.ErrDecryptionFailure, errors.New("truncated ciphertext"))
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, serviceerr.ErrDecryptionFailure
	}

	return plaintext, nil
}

func (e *Envelope) newAEAD(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return aead, nil
}

// SigningKey derives a dedicated MAC key for the given purpose from the
// master key, keeping signing and encryption keys separate.
func (e *Envelope) SigningKey(purpose string) ([]byte, error) {
	if !e.Enabled() {
		return nil, errors.New("no master key configured")
	}

	mac := hmac.New(sha256.New, e.masterKey)
	mac.Write([]byte(purpose))

	return mac.Sum(nil), nil
}
