// Package fieldcrypt is the single field-level encryption codec for PHI.
// Every sensitive field is sealed independently so one field can be rotated
// or redacted without re-encrypting the whole record, and the key id travels
// inside the ciphertext so old fields stay readable across rotations.
//
// Wire format: v1:<key-id>:<base64(nonce || ciphertext)>.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const formatVersion = "v1"

// Codec seals and opens individual field values with AES-256-GCM.
// Per-key-id data keys are derived from the master key via HKDF, so rotation
// is introducing a new key id, not distributing new key material.
type Codec struct {
	activeKeyID string
	aeads       map[string]cipher.AEAD
}

// NewCodec derives AEADs for each known key id. activeKeyID is used for all
// new ciphertexts; the rest remain available for decryption.
func NewCodec(masterKey []byte, keyIDs []string, activeKeyID string) (*Codec, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("fieldcrypt: master key must be at least 32 bytes, got %d", len(masterKey))
	}
	if activeKeyID == "" {
		return nil, fmt.Errorf("fieldcrypt: active key id is required")
	}

	ids := append([]string{}, keyIDs...)
	found := false
	for _, id := range ids {
		if id == activeKeyID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, activeKeyID)
	}

	aeads := make(map[string]cipher.AEAD, len(ids))
	for _, id := range ids {
		aead, err := deriveAEAD(masterKey, id)
		if err != nil {
			return nil, err
		}
		aeads[id] = aead
	}

	return &Codec{activeKeyID: activeKeyID, aeads: aeads}, nil
}

func deriveAEAD(masterKey []byte, keyID string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("carelink/fieldcrypt/"+keyID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("fieldcrypt: derive key %s: %w", keyID, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: create GCM: %w", err)
	}
	return aead, nil
}

// KeyID returns the key id used for new ciphertexts.
func (c *Codec) KeyID() string { return c.activeKeyID }

// Encrypt seals the plaintext under the active key with a fresh nonce.
// Ciphertexts are never comparable run to run.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead := c.aeads[c.activeKeyID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("fieldcrypt: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(c.activeKeyID))
	return formatVersion + ":" + c.activeKeyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by any known key id.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[0] != formatVersion {
		return "", fmt.Errorf("fieldcrypt: malformed ciphertext")
	}
	keyID := parts[1]

	aead, ok := c.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("fieldcrypt: unknown key id %q", keyID)
	}

	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", fmt.Errorf("fieldcrypt: ciphertext too short")
	}

	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: open: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether the value carries the codec wire format.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, formatVersion+":")
}
