// Package cryptokit derives session key material from a shared password
// and provides the two primitives the rest of DropSync builds on: chunk
// encryption for file transfer and HMAC challenge/response for the auth
// handshake. Never transmits the password itself.
package cryptokit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// defaultSalt is the fixed domain-separation string used when no
// room-scoped salt is supplied. See spec §9's open question: a
// deployment may bind the salt to the room id instead.
const defaultSalt = "dropsync-v1-key-derivation"

// kdfIterations and keyLen implement spec §4.1's PBKDF2 parameters.
const (
	kdfIterations = 100_000
	keyLen        = 32 // 256-bit key
	ivLen         = 12 // 96-bit IV
	tagLen        = 16 // 128-bit GCM tag
)

// PasswordSource returns the locally configured password, if any.
// Callers driven by long-running events (AuthHandshake, FileSender)
// take this as a closure over the session's updatable password
// reference rather than a snapshot, so a late password change is
// observed without re-wiring (spec §3).
type PasswordSource func() (password string, ok bool)

// KeyDeriver derives a 256-bit symmetric key from a password. The salt
// defaults to a fixed constant (NewKeyDeriver); NewRoomScopedKeyDeriver
// binds it to a room id instead, giving cross-room domain separation
// (spec §9).
type KeyDeriver struct {
	salt []byte
}

// NewKeyDeriver returns a KeyDeriver using the fixed default salt.
func NewKeyDeriver() *KeyDeriver {
	return &KeyDeriver{salt: []byte(defaultSalt)}
}

// NewRoomScopedKeyDeriver binds key derivation to roomID, so the same
// password used in two different rooms yields two different keys.
func NewRoomScopedKeyDeriver(roomID string) *KeyDeriver {
	return &KeyDeriver{salt: []byte(defaultSalt + "|" + roomID)}
}

// deriveKey runs PBKDF2-HMAC-SHA256 over password with the configured
// salt, 100000 iterations, producing a 256-bit key (spec §4.1).
func (k *KeyDeriver) deriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), k.salt, kdfIterations, keyLen, sha256.New)
}

// EncryptChunk encrypts plaintext under a key derived from password.
// Output layout is IV ‖ AEAD(plaintext), with a fresh random 96-bit IV
// per call — per-chunk IVs avoid nonce reuse across the session and
// across retries (spec §4.1, §9).
func (k *KeyDeriver) EncryptChunk(plaintext []byte, password string) ([]byte, error) {
	block, err := aes.NewCipher(k.deriveKey(password))
	if err != nil {
		return nil, fmt.Errorf("cryptokit: deriving cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: constructing GCM: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("cryptokit: generating IV: %w", err)
	}

	out := make([]byte, 0, ivLen+len(plaintext)+tagLen)
	out = append(out, iv...)
	out = gcm.Seal(out, iv, plaintext, nil)
	return out, nil
}

// errDecryptionFailed is the single sentinel value returned for every
// decryption failure, so callers can detect it with errors.Is against
// ErrDecryptionFailed() instead of comparing message strings.
var errDecryptionFailed = fmt.Errorf("cryptokit: decryption failed")

// ErrDecryptionFailed is returned by DecryptChunk on any authentication
// failure. Callers must treat this as fatal for the transfer (spec §4.1).
func ErrDecryptionFailed() error { return errDecryptionFailed }

// DecryptChunk splits the first 12 bytes of ciphertext as the IV and
// decrypts+authenticates the remainder. Returns ErrDecryptionFailed on
// any authentication error.
func (k *KeyDeriver) DecryptChunk(ciphertext []byte, password string) ([]byte, error) {
	if len(ciphertext) < ivLen+tagLen {
		return nil, errDecryptionFailed
	}
	block, err := aes.NewCipher(k.deriveKey(password))
	if err != nil {
		return nil, fmt.Errorf("cryptokit: deriving cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: constructing GCM: %w", err)
	}

	iv, sealed := ciphertext[:ivLen], ciphertext[ivLen:]
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errDecryptionFailed
	}
	return plaintext, nil
}

// SignChallenge computes an HMAC-SHA256 tag over nonce using a
// password-derived key. Used by AuthHandshake to prove password
// knowledge without transmitting it (spec §4.1, §4.5).
func (k *KeyDeriver) SignChallenge(nonce []byte, password string) []byte {
	mac := hmac.New(sha256.New, k.deriveKey(password))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// VerifyChallenge recomputes the expected tag and compares it against
// mac in constant time, never short-circuiting.
func (k *KeyDeriver) VerifyChallenge(nonce, mac []byte, password string) bool {
	expected := k.SignChallenge(nonce, password)
	return hmac.Equal(expected, mac)
}
