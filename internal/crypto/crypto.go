// Package crypto encrypts the local store blob at rest.
// Uses AES-256-GCM with a key derived from a passphrase via PBKDF2.
package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/store"
)

const (
	// KeySize is the AES-256 key size.
	KeySize = 32
	// SaltSize is the PBKDF2 salt size.
	SaltSize = 16
	// Iterations is the PBKDF2 iteration count.
	Iterations = 100000
)

// magic prefixes every sealed blob.
var magic = []byte("OSE1")

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the passphrase is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// DeriveKey derives an AES-256 key from passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

// NewSalt returns a random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal encrypts plaintext with key. The salt is stored in the clear so Open can
// re-derive the key from the passphrase.
func Seal(plaintext, key, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes", SaltSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+SaltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

// SaltOf returns the salt of a sealed blob.
func SaltOf(sealed []byte) ([]byte, error) {
	if len(sealed) < len(magic)+SaltSize || !bytes.Equal(sealed[:len(magic)], magic) {
		return nil, ErrInvalidCiphertext
	}
	return sealed[len(magic) : len(magic)+SaltSize], nil
}

// Open decrypts a blob produced by Seal.
func Open(sealed, key []byte) ([]byte, error) {
	if _, err := SaltOf(sealed); err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	body := sealed[len(magic)+SaltSize:]
	if len(body) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, data := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, magic)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Persister encrypts blobs on their way to an inner store.Persister.
type Persister struct {
	inner      store.Persister
	passphrase string

	mu   sync.Mutex
	salt []byte
	key  []byte
}

// NewPersister wraps inner. The passphrase must not be empty.
func NewPersister(inner store.Persister, passphrase string) (*Persister, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	return &Persister{inner: inner, passphrase: passphrase}, nil
}

// Load implements store.Persister. A blob that cannot be decrypted, because it
// is damaged or was written with another passphrase, is reported as malformed
// state so the store starts over.
func (p *Persister) Load(ctx context.Context) ([]byte, error) {
	sealed, err := p.inner.Load(ctx)
	if err != nil || len(sealed) == 0 {
		return sealed, err
	}

	salt, err := SaltOf(sealed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedState, "local state is not encrypted", err)
	}
	key := p.keyFor(salt)
	plaintext, err := Open(sealed, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedState, "decrypt local state", err)
	}
	return plaintext, nil
}

// Save implements store.Persister.
func (p *Persister) Save(ctx context.Context, data []byte) error {
	p.mu.Lock()
	if p.salt == nil {
		salt, err := NewSalt()
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.salt, p.key = salt, DeriveKey(p.passphrase, salt)
	}
	salt, key := p.salt, p.key
	p.mu.Unlock()

	sealed, err := Seal(data, key, salt)
	if err != nil {
		return err
	}
	return p.inner.Save(ctx, sealed)
}

// keyFor derives the key for salt and adopts the salt for later saves.
func (p *Persister) keyFor(salt []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.salt != nil && bytes.Equal(p.salt, salt) {
		return p.key
	}
	p.salt = append([]byte(nil), salt...)
	p.key = DeriveKey(p.passphrase, p.salt)
	return p.key
}
