// Package encrypted implements the encrypted store (C2): a transparent
// authenticated-encryption wrapper around kv/store. Every value is
// encrypted with XChaCha20-Poly1305 under a key stretched from a
// password via scrypt, the same construction the teacher's mnemonic
// encryption (golang.org/x/crypto/chacha20poly1305, salt‖nonce‖
// ciphertext framing) and the pkg/agent/crypto/vault secure vault both
// use, generalized from "one secret blob" to "every value in a KV
// store".
package encrypted

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/sage-x-project/tssd/kv/store"
)

const (
	// verificationKey is the reserved key used to verify a password
	// against an already-initialized store, per spec.md §4.2/§6.
	verificationKey   = "verification_key"
	verificationValue = "verification_value"

	nonceSize = chacha20poly1305.NonceSizeX
	keySize   = chacha20poly1305.KeySize

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrWrongPassword is returned, and only returned, when the
	// verification record fails to decrypt. No other error may leak
	// through this path — a distinguishable failure would be a
	// password-check oracle.
	ErrWrongPassword = errors.New("encrypted: wrong password")

	ErrCorrupted          = errors.New("encrypted: corrupted store")
	ErrCipherFailure      = errors.New("encrypted: cipher operation failed")
	ErrSerializationFailed = errors.New("encrypted: serialization failed")
)

// Store is an authenticated-encryption wrapper over a byte store.
type Store struct {
	inner store.Store
	key   [keySize]byte
}

// record is the on-disk value format of spec.md §6: nonce plus
// ciphertext‖tag, using a stable, trivial binary codec (the fixed-size
// nonce followed directly by the AEAD output) rather than a general-purpose
// serialization library — the record has exactly two fields and a
// fixed-size first one, so gob/json would be pure overhead here.
func encodeRecord(nonce, ciphertext []byte) []byte {
	out := make([]byte, 0, nonceSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out
}

func decodeRecord(data []byte) (nonce, ciphertext []byte, err error) {
	if len(data) < nonceSize {
		return nil, nil, ErrSerializationFailed
	}
	return data[:nonceSize], data[nonceSize:], nil
}

func deriveKey(password string) ([keySize]byte, error) {
	var key [keySize]byte
	// Fixed salt: the password is the only secret input, and the spec
	// (§3) calls for a deterministic 32-byte key from the password
	// alone so the same password always opens the same store.
	salt := []byte("tssd-kv-encrypted-store-salt-v1")
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	copy(key[:], derived)
	return key, nil
}

// Open stretches password via scrypt and opens inner at path. If the
// store already existed, the verification record is checked and
// ErrWrongPassword is returned (and nothing else) on mismatch. If the
// store is new, a verification record is written under the new key.
func Open(path string, password string) (*Store, error) {
	res, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return openWith(res, password)
}

// OpenMemory is the in-memory equivalent of Open, used for tests and
// for --unsafe test runs that should never touch disk.
func OpenMemory(password string) (*Store, error) {
	return openWith(store.NewMemory(), password)
}

func openWith(res store.OpenResult, password string) (*Store, error) {
	key, err := deriveKey(password)
	if err != nil {
		_ = res.Store.Close()
		return nil, err
	}
	s := &Store{inner: res.Store, key: key}

	if res.WasRecovered {
		raw, err := s.inner.Get(verificationKey)
		if err != nil {
			// Missing or unreadable verification record: the password
			// cannot be confirmed. Per spec.md §4.2 this must surface
			// as WrongPassword and nothing else — a distinguishable
			// "corrupted" error here would be a password-check oracle.
			_ = s.Close()
			return nil, ErrWrongPassword
		}
		if _, err := s.decryptVerification(raw); err != nil {
			_ = s.Close()
			return nil, ErrWrongPassword
		}
		return s, nil
	}

	if err := s.Insert(verificationKey, []byte(verificationValue)); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Insert encrypts value with a freshly sampled nonce and writes it.
func (s *Store) Insert(key string, value []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	ciphertext := aead.Seal(nil, nonce, value, nil)
	_, err = s.inner.Insert(key, encodeRecord(nonce, ciphertext))
	return err
}

// Get decrypts and returns the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	raw, err := s.inner.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.decrypt(raw)
}

// Remove deletes and decrypts the previous value stored under key, if
// any, mirroring store.Store.Remove's "return prev" contract.
func (s *Store) Remove(key string) ([]byte, error) {
	raw, err := s.inner.Remove(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return s.decrypt(raw)
}

// Contains reports whether key exists, without decrypting it.
func (s *Store) Contains(key string) (bool, error) {
	return s.inner.Contains(key)
}

// Keys lists stored keys including verificationKey.
func (s *Store) Keys() ([]string, error) {
	return s.inner.Keys()
}

func (s *Store) Flush() error { return s.inner.Flush() }

// Close zeroes the derived AEAD key before closing the inner store, so
// the key doesn't linger in memory after the store goes out of use
// (spec.md §3/§7/§9 secret handling).
func (s *Store) Close() error {
	for i := range s.key {
		s.key[i] = 0
	}
	return s.inner.Close()
}

// decrypt handles ordinary values. By the time a Store exists, Open
// has already confirmed the password against the verification record,
// so an AEAD failure here means the on-disk record was corrupted or
// tampered with, not that the password is wrong.
func (s *Store) decrypt(raw []byte) ([]byte, error) {
	nonce, ciphertext, err := decodeRecord(raw)
	if err != nil {
		return nil, ErrCorrupted
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCorrupted
	}
	return plain, nil
}

// decryptVerification is used only at Open time, where an AEAD
// failure specifically indicates a wrong password.
func (s *Store) decryptVerification(raw []byte) ([]byte, error) {
	nonce, ciphertext, err := decodeRecord(raw)
	if err != nil {
		return nil, ErrWrongPassword
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plain, nil
}
