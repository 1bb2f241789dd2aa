// Package mnemonic implements the mnemonic manager (C4): BIP-39
// entropy/phrase/seed handling, the export-file guard, and the
// existing/create/import/export/rotate command dispatch of spec.md
// §4.4. Entropy is persisted through kv/manager; the plaintext phrase
// only ever touches disk via the explicit export file, mirroring the
// at-rest-encrypted-unless-explicitly-exported discipline of
// other_examples' DigitalArsenal mnemonic.go (though there entropy is
// file-encrypted directly; here kv/encrypted already plays that role,
// so this package deals only in raw entropy bytes and the BIP-39
// encoding of them).
package mnemonic

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/tyler-smith/go-bip39"

	"github.com/sage-x-project/tssd/kv/manager"
)

// entropyKey is the KV key holding the current entropy (spec.md §3
// "Lifecycle": entropy is created once per mnemonic lifetime; rotation
// moves the old value to mnemonic_<i>).
const entropyKey = "mnemonic"

// EntropyBytes enumerates the BIP-39-valid entropy lengths (spec.md §3).
var EntropyBytes = []int{16, 20, 24, 28, 32}

// DefaultEntropyBits is used by Create: 24 words (spec.md §4.4 table).
const DefaultEntropyBits = 256

var (
	ErrNoEntropy        = errors.New("mnemonic: no entropy stored")
	ErrEntropyExists    = errors.New("mnemonic: entropy already exists")
	ErrExportFileExists = errors.New("mnemonic: export file already exists")
	ErrInvalidPhrase    = errors.New("mnemonic: invalid BIP-39 phrase")
)

// Command names the five dispatchable mnemonic commands of spec.md §4.4.
type Command string

const (
	Existing Command = "existing"
	Create   Command = "create"
	Import   Command = "import"
	Export   Command = "export"
	Rotate   Command = "rotate"
)

// Manager implements C4 over a kv/manager.Manager.
type Manager struct {
	kv         *manager.Manager
	exportPath string
}

// New builds a mnemonic Manager persisting through kv and writing
// phrase exports to exportPath.
func New(kv *manager.Manager, exportPath string) *Manager {
	return &Manager{kv: kv, exportPath: exportPath}
}

func (m *Manager) exportFileExists() bool {
	_, err := os.Stat(m.exportPath)
	return err == nil
}

func (m *Manager) hasEntropy() bool {
	_, err := m.kv.GetEntropy(entropyKey)
	return err == nil
}

// Dispatch runs cmd against the KV's current state, per the table in
// spec.md §4.4. phraseIn is only consulted for Import.
func (m *Manager) Dispatch(cmd Command, phraseIn string) error {
	switch cmd {
	case Existing:
		if m.exportFileExists() {
			return fmt.Errorf("%w: refusing to start with --mnemonic=existing while an export file is present", ErrExportFileExists)
		}
		if !m.hasEntropy() {
			return ErrNoEntropy
		}
		return nil

	case Create:
		if m.hasEntropy() {
			return ErrEntropyExists
		}
		entropy, err := generateEntropy(DefaultEntropyBits)
		if err != nil {
			return err
		}
		defer wipe(entropy)
		if err := m.storeEntropy(entropyKey, entropy); err != nil {
			return err
		}
		return m.writePhraseExport(entropy)

	case Import:
		if m.hasEntropy() {
			return ErrEntropyExists
		}
		entropy, err := bip39.EntropyFromMnemonic(phraseIn)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPhrase, err)
		}
		defer wipe(entropy)
		return m.storeEntropy(entropyKey, entropy)

	case Export:
		entropy, err := m.kv.GetEntropy(entropyKey)
		if err != nil {
			return ErrNoEntropy
		}
		defer wipe(entropy)
		return m.writePhraseExport(entropy)

	case Rotate:
		if m.exportFileExists() {
			return ErrExportFileExists
		}
		entropy, err := m.kv.GetEntropy(entropyKey)
		if err != nil {
			return ErrNoEntropy
		}
		defer wipe(entropy)
		next, err := m.kv.NextMnemonicRotation()
		if err != nil {
			return err
		}
		oldKey := fmt.Sprintf("mnemonic_%d", next)
		if err := m.storeEntropy(oldKey, entropy); err != nil {
			return err
		}
		if err := m.kv.Delete(entropyKey); err != nil {
			return err
		}
		newEntropy, err := generateEntropy(DefaultEntropyBits)
		if err != nil {
			return err
		}
		defer wipe(newEntropy)
		if err := m.storeEntropy(entropyKey, newEntropy); err != nil {
			return err
		}
		return m.writePhraseExport(newEntropy)

	default:
		return fmt.Errorf("mnemonic: unknown command %q", cmd)
	}
}

func (m *Manager) storeEntropy(key string, entropy []byte) error {
	r, err := m.kv.Reserve(key)
	if err != nil {
		return err
	}
	if err := m.kv.Put(r, manager.Value{Kind: manager.KindEntropy, Entropy: entropy}); err != nil {
		_ = m.kv.Unreserve(r)
		return err
	}
	return nil
}

func (m *Manager) writePhraseExport(entropy []byte) error {
	if m.exportFileExists() {
		return ErrExportFileExists
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return fmt.Errorf("mnemonic: encode phrase: %w", err)
	}
	return os.WriteFile(m.exportPath, []byte(phrase+"\n"), 0o600)
}

// wipe overwrites b with zeros so entropy doesn't linger in memory
// once it has been persisted or encoded (spec.md §3/§7/§9 secret
// handling), the same key-clearing discipline as the teacher's
// session.go Close().
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func generateEntropy(bits int) ([]byte, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: generate entropy: %w", err)
	}
	return entropy, nil
}

// SecretRecoveryKey is the 64-byte PBKDF2-SHA512 seed used to derive
// per-session party keypairs (spec.md §4.4).
type SecretRecoveryKey [64]byte

// Zeroize overwrites the seed with zeros so it doesn't linger in
// memory once the caller is done deriving keypairs from it (spec.md
// §3/§7/§9 secret handling).
func (k *SecretRecoveryKey) Zeroize() {
	for i := range k {
		k[i] = 0
	}
}

// Seed derives the current entropy's 64-byte seed with an empty
// passphrase, required so recovery is reproducible across daemon
// restarts (spec.md §9). Callers must Zeroize the result once they are
// done deriving keypairs from it.
func (m *Manager) Seed() (SecretRecoveryKey, error) {
	entropy, err := m.kv.GetEntropy(entropyKey)
	if err != nil {
		return SecretRecoveryKey{}, ErrNoEntropy
	}
	defer wipe(entropy)
	return seedFromEntropy(entropy)
}

// HasSeed reports whether entropy is present, without deriving the
// seed — used by the KeyPresence RPC's "seed missing -> Fail" path
// (spec.md §4.9).
func (m *Manager) HasSeed() bool {
	return m.hasEntropy()
}

// DerivePartyKeypair deterministically derives one party's per-session
// keygen keypair material from a seed, its uid, and the session nonce
// (spec.md §4.8 step 5 / §4.9 step 3), so an original keygen and a
// later Recover compute byte-identical material independently. seed is
// zeroized before return; the caller's copy is unaffected since Go
// passes it by value.
func DerivePartyKeypair(seed SecretRecoveryKey, partyUID string, sessionNonce []byte) []byte {
	mac := hmac.New(sha256.New, seed[:])
	mac.Write([]byte(partyUID))
	mac.Write(sessionNonce)
	out := mac.Sum(nil)
	seed.Zeroize()
	return out
}

func seedFromEntropy(entropy []byte) (SecretRecoveryKey, error) {
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return SecretRecoveryKey{}, fmt.Errorf("mnemonic: encode phrase: %w", err)
	}
	seed := bip39.NewSeed(phrase, "")
	var out SecretRecoveryKey
	copy(out[:], seed)
	return out, nil
}
