// Package recovery implements the recovery handler (C9): idempotent
// reconstruction of a PartyInfo record from a keygen transcript plus
// the mnemonic seed, and the KeyPresence query (spec.md §4.9). It
// reuses the same sanitize-then-reserve-then-put shape as the
// orchestrator's Keygen (C8), but never drives the protocol engine
// live — every share is rebuilt from material the client already
// holds (engine.Recoverer), the way the teacher's handshake package
// rebuilds session state from a resumption token instead of redoing
// the handshake.
package recovery

import (
	"errors"
	"fmt"

	"github.com/sage-x-project/tssd/engine"
	"github.com/sage-x-project/tssd/kv/manager"
	"github.com/sage-x-project/tssd/mnemonic"
	"github.com/sage-x-project/tssd/orchestrator"
	"github.com/sage-x-project/tssd/party"
)

// ErrEngineCannotRecover is returned when the configured keygen engine
// does not implement engine.Recoverer.
var ErrEngineCannotRecover = errors.New("recovery: engine does not support share recovery")

// ErrRecoverInfoCountMismatch is returned when the supplied
// KeygenOutput does not carry exactly one PrivateRecoverInfo entry per
// local share.
var ErrRecoverInfoCountMismatch = errors.New("recovery: private_recover_info count does not match local share count")

// Presence is the three-valued result of a KeyPresence query
// (spec.md §4.9).
type Presence int

const (
	Absent Presence = iota
	Present
	Fail
)

// Manager implements C9 over C3 (kv), C4 (mnemonic) and a C5 keygen
// engine that also implements engine.Recoverer.
type Manager struct {
	KV       *manager.Manager
	Mnemonic *mnemonic.Manager
	Engine   engine.Engine
}

// New builds a recovery Manager. engine must implement
// engine.Recoverer; this is checked at call time, not construction, to
// keep the zero-value friendly for tests that only exercise
// KeyPresence.
func New(kv *manager.Manager, mn *mnemonic.Manager, keygenEngine engine.Engine) *Manager {
	return &Manager{KV: kv, Mnemonic: mn, Engine: keygenEngine}
}

// Recover rebuilds and persists the PartyInfo for init/output, or
// succeeds silently if the key-uid is already present (spec.md §4.9
// step 2, invariant 7: idempotent).
func (m *Manager) Recover(init party.KeygenInit, output orchestrator.KeygenOutput, sessionNonce []byte) error {
	sanitized, err := party.SanitizeKeygenInit(init)
	if err != nil {
		return fmt.Errorf("recovery: sanitize: %w", err)
	}

	exists, err := m.KV.Exists(sanitized.NewKeyUID)
	if err != nil {
		return fmt.Errorf("recovery: check existing %q: %w", sanitized.NewKeyUID, err)
	}
	if exists {
		return nil
	}

	recoverer, ok := m.Engine.(engine.Recoverer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrEngineCannotRecover, m.Engine)
	}

	myShareCount := sanitized.ShareCounts.Counts[sanitized.MyPartyIndex]
	if myShareCount == 0 {
		return party.ErrNoSharesAssigned
	}
	if len(output.PrivateRecoverInfo) != myShareCount {
		return fmt.Errorf("%w: want %d, got %d", ErrRecoverInfoCountMismatch, myShareCount, len(output.PrivateRecoverInfo))
	}

	seed, err := m.Mnemonic.Seed()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	defer seed.Zeroize()
	partyKeypair := mnemonic.DerivePartyKeypair(seed, sanitized.PartyUIDs[sanitized.MyPartyIndex], sessionNonce)
	defer wipe(partyKeypair)

	reservation, err := m.KV.Reserve(sanitized.NewKeyUID)
	if err != nil {
		return fmt.Errorf("recovery: reserve %q: %w", sanitized.NewKeyUID, err)
	}
	succeeded := false
	defer func() {
		if !succeeded {
			_ = m.KV.Unreserve(reservation)
		}
	}()

	shares := make([]party.ShareSecretInfo, myShareCount)
	for i := 0; i < myShareCount; i++ {
		flat, err := sanitized.ShareCounts.FlatIndex(sanitized.MyPartyIndex, i)
		if err != nil {
			return fmt.Errorf("recovery: flat index: %w", err)
		}
		share, err := recoverer.RecoverShare(engine.RecoverContext{
			ShareCounts:        engine.PartyShareCounts{Counts: sanitized.ShareCounts.Counts},
			ShareIndex:         flat,
			Threshold:          sanitized.Threshold,
			SessionNonce:       sessionNonce,
			PartyKeypair:       partyKeypair,
			PrivateRecoverInfo: output.PrivateRecoverInfo[i],
			GroupRecoverInfo:   output.GroupRecoverInfo,
			EncodedPubKey:      output.PubKey,
		})
		if err != nil {
			return fmt.Errorf("recovery: recover share %d: %w", flat, err)
		}
		shares[i] = party.ShareSecretInfo{Index: i, Bytes: share.Bytes}
	}

	info := party.Info{
		Group: party.GroupPublicInfo{
			Threshold:      sanitized.Threshold,
			EncodedPubKey:  output.PubKey,
			AllSharesBytes: output.GroupRecoverInfo,
		},
		Shares: shares,
		Tofnd: party.TofndInfo{
			PartyUIDs:   sanitized.PartyUIDs,
			ShareCounts: sanitized.ShareCounts.Counts,
			MyIndex:     sanitized.MyPartyIndex,
		},
	}
	if err := info.Validate(); err != nil {
		return fmt.Errorf("recovery: rebuilt PartyInfo failed validation: %w", err)
	}
	if err := m.KV.Put(reservation, manager.Value{Kind: manager.KindPartyInfo, PartyInfo: info}); err != nil {
		return fmt.Errorf("recovery: persist PartyInfo: %w", err)
	}
	succeeded = true
	return nil
}

// wipe overwrites b with zeros so derived keypair material doesn't
// linger in memory once recovery is done with it (spec.md §3/§7/§9
// secret handling).
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KeyPresence reports whether keyUID names a persisted key, first
// checking that a seed exists at all (spec.md §4.9 final paragraph):
// with no seed, no key could ever be recovered or generated, so the
// query is a hard Fail rather than a false Absent.
func (m *Manager) KeyPresence(keyUID string) Presence {
	if !m.Mnemonic.HasSeed() {
		return Fail
	}
	exists, err := m.KV.Exists(keyUID)
	if err != nil {
		return Fail
	}
	if exists {
		return Present
	}
	return Absent
}
