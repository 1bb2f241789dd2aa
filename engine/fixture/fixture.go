// Package fixture provides a deterministic toy implementation of the
// engine.Engine/Round contract, standing in for the real GG20 engine
// (out of scope per spec.md §9) so protocol (C7), orchestrator (C8)
// and recovery (C9) can be exercised end-to-end in tests. It uses a
// real secp256k1 keypair (github.com/decred/dcrd/dcrec/secp256k1/v4,
// the same curve library the teacher's crypto/keys/secp256k1.go uses
// for its own keygen) so signatures are byte-meaningful rather than
// opaque blobs, without implementing any part of the actual threshold
// protocol.
package fixture

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/sage-x-project/tssd/engine"
)

// KeygenEngine is a toy C5 engine: each share broadcasts a commitment
// derived from its party's keypair and the session nonce, waits for
// every other party's commitment, then deterministically combines
// them into a group pubkey and per-share recovery blob. Messages are
// tracked per party, not per share (spec.md §4.7 step 3 resolves the
// sender to a party index before calling msg_in), even though a party
// may hold several local shares.
type KeygenEngine struct{}

func (KeygenEngine) FirstRound(ctx engine.Context) (engine.Round, error) {
	numParties := len(ctx.ShareCounts.Counts)
	myPartyIndex, _ := ctx.ShareCounts.PartyOf(ctx.MyShareIndex)
	if myPartyIndex < 0 {
		return nil, fmt.Errorf("fixture: share index %d out of range", ctx.MyShareIndex)
	}
	return &keygenRound{
		ctx:           ctx,
		numParties:    numParties,
		myPartyIndex:  myPartyIndex,
		contributions: map[int][]byte{myPartyIndex: commitment(ctx, myPartyIndex)},
	}, nil
}

type keygenRound struct {
	ctx           engine.Context
	numParties    int
	myPartyIndex  int
	contributions map[int][]byte
	broadcast     bool
}

func commitment(ctx engine.Context, partyIndex int) []byte {
	h := sha256.New()
	h.Write(ctx.SessionNonce)
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], uint64(partyIndex))
	h.Write(idxBuf[:])
	h.Write(ctx.KeygenKeypair)
	return h.Sum(nil)
}

func (r *keygenRound) BcastOut() []byte {
	if r.broadcast {
		return nil
	}
	r.broadcast = true
	return r.contributions[r.myPartyIndex]
}

func (r *keygenRound) P2PSOut() map[int][]byte { return nil }

func (r *keygenRound) ExpectingMoreMsgsThisRound() bool {
	return len(r.contributions) < r.numParties
}

func (r *keygenRound) MsgIn(fromPartyIndex int, payload []byte) error {
	if fromPartyIndex < 0 || fromPartyIndex >= r.numParties {
		return fmt.Errorf("%w: party index %d out of range", engine.ErrMsgRejected, fromPartyIndex)
	}
	if len(payload) != sha256.Size {
		return fmt.Errorf("%w: bad commitment length %d", engine.ErrMsgRejected, len(payload))
	}
	r.contributions[fromPartyIndex] = payload
	return nil
}

func (r *keygenRound) ExecuteNextRound() (engine.State, error) {
	if r.ExpectingMoreMsgsThisRound() {
		return engine.State{}, fmt.Errorf("fixture: round not ready, missing %d contributions", r.numParties-len(r.contributions))
	}
	h := sha256.New()
	for i := 0; i < r.numParties; i++ {
		h.Write(r.contributions[i])
	}
	group := h.Sum(nil)

	var shareIdxBuf [8]byte
	binary.BigEndian.PutUint64(shareIdxBuf[:], uint64(r.ctx.MyShareIndex))
	own := sha256.New()
	own.Write(group)
	own.Write(shareIdxBuf[:])
	ownBytes := own.Sum(nil)

	share := &engine.SecretKeyShare{
		Index:              r.ctx.MyShareIndex,
		Bytes:              ownBytes,
		EncodedPubKey:      group,
		AllSharesBytes:     group,
		PrivateRecoverInfo: r.contributions[r.myPartyIndex],
	}
	return engine.Done(engine.Output{KeygenShare: share}), nil
}

// RecoverShare reconstructs one share's Bytes from the persisted group
// value and its own index, after checking that ctx.PrivateRecoverInfo
// is indeed the commitment ctx.PartyKeypair would have produced for
// this share's party at keygen time — the same check ExecuteNextRound
// implicitly relied on by requiring every party's own contribution.
func (KeygenEngine) RecoverShare(ctx engine.RecoverContext) (*engine.SecretKeyShare, error) {
	partyIndex, _ := ctx.ShareCounts.PartyOf(ctx.ShareIndex)
	if partyIndex < 0 {
		return nil, fmt.Errorf("fixture: share index %d out of range", ctx.ShareIndex)
	}
	want := commitment(engine.Context{SessionNonce: ctx.SessionNonce, KeygenKeypair: ctx.PartyKeypair}, partyIndex)
	if !bytes.Equal(want, ctx.PrivateRecoverInfo) {
		return nil, fmt.Errorf("fixture: private_recover_info does not match the derived party keypair for share %d", ctx.ShareIndex)
	}

	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], uint64(ctx.ShareIndex))
	h := sha256.New()
	h.Write(ctx.GroupRecoverInfo)
	h.Write(idxBuf[:])
	ownBytes := h.Sum(nil)

	return &engine.SecretKeyShare{
		Index:              ctx.ShareIndex,
		Bytes:              ownBytes,
		EncodedPubKey:      ctx.EncodedPubKey,
		AllSharesBytes:     ctx.GroupRecoverInfo,
		PrivateRecoverInfo: ctx.PrivateRecoverInfo,
	}, nil
}

// SignEngine is a toy C5 sign engine: every local share independently
// derives the same secp256k1 keypair from the session, so the
// resulting signature is byte-identical across shares without any
// message exchange — enough to exercise the orchestrator's
// byte-equality aggregation invariant (spec.md §4.8).
type SignEngine struct{}

func (SignEngine) FirstRound(ctx engine.Context) (engine.Round, error) {
	return &signRound{ctx: ctx}, nil
}

type signRound struct {
	ctx engine.Context
}

func (r *signRound) BcastOut() []byte                { return nil }
func (r *signRound) P2PSOut() map[int][]byte         { return nil }
func (r *signRound) ExpectingMoreMsgsThisRound() bool { return false }

func (r *signRound) MsgIn(from int, payload []byte) error {
	return fmt.Errorf("%w: sign fixture expects no inbound messages", engine.ErrMsgRejected)
}

func (r *signRound) ExecuteNextRound() (engine.State, error) {
	if len(r.ctx.SignInput.MessageToSign) != 32 {
		return engine.State{}, fmt.Errorf("fixture: message must be exactly 32 bytes, got %d", len(r.ctx.SignInput.MessageToSign))
	}
	scalar := sha256.Sum256(append([]byte("tssd-fixture-sign-key:"), r.ctx.SignInput.KeyUID...))
	priv := secp256k1.PrivKeyFromBytes(scalar[:])
	sig := ecdsa.Sign(priv, r.ctx.SignInput.MessageToSign)
	return engine.Done(engine.Output{Signature: sig.Serialize()}), nil
}
