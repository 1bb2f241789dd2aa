package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sage-x-project/tssd/kv/manager"
	"github.com/sage-x-project/tssd/orchestrator"
	"github.com/sage-x-project/tssd/party"
	"github.com/sage-x-project/tssd/recovery"
)

// ErrUnexpectedFirstMessage is returned when a streaming RPC's first
// inbound message is not the Init variant that RPC requires.
var ErrUnexpectedFirstMessage = errors.New("rpc: expected an Init message first")

// Daemon ties C3 (kv), C8 (orchestrator) and C9 (recovery) together
// behind the external interface of spec.md §6. One Daemon serves every
// RPC of one tssd process.
type Daemon struct {
	Orchestrator *orchestrator.Orchestrator
	Recovery     *recovery.Manager
	KV           *manager.Manager
}

// New builds a Daemon from its three collaborators.
func New(orch *orchestrator.Orchestrator, rec *recovery.Manager, kv *manager.Manager) *Daemon {
	return &Daemon{Orchestrator: orch, Recovery: rec, KV: kv}
}

// sessionNonce derives the deterministic per-session nonce threaded
// into engine.Context (spec.md §4.4: "a per-call session_nonce (the
// key-uid bytes) makes per-session keypair derivation deterministic").
func sessionNonce(uid string) []byte { return []byte(uid) }

// Keygen drives one keygen streaming RPC to completion (spec.md §6,
// §4.8). The stream's first message must be a KeygenInit.
func (d *Daemon) Keygen(stream GG20Stream) error {
	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("rpc: keygen: %w", err)
	}
	if first.KeygenInit == nil {
		return fmt.Errorf("%w: keygen", ErrUnexpectedFirstMessage)
	}
	init := *first.KeygenInit

	sanitized, err := party.SanitizeKeygenInit(init)
	if err != nil {
		return fmt.Errorf("rpc: keygen: sanitize: %w", err)
	}

	in := &streamInbound{stream: stream}
	out := &streamOutbound{stream: stream, shareCounts: sanitized.ShareCounts, partyUIDs: sanitized.PartyUIDs}

	result, err := d.Orchestrator.Keygen(stream.Context(), init, sessionNonce(sanitized.NewKeyUID), in, out)
	if err != nil {
		return fmt.Errorf("rpc: keygen: %w", err)
	}
	return stream.Send(MessageOut{KeygenResult: &result})
}

// Sign drives one sign streaming RPC to completion (spec.md §6, §4.8).
// The stream's first message must be a SignInit. If the referenced
// key-uid isn't present locally, a NeedRecover message is sent and the
// RPC fails (spec.md §4.8 error taxonomy, "Recovery-needed").
func (d *Daemon) Sign(stream GG20Stream) error {
	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("rpc: sign: %w", err)
	}
	if first.SignInit == nil {
		return fmt.Errorf("%w: sign", ErrUnexpectedFirstMessage)
	}
	init := *first.SignInit

	stored, err := d.KV.GetPartyInfo(init.KeyUID)
	if err != nil {
		if errors.Is(err, manager.ErrKeyNotFound) {
			_ = stream.Send(MessageOut{NeedRecover: &NeedRecover{SessionID: init.KeyUID}})
		}
		return fmt.Errorf("rpc: sign: key %q: %w", init.KeyUID, err)
	}

	sanitized, err := party.SanitizeSignInit(init, stored.Tofnd)
	if err != nil {
		return fmt.Errorf("rpc: sign: sanitize: %w", err)
	}
	signerUIDs := make([]string, len(sanitized.SignerIndices))
	for i, idx := range sanitized.SignerIndices {
		signerUIDs[i] = stored.Tofnd.PartyUIDs[idx]
	}
	signerShareCounts := make([]int, len(sanitized.SignerIndices))
	for i, idx := range sanitized.SignerIndices {
		signerShareCounts[i] = stored.Tofnd.ShareCounts[idx]
	}

	in := &streamInbound{stream: stream}
	out := &streamOutbound{stream: stream, shareCounts: party.ShareCounts{Counts: signerShareCounts}, partyUIDs: signerUIDs}

	result, err := d.Orchestrator.Sign(stream.Context(), init, sessionNonce(init.NewSigUID), in, out)
	if err != nil {
		return fmt.Errorf("rpc: sign: %w", err)
	}
	return stream.Send(MessageOut{SignResult: &result})
}

// Recover implements the unary Recover RPC (spec.md §6, §4.9).
func (d *Daemon) Recover(ctx context.Context, req RecoverRequest) RecoverResponse {
	if err := d.Recovery.Recover(req.Init, req.Output, req.SessionNonce); err != nil {
		return RecoverResponse{Success: false, Reason: err.Error()}
	}
	return RecoverResponse{Success: true}
}

// KeyPresence implements the unary KeyPresence RPC (spec.md §6, §4.9).
func (d *Daemon) KeyPresence(ctx context.Context, req KeyPresenceRequest) KeyPresenceResponse {
	switch d.Recovery.KeyPresence(req.KeyUID) {
	case recovery.Present:
		return KeyPresenceResponse{Present: StatusPresent}
	case recovery.Absent:
		return KeyPresenceResponse{Present: StatusAbsent}
	default:
		return KeyPresenceResponse{Present: StatusFail}
	}
}
