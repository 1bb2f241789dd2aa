// Package orchestrator implements the share orchestrator (C8): the
// per-RPC fan-out over local shares, their aggregation, and the
// reserve/put discipline against C3 (spec.md §4.8). It drives C6, C7
// and C5 for every local share of one keygen or sign session and
// turns their per-share outputs into the single result the client
// sees.
//
// Worker supervision is grounded on the teacher's cmd/test-server
// main.go `go func(){ ... }()` + fatal-on-error style, generalized
// from "log and exit the process" to "collect and report the error to
// the RPC caller" via errgroup.Group, since a worker failure here must
// fail one RPC, not the daemon.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sage-x-project/tssd/broadcaster"
	"github.com/sage-x-project/tssd/engine"
	"github.com/sage-x-project/tssd/internal/logger"
	"github.com/sage-x-project/tssd/kv/manager"
	"github.com/sage-x-project/tssd/party"
	"github.com/sage-x-project/tssd/protocol"
)

// ErrNoSharesAssigned mirrors party.ErrNoSharesAssigned for the case
// where this daemon holds zero shares in the requested session
// (spec.md §4.8 step 3).
var ErrNoSharesAssigned = party.ErrNoSharesAssigned

// ErrDivergentOutput is a hard error: local shares disagree on a value
// that protocol correctness requires them to share (spec.md §4.8
// "Keygen aggregation" / "Sign aggregation").
var ErrDivergentOutput = fmt.Errorf("orchestrator: local shares produced divergent output")

// CriminalEntry names one misbehaving party by uid and crime type
// (spec.md §4.8 "Fault path").
type CriminalEntry struct {
	PartyUID string
	Crime    engine.CrimeType
}

// KeygenOutput is the successful result of a keygen session.
type KeygenOutput struct {
	PubKey             []byte
	GroupRecoverInfo   []byte
	PrivateRecoverInfo [][]byte
}

// KeygenResult is Ok(KeygenOutput) | Err(CriminalList), matching
// spec.md §6's MessageOut::KeygenResult shape.
type KeygenResult struct {
	Output    *KeygenOutput
	Criminals []CriminalEntry
}

// SignResult is Ok(signature) | Err(CriminalList).
type SignResult struct {
	Signature []byte
	Criminals []CriminalEntry
}

// Orchestrator ties C3 (kv), C5 (engine), C6 (broadcaster) and C7
// (protocol) together for one daemon instance.
type Orchestrator struct {
	KV           *manager.Manager
	KeygenEngine engine.Engine
	SignEngine   engine.Engine
	Log          *logger.Logger
	// KeypairGen produces the per-party keygen keypair material for
	// partyUID in this session (spec.md §4.8 step 5). The default is
	// crypto/rand-backed and is NOT recoverable; a daemon wiring C9
	// must replace it with a seed-derived closure
	// (mnemonic.DerivePartyKeypair) so recovery can reproduce the same
	// bytes later.
	KeypairGen func(partyUID string, sessionNonce []byte) ([]byte, error)
}

// New builds an Orchestrator with a crypto/rand-backed default
// keypair generator.
func New(kv *manager.Manager, keygenEngine, signEngine engine.Engine, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		KV:           kv,
		KeygenEngine: keygenEngine,
		SignEngine:   signEngine,
		Log:          log,
		KeypairGen:   randomKeypair,
	}
}

func randomKeypair(partyUID string, sessionNonce []byte) ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("orchestrator: generate keypair: %w", err)
	}
	return buf, nil
}

// wipe overwrites b with zeros so keygen keypair material doesn't
// linger in memory once the session is done with it (spec.md
// §3/§7/§9 secret handling).
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Keygen runs a full keygen session (spec.md §4.8 steps 1-8).
func (o *Orchestrator) Keygen(ctx context.Context, init party.KeygenInit, sessionNonce []byte, stream broadcaster.InboundStream, out protocol.OutboundSender) (KeygenResult, error) {
	sessionID := uuid.NewString()
	o.Log.Info("keygen started", logger.String("session_id", sessionID), logger.String("key_uid", init.NewKeyUID))

	sanitized, err := party.SanitizeKeygenInit(init)
	if err != nil {
		return KeygenResult{}, fmt.Errorf("orchestrator: sanitize: %w", err)
	}

	reservation, err := o.KV.Reserve(sanitized.NewKeyUID)
	if err != nil {
		return KeygenResult{}, fmt.Errorf("orchestrator: reserve %q: %w", sanitized.NewKeyUID, err)
	}
	succeeded := false
	defer func() {
		if !succeeded {
			_ = o.KV.Unreserve(reservation)
		}
	}()

	myShareCount := sanitized.ShareCounts.Counts[sanitized.MyPartyIndex]
	if myShareCount == 0 {
		return KeygenResult{}, ErrNoSharesAssigned
	}

	keypair, err := o.KeypairGen(sanitized.PartyUIDs[sanitized.MyPartyIndex], sessionNonce)
	if err != nil {
		return KeygenResult{}, err
	}
	defer wipe(keypair)

	uidIndex := make(map[string]int, len(sanitized.PartyUIDs))
	for i, uid := range sanitized.PartyUIDs {
		uidIndex[uid] = i
	}

	outputs, err := o.runWorkers(ctx, sessionSpec{
		myPartyPosition:  sanitized.MyPartyIndex,
		myShareCount:     myShareCount,
		localShareCounts: sanitized.ShareCounts,
		uidIndex:         uidIndex,
		sessionNonce:     sessionNonce,
		buildCtx: func(shareCtx engine.Context) engine.Context {
			shareCtx.Threshold = sanitized.Threshold
			shareCtx.KeygenKeypair = keypair
			return shareCtx
		},
		engine: o.KeygenEngine,
	}, stream, out)
	if err != nil {
		return KeygenResult{}, err
	}

	if criminals := faultsToCriminals(outputs, sanitized.PartyUIDs); len(criminals) > 0 {
		o.logCriminals(sessionID, criminals)
		return KeygenResult{Criminals: criminals}, nil
	}

	shares := make([]party.ShareSecretInfo, len(outputs))
	privateRecover := make([][]byte, len(outputs))
	for i, result := range outputs {
		ks := result.KeygenShare
		if i > 0 {
			if !bytes.Equal(ks.EncodedPubKey, outputs[0].KeygenShare.EncodedPubKey) {
				return KeygenResult{}, fmt.Errorf("%w: encoded_pubkey diverges at share %d", ErrDivergentOutput, i)
			}
			if !bytes.Equal(ks.AllSharesBytes, outputs[0].KeygenShare.AllSharesBytes) {
				return KeygenResult{}, fmt.Errorf("%w: all_shares_bytes diverges at share %d", ErrDivergentOutput, i)
			}
		}
		// ShareSecretInfo.Index is this share's position within the
		// party's own local slice (what party.Info.Validate checks),
		// distinct from ks.Index, the flat index the engine used
		// internally for cross-party uniqueness.
		shares[i] = party.ShareSecretInfo{Index: i, Bytes: ks.Bytes}
		privateRecover[i] = ks.PrivateRecoverInfo
	}

	info := party.Info{
		Group: party.GroupPublicInfo{
			Threshold:      sanitized.Threshold,
			EncodedPubKey:  outputs[0].KeygenShare.EncodedPubKey,
			AllSharesBytes: outputs[0].KeygenShare.AllSharesBytes,
		},
		Shares: shares,
		Tofnd: party.TofndInfo{
			PartyUIDs:   sanitized.PartyUIDs,
			ShareCounts: sanitized.ShareCounts.Counts,
			MyIndex:     sanitized.MyPartyIndex,
		},
	}
	if err := info.Validate(); err != nil {
		return KeygenResult{}, fmt.Errorf("orchestrator: built PartyInfo failed validation: %w", err)
	}
	if err := o.KV.Put(reservation, manager.Value{Kind: manager.KindPartyInfo, PartyInfo: info}); err != nil {
		return KeygenResult{}, fmt.Errorf("orchestrator: persist PartyInfo: %w", err)
	}
	succeeded = true

	return KeygenResult{Output: &KeygenOutput{
		PubKey:             info.Group.EncodedPubKey,
		GroupRecoverInfo:   info.Group.AllSharesBytes,
		PrivateRecoverInfo: privateRecover,
	}}, nil
}

// Sign runs a full sign session (spec.md §4.8, generic over RPC type).
func (o *Orchestrator) Sign(ctx context.Context, init party.SignInit, sessionNonce []byte, stream broadcaster.InboundStream, out protocol.OutboundSender) (SignResult, error) {
	sessionID := uuid.NewString()
	o.Log.Info("sign started", logger.String("session_id", sessionID), logger.String("sig_uid", init.NewSigUID), logger.String("key_uid", init.KeyUID))

	stored, err := o.KV.GetPartyInfo(init.KeyUID)
	if err != nil {
		return SignResult{}, fmt.Errorf("orchestrator: key %q: %w", init.KeyUID, err)
	}

	sanitized, err := party.SanitizeSignInit(init, stored.Tofnd)
	if err != nil {
		return SignResult{}, fmt.Errorf("orchestrator: sanitize: %w", err)
	}

	// Signers are a subset of the key's stored parties; the engine's
	// share-count vector for this session only spans that subset.
	signerUIDs := make([]string, len(sanitized.SignerIndices))
	signerShareCounts := make([]int, len(sanitized.SignerIndices))
	uidIndex := make(map[string]int, len(sanitized.SignerIndices))
	signerPosition := -1
	for i, partyIdx := range sanitized.SignerIndices {
		uid := stored.Tofnd.PartyUIDs[partyIdx]
		signerUIDs[i] = uid
		signerShareCounts[i] = stored.Tofnd.ShareCounts[partyIdx]
		uidIndex[uid] = i
		if partyIdx == stored.Tofnd.MyIndex {
			signerPosition = i
		}
	}
	if signerPosition == -1 {
		return SignResult{}, ErrNoSharesAssigned
	}

	myShareCount := signerShareCounts[signerPosition]
	if myShareCount == 0 {
		return SignResult{}, ErrNoSharesAssigned
	}

	outputs, err := o.runWorkers(ctx, sessionSpec{
		myPartyPosition:  signerPosition,
		myShareCount:     myShareCount,
		localShareCounts: party.ShareCounts{Counts: signerShareCounts},
		uidIndex:         uidIndex,
		sessionNonce:     sessionNonce,
		buildCtx: func(shareCtx engine.Context) engine.Context {
			shareCtx.Threshold = stored.Group.Threshold
			shareCtx.SignInput = engine.SignContext{
				KeyUID:           sanitized.KeyUID,
				GroupRecoverInfo: stored.Group.AllSharesBytes,
				EncodedPubKey:    stored.Group.EncodedPubKey,
				MessageToSign:    sanitized.MessageToSign,
			}
			return shareCtx
		},
		engine: o.SignEngine,
	}, stream, out)
	if err != nil {
		return SignResult{}, err
	}

	if criminals := faultsToCriminals(outputs, signerUIDs); len(criminals) > 0 {
		o.logCriminals(sessionID, criminals)
		return SignResult{Criminals: criminals}, nil
	}

	for i := 1; i < len(outputs); i++ {
		if !bytes.Equal(outputs[i].Signature, outputs[0].Signature) {
			return SignResult{}, fmt.Errorf("%w: signature diverges at share %d", ErrDivergentOutput, i)
		}
	}
	return SignResult{Signature: outputs[0].Signature}, nil
}

// sessionSpec bundles what runWorkers needs, independent of whether
// the caller is Keygen or Sign.
type sessionSpec struct {
	myPartyPosition  int
	myShareCount     int
	localShareCounts party.ShareCounts
	uidIndex         map[string]int
	sessionNonce     []byte
	buildCtx         func(engine.Context) engine.Context
	engine           engine.Engine
}

// runWorkers spawns spec.myShareCount workers for this local party,
// drives each through protocol.Run fed by one broadcaster, and returns
// their outputs in spawn order (spec.md §4.8 steps 4-7).
func (o *Orchestrator) runWorkers(ctx context.Context, spec sessionSpec, stream broadcaster.InboundStream, out protocol.OutboundSender) ([]engine.Output, error) {
	inboundChans := make([]chan broadcaster.Delivery, spec.myShareCount)
	workerChans := make([]chan<- broadcaster.Delivery, spec.myShareCount)
	total := spec.localShareCounts.Total()
	for i := range inboundChans {
		inboundChans[i] = make(chan broadcaster.Delivery, total)
		workerChans[i] = inboundChans[i]
	}

	resolve := func(uid string) (int, bool) {
		idx, ok := spec.uidIndex[uid]
		return idx, ok
	}

	// The broadcaster runs until Abort/stream-closed or until every
	// worker has finished; it is not part of the worker errgroup
	// because its own natural termination condition (the transport
	// closing) is outside this RPC's control — workers finishing
	// first is the common case, so it is cancelled once they're done
	// rather than waited on.
	bctx, bcancel := context.WithCancel(ctx)
	defer bcancel()
	broadcasterDone := make(chan error, 1)
	go func() {
		broadcasterDone <- broadcaster.Run(bctx, o.Log, stream, resolve, workerChans)
	}()

	group, gctx := errgroup.WithContext(ctx)
	outputs := make([]engine.Output, spec.myShareCount)

	for sub := 0; sub < spec.myShareCount; sub++ {
		sub := sub
		flat, err := spec.localShareCounts.FlatIndex(spec.myPartyPosition, sub)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: flat index: %w", err)
		}
		group.Go(func() error {
			shareCtx := spec.buildCtx(engine.Context{
				ShareCounts:  engine.PartyShareCounts{Counts: spec.localShareCounts.Counts},
				MyShareIndex: flat,
				SessionNonce: spec.sessionNonce,
			})
			round, err := spec.engine.FirstRound(shareCtx)
			if err != nil {
				return fmt.Errorf("orchestrator: first round for share %d: %w", flat, err)
			}
			output, err := protocol.Run(gctx, round, flat, inboundChans[sub], out)
			if err != nil {
				return fmt.Errorf("orchestrator: share %d: %w", flat, err)
			}
			outputs[sub] = output
			return nil
		})
	}

	workersErr := group.Wait()
	// Not waited on: a broadcaster blocked in stream.Recv only sees the
	// cancellation once Recv returns, and broadcasterDone's buffer lets
	// it exit then without a reader.
	bcancel()

	if workersErr != nil {
		return nil, workersErr
	}
	return outputs, nil
}

// logCriminals warns once per misbehaving party so operators can see
// protocol abuse without tailing wire captures (spec.md §4.8's
// CriminalList is otherwise only visible to the RPC caller).
func (o *Orchestrator) logCriminals(sessionID string, criminals []CriminalEntry) {
	for _, c := range criminals {
		o.Log.Warn("party faulted",
			logger.String("session_id", sessionID),
			logger.String("party_uid", c.PartyUID),
			logger.Any("crime", c.Crime),
		)
	}
}

func faultsToCriminals(outputs []engine.Output, partyUIDs []string) []CriminalEntry {
	var criminals []CriminalEntry
	for _, out := range outputs {
		for _, f := range out.Faults {
			uid := ""
			if f.PartyIndex >= 0 && f.PartyIndex < len(partyUIDs) {
				uid = partyUIDs[f.PartyIndex]
			}
			criminals = append(criminals, CriminalEntry{PartyUID: uid, Crime: f.Crime})
		}
	}
	return criminals
}
