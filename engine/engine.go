// Package engine defines the protocol engine contract (C5): the
// abstract round-based state machine that a keygen or sign session
// drives to completion. Reimplementing GG20 itself is explicitly out
// of scope (spec.md §9) — this package only names the interface the
// real engine satisfies, the shape cross-checked against the real Go
// tss-lib dependency surface retrieved alongside this spec
// (other_examples/manifests/bnb-chain-tss-lib/go.mod): a round-based,
// channel-free, pull-driven state machine is exactly that family's
// API shape. protocol (C7) and orchestrator (C8) depend only on these
// interfaces; engine/fixture supplies a deterministic implementation
// for tests.
package engine

import "errors"

// ErrMsgRejected is returned by Round.MsgIn when a message is
// malformed or arrives from an index the round does not expect.
var ErrMsgRejected = errors.New("engine: message rejected")

// PartyShareCounts maps a flat share index to its party index and
// subindex, as party.ShareCounts.PartyOf does — the engine is handed a copy so
// it can resolve a share index to its owning party without depending
// on the party package directly.
type PartyShareCounts struct {
	Counts []int
}

// Total returns the sum of all share counts.
func (p PartyShareCounts) Total() int {
	total := 0
	for _, c := range p.Counts {
		total += c
	}
	return total
}

// PartyOf returns the party index owning flatIndex and its local
// subindex within that party.
func (p PartyShareCounts) PartyOf(flatIndex int) (partyIndex, subindex int) {
	remaining := flatIndex
	for i, c := range p.Counts {
		if remaining < c {
			return i, remaining
		}
		remaining -= c
	}
	return -1, -1
}

// Round is one step of the engine's state machine (spec.md §4.5).
type Round interface {
	// BcastOut returns an optional single broadcast payload for this
	// round. A nil slice means nothing to broadcast.
	BcastOut() []byte

	// P2PSOut returns optional per-peer payloads keyed by the
	// recipient's flat share index. A nil map means nothing to send.
	P2PSOut() map[int][]byte

	// ExpectingMoreMsgsThisRound reports whether the round still needs
	// inbound messages before ExecuteNextRound may be called.
	ExpectingMoreMsgsThisRound() bool

	// MsgIn delivers one inbound message from fromPartyIndex — the
	// sender's party index, resolved from its uid by the driver before
	// the call (spec.md §4.7 step 3), not a flat share index: a party
	// with several local shares is still one network sender. Returns
	// ErrMsgRejected (or a wrapping error) if the message cannot be
	// accepted.
	MsgIn(fromPartyIndex int, payload []byte) error

	// ExecuteNextRound advances the state machine, returning the next
	// state (NotDone with a new Round, or Done with an Output).
	ExecuteNextRound() (State, error)
}

// State is the engine's NotDone(Round) | Done(Output) sum type.
type State struct {
	Round  Round
	Output Output
	done   bool
}

// NotDone wraps round as a not-yet-complete state.
func NotDone(round Round) State { return State{Round: round} }

// Done wraps output as a complete state.
func Done(output Output) State { return State{Output: output, done: true} }

// IsDone reports whether the state carries a final Output.
func (s State) IsDone() bool { return s.done }

// Output is either a successful protocol result or a fault set naming
// misbehaving parties (spec.md §4.5).
type Output struct {
	KeygenShare *SecretKeyShare
	Signature   []byte
	Faults      []Fault
}

// HasFaults reports whether the output is a fault set rather than a
// successful result.
func (o Output) HasFaults() bool { return len(o.Faults) > 0 }

// CrimeType enumerates the three crime categories of spec.md §4.8.
type CrimeType int

const (
	CrimeNonMalicious CrimeType = iota // missing message
	CrimeUnspecified                   // corrupted message
	CrimeMalicious                     // protocol fault
)

// Fault names one misbehaving party and the observed crime.
type Fault struct {
	PartyIndex int
	Crime      CrimeType
}

// SecretKeyShare is one local share's keygen output (spec.md §3).
type SecretKeyShare struct {
	Index             int
	Bytes             []byte
	EncodedPubKey     []byte
	AllSharesBytes    []byte
	PrivateRecoverInfo []byte
}

// Engine constructs the first Round of a session for one local share.
// Keygen and sign sessions differ only in the Context and Engine
// implementation supplied; C7/C8 are generic over both.
type Engine interface {
	FirstRound(ctx Context) (Round, error)
}

// Context carries everything the engine needs to run deterministically
// for one local share: the party layout, this share's position in it,
// and (keygen only) the per-party keypair material generated once
// before workers are spawned (spec.md §4.8 step 5).
type Context struct {
	ShareCounts   PartyShareCounts
	MyShareIndex  int
	Threshold     int
	SessionNonce  []byte
	KeygenKeypair []byte // nil for sign sessions
	SignInput     SignContext
}

// SignContext carries the sign-only inputs: the group's recovered key
// material and the message to sign.
type SignContext struct {
	KeyUID            string
	GroupRecoverInfo  []byte
	PrivateRecoverInfo []byte
	EncodedPubKey     []byte
	MessageToSign     []byte
}

// RecoverContext carries what is needed to reconstruct one local
// SecretKeyShare offline, without re-running the multi-party protocol
// (spec.md §4.9 step 4): the party's deterministically-derived
// keypair, the share's own recovery blob, and the group-wide public
// material persisted alongside it at keygen time.
type RecoverContext struct {
	ShareCounts        PartyShareCounts
	ShareIndex         int
	Threshold          int
	SessionNonce       []byte
	PartyKeypair       []byte
	PrivateRecoverInfo []byte
	GroupRecoverInfo   []byte
	EncodedPubKey      []byte
}

// Recoverer is implemented by engines that support reconstructing a
// share from persisted recovery material rather than a live session.
// A sign engine has nothing worth recovering (signatures aren't
// persisted), so only keygen engines are expected to implement it.
type Recoverer interface {
	RecoverShare(ctx RecoverContext) (*SecretKeyShare, error)
}
