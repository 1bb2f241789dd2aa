// Package manager implements the KV manager (C3): a typed facade over
// kv/encrypted with an actor discipline (spec.md §4.3). Every mutation
// is serialized through a single owner goroutine that receives
// commands over a channel, the same "single owner, external callers
// never touch the store directly" shape as the teacher's
// handshake.Server, which serializes all mutation of its pending/peers
// maps through a mutex plus a dedicated cleanup goroutine. Here the
// mutex is replaced by a command queue because callers need a
// request/reply round-trip, not just mutual exclusion.
package manager

import (
	"errors"

	"github.com/sage-x-project/tssd/party"
)

var (
	ErrAlreadyReserved = errors.New("manager: key already reserved")
	ErrNotReserved      = errors.New("manager: reservation does not match stored sentinel")
	ErrWrongValueKind   = errors.New("manager: stored value is not of the requested kind")
	ErrKeyNotFound      = errors.New("manager: key not found")
	ErrClosed           = errors.New("manager: manager is closed")
)

// sentinel is the empty-marker value written by Reserve, distinct from
// any valid encoded Value so Put can tell a live reservation from an
// already-filled key.
const sentinel = "tssd-kv-reservation-sentinel"

// KeyReservation is an owning token proving exclusive write access to
// a KV key (spec.md §3). Its field is unexported so only this package
// can mint one; Put and Unreserve are the only ways to consume it.
type KeyReservation struct {
	key string
}

// Key returns the reserved key name.
func (r KeyReservation) Key() string { return r.key }

// Kind discriminates the tagged union of storable values.
type Kind int

const (
	KindPartyInfo Kind = iota
	KindEntropy
)

// Value is the {PartyInfo, Entropy} tagged union persisted through C3.
type Value struct {
	Kind      Kind
	PartyInfo party.Info
	Entropy   []byte
}
