// Package rpc implements the external interface (C10): the wire
// message shapes of spec.md §6, the GG20Stream abstraction over a
// bidirectional streaming RPC, the Daemon that ties C3/C4/C8/C9
// together, and a concrete gRPC binding.
package rpc

import (
	"github.com/sage-x-project/tssd/orchestrator"
	"github.com/sage-x-project/tssd/party"
)

// MessageIn is the client-to-server half of the streaming RPC
// (spec.md §6). Exactly one field is set per message, mirroring a
// protobuf oneof.
type MessageIn struct {
	KeygenInit *party.KeygenInit
	SignInit   *party.SignInit
	Traffic    *InTraffic
	Abort      bool
}

// InTraffic is one inbound protocol message from a peer party.
type InTraffic struct {
	FromPartyUID string
	IsBroadcast  bool
	Payload      []byte
}

// MessageOut is the server-to-client half of the streaming RPC.
type MessageOut struct {
	Traffic     *OutTraffic
	KeygenResult *orchestrator.KeygenResult
	SignResult   *orchestrator.SignResult
	NeedRecover  *NeedRecover
}

// OutTraffic is one outbound protocol message addressed to a peer
// party (or to every peer, when IsBroadcast is set).
type OutTraffic struct {
	ToPartyUID  string
	IsBroadcast bool
	Payload     []byte
}

// NeedRecover tells the client that a referenced key-uid isn't present
// locally and recovery must run before the session can proceed
// (spec.md §4.8 error taxonomy, "Recovery-needed").
type NeedRecover struct {
	SessionID string
}

// RecoverRequest/RecoverResponse back the unary Recover RPC.
type RecoverRequest struct {
	Init         party.KeygenInit
	Output       orchestrator.KeygenOutput
	SessionNonce []byte
}

type RecoverResponse struct {
	Success bool
	Reason  string // populated when !Success
}

// KeyPresenceRequest/KeyPresenceResponse back the unary KeyPresence RPC.
type KeyPresenceRequest struct {
	KeyUID string
}

type KeyPresenceResponse struct {
	Present PresenceStatus
}

// PresenceStatus mirrors recovery.Presence at the wire boundary so
// this package doesn't leak an internal package's type into the
// external interface.
type PresenceStatus int

const (
	StatusAbsent PresenceStatus = iota
	StatusPresent
	StatusFail
)
