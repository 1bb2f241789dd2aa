package rpc

import (
	"context"
	"fmt"
	"io"

	"github.com/sage-x-project/tssd/broadcaster"
	"github.com/sage-x-project/tssd/party"
	"github.com/sage-x-project/tssd/protocol"
)

// GG20Stream abstracts the bidirectional streaming RPC of spec.md §6.
// It is the one seam between the protocol-agnostic Daemon and any
// concrete transport; grpc_service.go supplies the only production
// implementation, and tests can supply an in-memory one.
type GG20Stream interface {
	Context() context.Context
	Recv() (MessageIn, error)
	Send(MessageOut) error
}

// streamInbound adapts a GG20Stream's Recv into broadcaster.InboundStream,
// translating each MessageIn variant into the Frame kind broadcaster.Run
// expects (spec.md §6 MessageIn ↔ §5 broadcaster classification).
type streamInbound struct {
	stream GG20Stream
}

func (s *streamInbound) Recv() (broadcaster.Frame, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return broadcaster.Frame{}, err
		}
		return broadcaster.Frame{}, fmt.Errorf("rpc: recv: %w", err)
	}
	switch {
	case msg.Abort:
		return broadcaster.Frame{Kind: broadcaster.KindAbort}, nil
	case msg.Traffic != nil:
		return broadcaster.Frame{
			Kind:         broadcaster.KindTraffic,
			FromPartyUID: msg.Traffic.FromPartyUID,
			IsBroadcast:  msg.Traffic.IsBroadcast,
			Payload:      msg.Traffic.Payload,
		}, nil
	case msg.KeygenInit != nil, msg.SignInit != nil:
		return broadcaster.Frame{Kind: broadcaster.KindInit}, nil
	default:
		return broadcaster.Frame{Kind: broadcaster.KindUnknown}, nil
	}
}

// streamOutbound adapts protocol.OutboundSender onto a GG20Stream,
// resolving each P2PS payload's flat share index to the owning
// party's uid (spec.md §6 MessageOut::Traffic carries to_party_uid,
// not a share index — the wire format is party-addressed even though
// the engine thinks in shares).
type streamOutbound struct {
	stream      GG20Stream
	shareCounts party.ShareCounts
	partyUIDs   []string
}

func (s *streamOutbound) Send(t protocol.OutboundTraffic) error {
	out := OutTraffic{IsBroadcast: t.IsBroadcast, Payload: t.Payload}
	if !t.IsBroadcast {
		partyIndex, _, err := s.shareCounts.PartyOf(t.ToShareIndex)
		if err != nil {
			return fmt.Errorf("rpc: resolve outbound share index: %w", err)
		}
		if partyIndex < 0 || partyIndex >= len(s.partyUIDs) {
			return fmt.Errorf("rpc: outbound party index %d out of range", partyIndex)
		}
		out.ToPartyUID = s.partyUIDs[partyIndex]
	}
	return s.stream.Send(MessageOut{Traffic: &out})
}
