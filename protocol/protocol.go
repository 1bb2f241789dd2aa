// Package protocol implements the protocol driver (C7): a generic
// loop that drives an engine.Round to completion, pushing outbound
// frames and pulling inbound ones in the order spec.md §4.7 requires
// (broadcast before p2ps within a round; inbound drain before
// execute_next_round).
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/sage-x-project/tssd/broadcaster"
	"github.com/sage-x-project/tssd/engine"
)

// ErrStreamClosedEarly is returned when the inbound channel closes
// before the engine reaches Done (spec.md §4.7 "Cancellation").
var ErrStreamClosedEarly = errors.New("protocol: inbound stream closed before engine completed")

// OutboundTraffic is one outbound MessageOut::Traffic frame (spec.md
// §6), in the shape the driver emits it: either a broadcast or
// addressed to one peer share.
type OutboundTraffic struct {
	Payload      []byte
	IsBroadcast  bool
	ToShareIndex int // only meaningful when !IsBroadcast
}

// OutboundSender is the abstract write half shared by all workers of
// one streaming RPC (spec.md §4.8 step 5: "sharing the outbound
// stream sender with its siblings").
type OutboundSender interface {
	Send(OutboundTraffic) error
}

// Run drives round to completion, reading from in (fed by the
// broadcaster with every traffic frame, unfiltered) and writing
// through out. It returns the final Output, or an error if the engine
// fails or the stream closes early.
func Run(ctx context.Context, round engine.Round, myShareIndex int, in <-chan broadcaster.Delivery, out OutboundSender) (engine.Output, error) {
	for {
		if bcast := round.BcastOut(); bcast != nil {
			if err := out.Send(OutboundTraffic{Payload: bcast, IsBroadcast: true}); err != nil {
				return engine.Output{}, fmt.Errorf("protocol: send broadcast: %w", err)
			}
		}
		if p2ps := round.P2PSOut(); p2ps != nil {
			for peerIndex, payload := range p2ps {
				if err := out.Send(OutboundTraffic{Payload: payload, ToShareIndex: peerIndex}); err != nil {
					return engine.Output{}, fmt.Errorf("protocol: send p2p to %d: %w", peerIndex, err)
				}
			}
		}

		for round.ExpectingMoreMsgsThisRound() {
			select {
			case delivery, ok := <-in:
				if !ok {
					return engine.Output{}, ErrStreamClosedEarly
				}
				if err := round.MsgIn(delivery.FromPartyIndex, delivery.Payload); err != nil {
					return engine.Output{}, fmt.Errorf("protocol: msg_in from party %d: %w", delivery.FromPartyIndex, err)
				}
			case <-ctx.Done():
				return engine.Output{}, ctx.Err()
			}
		}

		state, err := round.ExecuteNextRound()
		if err != nil {
			return engine.Output{}, fmt.Errorf("protocol: execute_next_round: %w", err)
		}
		if state.IsDone() {
			return state.Output, nil
		}
		round = state.Round
	}
}
