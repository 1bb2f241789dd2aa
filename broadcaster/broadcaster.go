// Package broadcaster implements the broadcaster (C6): the single
// task that owns the inbound half of a client's protocol stream and
// fans every Traffic frame out to every local worker, unconditionally
// (spec.md §4.6). It never interprets payload contents — filtering
// relevance to a given share is the engine's job.
//
// The fan-out/select-on-two-channels shape is grounded on the
// teacher's handshake.Server cleanupLoop, which selects between a
// ticker and a stop channel in a single owned goroutine; here the
// ticker is replaced by an inbound stream receive.
package broadcaster

import (
	"context"
	"fmt"

	"github.com/sage-x-project/tssd/internal/logger"
)

// FrameKind classifies an inbound frame (spec.md §4.6).
type FrameKind int

const (
	KindTraffic FrameKind = iota
	KindAbort
	KindInit    // ignored by the broadcaster; consumed upstream by C8
	KindUnknown // ignored with a warning
)

// Frame is one inbound MessageIn value, reduced to what the
// broadcaster needs to route it (spec.md §6).
type Frame struct {
	Kind         FrameKind
	FromPartyUID string
	IsBroadcast  bool
	Payload      []byte
}

// InboundStream is the abstract read half of the client's protocol
// stream (spec.md §2: the RPC framework itself is out of scope).
type InboundStream interface {
	Recv() (Frame, error)
}

// ErrAborted is returned by Run when the client sends an Abort frame;
// workers see only their channel closing.
var ErrAborted = fmt.Errorf("broadcaster: stream aborted by client")

// Delivery is one frame routed to a worker, tagged with the sender's
// party index so the driver can resolve it without re-parsing UIDs
// (the UID->index resolution the driver needs per spec.md §4.7 step 3
// is done once here rather than once per worker).
type Delivery struct {
	FromPartyIndex int
	Payload        []byte
}

// UIDResolver maps an inbound frame's party UID to its party index.
type UIDResolver func(partyUID string) (partyIndex int, ok bool)

// Run owns stream until it closes or an Abort frame arrives, cloning
// every Traffic frame to every channel in workers (spec.md §4.6: "is
// cloned to every share channel unconditionally"). It closes every
// worker channel before returning, so worker-side receivers observe
// EOF via the channel's zero value / closed state.
func Run(ctx context.Context, log *logger.Logger, stream InboundStream, resolve UIDResolver, workers []chan<- Delivery) error {
	defer func() {
		for _, w := range workers {
			close(w)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := stream.Recv()
		if err != nil {
			// Stream closed: normal termination from the broadcaster's
			// point of view: the driver layer classifies early-close.
			return nil
		}

		switch frame.Kind {
		case KindAbort:
			return ErrAborted

		case KindInit, KindUnknown:
			if frame.Kind == KindUnknown {
				log.Warn("broadcaster: ignoring unknown frame", logger.String("from", frame.FromPartyUID))
			}
			continue

		case KindTraffic:
			partyIndex, ok := resolve(frame.FromPartyUID)
			if !ok {
				log.Warn("broadcaster: traffic from unknown party uid, dropping", logger.String("uid", frame.FromPartyUID))
				continue
			}
			delivery := Delivery{FromPartyIndex: partyIndex, Payload: frame.Payload}
			for _, w := range workers {
				select {
				case w <- delivery:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
