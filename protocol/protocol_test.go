package protocol

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/tssd/broadcaster"
	"github.com/sage-x-project/tssd/engine"
	"github.com/sage-x-project/tssd/engine/fixture"
)

// recordingSender collects every send and signals first on a channel,
// so a test can relay outbound traffic back as inbound without
// polling.
type recordingSender struct {
	mu     sync.Mutex
	sent   []OutboundTraffic
	first  chan OutboundTraffic
	closed bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{first: make(chan OutboundTraffic, 1)}
}

func (s *recordingSender) Send(t OutboundTraffic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, t)
	if !s.closed {
		s.closed = true
		s.first <- t
	}
	return nil
}

func TestRunDrivesTwoShareKeygenToCompletion(t *testing.T) {
	counts := engine.PartyShareCounts{Counts: []int{1, 1}}
	nonce := []byte("nonce")

	round0, err := (fixture.KeygenEngine{}).FirstRound(engine.Context{ShareCounts: counts, MyShareIndex: 0, SessionNonce: nonce, KeygenKeypair: []byte{0}})
	require.NoError(t, err)
	round1, err := (fixture.KeygenEngine{}).FirstRound(engine.Context{ShareCounts: counts, MyShareIndex: 1, SessionNonce: nonce, KeygenKeypair: []byte{1}})
	require.NoError(t, err)

	in0 := make(chan broadcaster.Delivery, 4)
	in1 := make(chan broadcaster.Delivery, 4)
	sender0 := newRecordingSender()
	sender1 := newRecordingSender()

	var wg sync.WaitGroup
	var out0, out1 engine.Output
	var err0, err1 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		out0, err0 = Run(context.Background(), round0, 0, in0, sender0)
	}()
	go func() {
		defer wg.Done()
		out1, err1 = Run(context.Background(), round1, 1, in1, sender1)
	}()

	// Relay each worker's own broadcast to the other, simulating the
	// broadcaster's unconditional fan-out.
	relay := func(sender *recordingSender, dest chan broadcaster.Delivery, from int) {
		first := <-sender.first
		dest <- broadcaster.Delivery{FromPartyIndex: from, Payload: first.Payload}
		close(dest)
	}
	go relay(sender0, in1, 0)
	go relay(sender1, in0, 1)

	wg.Wait()
	require.NoError(t, err0)
	require.NoError(t, err1)
	assert.Equal(t, out0.KeygenShare.EncodedPubKey, out1.KeygenShare.EncodedPubKey)
	assert.Len(t, sender0.sent, 1)
	assert.True(t, sender0.sent[0].IsBroadcast)
}

func TestRunFailsOnStreamClosedEarly(t *testing.T) {
	counts := engine.PartyShareCounts{Counts: []int{1, 1}}
	round, err := (fixture.KeygenEngine{}).FirstRound(engine.Context{ShareCounts: counts, MyShareIndex: 0, SessionNonce: []byte("n")})
	require.NoError(t, err)

	in := make(chan broadcaster.Delivery)
	close(in) // closed before the engine ever sees a message

	_, err = Run(context.Background(), round, 0, in, newRecordingSender())
	assert.ErrorIs(t, err, ErrStreamClosedEarly)
}

func TestRunSignCompletesWithoutInboundTraffic(t *testing.T) {
	msg := make([]byte, 32)
	copy(msg, "exactly-32-bytes-of-message!!!!")

	round, err := (fixture.SignEngine{}).FirstRound(engine.Context{
		SignInput: engine.SignContext{KeyUID: "k", MessageToSign: msg},
	})
	require.NoError(t, err)

	in := make(chan broadcaster.Delivery)
	out, err := Run(context.Background(), round, 0, in, newRecordingSender())
	require.NoError(t, err)
	assert.NotEmpty(t, out.Signature)
}
