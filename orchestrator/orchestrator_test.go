package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/tssd/broadcaster"
	"github.com/sage-x-project/tssd/engine"
	"github.com/sage-x-project/tssd/engine/fixture"
	"github.com/sage-x-project/tssd/internal/logger"
	"github.com/sage-x-project/tssd/kv/encrypted"
	"github.com/sage-x-project/tssd/kv/manager"
	"github.com/sage-x-project/tssd/party"
	"github.com/sage-x-project/tssd/protocol"
)

var errFabricClosed = errors.New("fabric: no more frames, all parties have broadcast")

// loopbackFabric relays every Traffic frame one daemon sends into
// every other daemon's inbound queue, simulating the real network
// fan-out the broadcaster (C6) would perform against a live stream.
// It knows the test's keygen fixture broadcasts exactly once per
// party, so once every party has sent, Recv signals closure the way a
// real client closing its stream would.
type loopbackFabric struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]broadcaster.Frame
	uids   []string
	sent   int
}

func newFabric(uids []string) *loopbackFabric {
	f := &loopbackFabric{queues: map[string][]broadcaster.Frame{}, uids: uids}
	f.cond = sync.NewCond(&f.mu)
	for _, u := range uids {
		f.queues[u] = nil
	}
	return f
}

func (f *loopbackFabric) send(fromUID string, t protocol.OutboundTraffic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := broadcaster.Frame{Kind: broadcaster.KindTraffic, FromPartyUID: fromUID, IsBroadcast: t.IsBroadcast, Payload: t.Payload}
	for _, u := range f.uids {
		f.queues[u] = append(f.queues[u], frame)
	}
	f.sent++
	f.cond.Broadcast()
}

func (f *loopbackFabric) streamFor(uid string) *fabricStream {
	return &fabricStream{fabric: f, uid: uid}
}

type fabricStream struct {
	fabric *loopbackFabric
	uid    string
	pos    int
}

func (s *fabricStream) Recv() (broadcaster.Frame, error) {
	s.fabric.mu.Lock()
	defer s.fabric.mu.Unlock()
	for {
		q := s.fabric.queues[s.uid]
		if s.pos < len(q) {
			frame := q[s.pos]
			s.pos++
			return frame, nil
		}
		if s.fabric.sent >= len(s.fabric.uids) {
			return broadcaster.Frame{}, errFabricClosed
		}
		s.fabric.cond.Wait()
	}
}

type fabricSender struct {
	fabric *loopbackFabric
	uid    string
}

func (s *fabricSender) Send(t protocol.OutboundTraffic) error {
	s.fabric.send(s.uid, t)
	return nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store, err := encrypted.OpenMemory("pw")
	require.NoError(t, err)
	kv := manager.New(store)
	t.Cleanup(kv.Close)
	return New(kv, fixture.KeygenEngine{}, fixture.SignEngine{}, logger.Nop())
}

func TestKeygenTwoPartiesConverge(t *testing.T) {
	uids := []string{"alice", "bob"}
	fab := newFabric(uids)

	results := make([]KeygenResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, uid := range uids {
		i, uid := i, uid
		orch := newTestOrchestrator(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			init := party.KeygenInit{NewKeyUID: "key-1", PartyUIDs: uids, MyPartyIndex: i, Threshold: 1}
			sender := &fabricSender{fabric: fab, uid: uid}
			results[i], errs[i] = orch.Keygen(context.Background(), init, []byte("nonce"), fab.streamFor(uid), sender)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotNil(t, results[0].Output)
	require.NotNil(t, results[1].Output)
	assert.Equal(t, results[0].Output.PubKey, results[1].Output.PubKey)
}

func TestFaultsToCriminalsMapsPartyIndexToUID(t *testing.T) {
	outputs := []engine.Output{
		{Faults: []engine.Fault{{PartyIndex: 1, Crime: engine.CrimeMalicious}}},
		{KeygenShare: &engine.SecretKeyShare{}},
	}
	criminals := faultsToCriminals(outputs, []string{"alice", "bob"})
	require.Len(t, criminals, 1)
	assert.Equal(t, CriminalEntry{PartyUID: "bob", Crime: engine.CrimeMalicious}, criminals[0])
}

// faultyEngine always reports its own party as having committed a fault,
// exercising the orchestrator's short-circuit-on-fault path (spec.md
// §4.8), which the deterministic fixture engines never trigger on
// their own.
type faultyEngine struct{}

func (faultyEngine) FirstRound(ctx engine.Context) (engine.Round, error) {
	partyIndex, _ := ctx.ShareCounts.PartyOf(ctx.MyShareIndex)
	return &faultyRound{partyIndex: partyIndex}, nil
}

type faultyRound struct{ partyIndex int }

func (r *faultyRound) BcastOut() []byte                { return nil }
func (r *faultyRound) P2PSOut() map[int][]byte         { return nil }
func (r *faultyRound) ExpectingMoreMsgsThisRound() bool { return false }
func (r *faultyRound) MsgIn(from int, payload []byte) error { return nil }
func (r *faultyRound) ExecuteNextRound() (engine.State, error) {
	return engine.Done(engine.Output{Faults: []engine.Fault{{PartyIndex: r.partyIndex, Crime: engine.CrimeNonMalicious}}}), nil
}

func TestKeygenReturnsCriminalsWithoutPersistingOnFault(t *testing.T) {
	orch := newTestOrchestrator(t)
	orch.KeygenEngine = faultyEngine{}
	uids := []string{"alice", "bob"}
	fab := newFabric(uids)

	init := party.KeygenInit{NewKeyUID: "key-fault", PartyUIDs: uids, MyPartyIndex: 0, Threshold: 1}
	result, err := orch.Keygen(context.Background(), init, []byte("n"), fab.streamFor("alice"), &fabricSender{fabric: fab, uid: "alice"})
	require.NoError(t, err)
	require.Nil(t, result.Output)
	require.Len(t, result.Criminals, 1)
	assert.Equal(t, "alice", result.Criminals[0].PartyUID)

	exists, err := orch.KV.Exists("key-fault")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestKeygenFailsWhenNoSharesAssigned(t *testing.T) {
	orch := newTestOrchestrator(t)
	uids := []string{"alice", "bob"}
	fab := newFabric(uids)
	init := party.KeygenInit{
		NewKeyUID:        "key-2",
		PartyUIDs:        uids,
		PartyShareCounts: []int{0, 1},
		MyPartyIndex:     0,
		Threshold:        0,
	}
	_, err := orch.Keygen(context.Background(), init, []byte("n"), fab.streamFor("alice"), &fabricSender{fabric: fab, uid: "alice"})
	assert.ErrorIs(t, err, ErrNoSharesAssigned)

	// The reservation must have been released: a retry with the same
	// uid should be able to reserve again rather than fail outright.
	exists, err := orch.KV.Exists("key-2")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = orch.KV.Reserve("key-2")
	assert.NoError(t, err)
}
