package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/tssd/engine"
	"github.com/sage-x-project/tssd/engine/fixture"
	"github.com/sage-x-project/tssd/kv/encrypted"
	"github.com/sage-x-project/tssd/kv/manager"
	"github.com/sage-x-project/tssd/mnemonic"
	"github.com/sage-x-project/tssd/orchestrator"
	"github.com/sage-x-project/tssd/party"
)

func newTestKV(t *testing.T) *manager.Manager {
	t.Helper()
	store, err := encrypted.OpenMemory("pw")
	require.NoError(t, err)
	kv := manager.New(store)
	t.Cleanup(kv.Close)
	return kv
}

// aliceTranscript runs the deterministic keygen fixture for a two-party
// session locally (no protocol/broadcaster plumbing needed) and
// returns the orchestrator.KeygenOutput shape a real keygen RPC would
// have handed back to the client for the "alice" party.
func aliceTranscript(t *testing.T, keypair []byte, nonce []byte) orchestrator.KeygenOutput {
	t.Helper()
	counts := engine.PartyShareCounts{Counts: []int{1, 1}}

	round0, err := (fixture.KeygenEngine{}).FirstRound(engine.Context{
		ShareCounts: counts, MyShareIndex: 0, SessionNonce: nonce, KeygenKeypair: keypair,
	})
	require.NoError(t, err)
	round1, err := (fixture.KeygenEngine{}).FirstRound(engine.Context{
		ShareCounts: counts, MyShareIndex: 1, SessionNonce: nonce, KeygenKeypair: []byte("bobs-keypair"),
	})
	require.NoError(t, err)

	require.NoError(t, round0.MsgIn(1, round1.BcastOut()))
	require.NoError(t, round1.MsgIn(0, round0.BcastOut()))

	state0, err := round0.ExecuteNextRound()
	require.NoError(t, err)
	require.True(t, state0.IsDone())

	share := state0.Output.KeygenShare
	return orchestrator.KeygenOutput{
		PubKey:             share.EncodedPubKey,
		GroupRecoverInfo:   share.AllSharesBytes,
		PrivateRecoverInfo: [][]byte{share.PrivateRecoverInfo},
	}
}

func TestRecoverRebuildsPartyInfoFromTranscript(t *testing.T) {
	kv := newTestKV(t)
	mn := mnemonic.New(kv, filepath.Join(t.TempDir(), "export.txt"))
	require.NoError(t, mn.Dispatch(mnemonic.Create, ""))

	seed, err := mn.Seed()
	require.NoError(t, err)
	nonce := []byte("session-nonce-1")
	keypair := mnemonic.DerivePartyKeypair(seed, "alice", nonce)

	output := aliceTranscript(t, keypair, nonce)

	init := party.KeygenInit{
		NewKeyUID:    "key-1",
		PartyUIDs:    []string{"alice", "bob"},
		MyPartyIndex: 0,
		Threshold:    1,
	}

	rec := New(kv, mn, fixture.KeygenEngine{})
	require.NoError(t, rec.Recover(init, output, nonce))

	stored, err := kv.GetPartyInfo("key-1")
	require.NoError(t, err)
	assert.Equal(t, output.PubKey, stored.Group.EncodedPubKey)
	assert.Equal(t, output.GroupRecoverInfo, stored.Group.AllSharesBytes)
	require.Len(t, stored.Shares, 1)
	assert.Equal(t, 0, stored.Shares[0].Index)
	assert.Equal(t, []string{"alice", "bob"}, stored.Tofnd.PartyUIDs)
	assert.Equal(t, 0, stored.Tofnd.MyIndex)

	// Idempotent: a second Recover call with the same transcript must
	// succeed without altering the stored record (spec.md invariant 7).
	require.NoError(t, rec.Recover(init, output, nonce))
	restored, err := kv.GetPartyInfo("key-1")
	require.NoError(t, err)
	assert.Equal(t, stored, restored)
}

func TestRecoverRejectsWrongPrivateRecoverInfo(t *testing.T) {
	kv := newTestKV(t)
	mn := mnemonic.New(kv, filepath.Join(t.TempDir(), "export.txt"))
	require.NoError(t, mn.Dispatch(mnemonic.Create, ""))

	nonce := []byte("session-nonce-2")
	output := aliceTranscript(t, []byte("wrong-keypair-entirely"), nonce)

	init := party.KeygenInit{
		NewKeyUID:    "key-2",
		PartyUIDs:    []string{"alice", "bob"},
		MyPartyIndex: 0,
		Threshold:    1,
	}

	rec := New(kv, mn, fixture.KeygenEngine{})
	err := rec.Recover(init, output, nonce)
	assert.Error(t, err)

	exists, err := kv.Exists("key-2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecoverFailsWhenEngineCannotRecover(t *testing.T) {
	kv := newTestKV(t)
	mn := mnemonic.New(kv, filepath.Join(t.TempDir(), "export.txt"))
	require.NoError(t, mn.Dispatch(mnemonic.Create, ""))

	init := party.KeygenInit{NewKeyUID: "key-3", PartyUIDs: []string{"alice", "bob"}, MyPartyIndex: 0, Threshold: 1}
	rec := New(kv, mn, fixture.SignEngine{}) // does not implement engine.Recoverer
	err := rec.Recover(init, orchestrator.KeygenOutput{PrivateRecoverInfo: [][]byte{{1}}}, []byte("n"))
	assert.ErrorIs(t, err, ErrEngineCannotRecover)
}

func TestKeyPresence(t *testing.T) {
	kv := newTestKV(t)
	mn := mnemonic.New(kv, filepath.Join(t.TempDir(), "export.txt"))
	require.NoError(t, mn.Dispatch(mnemonic.Create, ""))
	rec := New(kv, mn, fixture.KeygenEngine{})

	assert.Equal(t, Absent, rec.KeyPresence("no-such-key"))

	seed, err := mn.Seed()
	require.NoError(t, err)
	nonce := []byte("session-nonce-3")
	output := aliceTranscript(t, mnemonic.DerivePartyKeypair(seed, "alice", nonce), nonce)
	init := party.KeygenInit{NewKeyUID: "key-4", PartyUIDs: []string{"alice", "bob"}, MyPartyIndex: 0, Threshold: 1}
	require.NoError(t, rec.Recover(init, output, nonce))

	assert.Equal(t, Present, rec.KeyPresence("key-4"))
}

func TestKeyPresenceFailsWithoutSeed(t *testing.T) {
	kv := newTestKV(t)
	mn := mnemonic.New(kv, filepath.Join(t.TempDir(), "export.txt")) // never Create'd, no entropy
	rec := New(kv, mn, fixture.KeygenEngine{})
	assert.Equal(t, Fail, rec.KeyPresence("anything"))
}
