package broadcaster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/tssd/internal/logger"
)

type fakeStream struct {
	frames []Frame
	i      int
}

func (f *fakeStream) Recv() (Frame, error) {
	if f.i >= len(f.frames) {
		return Frame{}, errors.New("EOF")
	}
	fr := f.frames[f.i]
	f.i++
	return fr, nil
}

func resolver(uids ...string) UIDResolver {
	return func(uid string) (int, bool) {
		for i, u := range uids {
			if u == uid {
				return i, true
			}
		}
		return 0, false
	}
}

func TestTrafficClonedToEveryWorker(t *testing.T) {
	stream := &fakeStream{frames: []Frame{
		{Kind: KindTraffic, FromPartyUID: "p0", Payload: []byte("hello")},
	}}
	w0 := make(chan Delivery, 1)
	w1 := make(chan Delivery, 1)

	err := Run(context.Background(), logger.Nop(), stream, resolver("p0", "p1"), []chan<- Delivery{w0, w1})
	require.NoError(t, err)

	d0 := <-w0
	d1 := <-w1
	assert.Equal(t, Delivery{FromPartyIndex: 0, Payload: []byte("hello")}, d0)
	assert.Equal(t, d0, d1)

	_, open := <-w0
	assert.False(t, open, "worker channel must be closed on stream EOF")
}

func TestInitAndUnknownFramesAreSkipped(t *testing.T) {
	stream := &fakeStream{frames: []Frame{
		{Kind: KindInit},
		{Kind: KindUnknown, FromPartyUID: "mystery"},
	}}
	w0 := make(chan Delivery, 1)

	err := Run(context.Background(), logger.Nop(), stream, resolver("p0"), []chan<- Delivery{w0})
	require.NoError(t, err)

	select {
	case _, open := <-w0:
		assert.False(t, open)
	default:
		t.Fatal("worker channel should have been closed, got nothing")
	}
}

func TestAbortTerminatesLoop(t *testing.T) {
	stream := &fakeStream{frames: []Frame{
		{Kind: KindTraffic, FromPartyUID: "p0", Payload: []byte("x")},
		{Kind: KindAbort},
		{Kind: KindTraffic, FromPartyUID: "p0", Payload: []byte("unreachable")},
	}}
	w0 := make(chan Delivery, 2)

	err := Run(context.Background(), logger.Nop(), stream, resolver("p0"), []chan<- Delivery{w0})
	assert.ErrorIs(t, err, ErrAborted)

	// Only the one Traffic frame before Abort should have been delivered.
	d := <-w0
	assert.Equal(t, []byte("x"), d.Payload)
	_, open := <-w0
	assert.False(t, open)
}

func TestTrafficFromUnknownUIDIsDropped(t *testing.T) {
	stream := &fakeStream{frames: []Frame{
		{Kind: KindTraffic, FromPartyUID: "ghost", Payload: []byte("x")},
	}}
	w0 := make(chan Delivery, 1)

	err := Run(context.Background(), logger.Nop(), stream, resolver("p0"), []chan<- Delivery{w0})
	require.NoError(t, err)

	_, open := <-w0
	assert.False(t, open)
}
