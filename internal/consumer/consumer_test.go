package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorderForwardSnapshotIsIndependentCopy(t *testing.T) {
	r := NewRecorder()
	frame := []byte(`{"a":1}`)
	require := assert.New(t)
	require.NoError(r.Forward(0, 42, frame))

	frame[0] = 'X' // mutating the caller's slice must not affect the recording
	snap := r.Snapshot()
	require.Len(snap, 1)
	require.Equal(uint64(42), snap[0].ClientID)
	require.Equal(`{"a":1}`, string(snap[0].Frame))
}

func TestRecorderDropAndTerminate(t *testing.T) {
	r := NewRecorder()
	r.DropClient(7)
	r.TerminatePassthrough(9)

	assert.Equal(t, []uint64{7}, r.Drops)
	assert.Equal(t, []uint64{9}, r.Terminations)
}
