package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, Disconnected, sm.Current())
	require.NoError(t, sm.Transition(Connecting, ""))
	require.NoError(t, sm.Transition(Connected, ""))
	require.NoError(t, sm.Transition(Disconnecting, ""))
	require.NoError(t, sm.Transition(Disconnected, ""))
}

func TestStateMachineRejectsIllegalTransition(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Transition(Connected, "")
	require.Error(t, err)
	assert.Equal(t, Disconnected, sm.Current())
}

func TestStateMachineFailedUnreachableFromDisconnected(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Transition(Failed, "boom")
	require.Error(t, err)
}

func TestStateMachineFailedReachableFromAnyOtherState(t *testing.T) {
	for _, start := range []State{Connecting, Connected, Disconnecting} {
		sm := &StateMachine{current: start}
		require.NoError(t, sm.Transition(Failed, "boom"), "from %s", start)
		assert.Equal(t, "boom", sm.FailureReason())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxMessageSize+1)
	err := WriteFrame(&buf, big)
	require.Error(t, err)
}

func TestReadFrameRejectsOversizeHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	header[0] = 0xFF
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	buf.Write(header[:])
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}
