package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch(t *testing.T) {
	m1 := Encode(Event{Ref: 1, Payload: &Result{Success: true}})
	m2 := Encode(Event{Ref: 2, Payload: &ProgressUpdate{Progress: 0.25, Description: "halfway there"}})
	m3 := []byte{} // empty message is valid on the wire

	frame := JoinBatch(m1, m2, m3)
	msgs, err := SplitBatch(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, m1, msgs[0])
	assert.Equal(t, m2, msgs[1])
	assert.Empty(t, msgs[2])
}

func TestSplitBatch_Empty(t *testing.T) {
	msgs, err := SplitBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, JoinBatch())
}

func TestSplitBatch_Truncated(t *testing.T) {
	frame := JoinBatch(Encode(Event{Ref: 1, Payload: &Result{Success: true}}), []byte("second"))
	_, err := SplitBatch(frame[:len(frame)-2])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad batch frame at offset")
}
