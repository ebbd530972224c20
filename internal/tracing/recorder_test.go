package tracing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.False(t, r.Enabled())

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotEnabled)
	r.Stop()
}

func TestRecorderSnapshot(t *testing.T) {
	r, err := Start(0)
	require.NoError(t, err)
	defer r.Stop()

	assert.True(t, r.Enabled())

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.Positive(t, buf.Len())
}

func TestRecorderStop(t *testing.T) {
	r, err := Start(1024 * 1024)
	require.NoError(t, err)

	r.Stop()
	r.Stop()
	assert.False(t, r.Enabled())

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotEnabled)

	// A stopped recorder frees the slot for a new one.
	r2, err := Start(0)
	require.NoError(t, err)
	r2.Stop()
}
