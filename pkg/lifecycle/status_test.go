package lifecycle

import (
	"testing"

	"github.com/fitrun/fitrun/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from  store.RunStatus
		to    store.RunStatus
		valid bool
	}{
		{store.StatusQueued, store.StatusRunning, true},
		{store.StatusQueued, store.StatusSucceeded, true},
		{store.StatusQueued, store.StatusFailed, true},
		{store.StatusQueued, store.StatusReplaced, true},
		{store.StatusRunning, store.StatusSucceeded, true},
		{store.StatusRunning, store.StatusFailed, true},
		{store.StatusRunning, store.StatusReplaced, true},
		{store.StatusRunning, store.StatusQueued, false},
		{store.StatusSucceeded, store.StatusReplaced, true},
		{store.StatusSucceeded, store.StatusRunning, false},
		{store.StatusSucceeded, store.StatusFailed, false},
		{store.StatusFailed, store.StatusReplaced, false},
		{store.StatusFailed, store.StatusSucceeded, false},
		{store.StatusFailed, store.StatusRunning, false},
		{store.StatusReplaced, store.StatusSucceeded, true},
		{store.StatusReplaced, store.StatusFailed, true},
		{store.StatusReplaced, store.StatusRunning, true},
		{store.StatusReplaced, store.StatusQueued, false},
		{"bogus", store.StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, CanTransition(tt.from, tt.to))

			err := Transition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(store.StatusSucceeded))
	assert.True(t, IsTerminal(store.StatusFailed))
	assert.False(t, IsTerminal(store.StatusQueued))
	assert.False(t, IsTerminal(store.StatusRunning))
	assert.False(t, IsTerminal(store.StatusReplaced))
}

func TestCanRecord(t *testing.T) {
	assert.True(t, CanRecord(store.StatusSucceeded, store.StatusSucceeded), "replay")
	assert.True(t, CanRecord(store.StatusFailed, store.StatusFailed), "replay")
	assert.True(t, CanRecord(store.StatusRunning, store.StatusSucceeded))
	assert.False(t, CanRecord(store.StatusSucceeded, store.StatusRunning), "terminal regression")
	assert.False(t, CanRecord(store.StatusFailed, store.StatusQueued), "terminal regression")
	assert.False(t, CanRecord(store.StatusFailed, store.StatusSucceeded))
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    store.RunStatus
		wantErr bool
	}{
		{raw: "completed", want: store.StatusSucceeded},
		{raw: "Succeeded", want: store.StatusSucceeded},
		{raw: " success ", want: store.StatusSucceeded},
		{raw: "processing", want: store.StatusRunning},
		{raw: "running", want: store.StatusRunning},
		{raw: "queued", want: store.StatusQueued},
		{raw: "pending", want: store.StatusQueued},
		{raw: "error", want: store.StatusFailed},
		{raw: "FAILED", want: store.StatusFailed},
		{raw: "replaced", want: store.StatusReplaced},
		{raw: "", wantErr: true},
		{raw: "done", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeStatus(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrValidation)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
