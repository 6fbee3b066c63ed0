package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstance_Transition(t *testing.T) {
	tests := []struct {
		name     string
		from     InstanceState
		trigger  Trigger
		expected InstanceState
		wantErr  bool
	}{
		{"start", InstanceStateNew, TriggerStart, InstanceStateReady, false},
		{"run", InstanceStateReady, TriggerRun, InstanceStateActive, false},
		{"run again", InstanceStateActive, TriggerRun, InstanceStateActive, false},
		{"complete", InstanceStateActive, TriggerComplete, InstanceStateCompletedOK, false},
		{"fault", InstanceStateActive, TriggerFault, InstanceStateCompletedWithFault, false},
		{"terminate new", InstanceStateNew, TriggerTerminate, InstanceStateTerminated, false},
		{"terminate active", InstanceStateActive, TriggerTerminate, InstanceStateTerminated, false},
		{"complete before run", InstanceStateReady, TriggerComplete, InstanceStateReady, true},
		{"run completed", InstanceStateCompletedOK, TriggerRun, InstanceStateCompletedOK, true},
		{"terminate terminated", InstanceStateTerminated, TriggerTerminate, InstanceStateTerminated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := NewInstance("instance", "process", time.Now())
			i.State = tt.from

			err := i.Transition(context.Background(), tt.trigger)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			require.Equal(t, tt.expected, i.State)
		})
	}
}

func TestInstanceState_Terminal(t *testing.T) {
	require.False(t, InstanceStateNew.Terminal())
	require.False(t, InstanceStateActive.Terminal())
	require.True(t, InstanceStateCompletedOK.Terminal())
	require.True(t, InstanceStateCompletedWithFault.Terminal())
	require.True(t, InstanceStateTerminated.Terminal())
}

func TestInstance_Clone(t *testing.T) {
	now := time.Now()
	i := NewInstance("instance", "process", now)
	i.Data = []byte("data")
	i.CompletedAt = &now

	c := i.Clone()
	c.Data[0] = 'x'
	require.Equal(t, "data", string(i.Data))
	require.NotSame(t, i.CompletedAt, c.CompletedAt)
}
