package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		on   trigger
		want Status
	}{
		{StatusIncomplete, triggerPaymentSucceeded, StatusActive},
		{StatusIncomplete, triggerPaymentFailed, StatusIncomplete},
		{StatusIncomplete, triggerDeleted, StatusIncompleteExpired},
		{StatusTrialing, triggerPaymentSucceeded, StatusTrialing},
		{StatusTrialing, triggerPaymentFailed, StatusPastDue},
		{StatusActive, triggerPaymentSucceeded, StatusActive},
		{StatusActive, triggerPaymentFailed, StatusPastDue},
		{StatusActive, triggerDeleted, StatusCanceled},
		{StatusPastDue, triggerPaymentSucceeded, StatusActive},
		{StatusPastDue, triggerPaymentFailed, StatusPastDue},
		{StatusUnpaid, triggerPaymentSucceeded, StatusActive},
		{StatusUnpaid, triggerDeleted, StatusCanceled},
		{StatusCanceled, triggerPaymentSucceeded, StatusCanceled},
		{StatusCanceled, triggerPaymentFailed, StatusCanceled},
		{StatusIncompleteExpired, triggerPaymentSucceeded, StatusIncompleteExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.on), func(t *testing.T) {
			t.Parallel()
			got, err := transition(tt.from, tt.on)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransition_UnconfiguredState(t *testing.T) {
	t.Parallel()
	got, err := transition(StatusNone, triggerPaymentSucceeded)
	require.Error(t, err)
	assert.Equal(t, StatusNone, got)
}

func TestExpectedSnapshotMove(t *testing.T) {
	t.Parallel()
	assert.True(t, expectedSnapshotMove(StatusActive, StatusActive))
	assert.True(t, expectedSnapshotMove(StatusIncomplete, StatusActive))
	assert.True(t, expectedSnapshotMove(StatusPastDue, StatusActive))
	assert.False(t, expectedSnapshotMove(StatusCanceled, StatusActive))
	assert.False(t, expectedSnapshotMove(StatusIncompleteExpired, StatusTrialing))
}
