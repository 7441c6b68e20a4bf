package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("telegram: bot was blocked by the user (403)")

	require.NoError(t, Classify(1, nil, true))

	gone := Classify(42, base, true)
	assert.True(t, IsGone(gone))
	assert.ErrorIs(t, gone, ErrDeliveryPermanent)
	assert.ErrorIs(t, gone, base)
	assert.NotErrorIs(t, gone, ErrDeliveryTransient)

	flaky := Classify(42, context.DeadlineExceeded, false)
	assert.False(t, IsGone(flaky))
	assert.ErrorIs(t, flaky, ErrDeliveryTransient)
	assert.ErrorIs(t, flaky, context.DeadlineExceeded)

	// Already classified errors keep their first classification.
	again := Classify(42, gone, false)
	assert.True(t, IsGone(again))

	wrapped := fmt.Errorf("broadcast: %w", gone)
	assert.True(t, IsGone(wrapped))
	assert.False(t, IsGone(nil))
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{name: "nil", msg: nil, want: ""},
		{name: "first name", msg: &Message{FromFirstName: "Ana", FromUsername: "ana_k"}, want: "Ana"},
		{name: "username fallback", msg: &Message{FromUsername: "ana_k"}, want: "ana_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.DisplayName(); got != tt.want {
				t.Fatalf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
