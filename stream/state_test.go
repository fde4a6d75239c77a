package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 1 * time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 15 * time.Second},
		{attempt: 6, want: 15 * time.Second},
	}

	for _, tt := range tests {
		got := Backoff(tt.attempt, 1*time.Second, 15*time.Second)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestBackoffClampsAttempt(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(0, 1*time.Second, 15*time.Second))
	assert.Equal(t, 1*time.Second, Backoff(-3, 1*time.Second, 15*time.Second))
}

func TestBackoffLargeAttemptDoesNotOverflow(t *testing.T) {
	assert.Equal(t, 15*time.Second, Backoff(64, 1*time.Second, 15*time.Second))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from StateKind
		to   StateKind
		want bool
	}{
		{name: "disconnected_to_connecting", from: Disconnected, to: Connecting, want: true},
		{name: "disconnected_to_streaming", from: Disconnected, to: Streaming, want: false},
		{name: "connecting_to_streaming", from: Connecting, to: Streaming, want: true},
		{name: "connecting_to_reconnecting", from: Connecting, to: Reconnecting, want: true},
		{name: "streaming_to_reconnecting", from: Streaming, to: Reconnecting, want: true},
		{name: "streaming_to_connecting", from: Streaming, to: Connecting, want: false},
		{name: "reconnecting_to_connecting", from: Reconnecting, to: Connecting, want: true},
		{name: "failed_to_connecting", from: Failed, to: Connecting, want: true},
		{name: "failed_to_streaming", from: Failed, to: Streaming, want: false},
		{name: "any_to_disconnected", from: Streaming, to: Disconnected, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestStateKindString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "failed", Failed.String())
}
