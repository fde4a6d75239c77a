package camlink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/camlink/audio"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, 8, opts.MaxReconnectAttempts)
	assert.Equal(t, 1*time.Second, opts.InitialBackoff)
	assert.Equal(t, 15*time.Second, opts.MaxBackoff)
	assert.Equal(t, 80, opts.ManagementPort)
	assert.Equal(t, 6970, opts.AudioPort)
	assert.Equal(t, audio.Format{SampleRate: 48000, Channels: 2}, opts.Playback)
	assert.Equal(t, audio.Format{SampleRate: 48000, Channels: 1}, opts.Capture)
	assert.Equal(t, 1.0, opts.Gain)
	assert.True(t, opts.AutoListen)
}

func TestLoadOptionsOverridesDefaults(t *testing.T) {
	config := `
max_reconnect_attempts: 3
initial_backoff: 500ms
audio_port: 7000
playback:
  sample_rate: 44100
  channels: 1
gain: 1.5
auto_listen: false
`
	path := filepath.Join(t.TempDir(), "camlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, 3, opts.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, opts.InitialBackoff)
	assert.Equal(t, 7000, opts.AudioPort)
	assert.Equal(t, audio.Format{SampleRate: 44100, Channels: 1}, opts.Playback)
	assert.Equal(t, 1.5, opts.Gain)
	assert.False(t, opts.AutoListen)

	// Untouched keys keep their defaults.
	assert.Equal(t, 15*time.Second, opts.MaxBackoff)
	assert.Equal(t, audio.Format{SampleRate: 48000, Channels: 1}, opts.Capture)
	assert.Equal(t, 80, opts.ManagementPort)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadOptionsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gain: [not a number"), 0o644))

	_, err := LoadOptions(path)
	assert.Error(t, err)
}

func TestNewClientAppliesDefaults(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "idle", client.AudioState())
	assert.Equal(t, "disconnected", client.StreamState().Kind.String())
	assert.Zero(t, client.FrameRate())

	// Audio operations before Connect fail cleanly.
	assert.ErrorIs(t, client.StartListening(), audio.ErrNotConnected)

	// A malformed URL is rejected synchronously.
	client.Start()
	assert.Error(t, client.Connect("http://"))
}

// Each client gets a private metrics registry unless one is injected, so
// several clients can coexist in one process without collector collisions.
func TestNewClientMetricsIsolation(t *testing.T) {
	first, err := New(Options{})
	require.NoError(t, err)
	defer first.Close()

	second, err := New(Options{})
	require.NoError(t, err)
	defer second.Close()

	// An injected registry works too, and stays independent of the others.
	third, err := New(Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer third.Close()
}
