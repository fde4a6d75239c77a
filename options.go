package camlink

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/camlink/audio"
)

// Options contains configuration for creating a Client. Zero values are
// replaced by the documented defaults in New.
type Options struct {
	// MaxReconnectAttempts caps the stream reconnect cycle before the
	// terminal error state.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// InitialBackoff and MaxBackoff bound the reconnect delay
	// min(initial × 2^(n−1), max).
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// ManagementPort is the device HTTP control interface used by the
	// busy-device recovery sequence.
	ManagementPort int `yaml:"management_port"`

	// AudioPort is the UDP PCM data port; control is AudioPort + 1.
	AudioPort int `yaml:"audio_port"`

	// Playback and Capture describe the local audio hardware.
	Playback audio.Format `yaml:"playback"`
	Capture  audio.Format `yaml:"capture"`

	// Gain is the linear gain applied to inbound device audio.
	Gain float64 `yaml:"gain"`

	// AutoListen starts listening as soon as the audio session settles.
	AutoListen bool `yaml:"auto_listen"`

	// Registerer receives the client's prometheus collectors. Nil gives
	// the client a private registry, so multiple clients can coexist in
	// one process; pass prometheus.DefaultRegisterer to expose the
	// metrics on the process registry.
	Registerer prometheus.Registerer `yaml:"-"`
}

// NewOptions returns the default configuration.
func NewOptions() Options {
	return Options{
		MaxReconnectAttempts: 8,
		InitialBackoff:       1 * time.Second,
		MaxBackoff:           15 * time.Second,
		ManagementPort:       80,
		AudioPort:            6970,
		Playback:             audio.Format{SampleRate: 48000, Channels: 2},
		Capture:              audio.Format{SampleRate: 48000, Channels: 1},
		Gain:                 1.0,
		AutoListen:           true,
	}
}

// LoadOptions reads a YAML configuration file over the defaults. Keys not
// present in the file keep their default values.
func LoadOptions(path string) (Options, error) {
	logrus.WithFields(logrus.Fields{
		"function": "LoadOptions",
		"path":     path,
	}).Info("Loading configuration")

	opts := NewOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing config: %w", err)
	}
	return opts, nil
}
