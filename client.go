package camlink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camlink/audio"
	"github.com/opd-ai/camlink/mjpeg"
	"github.com/opd-ai/camlink/stream"
	"github.com/opd-ai/camlink/transport"
)

// Client is the facade over the stream and audio session controllers. One
// Client talks to one device. All callbacks must be registered before
// Connect.
type Client struct {
	opts Options

	streamCtl *stream.Controller
	audioCtl  *audio.Controller

	mu   sync.Mutex
	host string
}

// New creates a Client from the given options.
func New(opts Options) (*Client, error) {
	defaults := NewOptions()
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = defaults.InitialBackoff
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if opts.ManagementPort == 0 {
		opts.ManagementPort = defaults.ManagementPort
	}
	if opts.AudioPort == 0 {
		opts.AudioPort = defaults.AudioPort
	}
	if opts.Playback == (audio.Format{}) {
		opts.Playback = defaults.Playback
	}
	if opts.Capture == (audio.Format{}) {
		opts.Capture = defaults.Capture
	}
	if opts.Gain == 0 {
		opts.Gain = defaults.Gain
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"audio_port": opts.AudioPort,
		"attempts":   opts.MaxReconnectAttempts,
	}).Info("Creating camlink client")

	audioCtl, err := audio.NewController(audio.ControllerConfig{
		DataPort:   opts.AudioPort,
		Playback:   opts.Playback,
		Capture:    opts.Capture,
		Gain:       opts.Gain,
		AutoListen: opts.AutoListen,
	})
	if err != nil {
		return nil, err
	}

	streamCtl := stream.NewController(stream.Config{
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
		MaxAttempts:    opts.MaxReconnectAttempts,
		ManagementPort: opts.ManagementPort,
		Registerer:     opts.Registerer,
	})

	return &Client{
		opts:      opts,
		streamCtl: streamCtl,
		audioCtl:  audioCtl,
	}, nil
}

// Start launches the stream controller's run loop. Call once, after the
// callbacks are registered and before Connect.
func (c *Client) Start() {
	c.streamCtl.Start()
}

// OnFrame registers the decoded-frame callback.
func (c *Client) OnFrame(fn func(*mjpeg.Frame)) {
	c.streamCtl.OnFrame(fn)
}

// OnStreamState registers the stream connection-state callback.
func (c *Client) OnStreamState(fn func(stream.State)) {
	c.streamCtl.OnStateChange(fn)
}

// OnAudioData registers the playback audio callback.
func (c *Client) OnAudioData(fn func(pcm []byte)) {
	c.audioCtl.OnAudioData(fn)
}

// OnAudioState registers the audio session state callback.
func (c *Client) OnAudioState(fn func(state, message string)) {
	c.audioCtl.OnStateChange(fn)
}

// Connect starts the stream session and opens the audio channels to the
// same host. A bad URL fails immediately; connection failures surface
// through the state callbacks.
func (c *Client) Connect(rawURL string) error {
	addr, err := transport.ParseStreamURL(rawURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.host = addr.Host
	c.mu.Unlock()

	if err := c.streamCtl.Connect(rawURL); err != nil {
		return err
	}

	if err := c.audioCtl.Connect(addr.Host); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Connect",
			"error":    err,
		}).Warn("Audio session unavailable, continuing with video only")
	}
	return nil
}

// Disconnect tears both sessions down. Audio goes first so the stop
// command reaches the device before the stream socket closes. The client
// can Connect again afterwards.
func (c *Client) Disconnect() {
	logrus.WithField("function", "Client.Disconnect").Info("Disconnecting")
	_ = c.audioCtl.Close()
	c.streamCtl.Disconnect()
}

// Close disconnects and stops the stream controller for good. The client
// is unusable afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.streamCtl.Stop()
}

// Reconnect resets the reconnect counter and connects immediately. It is
// the manual escape from the terminal stream error state.
func (c *Client) Reconnect() {
	c.streamCtl.Reconnect()

	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if host != "" && c.audioCtl.State() == audio.StateFailed {
		_ = c.audioCtl.Close()
		if err := c.audioCtl.Connect(host); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.Reconnect",
				"error":    err,
			}).Warn("Audio session reconnect failed")
		}
	}
}

// StartListening plays device audio locally.
func (c *Client) StartListening() error {
	return c.audioCtl.StartListening()
}

// StartTalking sends local audio to the device.
func (c *Client) StartTalking() error {
	return c.audioCtl.StartTalking()
}

// StopAudio halts the active audio direction.
func (c *Client) StopAudio() error {
	return c.audioCtl.StopAudio()
}

// PushCapture feeds captured samples to the device while talking.
func (c *Client) PushCapture(samples []int16) error {
	return c.audioCtl.PushCapture(samples)
}

// ReadPlayback drains converted playback audio; see audio.Controller.
func (c *Client) ReadPlayback(p []byte) int {
	return c.audioCtl.ReadPlayback(p)
}

// StreamState returns the current stream connection state.
func (c *Client) StreamState() stream.State {
	return c.streamCtl.State()
}

// AudioState returns the current audio session state.
func (c *Client) AudioState() string {
	return c.audioCtl.State()
}

// FrameRate returns the rolling-window frame rate.
func (c *Client) FrameRate() float64 {
	return c.streamCtl.FrameRate()
}
