package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camlink/transport"
)

// Audio session states. Listening and talking are mutually exclusive: the
// state machine has no transition that allows both pipelines at once.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateListening  = "listening"
	StateTalking    = "talking"
	StateFailed     = "failed"
)

// DefaultSettleDelay is how long the controller waits after the control
// channel reports ready before auto-starting listening. The device needs a
// moment to finish its internal audio setup after the stop command.
const DefaultSettleDelay = 300 * time.Millisecond

// Conn is the controller's view of an audio transport. Satisfied by
// *transport.AudioTransport; tests substitute fakes.
type Conn interface {
	SendCommand(cmd transport.Command) error
	SendAudio(payload []byte) error
	Events() <-chan transport.AudioEvent
	Close() error
}

// DialFunc opens the audio channels to a device.
type DialFunc func(transport.AudioConfig) (Conn, error)

// ControllerConfig configures an audio session controller.
type ControllerConfig struct {
	// DataPort is the device PCM port; control is DataPort + 1.
	DataPort int

	// Playback and Capture are the local hardware formats; Gain is the
	// inbound linear gain. Passed through to the bridge.
	Playback Format
	Capture  Format
	Gain     float64

	// SettleDelay overrides DefaultSettleDelay.
	SettleDelay time.Duration

	// AutoListen starts listening automatically once the session settles.
	AutoListen bool

	// RingCapacity sizes the playback smoothing ring in bytes. Defaults to
	// 32 KiB.
	RingCapacity int

	// Dial overrides transport construction, for tests.
	Dial DialFunc
}

// Controller orchestrates the half-duplex audio session: command
// sequencing, capture/playback switching, and the auto-resume policy.
type Controller struct {
	cfg  ControllerConfig
	dial DialFunc

	mu      sync.Mutex
	sm      *fsm.FSM
	conn    Conn
	bridge  *Bridge
	ring    *Ring
	errMsg  string
	stopped chan struct{}

	// wasListening records that a talking session interrupted listening,
	// so StopAudio can resume it.
	wasListening bool

	onData  func(pcm []byte)
	onState func(state, message string)
}

// NewController creates an idle audio controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.DataPort == 0 {
		cfg.DataPort = transport.DefaultAudioPort
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = 32 * 1024
	}
	if cfg.Playback == (Format{}) {
		cfg.Playback = Format{SampleRate: 48000, Channels: 2}
	}
	if cfg.Capture == (Format{}) {
		cfg.Capture = Format{SampleRate: 48000, Channels: 1}
	}

	bridge, err := NewBridge(BridgeConfig{
		Playback: cfg.Playback,
		Capture:  cfg.Capture,
		Gain:     cfg.Gain,
	})
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		dial:   cfg.Dial,
		bridge: bridge,
		ring:   NewRing(cfg.RingCapacity),
	}
	if c.dial == nil {
		c.dial = func(ac transport.AudioConfig) (Conn, error) {
			return transport.ConnectAudio(ac)
		}
	}
	c.sm = c.newStateMachine()
	return c, nil
}

// newStateMachine builds the session FSM. Half-duplex switching is encoded
// in the transition table: listening and talking are reachable only from
// each other or idle, and the leave callbacks halt the opposite pipeline
// before the new one starts.
func (c *Controller) newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "connect", Src: []string{StateIdle, StateFailed}, Dst: StateConnecting},
			{Name: "ready", Src: []string{StateConnecting}, Dst: StateIdle},
			{Name: "listen", Src: []string{StateIdle, StateTalking}, Dst: StateListening},
			{Name: "talk", Src: []string{StateIdle, StateListening}, Dst: StateTalking},
			{Name: "stop", Src: []string{StateListening, StateTalking}, Dst: StateIdle},
			{Name: "fail", Src: []string{StateConnecting, StateIdle, StateListening, StateTalking}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"leave_" + StateListening: func(ctx context.Context, e *fsm.Event) {
				// Halt playback before capture may start.
				c.ring.Drain()
				c.bridge.ResetInbound()
			},
			"leave_" + StateTalking: func(ctx context.Context, e *fsm.Event) {
				// Halt capture before playback may start.
				c.bridge.ResetOutbound()
			},
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.notifyState(e.Dst)
			},
		},
	)
}

// OnAudioData registers the playback callback. It receives converted,
// playback-format PCM bytes and is invoked from the session's event
// goroutine. Must be set before Connect.
func (c *Controller) OnAudioData(fn func(pcm []byte)) { c.onData = fn }

// OnStateChange registers the state callback. Must be set before Connect.
// The callback runs with the controller lock held and must not call back
// into the controller; the new state is passed as an argument for that
// reason.
func (c *Controller) OnStateChange(fn func(state, message string)) { c.onState = fn }

// State returns the current session state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current()
}

// Connect opens the audio channels to the device. The session is
// considered connected once the control channel is ready; an initial stop
// has already been sent by the transport. If AutoListen is set, listening
// starts after the settle delay.
func (c *Controller) Connect(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return ErrAlreadyConnected
	}
	if err := c.sm.Event(context.Background(), "connect"); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}

	conn, err := c.dial(transport.AudioConfig{Host: host, DataPort: c.cfg.DataPort})
	if err != nil {
		c.failLocked(err.Error())
		return err
	}
	c.conn = conn
	c.stopped = make(chan struct{})
	_ = c.sm.Event(context.Background(), "ready")

	go c.eventLoop(conn)

	if c.cfg.AutoListen {
		go c.autoListen()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Connect",
		"host":     host,
	}).Info("Audio session connected")
	return nil
}

// autoListen waits for the device to settle, then starts listening unless
// the session moved on in the meantime.
func (c *Controller) autoListen() {
	select {
	case <-time.After(c.cfg.SettleDelay):
	case <-c.stopped:
		return
	}
	if c.State() != StateIdle {
		return
	}
	if err := c.StartListening(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.autoListen",
			"error":    err,
		}).Warn("Auto-listen failed")
	}
}

// StartListening switches the session to playing device audio. If the
// session is talking, the capture pipeline is halted first; the mode
// command implies a stop on the device side, so no explicit stop is sent.
func (c *Controller) StartListening() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if c.sm.Current() == StateListening {
		return nil
	}

	if err := c.sm.Event(context.Background(), "listen"); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	c.wasListening = false

	if err := c.conn.SendCommand(transport.CommandDeviceSend); err != nil {
		c.failLocked(err.Error())
		return err
	}
	return nil
}

// StartTalking switches the session to sending local audio. If the session
// is listening, playback is halted first and the interruption is recorded
// so StopAudio can resume listening.
func (c *Controller) StartTalking() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if c.sm.Current() == StateTalking {
		return nil
	}

	interrupted := c.sm.Current() == StateListening
	if err := c.sm.Event(context.Background(), "talk"); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	c.wasListening = interrupted

	if err := c.conn.SendCommand(transport.CommandDeviceReceive); err != nil {
		c.failLocked(err.Error())
		return err
	}
	return nil
}

// StopAudio halts whichever direction is active. If talking interrupted a
// listening session, listening resumes automatically.
func (c *Controller) StopAudio() error {
	c.mu.Lock()

	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}

	resume := c.sm.Current() == StateTalking && c.wasListening
	c.wasListening = false

	if err := c.sm.Event(context.Background(), "stop"); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	if err := c.conn.SendCommand(transport.CommandStop); err != nil {
		c.failLocked(err.Error())
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if resume {
		logrus.WithField("function", "Controller.StopAudio").
			Info("Resuming interrupted listening session")
		return c.StartListening()
	}
	return nil
}

// PushCapture feeds locally captured samples into the outbound pipeline.
// Full device packets are sent immediately; residue is retained.
func (c *Controller) PushCapture(samples []int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if c.sm.Current() != StateTalking {
		return ErrNotTalking
	}

	packets, err := c.bridge.PushCapture(samples)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := c.conn.SendAudio(pkt); err != nil {
			return err
		}
	}
	return nil
}

// ReadPlayback drains converted playback audio from the smoothing ring.
// Intended to be called from the playback hardware callback; it is the
// ring's single reader.
func (c *Controller) ReadPlayback(p []byte) int {
	return c.ring.Read(p)
}

// Close sends the stop command synchronously (the device has no liveness
// timeout of its own) and tears the session down.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	logrus.WithField("function", "Controller.Close").Info("Closing audio session")

	err := c.conn.Close()
	c.conn = nil
	c.wasListening = false
	close(c.stopped)

	// Fresh state machine: a closed session starts over.
	c.sm = c.newStateMachine()
	c.notifyState(StateIdle)
	return err
}

// eventLoop drains the transport events on a dedicated goroutine. Inbound
// packets flow through the bridge into the ring while listening; errors
// surface as the failed state with no automatic retry, since audio failures
// usually need user action.
func (c *Controller) eventLoop(conn Conn) {
	for ev := range conn.Events() {
		switch ev.Type {
		case transport.AudioEventData:
			c.handleInbound(ev.Data)

		case transport.AudioEventError:
			c.mu.Lock()
			if c.conn == conn {
				c.failLocked(ev.Err.Error())
			}
			c.mu.Unlock()
			return

		case transport.AudioEventClosed:
			return
		}
	}
}

// handleInbound pushes one device packet through the bridge and delivers
// any completed playback chunk.
func (c *Controller) handleInbound(pkt []byte) {
	c.mu.Lock()
	if c.sm.Current() != StateListening {
		c.mu.Unlock()
		return
	}
	chunk, err := c.bridge.PushDevicePacket(pkt)
	onData := c.onData
	c.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.handleInbound",
			"error":    err,
		}).Warn("Inbound audio conversion failed")
		return
	}
	if chunk == nil {
		return
	}

	accepted := c.ring.Write(chunk)
	if accepted < len(chunk) {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.handleInbound",
			"rejected": len(chunk) - accepted,
		}).Debug("Playback ring full, discarding excess")
	}

	if onData != nil {
		out := make([]byte, c.ring.Buffered())
		n := c.ring.Read(out)
		onData(out[:n])
	}
}

// failLocked enters the terminal failed state. Caller holds the mutex.
func (c *Controller) failLocked(msg string) {
	c.errMsg = msg
	logrus.WithFields(logrus.Fields{
		"function": "Controller.failLocked",
		"message":  msg,
	}).Error("Audio session failed")
	_ = c.sm.Event(context.Background(), "fail")
}

// notifyState delivers a state change to the consumer.
func (c *Controller) notifyState(state string) {
	if c.onState == nil {
		return
	}
	msg := ""
	if state == StateFailed {
		msg = c.errMsg
	}
	c.onState(state, msg)
}
