package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Audio channel defaults. The device exchanges raw PCM datagrams on the
// data port and short ASCII commands on data port + 1.
const (
	DefaultAudioPort = 6970

	// MaxPacketSize bounds one audio datagram in either direction.
	MaxPacketSize = 512

	audioPollInterval = 100 * time.Millisecond
	commandTimeout    = 500 * time.Millisecond
)

// Command is one half-duplex mode command on the control channel.
type Command string

const (
	// CommandStop halts both directions on the device.
	CommandStop Command = "cmd:0"
	// CommandDeviceReceive makes the device play audio the client sends.
	CommandDeviceReceive Command = "cmd:1"
	// CommandDeviceSend makes the device capture and transmit audio.
	CommandDeviceSend Command = "cmd:2"
)

// AudioEventType discriminates audio transport events.
type AudioEventType int

const (
	// AudioEventData carries one inbound PCM datagram.
	AudioEventData AudioEventType = iota
	// AudioEventError carries a fatal socket error. Terminal.
	AudioEventError
	// AudioEventClosed signals local shutdown. Terminal.
	AudioEventClosed
)

// AudioEvent is one ordered event from the audio receive loop.
type AudioEvent struct {
	Type AudioEventType
	Data []byte
	Err  error
}

// AudioConfig configures the UDP audio channels to one device.
type AudioConfig struct {
	// Host is the device address.
	Host string

	// DataPort is the bidirectional PCM port, bound locally and dialed
	// remotely. The control channel uses DataPort + 1. Defaults to
	// DefaultAudioPort.
	DataPort int
}

// AudioTransport owns the UDP data socket and the UDP control channel for
// one audio session. Like the stream transport it is single-use; the audio
// controller builds a fresh one per session.
type AudioTransport struct {
	cfg       AudioConfig
	sessionID string

	dataConn   net.PacketConn
	dataRemote *net.UDPAddr
	ctrlConn   *net.UDPConn

	events chan AudioEvent
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// ConnectAudio binds the data socket, dials the control channel, and sends
// a proactive stop command to clear any stale device-side state left by an
// uncleanly terminated prior session. The transport is considered ready
// once the control channel is dialed.
func ConnectAudio(cfg AudioConfig) (*AudioTransport, error) {
	if cfg.DataPort == 0 {
		cfg.DataPort = DefaultAudioPort
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}

	t := &AudioTransport{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		events:    make(chan AudioEvent, 32),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	log := logrus.WithFields(logrus.Fields{
		"function":  "ConnectAudio",
		"session":   t.sessionID,
		"host":      cfg.Host,
		"data_port": cfg.DataPort,
		"ctrl_port": cfg.DataPort + 1,
	})
	log.Info("Opening audio channels")

	dataRemote, err := net.ResolveUDPAddr("udp",
		net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.DataPort)))
	if err != nil {
		t.cancel()
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	t.dataRemote = dataRemote

	dataConn, err := net.ListenPacket("udp", ":"+strconv.Itoa(cfg.DataPort))
	if err != nil {
		t.cancel()
		log.WithField("error", err).Error("Failed to bind audio data socket")
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	t.dataConn = dataConn
	tuneAudioSocket(dataConn)

	ctrlRemote, err := net.ResolveUDPAddr("udp",
		net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.DataPort+1)))
	if err != nil {
		dataConn.Close()
		t.cancel()
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	ctrlConn, err := net.DialUDP("udp", nil, ctrlRemote)
	if err != nil {
		dataConn.Close()
		t.cancel()
		log.WithField("error", err).Error("Failed to dial audio control channel")
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	t.ctrlConn = ctrlConn

	// The device has no liveness timeout; a stale session from a dead peer
	// keeps streaming until told otherwise.
	if err := t.SendCommand(CommandStop); err != nil {
		log.WithField("error", err).Warn("Initial stop command failed")
	}

	go t.receiveLoop()
	log.Info("Audio channels ready")
	return t, nil
}

// Events returns the ordered audio event channel. Closed after a terminal
// event.
func (t *AudioTransport) Events() <-chan AudioEvent {
	return t.events
}

// SendCommand writes one mode command datagram on the control channel.
func (t *AudioTransport) SendCommand(cmd Command) error {
	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
	}

	_ = t.ctrlConn.SetWriteDeadline(time.Now().Add(commandTimeout))
	_, err := t.ctrlConn.Write([]byte(cmd))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AudioTransport.SendCommand",
			"session":  t.sessionID,
			"command":  string(cmd),
			"error":    err,
		}).Error("Control command failed")
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "AudioTransport.SendCommand",
		"session":  t.sessionID,
		"command":  string(cmd),
	}).Debug("Control command sent")
	return nil
}

// SendAudio writes one PCM datagram to the device data port.
func (t *AudioTransport) SendAudio(payload []byte) error {
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(payload))
	}
	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
	}

	_, err := t.dataConn.WriteTo(payload, t.dataRemote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close sends a final stop command synchronously before tearing the sockets
// down, so the device does not keep streaming to a dead peer.
func (t *AudioTransport) Close() error {
	t.closeOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "AudioTransport.Close",
			"session":  t.sessionID,
		}).Info("Closing audio transport")

		t.stopOnce.Do(func() {
			_ = t.ctrlConn.SetWriteDeadline(time.Now().Add(commandTimeout))
			_, _ = t.ctrlConn.Write([]byte(CommandStop))
		})

		t.cancel()
		t.closeErr = t.dataConn.Close()
		if err := t.ctrlConn.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// receiveLoop reads inbound PCM datagrams on a dedicated goroutine. Short
// deadlines keep it responsive to cancellation; UDP loss is accepted and
// invisible above this layer.
func (t *AudioTransport) receiveLoop() {
	defer close(t.events)

	buf := make([]byte, MaxPacketSize)
	for {
		select {
		case <-t.ctx.Done():
			t.deliver(AudioEvent{Type: AudioEventClosed})
			return
		default:
		}

		_ = t.dataConn.SetReadDeadline(time.Now().Add(audioPollInterval))
		n, _, err := t.dataConn.ReadFrom(buf)

		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.deliver(AudioEvent{Type: AudioEventData, Data: data})
		}

		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}

		select {
		case <-t.ctx.Done():
			t.deliver(AudioEvent{Type: AudioEventClosed})
		default:
			logrus.WithFields(logrus.Fields{
				"function": "AudioTransport.receiveLoop",
				"session":  t.sessionID,
				"error":    err,
			}).Error("Audio read failed")
			t.deliver(AudioEvent{Type: AudioEventError, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)})
		}
		return
	}
}

func (t *AudioTransport) deliver(ev AudioEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}
