package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camlink/mjpeg"
)

// Stream connection defaults.
const (
	DefaultStreamPort     = 81
	DefaultStreamPath     = "/stream"
	DefaultManagementPort = 80

	defaultConnectTimeout = 5 * time.Second
	defaultBusyRetries    = 3
	defaultBusyDelay      = 500 * time.Millisecond

	defaultHeaderTimeout = 5 * time.Second
	readPollInterval     = 100 * time.Millisecond
	streamReadChunk      = 16 * 1024
)

// EventType discriminates stream transport events.
type EventType int

const (
	// EventFrame carries one decoded frame.
	EventFrame EventType = iota
	// EventError carries a fatal stream error. Terminal.
	EventError
	// EventCompleted signals the stream ended (peer close or local Close).
	// Terminal.
	EventCompleted
)

// StreamEvent is one ordered event from the receive loop. After a terminal
// event the event channel is closed.
type StreamEvent struct {
	Type  EventType
	Frame *mjpeg.Frame
	Err   error
}

// StreamAddress is a resolved stream endpoint.
type StreamAddress struct {
	Host string
	Port int
	Path string
}

// StreamConfig configures a single stream connection attempt.
type StreamConfig struct {
	// Address of the device stream endpoint.
	Address StreamAddress

	// ManagementPort is the device's HTTP control interface used by the
	// busy-device recovery sequence. Defaults to DefaultManagementPort.
	ManagementPort int

	// ConnectTimeout bounds the TCP dial. Defaults to 5s.
	ConnectTimeout time.Duration

	// BusyRetries is how many times a refused connection is retried after
	// issuing the stream-server reset command. Defaults to 3.
	BusyRetries int

	// BusyDelay is the pause between busy-recovery retries. Defaults to
	// 500ms.
	BusyDelay time.Duration

	// HeaderTimeout bounds the handshake: request write through the end
	// of the response headers. Defaults to 5s.
	HeaderTimeout time.Duration
}

// ParseStreamURL resolves a raw URL into host, port and path, applying the
// device defaults of port 81 and path /stream.
//
// Accepted forms: "192.168.4.1", "host:81", "http://host:81/stream".
func ParseStreamURL(raw string) (StreamAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StreamAddress{}, fmt.Errorf("%w: empty URL", ErrInvalidAddress)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return StreamAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme != "http" {
		return StreamAddress{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Hostname() == "" {
		return StreamAddress{}, fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}

	addr := StreamAddress{
		Host: u.Hostname(),
		Port: DefaultStreamPort,
		Path: DefaultStreamPath,
	}
	if u.Port() != "" {
		port, err := strconv.Atoi(u.Port())
		if err != nil || port < 1 || port > 65535 {
			return StreamAddress{}, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, u.Port())
		}
		addr.Port = port
	}
	if u.Path != "" && u.Path != "/" {
		addr.Path = u.Path
	}
	return addr, nil
}

// StreamTransport owns one TCP connection to the device stream endpoint and
// its receive loop. A transport is single-use: the session controller
// constructs a fresh one for every connection attempt and never reuses it.
type StreamTransport struct {
	cfg       StreamConfig
	sessionID string

	conn   *net.TCPConn
	reader *bufio.Reader
	parser *mjpeg.Parser

	events chan StreamEvent
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// ConnectStream dials the device, performs the HTTP exchange, and starts
// the receive loop. On success the returned transport is already streaming;
// consume Events until the channel closes.
func ConnectStream(cfg StreamConfig) (*StreamTransport, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ManagementPort == 0 {
		cfg.ManagementPort = DefaultManagementPort
	}
	if cfg.BusyRetries == 0 {
		cfg.BusyRetries = defaultBusyRetries
	}
	if cfg.BusyDelay == 0 {
		cfg.BusyDelay = defaultBusyDelay
	}
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = defaultHeaderTimeout
	}

	t := &StreamTransport{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		events:    make(chan StreamEvent, 16),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	log := logrus.WithFields(logrus.Fields{
		"function": "ConnectStream",
		"session":  t.sessionID,
		"host":     cfg.Address.Host,
		"port":     cfg.Address.Port,
		"path":     cfg.Address.Path,
	})
	log.Info("Connecting to device stream")

	conn, err := t.dialWithRecovery()
	if err != nil {
		t.cancel()
		log.WithField("error", err).Error("Stream connection failed")
		return nil, err
	}
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, streamReadChunk)

	boundary, err := t.handshake()
	if err != nil {
		conn.Close()
		t.cancel()
		log.WithField("error", err).Error("Stream handshake failed")
		return nil, err
	}

	t.parser = mjpeg.NewParser(boundary)

	log.WithField("boundary", boundary).Info("Stream connected")
	go t.receiveLoop()
	return t, nil
}

// Events returns the ordered event channel. It is closed after a terminal
// event; the transport is unusable afterwards.
func (t *StreamTransport) Events() <-chan StreamEvent {
	return t.events
}

// Counters reports the parser's total and dropped frame counts.
func (t *StreamTransport) Counters() (total, dropped uint64) {
	return t.parser.TotalFrames(), t.parser.DroppedFrames()
}

// Close shuts the connection down gracefully: the send side is half-closed
// first so the embedded server observes EOF instead of a reset, then the
// socket is closed, which wakes the receive loop promptly.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "StreamTransport.Close",
			"session":  t.sessionID,
		}).Info("Closing stream transport")

		t.cancel()
		if t.conn != nil {
			// Half-close lets the flaky embedded server tear the session
			// down cleanly instead of logging a peer reset.
			_ = t.conn.CloseWrite()
			err = t.conn.Close()
		}
	})
	return err
}

// dialWithRecovery opens the TCP connection, treating a connection refusal
// as the transient DeviceBusy condition: it pokes the device's management
// interface to reset the stream server and retries a bounded number of
// times before surfacing the failure.
func (t *StreamTransport) dialWithRecovery() (*net.TCPConn, error) {
	target := net.JoinHostPort(t.cfg.Address.Host, strconv.Itoa(t.cfg.Address.Port))

	var lastErr error
	for attempt := 0; attempt <= t.cfg.BusyRetries; attempt++ {
		if attempt > 0 {
			t.sendStreamReset()
			select {
			case <-t.ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, t.ctx.Err())
			case <-time.After(t.cfg.BusyDelay):
			}
		}

		conn, err := net.DialTimeout("tcp", target, t.cfg.ConnectTimeout)
		if err == nil {
			tcp := conn.(*net.TCPConn)
			_ = tcp.SetNoDelay(true)
			return tcp, nil
		}
		lastErr = err

		if !isConnectionRefused(err) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}

		logrus.WithFields(logrus.Fields{
			"function": "StreamTransport.dialWithRecovery",
			"session":  t.sessionID,
			"attempt":  attempt + 1,
			"error":    err,
		}).Warn("Device refused stream connection, attempting recovery")
	}

	return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, lastErr)
}

// sendStreamReset issues the stream-server reset command to the device's
// management interface. Best effort: the embedded server frequently drops
// this request mid-flight, so errors are logged and ignored.
func (t *StreamTransport) sendStreamReset() {
	resetURL := fmt.Sprintf("http://%s/control?var=stream_reset&val=1",
		net.JoinHostPort(t.cfg.Address.Host, strconv.Itoa(t.cfg.ManagementPort)))

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(resetURL)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StreamTransport.sendStreamReset",
			"session":  t.sessionID,
			"error":    err,
		}).Debug("Stream reset command failed")
		return
	}
	resp.Body.Close()
}

// handshake sends the minimal GET request and parses the response headers,
// returning the multipart boundary token advertised by the server.
func (t *StreamTransport) handshake() (string, error) {
	_ = t.conn.SetDeadline(time.Now().Add(t.cfg.HeaderTimeout))
	defer t.conn.SetDeadline(time.Time{})

	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		t.cfg.Address.Path, t.cfg.Address.Host)
	if _, err := io.WriteString(t.conn, request); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	status, err := t.readLine()
	if err != nil {
		return "", classifyHeaderError("reading status line", err)
	}
	fields := strings.Fields(status)
	if len(fields) < 2 || !strings.HasPrefix(fields[1], "2") {
		return "", fmt.Errorf("%w: unexpected status %q", ErrProtocolViolation, status)
	}

	var contentType string
	for {
		line, err := t.readLine()
		if err != nil {
			return "", classifyHeaderError("reading headers", err)
		}
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(key), "content-type") {
			contentType = strings.TrimSpace(value)
		}
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: bad content type %q: %v", ErrParse, contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: not a multipart stream: %q", ErrProtocolViolation, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary parameter", ErrProtocolViolation)
	}
	return boundary, nil
}

// classifyHeaderError distinguishes a stalled device (deadline exceeded
// mid-handshake) from a malformed response.
func classifyHeaderError(stage string, err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProtocolViolation, stage, err)
}

// readLine reads one header line, tolerating bare-LF endings from the
// embedded server.
func (t *StreamTransport) readLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// receiveLoop reads the multipart body on a dedicated goroutine, feeds the
// parser, and emits events in production order. Short read deadlines keep
// it responsive to cancellation.
func (t *StreamTransport) receiveLoop() {
	defer close(t.events)

	buf := make([]byte, streamReadChunk)
	for {
		select {
		case <-t.ctx.Done():
			t.deliver(StreamEvent{Type: EventCompleted})
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := t.reader.Read(buf)

		if n > 0 {
			for _, frame := range t.parser.Feed(buf[:n]) {
				t.deliver(StreamEvent{Type: EventFrame, Frame: frame})
			}
		}

		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			logrus.WithFields(logrus.Fields{
				"function": "StreamTransport.receiveLoop",
				"session":  t.sessionID,
				"frames":   t.parser.TotalFrames(),
			}).Info("Stream closed by peer")
			t.deliver(StreamEvent{Type: EventCompleted, Err: ErrStreamTerminated})
			return
		}

		select {
		case <-t.ctx.Done():
			// Local Close raced with the read; report completion, not error.
			t.deliver(StreamEvent{Type: EventCompleted})
		default:
			logrus.WithFields(logrus.Fields{
				"function": "StreamTransport.receiveLoop",
				"session":  t.sessionID,
				"error":    err,
			}).Error("Stream read failed")
			t.deliver(StreamEvent{Type: EventError, Err: fmt.Errorf("%w: %v", ErrStreamTerminated, err)})
		}
		return
	}
}

// deliver pushes one event, giving up only if the transport is being torn
// down with the consumer gone.
func (t *StreamTransport) deliver(ev StreamEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		// Closing: drain guarantee is released along with the consumer.
		select {
		case t.events <- ev:
		default:
		}
	}
}

// isConnectionRefused detects the transient refusal the embedded server
// produces while its stream task is wedged.
func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "connection refused")
	}
	return strings.Contains(err.Error(), "connection refused")
}
