// Package mjpeg implements an incremental parser for multipart/x-mixed-replace
// image streams as produced by embedded camera firmware.
//
// The parser is a pure byte consumer: network code appends whatever it read
// to the parser via Feed and collects any frames that became complete. A
// boundary marker, a header line, or an image payload may be split across
// any number of Feed calls; the parser never blocks and never asks for more
// data than it was given.
package mjpeg

import (
	"bytes"
	"image/jpeg"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// MaxBufferSize caps the number of unresolved bytes the parser will hold.
// If no frame boundary resolves within this many bytes the accumulated data
// is discarded and counted as a dropped frame, so a misbehaving device
// cannot grow the buffer without bound.
const MaxBufferSize = 2 * 1024 * 1024

// DefaultBoundaryToken is used when the server does not advertise a
// boundary parameter. Stream transports normally override it with the token
// parsed from the Content-Type response header.
const DefaultBoundaryToken = "frame"

// jpegSOI is the JPEG start-of-image marker every valid payload begins with.
var jpegSOI = []byte{0xFF, 0xD8}

// Frame is one decoded still image extracted from the stream.
type Frame struct {
	// Data holds the complete JPEG payload. The slice is owned by the
	// caller; the parser never touches it again after returning it.
	Data []byte

	// Width and Height come from the JPEG header.
	Width  int
	Height int

	// Seq increases by one for every frame the parser emits over its
	// lifetime. It is not reset by Reset.
	Seq uint64
}

type parserState int

const (
	stateSeekBoundary parserState = iota
	stateReadHeaders
	stateReadBody
)

// Parser is a stateful decoder turning a continuous multipart byte stream
// into complete frames. It is not safe for concurrent use; each transport
// owns exactly one parser.
type Parser struct {
	boundary []byte // "--<token>"
	buf      []byte
	state    parserState

	// bodyLen is the Content-Length of the part being read, or -1 when the
	// device omitted the header and the next boundary terminates the body.
	bodyLen int

	// Counters are atomic: the receive loop increments them while the
	// session controller reads them from its own goroutine.
	total   atomic.Uint64
	dropped atomic.Uint64
}

// NewParser creates a parser for the given boundary token (without the
// leading dashes). An empty token falls back to DefaultBoundaryToken.
func NewParser(token string) *Parser {
	if token == "" {
		token = DefaultBoundaryToken
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewParser",
		"boundary": token,
	}).Debug("Creating multipart frame parser")

	return &Parser{
		boundary: []byte("--" + token),
		bodyLen:  -1,
	}
}

// Feed appends data to the parser's buffer and returns every frame that
// became complete. It may return zero frames (more data needed) or several
// (a large read covered multiple parts).
func (p *Parser) Feed(data []byte) []*Frame {
	p.buf = append(p.buf, data...)

	var frames []*Frame
	for {
		var progressed bool
		switch p.state {
		case stateSeekBoundary:
			progressed = p.seekBoundary()
		case stateReadHeaders:
			progressed = p.readHeaders()
		case stateReadBody:
			var frame *Frame
			frame, progressed = p.readBody()
			if frame != nil {
				frames = append(frames, frame)
			}
		}
		if !progressed {
			break
		}
	}

	p.enforceCap()
	return frames
}

// Reset discards all buffered bytes and returns to seeking the next
// boundary. Must be called whenever the underlying transport is replaced so
// a stale partial frame from the old connection can never complete against
// bytes from the new one. Frame counters survive a reset.
func (p *Parser) Reset() {
	p.buf = nil
	p.state = stateSeekBoundary
	p.bodyLen = -1
}

// TotalFrames reports how many frames the parser has emitted over its
// lifetime.
func (p *Parser) TotalFrames() uint64 { return p.total.Load() }

// DroppedFrames reports how many payloads were consumed without emitting a
// frame (invalid image data or buffer overflow).
func (p *Parser) DroppedFrames() uint64 { return p.dropped.Load() }

// seekBoundary scans for the boundary marker. When found it consumes the
// marker and its line terminator and advances to header parsing. When not
// found it retains only the trailing bytes that could still be a partial
// marker prefix.
func (p *Parser) seekBoundary() bool {
	idx := bytes.Index(p.buf, p.boundary)
	if idx < 0 {
		keep := len(p.boundary) - 1
		if len(p.buf) > keep {
			tail := make([]byte, keep)
			copy(tail, p.buf[len(p.buf)-keep:])
			p.buf = tail
		}
		return false
	}

	rest := p.buf[idx+len(p.boundary):]
	n := lineTerminatorLen(rest)
	if n == 0 {
		if len(rest) >= 2 {
			// Garbage directly after the marker; skip past it and rescan.
			p.buf = p.buf[idx+len(p.boundary):]
			return true
		}
		// The terminator may still be in flight.
		p.buf = p.buf[idx:]
		return false
	}

	p.buf = rest[n:]
	p.state = stateReadHeaders
	p.bodyLen = -1
	return true
}

// readHeaders consumes header lines until the blank line that starts the
// body. The only header the device sends that matters is Content-Length,
// and it is allowed to omit it.
func (p *Parser) readHeaders() bool {
	for {
		nl := bytes.IndexByte(p.buf, '\n')
		if nl < 0 {
			return false
		}

		line := strings.TrimRight(string(p.buf[:nl]), "\r")
		p.buf = p.buf[nl+1:]

		if line == "" {
			p.state = stateReadBody
			return true
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "content-length") {
			length, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil && length >= 0 {
				p.bodyLen = length
			}
		}
	}
}

// readBody extracts the payload, either by exact Content-Length or by
// scanning for the next boundary marker when no length was given.
func (p *Parser) readBody() (*Frame, bool) {
	if p.bodyLen >= 0 {
		if len(p.buf) < p.bodyLen {
			return nil, false
		}
		payload := p.buf[:p.bodyLen]
		p.buf = p.buf[p.bodyLen:]
		p.buf = p.buf[lineTerminatorLen(p.buf):]
		p.state = stateSeekBoundary
		return p.emit(payload), true
	}

	idx := bytes.Index(p.buf, p.boundary)
	if idx < 0 {
		return nil, false
	}

	payload := p.buf[:idx]
	// A line terminator immediately before the boundary belongs to the
	// framing, not the image.
	if bytes.HasSuffix(payload, []byte("\r\n")) {
		payload = payload[:len(payload)-2]
	} else if bytes.HasSuffix(payload, []byte("\n")) {
		payload = payload[:len(payload)-1]
	}

	p.buf = p.buf[idx:]
	p.state = stateSeekBoundary
	return p.emit(payload), true
}

// emit validates and decodes one payload. An invalid payload is consumed
// and counted, never retried.
func (p *Parser) emit(payload []byte) *Frame {
	if !bytes.HasPrefix(payload, jpegSOI) {
		dropped := p.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":       "Parser.emit",
			"payload_length": len(payload),
			"dropped_frames": dropped,
		}).Warn("Payload does not start with JPEG SOI marker, dropping")
		return nil
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		dropped := p.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":       "Parser.emit",
			"payload_length": len(payload),
			"dropped_frames": dropped,
			"error":          err,
		}).Warn("JPEG decode failed, dropping frame")
		return nil
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	seq := p.total.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Parser.emit",
		"seq":      seq,
		"width":    cfg.Width,
		"height":   cfg.Height,
		"bytes":    len(data),
	}).Debug("Frame extracted")

	return &Frame{
		Data:   data,
		Width:  cfg.Width,
		Height: cfg.Height,
		Seq:    seq,
	}
}

// enforceCap discards the buffer if it grew past MaxBufferSize without
// resolving into a frame.
func (p *Parser) enforceCap() {
	if len(p.buf) <= MaxBufferSize {
		return
	}

	dropped := p.dropped.Add(1)
	logrus.WithFields(logrus.Fields{
		"function":       "Parser.enforceCap",
		"buffered_bytes": len(p.buf),
		"dropped_frames": dropped,
	}).Warn("Parser buffer exceeded cap, discarding accumulated bytes")

	p.buf = nil
	p.state = stateSeekBoundary
	p.bodyLen = -1
}

// lineTerminatorLen reports how many bytes at the start of b form a single
// line terminator (CRLF or bare LF).
func lineTerminatorLen(b []byte) int {
	if len(b) >= 2 && b[0] == '\r' && b[1] == '\n' {
		return 2
	}
	if len(b) >= 1 && b[0] == '\n' {
		return 1
	}
	return 0
}
