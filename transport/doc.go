// Package transport implements the two network channels to the embedded
// camera device: the raw-TCP MJPEG stream and the UDP half-duplex audio
// pair.
//
// # Stream Transport
//
// The device serves video as multipart/x-mixed-replace over a bare TCP
// socket on port 81. Its HTTP server is too minimal for net/http client
// reuse, so the transport speaks the wire format directly: one minimal GET
// request, a hand-parsed response header block, then an unbounded multipart
// body fed incrementally to the mjpeg parser.
//
//	addr, _ := transport.ParseStreamURL("192.168.4.1")
//	conn, err := transport.ConnectStream(transport.StreamConfig{Address: addr})
//	for ev := range conn.Events() {
//	    // EventFrame, EventError, EventCompleted
//	}
//
// A transport is single-use: the stream session controller builds a fresh
// one for every connection attempt. A refused connection is treated as the
// transient busy condition of the single-client embedded server, recovered
// by poking the management interface on port 80 and retrying.
//
// # Audio Transport
//
// Audio uses UDP on a fixed port pair: raw PCM datagrams on the data port
// (6970 by default, bound locally and dialed remotely) and short ASCII mode
// commands on data port + 1. The device is half duplex; the Command
// constants select which direction runs:
//
//	CommandStop          "cmd:0"  halt both directions
//	CommandDeviceReceive "cmd:1"  device plays audio the client sends
//	CommandDeviceSend    "cmd:2"  device captures and transmits audio
//
// The device has no liveness timeout, so ConnectAudio sends a proactive
// stop to clear stale sessions and Close sends a final stop synchronously
// before the sockets go down.
//
// # Event Delivery
//
// Both transports run one receive goroutine each and deliver events on an
// ordered channel that is closed after a terminal event. Short read
// deadlines keep the loops responsive to cancellation without a separate
// shutdown channel.
//
// # Error Handling
//
// Errors are wrapped with context via fmt.Errorf and logged with structured
// fields through logrus.WithFields. Sentinel errors in errors.go classify
// the failure modes the session controllers dispatch on:
//
//	var (
//	    ErrDeviceBusy        // stream endpoint refused; recovery attempted
//	    ErrProtocolViolation // response was not a usable multipart stream
//	    ErrStreamTerminated  // peer closed an established stream
//	    ErrTransportClosed   // operation on a closed transport
//	)
package transport
