package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamURL(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		want      StreamAddress
		expectErr bool
	}{
		{
			name: "bare host gets device defaults",
			raw:  "192.168.4.1",
			want: StreamAddress{Host: "192.168.4.1", Port: 81, Path: "/stream"},
		},
		{
			name: "host with port",
			raw:  "192.168.4.1:8081",
			want: StreamAddress{Host: "192.168.4.1", Port: 8081, Path: "/stream"},
		},
		{
			name: "full URL",
			raw:  "http://cam.local:81/mjpeg",
			want: StreamAddress{Host: "cam.local", Port: 81, Path: "/mjpeg"},
		},
		{
			name: "trailing slash keeps default path",
			raw:  "http://192.168.4.1/",
			want: StreamAddress{Host: "192.168.4.1", Port: 81, Path: "/stream"},
		},
		{
			name:      "empty",
			raw:       "   ",
			expectErr: true,
		},
		{
			name:      "unsupported scheme",
			raw:       "rtsp://192.168.4.1/stream",
			expectErr: true,
		},
		{
			name:      "missing host",
			raw:       "http://",
			expectErr: true,
		},
		{
			name:      "port out of range",
			raw:       "192.168.4.1:70000",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseStreamURL(tt.raw)
			if tt.expectErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr)
		})
	}
}

// encodeTestJPEG produces a minimal valid JPEG payload.
func encodeTestJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewGray(image.Rect(0, 0, 8, 6))
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// serveMultipart accepts one connection, validates the request, and plays
// the given response script before closing.
func serveMultipart(t *testing.T, header string, parts [][]byte) (addr StreamAddress, done <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	requests := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		var req strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			req.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		requests <- req.String()

		if _, err := conn.Write([]byte(header)); err != nil {
			return
		}
		for _, p := range parts {
			part := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(p))
			if _, err := conn.Write(append([]byte(part), p...)); err != nil {
				return
			}
			conn.Write([]byte("\r\n"))
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return StreamAddress{Host: "127.0.0.1", Port: port, Path: "/stream"}, requests
}

func TestConnectStreamReceivesFrames(t *testing.T) {
	payload := encodeTestJPEG(t)
	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: multipart/x-mixed-replace;boundary=frame\r\n\r\n"
	addr, requests := serveMultipart(t, header, [][]byte{payload, payload})

	tr, err := ConnectStream(StreamConfig{Address: addr})
	require.NoError(t, err)
	defer tr.Close()

	select {
	case req := <-requests:
		assert.Contains(t, req, "GET /stream HTTP/1.1")
		assert.Contains(t, req, "Connection: close")
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the request")
	}

	var frames int
	for ev := range tr.Events() {
		switch ev.Type {
		case EventFrame:
			frames++
			assert.Equal(t, payload, ev.Frame.Data)
			assert.Equal(t, uint64(frames), ev.Frame.Seq)
		case EventError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		case EventCompleted:
			assert.ErrorIs(t, ev.Err, ErrStreamTerminated)
		}
	}
	assert.Equal(t, 2, frames)

	total, dropped := tr.Counters()
	assert.Equal(t, uint64(2), total)
	assert.Zero(t, dropped)
}

func TestConnectStreamRejectsNonMultipart(t *testing.T) {
	header := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n"
	addr, _ := serveMultipart(t, header, nil)

	_, err := ConnectStream(StreamConfig{Address: addr})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConnectStreamRejectsErrorStatus(t *testing.T) {
	header := "HTTP/1.1 503 Service Unavailable\r\n" +
		"Content-Type: multipart/x-mixed-replace;boundary=frame\r\n\r\n"
	addr, _ := serveMultipart(t, header, nil)

	_, err := ConnectStream(StreamConfig{Address: addr})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConnectStreamMissingContentTypeIsParseError(t *testing.T) {
	header := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	addr, _ := serveMultipart(t, header, nil)

	_, err := ConnectStream(StreamConfig{Address: addr})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
}

func TestConnectStreamSilentDeviceTimesOut(t *testing.T) {
	// The server accepts and reads the request but never responds.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hold := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}()
	defer close(hold)

	port := ln.Addr().(*net.TCPAddr).Port
	_, err = ConnectStream(StreamConfig{
		Address:       StreamAddress{Host: "127.0.0.1", Port: port, Path: "/stream"},
		HeaderTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConnectStreamRefusedReportsDeviceBusy(t *testing.T) {
	// Reserve a port, then close it so the dial is refused. The management
	// port gets the same treatment so the reset request fails fast.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = ConnectStream(StreamConfig{
		Address:        StreamAddress{Host: "127.0.0.1", Port: port, Path: "/stream"},
		ManagementPort: port,
		BusyRetries:    1,
		BusyDelay:      10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceBusy)
}

func TestCloseReportsCompletion(t *testing.T) {
	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: multipart/x-mixed-replace;boundary=frame\r\n\r\n"
	// No parts: the server holds the connection open after the headers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hold := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(header))
		<-hold
	}()
	defer close(hold)

	port := ln.Addr().(*net.TCPAddr).Port
	tr, err := ConnectStream(StreamConfig{
		Address: StreamAddress{Host: "127.0.0.1", Port: port, Path: "/stream"},
	})
	require.NoError(t, err)

	require.NoError(t, tr.Close())

	select {
	case ev, ok := <-tr.Events():
		require.True(t, ok, "events closed without a completion event")
		assert.Equal(t, EventCompleted, ev.Type)
		assert.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event after close")
	}
}
