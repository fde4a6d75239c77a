//go:build !linux

package transport

import "net"

// tuneAudioSocket is a no-op on platforms without the Linux socket
// priority options.
func tuneAudioSocket(conn net.PacketConn) {}
