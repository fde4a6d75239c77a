//go:build linux

package transport

import (
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// tuneAudioSocket applies low-latency options to the UDP audio socket.
// Interactive audio is latency-sensitive, so the socket is marked as
// high-priority interactive traffic. All options are best effort: container
// runtimes and unprivileged processes may refuse them, and the transport
// works without them.
func tuneAudioSocket(conn net.PacketConn) {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return
	}
	raw, err := udp.SyscallConn()
	if err != nil {
		return
	}

	_ = raw.Control(func(fd uintptr) {
		// Priority 6 is the interactive-audio band in the kernel's
		// default queueing discipline.
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "tuneAudioSocket",
				"option":   "SO_PRIORITY",
				"error":    err,
			}).Debug("Socket option not applied")
		}

		// DSCP EF (expedited forwarding) in the upper six TOS bits.
		tos := 46 << 2
		_ = unix.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	})
}
