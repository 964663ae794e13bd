//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockopts(c syscall.RawConn, opts ...int) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range opts {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); opErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// enableBroadcast lets an announcement socket send to broadcast addresses.
func enableBroadcast(_, _ string, c syscall.RawConn) error {
	return setSockopts(c, unix.SO_BROADCAST)
}

// shareBroadcastPort lets several browsers on one machine bind the same
// broadcast port; each receives every announcement.
func shareBroadcastPort(_, _ string, c syscall.RawConn) error {
	return setSockopts(c, unix.SO_REUSEADDR, unix.SO_REUSEPORT)
}
