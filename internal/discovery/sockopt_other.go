//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package discovery

import "syscall"

func enableBroadcast(string, string, syscall.RawConn) error { return nil }

func shareBroadcastPort(string, string, syscall.RawConn) error { return nil }
