//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// markControl 为套接字设置 SO_MARK，需要 CAP_NET_ADMIN
func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// SoMarkSupported 当前平台是否支持 SO_MARK
const SoMarkSupported = true
