//go:build !linux

package transport

import "syscall"

func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	return nil
}

// SoMarkSupported 当前平台是否支持 SO_MARK
const SoMarkSupported = false
