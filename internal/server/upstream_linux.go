//go:build linux

package server

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		if serr != nil {
			slog.Warn("unix.SetsockoptInt SO_MARK", slog.String("addr", address), slog.Any("error", serr))
		}
		return nil
	}
}
