//go:build !linux

package server

import (
	"log/slog"
	"syscall"
)

func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		slog.Debug("SO_MARK is only supported on linux", slog.Int("so_mark", mark))
		return nil
	}
}
