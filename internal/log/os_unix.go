//go:build unix

package log

import (
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// GetOSInfo returns host attributes for the startup log line.
func GetOSInfo() []any {
	attrs := []any{
		slog.String("GOOS", runtime.GOOS),
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("Go Version", runtime.Version()),
		slog.Int("CPUs", runtime.NumCPU()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}

	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		attrs = append(attrs,
			slog.String("sysname", unix.ByteSliceToString(uname.Sysname[:])),
			slog.String("release", unix.ByteSliceToString(uname.Release[:])),
			slog.String("machine", unix.ByteSliceToString(uname.Machine[:])),
		)
	}
	return attrs
}
