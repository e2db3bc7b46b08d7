//go:build unix

package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"syscall"
)

// SetGroup switches the process to the named group. Lacking the permission
// to do so is logged and tolerated.
func SetGroup(name string) error {
	gid, err := lookupGroupID(name)
	if err != nil {
		return err
	}
	if gid == syscall.Getgid() {
		return nil
	}

	if err := syscall.Setgid(gid); err != nil {
		if errors.Is(err, syscall.EPERM) {
			slog.Warn("syscall.Setgid", slog.String("group", name), slog.Int("gid", gid), slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("syscall.Setgid: %w", err)
	}

	slog.Info("Setup user group", slog.String("group", name), slog.Int("gid", gid))
	return nil
}

func lookupGroupID(name string) (int, error) {
	if name == "root" {
		return 0, nil
	}
	if gid, err := strconv.Atoi(name); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("user.LookupGroup: %w", err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("failed to parse GID for group %s: %w", name, err)
	}
	return gid, nil
}
