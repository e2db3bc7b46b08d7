package log

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	logDir     string
	logDirOnce sync.Once
)

// GetLogDir returns the platform-specific log directory.
// - Linux: /var/log/idmask/ when writable
// - Otherwise: ~/.idmask/
// - Fallback: temp directory
// The directory is created if it does not exist.
func GetLogDir() string {
	logDirOnce.Do(func() {
		logDir = determineLogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			logDir = filepath.Join(os.TempDir(), "idmask")
			_ = os.MkdirAll(logDir, 0755)
		}
	})
	return logDir
}

func determineLogDir() string {
	if runtime.GOOS == "linux" {
		varLogDir := "/var/log/idmask"
		if writable(varLogDir) {
			return varLogDir
		}
	}
	homeDir, err := os.UserHomeDir()
	if err == nil {
		userLogDir := filepath.Join(homeDir, ".idmask")
		if writable(userLogDir) {
			return userLogDir
		}
	}
	return filepath.Join(os.TempDir(), "idmask")
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true
}

// GetLogFilePath returns the full path to the main log file.
func GetLogFilePath() string {
	return filepath.Join(GetLogDir(), "idmask.log")
}

// GetStatsFilePath returns the path of a stats dump file. An empty dir
// selects the log directory.
func GetStatsFilePath(dir, name string) string {
	if dir == "" {
		dir = GetLogDir()
	} else {
		_ = os.MkdirAll(dir, 0755)
	}
	return filepath.Join(dir, name)
}
