package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sunbk201/idmask/internal/config"
)

// SetLogConf installs the default slog logger. Records go to stdout, to a
// rotating file in the log directory and, if b is non-nil, to every
// subscriber of b.
func SetLogConf(level string, b *Broadcaster) {
	writers := []io.Writer{
		os.Stdout,
		&lumberjack.Logger{
			Filename:   GetLogFilePath(),
			MaxSize:    5, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			LocalTime:  true,
			Compress:   true,
		},
	}
	if b != nil {
		writers = append(writers, b)
	}

	loc := LoadLocalLocation()
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				t := a.Value.Time().In(loc)
				return slog.String(slog.TimeKey, t.Format("2006-01-02 15:04:05"))
			}
			return a
		},
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(writers...), opts)))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("idmask started", "version", version, "", cfg)
	slog.Info("Host info", GetOSInfo()...)
}

func LogDebugWithRoute(route, path, msg string, args ...any) {
	slog.Debug(msg, append([]any{slog.String("route", route), slog.String("path", path)}, args...)...)
}

func LogInfoWithRoute(route, path, msg string, args ...any) {
	slog.Info(msg, append([]any{slog.String("route", route), slog.String("path", path)}, args...)...)
}

func LogWarnWithRoute(route, path, msg string, args ...any) {
	slog.Warn(msg, append([]any{slog.String("route", route), slog.String("path", path)}, args...)...)
}

func LogErrorWithRoute(route, path, msg string, args ...any) {
	slog.Error(msg, append([]any{slog.String("route", route), slog.String("path", path)}, args...)...)
}

// LoadLocalLocation tries to detect and load the system local timezone from
// `/etc/localtime` or `/etc/TZ`.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		if loc, _ := time.LoadLocation("Local"); loc != nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		tz := strings.TrimSpace(string(data))
		if strings.HasPrefix(tz, "UTC") {
			return time.UTC
		}
	}
	return time.UTC
}
