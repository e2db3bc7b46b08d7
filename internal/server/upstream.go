package server

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sunbk201/idmask/internal/config"
)

// NewUpstreamTransport returns the round tripper used to reach backends.
// Compression is left to the proxy, which strips Accept-Encoding.
func NewUpstreamTransport(cfg config.UpstreamConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.SOMark > 0 {
		dialer.Control = markControl(cfg.SOMark)
		slog.Debug("Upstream sockets marked", slog.Int("so_mark", cfg.SOMark))
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.DisableCompression = true
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}
