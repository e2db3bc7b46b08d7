package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sunbk201/idmask/internal/idmap"
	"github.com/sunbk201/idmask/internal/route"
)

type IDScope string

const (
	// IDScopeGlobal shares one mapping table across every document the
	// process rewrites, so equal ids on unrelated pages get equal values.
	IDScopeGlobal IDScope = "GLOBAL"
	// IDScopeDocument gives every rewritten document its own table.
	IDScopeDocument IDScope = "DOCUMENT"
)

type Config struct {
	ListenAddr string `mapstructure:"listen-addr" yaml:"listen-addr" json:"listen_addr" validate:"required,listenaddr"`
	LogLevel   string `mapstructure:"log-level" yaml:"log-level" json:"log_level" validate:"oneof=debug info warn error"`

	Routes     []Route `mapstructure:"routes" yaml:"routes" json:"routes" validate:"min=1,dive"`
	RoutesJSON string  `mapstructure:"routes-json" yaml:"-" json:"-"`

	Mapping      MappingConfig      `mapstructure:"mapping" yaml:"mapping" json:"mapping"`
	MaxBodySize  int64              `mapstructure:"max-body-size" yaml:"max-body-size" json:"max_body_size" validate:"gte=0"`
	RewriteCache RewriteCacheConfig `mapstructure:"rewrite-cache" yaml:"rewrite-cache" json:"rewrite_cache"`
	TLS          TLSConfig          `mapstructure:"tls" yaml:"tls" json:"-"`
	Upstream     UpstreamConfig     `mapstructure:"upstream" yaml:"upstream" json:"upstream"`

	APIServer       string `mapstructure:"api-server" yaml:"api-server" json:"api_server" validate:"omitempty,listenaddr"`
	APIServerSecret string `mapstructure:"api-server-secret" yaml:"api-server-secret" json:"-"`

	StatsDir string `mapstructure:"stats-dir" yaml:"stats-dir" json:"stats_dir"`
	// Group is switched to once the listeners are bound.
	Group string `mapstructure:"group" yaml:"group" json:"group"`
}

type Route struct {
	Name    string `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Context string `mapstructure:"context" yaml:"context" json:"context" validate:"required,startswith=/"`
	Target  string `mapstructure:"target" yaml:"target" json:"target" validate:"required"`
}

type MappingConfig struct {
	Scope       IDScope `mapstructure:"scope" yaml:"scope" json:"scope" validate:"oneof=GLOBAL DOCUMENT"`
	Prefix      string  `mapstructure:"prefix" yaml:"prefix" json:"prefix" validate:"idprefix"`
	WarnEntries int     `mapstructure:"warn-entries" yaml:"warn-entries" json:"warn_entries" validate:"gte=0"`
}

type RewriteCacheConfig struct {
	Size int           `mapstructure:"size" yaml:"size" json:"size" validate:"gte=0"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl" validate:"gte=0"`

	// MaxEntrySize is the largest body kept in the cache, in bytes; the
	// cache holds at most Size*MaxEntrySize bytes of rewritten output.
	// Zero caches every body up to max-body-size.
	MaxEntrySize int64 `mapstructure:"max-entry-size" yaml:"max-entry-size" json:"max_entry_size" validate:"gte=0"`
}

type UpstreamConfig struct {
	DialTimeout time.Duration `mapstructure:"dial-timeout" yaml:"dial-timeout" json:"dial_timeout" validate:"gte=0"`
	// SOMark sets SO_MARK on upstream sockets (linux only, 0 disables).
	SOMark             int  `mapstructure:"so-mark" yaml:"so-mark" json:"so_mark" validate:"gte=0"`
	InsecureSkipVerify bool `mapstructure:"insecure-skip-verify" yaml:"insecure-skip-verify" json:"insecure_skip_verify"`
}

type TLSConfig struct {
	PKCS12     string `mapstructure:"pkcs12" yaml:"pkcs12"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
}

// SetDefaults registers the default value of every key on the global viper.
func SetDefaults() {
	viper.SetDefault("listen-addr", "127.0.0.1:8080")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("mapping.scope", string(IDScopeGlobal))
	viper.SetDefault("mapping.prefix", idmap.DefaultPrefix)
	viper.SetDefault("mapping.warn-entries", 100000)
	viper.SetDefault("max-body-size", 10<<20)
	viper.SetDefault("rewrite-cache.size", 256)
	viper.SetDefault("rewrite-cache.ttl", "10m")
	viper.SetDefault("rewrite-cache.max-entry-size", 256<<10)
	viper.SetDefault("upstream.dial-timeout", "10s")
}

// BuildConfigFromViper decodes, normalizes and validates the merged viper
// state (defaults, config file, environment, flags).
func BuildConfigFromViper() (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	if len(cfg.Routes) == 0 && cfg.RoutesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.RoutesJSON), &cfg.Routes); err != nil {
			return nil, fmt.Errorf("failed to parse routes JSON: %w", err)
		}
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Mapping.Scope = IDScope(strings.ToUpper(strings.TrimSpace(string(cfg.Mapping.Scope))))

	if err := newValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		return validListenAddr(fl.Field().String())
	})
	_ = validate.RegisterValidation("idprefix", func(fl validator.FieldLevel) bool {
		return idmap.ValidPrefix(fl.Field().String())
	})
	return validate
}

func validListenAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return false
	}
	if host == "" || host == "localhost" {
		return true
	}
	return net.ParseIP(host) != nil
}

// RouteTable converts the configured routes into an immutable table.
func (c *Config) RouteTable() *route.Table {
	routes := make([]route.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		routes = append(routes, route.Route{Name: r.Name, Context: r.Context, Target: r.Target})
	}
	return route.NewTable(routes)
}

func (c *Config) LogValue() slog.Value {
	routes := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		routes = append(routes, fmt.Sprintf("%s %s -> %s", r.Name, r.Context, r.Target))
	}
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Listen Address", c.ListenAddr),
		slog.String("Routes", strings.Join(routes, ", ")),
		slog.String("ID Scope", string(c.Mapping.Scope)),
		slog.String("ID Prefix", c.Mapping.Prefix),
		slog.Int64("Max Body Size", c.MaxBodySize),
		slog.Int("Rewrite Cache Size", c.RewriteCache.Size),
		slog.Duration("Rewrite Cache TTL", c.RewriteCache.TTL),
		slog.Int64("Rewrite Cache Max Entry Size", c.RewriteCache.MaxEntrySize),
		slog.Bool("TLS", c.TLS.PKCS12 != ""),
		slog.Duration("Upstream Dial Timeout", c.Upstream.DialTimeout),
		slog.String("API Server", c.APIServer),
	)
}
