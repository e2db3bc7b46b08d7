package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/sunbk201/idmask/internal/idmap"
)

const TemplateFile = "config.yaml"

func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		ListenAddr: "127.0.0.1:8080",
		LogLevel:   "info",

		Routes: []Route{
			{
				Name:    "api",
				Context: "/api",
				Target:  "http://127.0.0.1:9000",
			},
			{
				Name:    "site",
				Context: "/",
				Target:  "http://127.0.0.1:9001",
			},
		},

		Mapping: MappingConfig{
			Scope:       IDScopeGlobal,
			Prefix:      idmap.DefaultPrefix,
			WarnEntries: 100000,
		},

		MaxBodySize: 10 << 20,

		RewriteCache: RewriteCacheConfig{
			Size:         256,
			TTL:          10 * time.Minute,
			MaxEntrySize: 256 << 10,
		},

		Upstream: UpstreamConfig{
			DialTimeout: 10 * time.Second,
		},
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile(TemplateFile, data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
