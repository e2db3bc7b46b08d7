package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/idmask/internal/api"
	"github.com/sunbk201/idmask/internal/config"
	"github.com/sunbk201/idmask/internal/daemon"
	"github.com/sunbk201/idmask/internal/idmap"
	"github.com/sunbk201/idmask/internal/log"
	"github.com/sunbk201/idmask/internal/proxy"
	"github.com/sunbk201/idmask/internal/server"
	"github.com/sunbk201/idmask/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "idmask",
	Short: "idmask is an id-obfuscating reverse proxy",
	Long: "idmask routes requests to backends by path prefix and replaces every element id " +
		"in the HTML it relays with a random one, keeping script and stylesheet references intact.",
	SilenceUsage: true,
	RunE:         runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("bind", "b", "", "Listen address (host:port)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	rootCmd.Flags().String("routes", "", "Routes as a JSON array of {name, context, target}")
	rootCmd.Flags().String("scope", "", "Id mapping scope: GLOBAL, DOCUMENT")
	rootCmd.Flags().Int64("max-body-size", 0, "Largest HTML body buffered for rewriting, in bytes")
	rootCmd.Flags().String("api-server", "", "Admin API listen address")
	rootCmd.Flags().String("api-server-secret", "", "Admin API bearer secret")

	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("listen-addr", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("routes-json", rootCmd.Flags().Lookup("routes"))
	_ = viper.BindPFlag("mapping.scope", rootCmd.Flags().Lookup("scope"))
	_ = viper.BindPFlag("max-body-size", rootCmd.Flags().Lookup("max-body-size"))
	_ = viper.BindPFlag("api-server", rootCmd.Flags().Lookup("api-server"))
	_ = viper.BindPFlag("api-server-secret", rootCmd.Flags().Lookup("api-server-secret"))

	viper.SetEnvPrefix("IDMASK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("routes-json", "IDMASK_ROUTES")
	_ = viper.BindEnv("tls.pkcs12", "IDMASK_TLS_PKCS12")
	_ = viper.BindEnv("tls.passphrase", "IDMASK_TLS_PASSPHRASE")
	_ = viper.BindEnv("stats-dir", "IDMASK_STATS_DIR")
	_ = viper.BindEnv("group", "IDMASK_GROUP")
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	config.SetDefaults()
}

func runRoot(cmd *cobra.Command, args []string) error {
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("idmask version %s\n", AppVersion)
		return nil
	}

	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		_, err := config.GenerateTemplateConfig(true)
		if err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Printf("Template config file '%s' generated successfully.\n", config.TemplateFile)
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	broadcaster := log.NewBroadcaster()
	log.SetLogConf(cfg.LogLevel, broadcaster)
	log.LogHeader(AppVersion, cfg)

	store := idmap.New(
		idmap.WithPrefix(cfg.Mapping.Prefix),
		idmap.WithWarnEntries(cfg.Mapping.WarnEntries),
	)

	recorder := statistics.New(cfg.StatsDir)
	recorder.Start()
	addShutdown("recorder.Close", recorder.Close)

	p := proxy.New(cfg, store, recorder)
	p.SetTransport(server.NewUpstreamTransport(cfg.Upstream))

	srv, err := server.New(cfg, p)
	if err != nil {
		slog.Error("server.New", slog.Any("error", err))
		shutdown()
		return err
	}
	if err := srv.Listen(); err != nil {
		slog.Error("srv.Listen", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("srv.Shutdown", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	if cfg.APIServer != "" {
		apiServer := api.New(AppVersion, cfg, p, recorder, broadcaster)
		if err := apiServer.Start(); err != nil {
			slog.Error("apiServer.Start", slog.Any("error", err))
			shutdown()
			return err
		}
		addShutdown("apiServer.Close", apiServer.Close)
	}

	if err := daemon.Setup(cfg); err != nil {
		slog.Error("daemon.Setup", slog.Any("error", err))
		shutdown()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case err := <-serveErr:
			if err != nil {
				slog.Error("srv.Start", slog.Any("error", err))
			}
			shutdown()
			return err
		case s := <-cleanup:
			slog.Info("Received signal", slog.String("signal", s.String()))
			switch s {
			case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
				shutdown()
				return nil
			case syscall.SIGHUP:
				slog.Info("Mapping store", slog.Int("entries", store.Len()))
			}
		}
	}
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	slog.Info("idmask exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
