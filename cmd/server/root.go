package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Lordmau5/Node-Media-Server/internal/config"
)

var cfgFile string

// override keys; each is also readable from FLV_<KEY> with dots as underscores
const (
	serverPortKey     = "server.port"
	ingestPortKey     = "ingest.port"
	httpPortKey       = "http.port"
	logLevelKey       = "logging.level"
	authSecretKey     = "auth.secret"
	unpublishKey      = "relay.unpublish_policy"
	hooksEndpointKey  = "hooks.endpoint"
	historyEnabledKey = "history.enabled"
)

// rootCmd runs the server when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "flv-media-server",
	Short:        "HTTP-FLV and WebSocket-FLV live stream relay",
	Long:         `Accepts FLV streams from publishers and relays them to HTTP-FLV and WebSocket-FLV players.`,
	SilenceUsage: true,
}

func init() {
	// assigned here: runServe reads rootCmd's flags
	rootCmd.RunE = runServe
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", defaultConfigPath, "Path to configuration file")
	flags.Int("port", 0, "FLV play listener port")
	flags.Int("ingest-port", 0, "FLV ingest listener port")
	flags.Int("http-port", 0, "HTTP API port")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	viper.BindPFlag(serverPortKey, flags.Lookup("port"))
	viper.BindPFlag(ingestPortKey, flags.Lookup("ingest-port"))
	viper.BindPFlag(httpPortKey, flags.Lookup("http-port"))
	viper.BindPFlag(logLevelKey, flags.Lookup("log-level"))
}

// initConfig wires environment overrides
func initConfig() {
	viper.SetEnvPrefix("FLV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the configuration file and applies flag and environment
// overrides on top. A missing default config file falls back to defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || rootCmd.PersistentFlags().Changed("config") {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Config file %s not found, using defaults\n", cfgFile)
		cfg = config.Default()
	}

	applyOverrides(cfg, viper.GetViper())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies every key set by flag or environment into cfg
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if v.IsSet(serverPortKey) && v.GetInt(serverPortKey) != 0 {
		cfg.Server.Port = v.GetInt(serverPortKey)
	}
	if v.IsSet(ingestPortKey) && v.GetInt(ingestPortKey) != 0 {
		cfg.Ingest.Port = v.GetInt(ingestPortKey)
	}
	if v.IsSet(httpPortKey) && v.GetInt(httpPortKey) != 0 {
		cfg.HTTP.Port = v.GetInt(httpPortKey)
	}
	if v.IsSet(logLevelKey) && v.GetString(logLevelKey) != "" {
		cfg.Logging.Level = v.GetString(logLevelKey)
	}
	if v.IsSet(authSecretKey) {
		cfg.Auth.Secret = v.GetString(authSecretKey)
	}
	if v.IsSet(unpublishKey) {
		cfg.Relay.UnpublishPolicy = v.GetString(unpublishKey)
	}
	if v.IsSet(hooksEndpointKey) {
		cfg.Hooks.Endpoint = v.GetString(hooksEndpointKey)
		cfg.Hooks.Enabled = cfg.Hooks.Endpoint != ""
	}
	if v.IsSet(historyEnabledKey) {
		cfg.History.Enabled = v.GetBool(historyEnabledKey)
	}
}
