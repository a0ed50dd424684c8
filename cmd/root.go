package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/subjectmap/internal/config"
	"github.com/zjrosen/subjectmap/internal/log"
)

// defaultConfigPath is where a config file is created when none is found.
const defaultConfigPath = ".subjectmap/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config

	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "subjectmap",
	Short: "Watch keyed values backed by a snapshot database",
	Long: `subjectmap keeps one replaying broadcast channel per key.

The first subscriber to a key loads its value from the snapshot database.
Later subscribers get the latest value immediately. When the database
changes, every watched key is reloaded and subscribers see the new value.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .subjectmap/config.yaml or ~/.config/subjectmap/config.yaml)")
	rootCmd.PersistentFlags().StringP("store", "s", "",
		"path to the snapshot database")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (writes to debug.log unless log.path is set)")

	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.debounce", defaults.Watch.Debounce)
	viper.SetDefault("fault.timeout", defaults.Fault.Timeout)
	viper.SetDefault("fault.cache_ttl", defaults.Fault.CacheTTL)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("log.level", defaults.Log.Level)

	viper.SetEnvPrefix("SUBJECTMAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .subjectmap/config.yaml (current directory)
		// 2. ~/.config/subjectmap/config.yaml (user config)
		if _, err := os.Stat(defaultConfigPath); err == nil {
			viper.SetConfigFile(defaultConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "subjectmap"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// No config file found anywhere - create default at .subjectmap/config.yaml
			if writeErr := config.WriteDefaultConfig(defaultConfigPath); writeErr == nil {
				viper.SetConfigFile(defaultConfigPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	cfg = config.Defaults()
	_ = viper.Unmarshal(&cfg)

	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
}

// setupLogging installs the file logger when debugging or when log.path is
// configured.
func setupLogging(_ *cobra.Command, _ []string) error {
	debug := debugFlag || os.Getenv("SUBJECTMAP_DEBUG") != ""
	logPath := cfg.Log.Path
	if logPath == "" && !debug {
		return nil
	}
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup

	level := log.LevelDebug
	if !debug {
		level, err = log.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log configuration: %w", err)
		}
	}
	log.SetMinLevel(level)
	log.Info(log.CatCLI, "subjectmap starting", "version", version, "config", viper.ConfigFileUsed())
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
