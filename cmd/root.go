package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"prio-governor/internal/config"
	"prio-governor/internal/logging"
)

const Version = "0.3.0"

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagDryRun   = "dry-run"
	flagListen   = "listen"
	flagSample   = "sample"
	flagAll      = "all"
)

// settings resolves daemon-level options from flags first, then PRIOGOV_*
// environment variables, then defaults.
var settings = viper.New()

func Execute() error {
	loadEnvironment()
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "prio-governor",
		Short:         "Adaptive process priority governor",
		Long:          "Classifies running applications and adjusts nice, latency nice, IO priority and cgroup CPU weight to keep interactive work responsive",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if level := settings.GetString(flagLogLevel); level != "" {
				if err := logging.SetLogLevel(level); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringP(flagConfig, "c", config.DefaultPath, "Path to the governor configuration file")
	rootCmd.PersistentFlags().String(flagLogLevel, "", "Set log level (trace, debug, info, warn, error)")
	bindFlags(rootCmd)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newExplainCmd())
	return rootCmd
}

func bindFlags(cmd *cobra.Command) {
	settings.SetEnvPrefix("PRIOGOV")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	bindFlagSet(cmd.PersistentFlags())
}

// bindFlagSet lets every flag in fs be read through settings.
func bindFlagSet(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if err := settings.BindPFlag(f.Name, f); err != nil {
			logging.GetLogger().WithField("flag", f.Name).WithError(err).Warn("Failed to bind flag")
		}
	})
}

// loadEnvironment reads .env from the working directory or, failing that,
// from the directory of the executable.
func loadEnvironment() {
	logger := logging.GetLogger()

	candidates := []string{".env"}
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), ".env"))
	}
	for _, envFile := range candidates {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
}

// applyLogSettings makes the configured log levels and format take effect.
// An explicit --log-level wins over the file.
func applyLogSettings(cfg *config.Config) {
	logger := logging.GetLogger()
	if cfg.Governor.LogFormat == "json" {
		logging.SetFormatter(&logrus.JSONFormatter{})
	}
	if settings.GetString(flagLogLevel) == "" && cfg.Governor.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.Governor.LogLevel); err != nil {
			logger.WithError(err).Warn("Ignoring log level from config")
		}
	}
	if cfg.Governor.PolicyLogLevel != "" {
		if err := logging.SetPolicyLogLevel(cfg.Governor.PolicyLogLevel); err != nil {
			logger.WithError(err).Warn("Ignoring policy log level from config")
		}
	}
}
