package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"prio-governor/internal/config"
	"prio-governor/internal/governor"
	"prio-governor/internal/logging"
	"prio-governor/internal/rules"
)

// loadAll reads the configuration and the rule layers it points at. The
// default config path may be absent; built-in defaults are used then.
func loadAll(path string) (*config.Config, *rules.RuleSet, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	rs, err := rules.Load(cfg.Rules.Dirs(), cfg.Rules.Order())
	if err != nil {
		return nil, nil, err
	}
	return cfg, rs, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			logging.GetLogger().WithField("path", path).Warn("No config file, using built-in defaults")
			return config.Defaults()
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// reloader returns the loader the governor calls at iteration boundaries.
func reloader(path string) governor.Loader {
	return governor.LoaderFunc(func() (*config.Config, *rules.RuleSet, error) {
		cfg, rs, err := loadAll(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reload: %w", err)
		}
		applyLogSettings(cfg)
		return cfg, rs, nil
	})
}

// watchPaths lists what the fsnotify watcher observes: every rule layer
// directory and the config file itself.
func watchPaths(cfg *config.Config) []string {
	paths := make([]string, 0, 5)
	for _, layer := range cfg.Rules.Order() {
		if dir := cfg.Rules.Dirs()[layer]; dir != "" {
			paths = append(paths, dir)
		}
	}
	if cfg.Source != "" {
		paths = append(paths, cfg.Source)
	}
	return paths
}
