package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WindowEntry describes a single browser window to open at startup.
type WindowEntry struct {
	URL string `yaml:"url"`
}

// StartupWindows is the top-level YAML configuration for launcher start URLs.
type StartupWindows struct {
	Windows []WindowEntry `yaml:"windows"`
}

// URLs returns the configured window URLs in file order.
func (s *StartupWindows) URLs() []string {
	out := make([]string, 0, len(s.Windows))
	for _, w := range s.Windows {
		out = append(out, w.URL)
	}
	return out
}

// LoadStartupWindows reads and validates a startup windows YAML file.
// A missing file yields an os.ErrNotExist-wrapped error; callers fall back to
// a blank window.
func LoadStartupWindows(path string) (*StartupWindows, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("startup windows config: %w", err)
	}
	var cfg StartupWindows
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("startup windows config: %w", err)
	}
	if len(cfg.Windows) < 1 {
		return nil, fmt.Errorf("startup windows config: at least one window entry is required")
	}
	for i, w := range cfg.Windows {
		if w.URL == "" {
			return nil, fmt.Errorf("startup windows config: windows[%d] missing url", i)
		}
	}
	return &cfg, nil
}
