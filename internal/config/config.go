package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coverls/internal/text"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"
)

var log = commonlog.GetLogger("coverls.config")

type Config struct {
	Root             string   `json:"root" yaml:"root" toml:"root"`
	Languages        []string `json:"languages" yaml:"languages" toml:"languages"`
	TestPatterns     []string `json:"test_patterns" yaml:"test_patterns" toml:"test_patterns"`
	CoverageDB       string   `json:"coverage_db" yaml:"coverage_db" toml:"coverage_db"`
	PositionEncoding string   `json:"position_encoding" yaml:"position_encoding" toml:"position_encoding"`
	QueueSize        int      `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
	KeepRuns         int      `json:"keep_runs" yaml:"keep_runs" toml:"keep_runs"`
	PruneInterval    string   `json:"prune_interval" yaml:"prune_interval" toml:"prune_interval"`
	FeedAddr         string   `json:"feed_addr" yaml:"feed_addr" toml:"feed_addr"`
	ConfigFile       string   `json:"config_file" yaml:"config_file" toml:"config_file"`
	Verbosity        int      `json:"verbosity" yaml:"verbosity" toml:"verbosity"`
}

// NoCoverageDB as coverage_db disables persistence.
const NoCoverageDB = "none"

// NamePlaceholder is replaced by a document's base name in TestPatterns.
const NamePlaceholder = "{name}"

var defaultConfig = Config{
	Root:             ".",
	Languages:        []string{"lua"},
	TestPatterns:     []string{"{name}_test.lua", "test_{name}.lua"},
	CoverageDB:       "", // under the XDG state home unless set
	PositionEncoding: "utf-16",
	QueueSize:        64,
	KeepRuns:         50,
	PruneInterval:    "10m",
	FeedAddr:         "",
	Verbosity:        0,
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := defaultConfig
	cfg.Languages = append([]string(nil), defaultConfig.Languages...)
	cfg.TestPatterns = append([]string(nil), defaultConfig.TestPatterns...)
	return cfg
}

// Load overlays v, typically LSP initializationOptions, onto the defaults.
func Load(v any) (Config, error) {
	return Default().Overlay(v)
}

// Overlay returns cfg with the fields present in v overwritten.
func (cfg Config) Overlay(v any) (Config, error) {
	if v == nil {
		return cfg, nil
	}
	cfg.Languages = append([]string(nil), cfg.Languages...)
	cfg.TestPatterns = append([]string(nil), cfg.TestPatterns...)
	data, err := json.Marshal(v)
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal source: %w", err)
	}

	// only fields present in src will overwrite.
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal into Config: %w", err)
	}

	return cfg, cfg.Validate()
}

// LoadFromJSON reads JSON from r into a Config.
func LoadFromJSON(r io.Reader) (Config, error) {
	cfg := Default()

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// LoadFromYAML reads YAML from r into a Config.
func LoadFromYAML(r io.Reader) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// LoadFromTOML reads TOML from r into a Config.
func LoadFromTOML(r io.Reader) (Config, error) {
	cfg := Default()

	decoder := toml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// LoadFile reads a config file, picking the format from its extension.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		cfg, err = LoadFromJSON(bytes.NewReader(data))
	case ".yaml", ".yml":
		cfg, err = LoadFromYAML(bytes.NewReader(data))
	case ".toml":
		cfg, err = LoadFromTOML(bytes.NewReader(data))
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Validate checks values that cannot be decoded into an invalid state by
// the type system alone.
func (cfg Config) Validate() error {
	if _, err := text.ParseEncoding(cfg.PositionEncoding); err != nil {
		return err
	}
	if cfg.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", cfg.QueueSize)
	}
	if cfg.KeepRuns < 0 {
		return fmt.Errorf("keep_runs must not be negative, got %d", cfg.KeepRuns)
	}
	if cfg.PruneInterval != "" {
		if _, err := time.ParseDuration(cfg.PruneInterval); err != nil {
			return fmt.Errorf("prune_interval: %w", err)
		}
	}
	for _, p := range cfg.TestPatterns {
		if !strings.Contains(p, NamePlaceholder) {
			return fmt.Errorf("test pattern %q lacks %s", p, NamePlaceholder)
		}
	}
	return nil
}

// Encoding returns the column unit of editor positions.
func (cfg Config) Encoding() text.Encoding {
	enc, err := text.ParseEncoding(cfg.PositionEncoding)
	if err != nil {
		return text.UTF16
	}
	return enc
}

// Interval returns the prune interval, or zero when pruning is disabled.
func (cfg Config) Interval() time.Duration {
	d, err := time.ParseDuration(cfg.PruneInterval)
	if err != nil {
		return 0
	}
	return d
}

// Supports reports whether languageID is handled.
func (cfg Config) Supports(languageID string) bool {
	for _, l := range cfg.Languages {
		if l == languageID {
			return true
		}
	}
	return false
}

// Watch reloads path whenever it changes and hands the result to onChange
// until ctx is done. Files that fail to load are logged and skipped.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors often replace files by renaming, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	name := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadFile(path)
				if err != nil {
					log.Warningf("ignoring config change: %v", err)
					continue
				}
				log.Infof("reloaded %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("config watcher: %v", err)
			}
		}
	}()
	return nil
}
