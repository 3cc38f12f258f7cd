package swcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		// Version is the base tag generation names are derived from. Bumping it
		// is the only way to invalidate every generation on the next deploy.
		Version string `yaml:"version"`
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Max     string `yaml:"max"`

		maxBytes int64
	} `yaml:"cache"`

	// Precache is the ordered manifest primed into the critical generation.
	Precache []string `yaml:"precache"`

	Classify ClassifyConfig `yaml:"classify"`

	Lifecycle struct {
		SkipWaiting bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Control struct {
		Path string `yaml:"path"`
	} `yaml:"control"`

	Metrics struct {
		Path string `yaml:"path"`
	} `yaml:"metrics"`

	Logging LoggingConfig `yaml:"logging"`
}

type ClassifyConfig struct {
	FontHosts  []string `yaml:"fontHosts"`
	APIMarkers []string `yaml:"apiMarkers"`
	APIHosts   []string `yaml:"apiHosts"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	logStatsEveryDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	cfg := Config{}
	cfg.Lifecycle.SkipWaiting = true
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	cfg.Cache.Version = strings.TrimSpace(cfg.Cache.Version)
	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if strings.HasSuffix(cfg.Cache.Version, "-"+string(PurposeCritical)) ||
		strings.HasSuffix(cfg.Cache.Version, "-"+string(PurposeRuntime)) {
		return fmt.Errorf("cache.version: %q must not end with a generation suffix", cfg.Cache.Version)
	}

	switch cfg.Cache.Backend {
	case "":
		cfg.Cache.Backend = BackendMemory
	case BackendMemory, BackendLevelDB:
	default:
		return fmt.Errorf("cache.backend: unsupported backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/leveldb"
	}
	if cfg.Cache.Max != "" {
		n, err := parseBytes(cfg.Cache.Max)
		if err != nil {
			return fmt.Errorf("cache.max: %w", err)
		}
		cfg.Cache.maxBytes = n
	}

	for i, u := range cfg.Precache {
		u = strings.TrimSpace(u)
		if u == "" {
			return fmt.Errorf("precache[%d]: empty url", i)
		}
		cfg.Precache[i] = u
	}

	if len(cfg.Classify.FontHosts) == 0 {
		cfg.Classify.FontHosts = []string{"fonts.googleapis.com", "fonts.gstatic.com"}
	}
	if len(cfg.Classify.APIMarkers) == 0 {
		cfg.Classify.APIMarkers = []string{"/api/"}
	}

	if cfg.Control.Path == "" {
		cfg.Control.Path = "/__swcache/message"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/__swcache/metrics"
	}
	if !strings.HasPrefix(cfg.Control.Path, "/") {
		return fmt.Errorf("control.path: must start with /")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path: must start with /")
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}
