package offline

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultManifest is the storefront app shell.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/css/styles.css",
	"/js/global-components.js",
	"/img/logo.png",
	"/img/icons/icon-192x192.png",
	"/offline.html",
}

// DefaultExclusions are third-party hosts that must always reach the network.
var DefaultExclusions = []string{
	"firebasestorage",
	"firestore",
	"api-colombia",
	"split.io",
	"addi.com",
	"amazonaws.com",
	"google-analytics",
}

const (
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache CacheConfig `yaml:"cache"`

	Precache struct {
		Paths        []string `yaml:"paths"`
		OfflinePage  string   `yaml:"offlinePage"`
		MaxEntrySize string   `yaml:"maxEntrySize"`

		maxEntryBytes int64
	} `yaml:"precache"`

	Exclusions []string `yaml:"exclusions"`

	Update struct {
		MaxElapsed string `yaml:"maxElapsed"`
		Watch      bool   `yaml:"watch"`

		maxElapsedDur time.Duration
	} `yaml:"update"`

	Logging LoggingConfig `yaml:"logging"`

	Sitemap struct {
		Enabled     bool     `yaml:"enabled"`
		BaseURL     string   `yaml:"baseURL"`
		Database    string   `yaml:"database"`
		StaticPages []string `yaml:"staticPages"`
	} `yaml:"sitemap"`
}

type CacheConfig struct {
	Version string `yaml:"version"`
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
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
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Version == "" {
		return Config{}, errors.New("cache.version is required")
	}
	switch cfg.Cache.Backend {
	case "":
		cfg.Cache.Backend = BackendLevelDB
	case BackendLevelDB, BackendMemory:
	default:
		return Config{}, errors.Errorf("cache.backend: unknown backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "./data/leveldb"
	}

	if cfg.Precache.Paths == nil {
		cfg.Precache.Paths = append([]string(nil), DefaultManifest...)
	}
	for i, p := range cfg.Precache.Paths {
		if !strings.HasPrefix(p, "/") {
			return Config{}, errors.Errorf("precache.paths[%d]: %q must start with /", i, p)
		}
	}
	if cfg.Precache.OfflinePage == "" {
		cfg.Precache.OfflinePage = "/offline.html"
	}
	if !contains(cfg.Precache.Paths, cfg.Precache.OfflinePage) {
		return Config{}, errors.Errorf("precache.offlinePage %q is not in precache.paths", cfg.Precache.OfflinePage)
	}
	if cfg.Precache.MaxEntrySize == "" {
		cfg.Precache.MaxEntrySize = "10mb"
	}
	n, err := parseBytes(cfg.Precache.MaxEntrySize)
	if err != nil {
		return Config{}, errors.Wrap(err, "precache.maxEntrySize")
	}
	cfg.Precache.maxEntryBytes = n

	if cfg.Exclusions == nil {
		cfg.Exclusions = append([]string(nil), DefaultExclusions...)
	}

	if cfg.Update.MaxElapsed == "" {
		cfg.Update.MaxElapsed = "2m"
	}
	d, err := time.ParseDuration(cfg.Update.MaxElapsed)
	if err != nil {
		return Config{}, errors.Wrap(err, "update.maxElapsed")
	}
	cfg.Update.maxElapsedDur = d

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, errors.Wrap(err, "logging.logStatsEvery")
		}
		cfg.Logging.logStatsEveryDur = d
	}

	if cfg.Sitemap.Enabled {
		if cfg.Sitemap.BaseURL == "" {
			cfg.Sitemap.BaseURL = cfg.Server.Origin
		}
		cfg.Sitemap.BaseURL = strings.TrimRight(cfg.Sitemap.BaseURL, "/")
		if cfg.Sitemap.Database == "" {
			cfg.Sitemap.Database = "./data/catalog.db"
		}
		if cfg.Sitemap.StaticPages == nil {
			cfg.Sitemap.StaticPages = []string{"/", "/nosotros", "/contacto", "/preguntas-frecuentes"}
		}
	}

	return cfg, nil
}

func (c Config) MaxEntryBytes() int64 { return c.Precache.maxEntryBytes }

func (c Config) UpdateMaxElapsed() time.Duration { return c.Update.maxElapsedDur }

func (c LoggingConfig) StatsEvery() time.Duration { return c.logStatsEveryDur }

// OpenStorage opens the backend named by cfg.
func OpenStorage(cfg CacheConfig) (CacheStorage, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStorage(), nil
	case BackendLevelDB, "":
		return OpenLevelDBStorage(cfg.Dir)
	default:
		return nil, errors.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// NewWorkerFromConfig builds the worker for cfg.Cache.Version.
func NewWorkerFromConfig(cfg Config, storage CacheStorage, rt *Runtime) (*Worker, error) {
	return NewWorker(WorkerOptions{
		Version:      cfg.Cache.Version,
		Origin:       cfg.Server.Origin,
		Manifest:     cfg.Precache.Paths,
		OfflinePage:  cfg.Precache.OfflinePage,
		Exclusions:   cfg.Exclusions,
		MaxEntrySize: cfg.MaxEntryBytes(),
		Storage:      storage,
		Network:      rt.Network(),
		Logger:       rt.log,
		Metrics:      rt.metrics,
	})
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
