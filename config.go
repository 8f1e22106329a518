package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

const (
	defaultConfigFile = "conf/config.json"
	envPrefix         = "DONORGRAPH_"
)

// Duration reads Go duration strings ("500ms", "24h") from JSON and env.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ServerConfig struct {
	Address      string   `json:"address" env:"ADDRESS"`
	IdleTimeout  Duration `json:"idle_timeout" env:"IDLE_TIMEOUT"`
	RedirectURL  string   `json:"redirect_url" env:"REDIRECT_URL"`
	CacheControl string   `json:"cache_control" env:"CACHE_CONTROL"`
}

type HCBConfig struct {
	BaseURL      string   `json:"base_url" env:"BASE_URL"`
	PerPage      int      `json:"per_page" env:"PER_PAGE"`
	MaxDonations int      `json:"max_donations" env:"MAX_DONATIONS"`
	PageCacheTTL Duration `json:"page_cache_ttl" env:"PAGE_CACHE_TTL"`
}

type AvatarConfig struct {
	Concurrency    int      `json:"concurrency" env:"CONCURRENCY"`
	MaxRetries     int      `json:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff Duration `json:"initial_backoff" env:"INITIAL_BACKOFF"`
	CacheTTL       Duration `json:"cache_ttl" env:"CACHE_TTL"`
	CacheSize      int      `json:"cache_size" env:"CACHE_SIZE"`
	JoinInFlight   bool     `json:"join_inflight" env:"JOIN_INFLIGHT"`
	BatchTimeout   Duration `json:"batch_timeout" env:"BATCH_TIMEOUT"`
	UserAgent      string   `json:"user_agent" env:"USER_AGENT"`
}

type GridConfig struct {
	IconSize   int    `json:"icon_size" env:"ICON_SIZE"`
	Gap        int    `json:"gap" env:"GAP"`
	Width      int    `json:"width" env:"WIDTH"`
	Height     int    `json:"height" env:"HEIGHT"`
	MaxColumns int    `json:"max_columns" env:"MAX_COLUMNS"`
	MaxRows    int    `json:"max_rows" env:"MAX_ROWS"`
	Background string `json:"background" env:"BACKGROUND"`
	Border     string `json:"border" env:"BORDER"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Pretty bool   `json:"pretty" env:"PRETTY"`
}

type Config struct {
	Server  ServerConfig `json:"server" envPrefix:"SERVER_"`
	HCB     HCBConfig    `json:"hcb" envPrefix:"HCB_"`
	Avatars AvatarConfig `json:"avatars" envPrefix:"AVATARS_"`
	Grid    GridConfig   `json:"grid" envPrefix:"GRID_"`
	Log     LogConfig    `json:"log" envPrefix:"LOG_"`
	Debug   struct {
		PrettyJson bool `json:"pretty_json" env:"PRETTY_JSON"`
	} `json:"debug" envPrefix:"DEBUG_"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.Server = ServerConfig{
		Address:      ":3000",
		IdleTimeout:  Duration(60 * time.Second),
		RedirectURL:  "https://github.com/hackclub/hcb-donor-graph",
		CacheControl: "public, max-age=43200, must-revalidate",
	}
	cfg.HCB = HCBConfig{
		BaseURL:      "https://hcb.hackclub.com/api/v3",
		PerPage:      100,
		MaxDonations: 1500,
		PageCacheTTL: Duration(10 * time.Minute),
	}
	cfg.Avatars = AvatarConfig{
		Concurrency:    DefaultConcurrency,
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: Duration(DefaultInitialBackoff),
		CacheTTL:       Duration(24 * time.Hour),
		CacheSize:      10000,
		UserAgent:      "donorgraph",
	}
	cfg.Grid = GridConfig{
		IconSize:   DefaultIconSize,
		Gap:        DefaultGap,
		Width:      1200,
		Height:     1080,
		Background: "#222222",
		Border:     "#4a4a4a",
	}
	cfg.Log = LogConfig{Level: "info", Pretty: true}
	return cfg
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Avatars.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("avatars.concurrency must be positive, got %d", cfg.Avatars.Concurrency))
	}
	if cfg.Avatars.MaxRetries < 0 || cfg.Avatars.MaxRetries > MaxRetriesLimit {
		errs = append(errs, fmt.Errorf("avatars.max_retries must be between 0 and %d, got %d", MaxRetriesLimit, cfg.Avatars.MaxRetries))
	}
	if cfg.Avatars.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("avatars.cache_ttl must be positive, got %s", cfg.Avatars.CacheTTL.Std()))
	}
	if cfg.HCB.PerPage <= 0 {
		errs = append(errs, fmt.Errorf("hcb.per_page must be positive, got %d", cfg.HCB.PerPage))
	}
	if _, err := parseHexColor(cfg.Grid.Background); err != nil {
		errs = append(errs, fmt.Errorf("grid.background: %w", err))
	}
	if _, err := parseHexColor(cfg.Grid.Border); err != nil {
		errs = append(errs, fmt.Errorf("grid.border: %w", err))
	}
	return errors.Join(errs...)
}

// LoadConfig reads defaults, then the JSON file at path, then .env and the
// environment. An empty path reads conf/config.json if it exists.
func LoadConfig(path string, environ map[string]string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	if err := loadConfigFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if environ == nil {
		// .env is optional
		_ = godotenv.Load()
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	err = decoder.Decode(cfg)
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		if _, seekErr := f.Seek(0, io.SeekStart); seekErr == nil {
			pos := findPos(bufio.NewReader(f), int(syntaxErr.Offset))
			return fmt.Errorf("unable to decode configuration file %s (Line: %d, Pos: %d): %w", path, pos.line, pos.pos, err)
		}
	}
	if err != nil {
		return fmt.Errorf("unable to decode configuration file %s: %w", path, err)
	}
	return nil
}

type FilePos struct {
	line int
	pos  int
}

// findPos converts a byte offset into a 1-based line and the offset within
// that line.
func findPos(file *bufio.Reader, offset int) FilePos {
	p := FilePos{line: 1, pos: offset}
	for line, err := file.ReadBytes('\n'); len(line) > 0; line, err = file.ReadBytes('\n') {
		if p.pos <= len(line) || err != nil {
			return p
		}
		p.line++
		p.pos -= len(line)
	}
	return p
}
