package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the speedvold daemon.
//
// Design goals:
// - Make the config file the primary configuration surface.
// - Keep flags for small overrides and for environments where a file is awkward.
// - Centralize defaults and validation so the rest of the code can assume a
//   well-formed config.
type Config struct {
	// Location bridge configuration
	Geo GeoConfig `yaml:"geo"`

	// HTTP API + websocket server configuration
	HTTP HTTPConfig `yaml:"http"`

	// IPC configuration (speedvol-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// Volume controller configuration
	Controller ControllerFileConfig `yaml:"controller"`

	// Canonical shape of freshly created profiles
	ProfileDefaults ProfileDefaultsConfig `yaml:"profile_defaults"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Ad display
	Ads AdsConfig `yaml:"ads"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type GeoConfig struct {
	// WsURL is the location bridge websocket endpoint. Empty means no bridge
	// is available on this device; the daemon then runs with the geo source
	// permanently unavailable.
	WsURL        string `yaml:"ws_url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	HighAccuracy bool   `yaml:"high_accuracy"`
	MaxAgeMS     int    `yaml:"max_age_ms"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type ControllerFileConfig struct {
	TickHz               int `yaml:"tick_hz"`
	StationaryDebounceMS int `yaml:"stationary_debounce_ms"`
}

type ProfileDefaultsConfig struct {
	Name       string  `yaml:"name"`
	MinSpeed   float64 `yaml:"min_speed"`
	MinVolume  float64 `yaml:"min_volume"`
	MaxSpeed   float64 `yaml:"max_speed"`
	MaxVolume  float64 `yaml:"max_volume"`
	SeedSpeed  float64 `yaml:"seed_speed"`
	SeedVolume float64 `yaml:"seed_volume"`
}

type StorageConfig struct {
	StateDir string `yaml:"state_dir"`
}

type AdsConfig struct {
	InteractionThreshold int `yaml:"interaction_threshold"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go defaults and current CLI defaults.
func DefaultConfig() Config {
	return Config{
		Geo: GeoConfig{
			WsURL:        "ws://127.0.0.1:8947",
			TimeoutMS:    defaultGeoTimeoutMS,
			HighAccuracy: true,
			MaxAgeMS:     0,
		},
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:8807",
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/speedvold.sock",
		},
		Controller: ControllerFileConfig{
			TickHz:               defaultTickHz,
			StationaryDebounceMS: defaultStationaryDebounceMS,
		},
		ProfileDefaults: ProfileDefaultsConfig{
			Name:       "Default",
			MinSpeed:   0,
			MinVolume:  20,
			MaxSpeed:   60,
			MaxVolume:  100,
			SeedSpeed:  30,
			SeedVolume: 60,
		},
		Storage: StorageConfig{
			StateDir: "~/.local/state/speedvol",
		},
		Ads: AdsConfig{
			InteractionThreshold: defaultAdInteractionThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Notes:
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed
	// after the document). Any outcome other than EOF means a second document
	// exists, whether or not it decodes.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags should pass pointers; each override is only applied if the pointer is
// non-nil (even for zero values).
type FlagOverrides struct {
	GeoWsURL *string

	HTTPListenAddr *string
	IPCSocketPath  *string

	TickHz               *int
	StationaryDebounceMS *int

	StateDir *string
	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.GeoWsURL != nil {
		cfg.Geo.WsURL = *o.GeoWsURL
	}
	if o.HTTPListenAddr != nil {
		cfg.HTTP.ListenAddr = *o.HTTPListenAddr
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.TickHz != nil {
		cfg.Controller.TickHz = *o.TickHz
	}
	if o.StationaryDebounceMS != nil {
		cfg.Controller.StationaryDebounceMS = *o.StationaryDebounceMS
	}
	if o.StateDir != nil {
		cfg.Storage.StateDir = *o.StateDir
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Geo: an empty ws_url is allowed and means "no bridge on this device".
	if c.Geo.TimeoutMS <= 0 {
		return errors.New("geo.timeout_ms must be > 0")
	}
	if c.Geo.MaxAgeMS < 0 {
		return errors.New("geo.max_age_ms must be >= 0")
	}

	if c.HTTP.ListenAddr == "" {
		return errors.New("http.listen_addr must not be empty")
	}
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.Controller.TickHz <= 0 || c.Controller.TickHz > 1000 {
		return errors.New("controller.tick_hz must be between 1 and 1000")
	}
	if c.Controller.StationaryDebounceMS < 0 {
		return errors.New("controller.stationary_debounce_ms must be >= 0")
	}

	// Profile defaults must themselves form a valid profile, otherwise the
	// first "add profile" would produce a store that can never validate.
	if c.ProfileDefaults.Name == "" {
		return errors.New("profile_defaults.name must not be empty")
	}
	if err := validateProfile(newProfile(c.ProfileDefaults.Name, c.ToProfileDefaults())); err != nil {
		return fmt.Errorf("profile_defaults: %w", err)
	}

	if c.Storage.StateDir == "" {
		return errors.New("storage.state_dir must not be empty")
	}

	if c.Ads.InteractionThreshold < 0 {
		return errors.New("ads.interaction_threshold must be >= 0")
	}

	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// ToProfileDefaults converts the file config into the internal defaults type.
func (c *Config) ToProfileDefaults() ProfileDefaults {
	return ProfileDefaults{
		Name:       c.ProfileDefaults.Name,
		MinSpeed:   c.ProfileDefaults.MinSpeed,
		MinVolume:  c.ProfileDefaults.MinVolume,
		MaxSpeed:   c.ProfileDefaults.MaxSpeed,
		MaxVolume:  c.ProfileDefaults.MaxVolume,
		SeedSpeed:  c.ProfileDefaults.SeedSpeed,
		SeedVolume: c.ProfileDefaults.SeedVolume,
	}
}

// ToControllerConfig converts the file config into the reducer's config.
func (c *Config) ToControllerConfig() ControllerConfig {
	return ControllerConfig{
		StationaryDebounce:     time.Duration(c.Controller.StationaryDebounceMS) * time.Millisecond,
		ProfileDefaults:        c.ToProfileDefaults(),
		AdInteractionThreshold: c.Ads.InteractionThreshold,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
