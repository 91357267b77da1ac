package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvAPIKey      = "PARLEY_API_KEY"
	EnvPostgresDSN = "PARLEY_POSTGRES_DSN"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultEndpoint            = "http://localhost:8080/session"
	DefaultNegotiationTimeout  = 120 * time.Second
	DefaultPromptFile          = "configs/prompt.json"
	DefaultFrameQueue          = 32
	DefaultPrebuffer           = 2
	DefaultCapturePeriodFrames = 2048
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse is the file path of [Load]: decode, environment, defaults, validate.
func parse(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode rejects unknown keys. An empty document yields a zero Config.
func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment. lookup is usually
// [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Upstream.APIKey = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		cfg.Store.PostgresDSN = v
	}
}

// ApplyDefaults fills zero-valued fields with their defaults. Upstream model,
// voice and VAD are left empty here; the broker resolves those.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Negotiation.Endpoint == "" {
		cfg.Negotiation.Endpoint = DefaultEndpoint
	}
	if cfg.Negotiation.Timeout == 0 {
		cfg.Negotiation.Timeout = DefaultNegotiationTimeout
	}
	if cfg.Upstream.PromptFile == "" {
		cfg.Upstream.PromptFile = DefaultPromptFile
	}
	if cfg.Audio.FrameQueue == 0 {
		cfg.Audio.FrameQueue = DefaultFrameQueue
	}
	if cfg.Audio.Prebuffer == 0 {
		cfg.Audio.Prebuffer = DefaultPrebuffer
	}
	if cfg.Audio.CapturePeriodFrames == 0 {
		cfg.Audio.CapturePeriodFrames = DefaultCapturePeriodFrames
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Negotiation
	if cfg.Negotiation.Endpoint != "" {
		if u, err := url.Parse(cfg.Negotiation.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("negotiation.endpoint %q is not an absolute URL", cfg.Negotiation.Endpoint))
		}
	}
	if cfg.Negotiation.Timeout < 0 {
		errs = append(errs, fmt.Errorf("negotiation.timeout %s must not be negative", cfg.Negotiation.Timeout))
	}

	// Upstream
	vad := cfg.Upstream.VAD
	if vad.Threshold < 0 || vad.Threshold > 1 {
		errs = append(errs, fmt.Errorf("upstream.vad.threshold %.2f is out of range [0, 1]", vad.Threshold))
	}
	if vad.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("upstream.vad.prefix_padding_ms %d must not be negative", vad.PrefixPaddingMs))
	}
	if vad.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("upstream.vad.silence_duration_ms %d must not be negative", vad.SilenceDurationMs))
	}
	if cfg.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries %d must not be negative", cfg.Upstream.MaxRetries))
	}
	namesSeen := make(map[string]int, len(cfg.Upstream.Fallbacks))
	for i, fb := range cfg.Upstream.Fallbacks {
		prefix := fmt.Sprintf("upstream.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[fb.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of upstream.fallbacks[%d]", prefix, fb.Name, prev))
			}
			namesSeen[fb.Name] = i
		}
		if fb.BaseURL == "" && fb.APIKey == "" && fb.Model == "" {
			slog.Warn("upstream fallback is identical to the primary endpoint", "name", fb.Name)
		}
	}

	// Audio
	if cfg.Audio.FrameQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_queue %d must not be negative", cfg.Audio.FrameQueue))
	}
	if cfg.Audio.Prebuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.prebuffer %d must not be negative", cfg.Audio.Prebuffer))
	}
	if cfg.Audio.CapturePeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_period_frames %d must not be negative", cfg.Audio.CapturePeriodFrames))
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: postgres, memory", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("store.postgres_dsn is required when store.backend is postgres (or set %s)", EnvPostgresDSN))
	}
	if cfg.Store.Backend == StoreMemory && cfg.Store.PostgresDSN != "" {
		slog.Warn("store.postgres_dsn is set but store.backend is memory; the DSN is ignored")
	}

	return errors.Join(errs...)
}
