package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration. Every field the server needs at
// runtime has a usable value so that a bare `voxbridge` invocation with only
// GEMINI_API_KEY exported starts successfully.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownGraceMS: 10000,
		},
		Provider: ProviderConfig{
			Model: DefaultModel,
		},
		Audio: AudioConfig{
			UplinkFrameBytes:   3200,
			UplinkIntervalMS:   100,
			DownlinkFrameBytes: 320,
			DownlinkIntervalMS: 20,
			InitialSilence:     true,
		},
		Observe: ObserveConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, in that order of precedence. An empty path
// skips the file layer entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML configuration from r on top of the defaults and
// validates it. Environment overrides are not applied, which keeps test
// fixtures deterministic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	// Unknown keys are almost always typos. Fail fast instead of silently
	// running with defaults.
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadTools reads a JSON array of tool declarations from path. The
// declarations are not interpreted here; they are forwarded verbatim to the
// remote session setup.
func LoadTools(path string) ([]json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read tools file %q: %w", path, err)
	}
	var tools []json.RawMessage
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("config: parse tools file %q: %w", path, err)
	}
	return tools, nil
}

// applyEnvOverrides layers VOXBRIDGE_* environment variables (and
// GEMINI_API_KEY) over cfg. Unset or blank variables leave the existing value
// untouched; unparseable numeric or boolean values are ignored.
func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.ListenAddr, "VOXBRIDGE_LISTEN_ADDR")
	overridePort(&cfg.Server.ListenAddr, "VOXBRIDGE_PORT")
	overrideString((*string)(&cfg.Server.LogLevel), "VOXBRIDGE_LOG_LEVEL")
	overrideInt(&cfg.Server.ShutdownGraceMS, "VOXBRIDGE_SHUTDOWN_GRACE_MS")

	overrideString(&cfg.Provider.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Provider.Model, "VOXBRIDGE_MODEL")
	overrideString(&cfg.Provider.Endpoint, "VOXBRIDGE_ENDPOINT")
	overrideBool(&cfg.Provider.HeaderAuth, "VOXBRIDGE_HEADER_AUTH")
	overrideString(&cfg.Provider.BearerToken, "VOXBRIDGE_BEARER_TOKEN")
	overrideString(&cfg.Provider.SystemInstruction, "VOXBRIDGE_SYSTEM_INSTRUCTION")
	overrideString(&cfg.Provider.Voice, "VOXBRIDGE_VOICE")
	overrideFloatPtr(&cfg.Provider.Temperature, "VOXBRIDGE_TEMPERATURE")
	overrideInt(&cfg.Provider.MaxOutputTokens, "VOXBRIDGE_MAX_OUTPUT_TOKENS")
	overrideString(&cfg.Provider.ToolsFile, "VOXBRIDGE_TOOLS_FILE")

	overrideInt(&cfg.Audio.UplinkFrameBytes, "VOXBRIDGE_UPLINK_FRAME_BYTES")
	overrideInt(&cfg.Audio.UplinkIntervalMS, "VOXBRIDGE_UPLINK_INTERVAL_MS")
	overrideInt(&cfg.Audio.DownlinkFrameBytes, "VOXBRIDGE_DOWNLINK_FRAME_BYTES")
	overrideInt(&cfg.Audio.DownlinkIntervalMS, "VOXBRIDGE_DOWNLINK_INTERVAL_MS")
	overrideBool(&cfg.Audio.InitialSilence, "VOXBRIDGE_INITIAL_SILENCE")

	overrideString(&cfg.CallLog.PostgresDSN, "VOXBRIDGE_CALLLOG_DSN")
	overrideBool(&cfg.Observe.Enabled, "VOXBRIDGE_OBSERVE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

// overridePort rewrites the port of a host:port listen address, keeping any
// configured host part.
func overridePort(target *string, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok || strings.TrimSpace(value) == "" {
		return
	}
	if _, err := strconv.Atoi(value); err != nil {
		return
	}
	host, _, err := net.SplitHostPort(*target)
	if err != nil {
		host = ""
	}
	*target = net.JoinHostPort(host, value)
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloatPtr(target **float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = &parsed
		}
	}
}

// Validate checks cfg for errors that would prevent the server from running.
// All violations are collected and reported together. Suspicious but workable
// settings are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid, valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownGraceMS < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_grace_ms %d must not be negative", cfg.Server.ShutdownGraceMS))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	switch cfg.Variant() {
	case VariantManaged:
		if cfg.Provider.APIKey == "" {
			errs = append(errs, errors.New("provider.api_key is required for the managed variant (set GEMINI_API_KEY)"))
		}
		if cfg.Provider.BearerToken != "" {
			slog.Warn("provider.bearer_token is set but only applies to the relay variant")
		}
	case VariantRelay:
		if !strings.HasPrefix(cfg.Provider.Endpoint, "ws://") && !strings.HasPrefix(cfg.Provider.Endpoint, "wss://") {
			errs = append(errs, fmt.Errorf("provider.endpoint %q must use a ws:// or wss:// scheme", cfg.Provider.Endpoint))
		}
		if cfg.Provider.APIKey != "" {
			slog.Warn("provider.endpoint is set; api_key is ignored in relay mode")
		}
	}
	if t := cfg.Provider.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("provider.temperature %v must be between 0 and 2", *t))
	}
	if cfg.Provider.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("provider.max_output_tokens %d must not be negative", cfg.Provider.MaxOutputTokens))
	}

	// PCM16 frames carry two bytes per sample, so odd sizes would split a
	// sample across frames.
	if cfg.Audio.UplinkFrameBytes <= 0 || cfg.Audio.UplinkFrameBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.uplink_frame_bytes %d must be a positive even number", cfg.Audio.UplinkFrameBytes))
	}
	if cfg.Audio.DownlinkFrameBytes <= 0 || cfg.Audio.DownlinkFrameBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.downlink_frame_bytes %d must be a positive even number", cfg.Audio.DownlinkFrameBytes))
	}
	if cfg.Audio.UplinkIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.uplink_interval_ms %d must be positive", cfg.Audio.UplinkIntervalMS))
	}
	if cfg.Audio.DownlinkIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.downlink_interval_ms %d must be positive", cfg.Audio.DownlinkIntervalMS))
	}

	return errors.Join(errs...)
}
