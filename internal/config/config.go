package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RootConfig is the on-disk layout: a set of named profiles and the one
// that is active by default.
type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Console   ConsoleConfig   `mapstructure:"console" yaml:"console"`
	Synth     SynthConfig     `mapstructure:"synth" yaml:"synth"`

	// Profile is the name of the profile this config was resolved from.
	Profile string `mapstructure:"-" yaml:"-"`
}

type AudioConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"` // "portaudio", "sim", "auto"
	SampleRate      int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int           `mapstructure:"channels" yaml:"channels"`
	FramesPerBuffer int           `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	MasterVolume    *float64      `mapstructure:"master_volume" yaml:"master_volume,omitempty"` // nil means 1.0
	WarmupTimeout   time.Duration `mapstructure:"warmup_timeout" yaml:"warmup_timeout"`
}

type TransportConfig struct {
	TempoBPM   float64 `mapstructure:"tempo_bpm" yaml:"tempo_bpm"`
	PollRateHz int     `mapstructure:"poll_rate_hz" yaml:"poll_rate_hz"`
	// Nil means disabled.
	RewindAfterRecord *bool `mapstructure:"rewind_after_record" yaml:"rewind_after_record,omitempty"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

type ConsoleConfig struct {
	HistoryFile string `mapstructure:"history_file" yaml:"history_file"`
}

// SynthConfig shapes the notes played with the note command.
type SynthConfig struct {
	Waveform string        `mapstructure:"waveform" yaml:"waveform"` // "sine", "triangle", "saw", "square"
	Attack   time.Duration `mapstructure:"attack" yaml:"attack"`
	Release  time.Duration `mapstructure:"release" yaml:"release"`
}

// envPrefix namespaces environment overrides, e.g. JAMLOOP_AUDIO_BACKEND.
const envPrefix = "JAMLOOP"

// envKeys lists the settings that can be overridden from the environment.
var envKeys = []string{
	"audio.backend",
	"audio.sample_rate",
	"audio.channels",
	"audio.frames_per_buffer",
	"audio.master_volume",
	"audio.warmup_timeout",
	"transport.tempo_bpm",
	"transport.poll_rate_hz",
	"transport.rewind_after_record",
	"server.port",
	"console.history_file",
	"synth.waveform",
	"synth.attack",
	"synth.release",
}

// DefaultConfigPath is used when no --config flag is given.
func DefaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/jamloop.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:         "auto",
			SampleRate:      48000,
			Channels:        1,
			FramesPerBuffer: 256,
			WarmupTimeout:   5 * time.Second,
		},
		Transport: TransportConfig{
			TempoBPM:   120,
			PollRateHz: 60,
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Console: ConsoleConfig{
			HistoryFile: filepath.Join(os.Getenv("HOME"), ".cache", "jamloop_history"),
		},
		Synth: SynthConfig{
			Waveform: "triangle",
			Attack:   10 * time.Millisecond,
			Release:  100 * time.Millisecond,
		},
		Profile: "default",
	}
}

// RewindsAfterRecord reports whether the transport returns to the take's
// start offset once a recording is finalized.
func (c *Config) RewindsAfterRecord() bool {
	return c.Transport.RewindAfterRecord != nil && *c.Transport.RewindAfterRecord
}

// Volume is the master output gain. Zero mutes the output.
func (c *Config) Volume() float64 {
	if c.Audio.MasterVolume == nil {
		return 1.0
	}
	return *c.Audio.MasterVolume
}

// PollInterval is the period of the transport poll loop.
func (c *Config) PollInterval() time.Duration {
	if c.Transport.PollRateHz <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.Transport.PollRateHz)
}

// LoadWithProfile reads configFile and resolves the requested profile (or
// the file's active_config). A missing file yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ReadRootConfig(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("Config file not found, using defaults", "file", configFile)
		if profile != "" && profile != "default" {
			return nil, fmt.Errorf("configuration profile '%s' not found", profile)
		}
		return finish(Default(), "default")
	}
	if err != nil {
		return nil, err
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Profiles fall back to the file's default profile, then to built-ins
	base := Default()
	if configName != "default" {
		if defaultProfile, ok := rootConfig.Configs["default"]; ok {
			base = mergeConfigs(base, defaultProfile)
		}
	}
	return finish(mergeConfigs(base, selected), configName)
}

// finish applies environment overrides and validates the resolved profile.
func finish(cfg *Config, profile string) (*Config, error) {
	env, err := readEnv()
	if err != nil {
		return nil, err
	}
	cfg = mergeConfigs(cfg, env)
	cfg.Profile = profile
	cfg.Console.HistoryFile = expandPath(cfg.Console.HistoryFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readEnv collects JAMLOOP_<SECTION>_<KEY> overrides. Unset variables leave
// the corresponding fields zero so mergeConfigs keeps the profile's values.
func readEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment for %s: %w", key, err)
		}
	}

	var env Config
	if err := v.Unmarshal(&env); err != nil {
		return nil, fmt.Errorf("error reading environment overrides: %w", err)
	}
	return &env, nil
}

// ReadRootConfig parses the configuration file without resolving profiles.
func ReadRootConfig(configFile string) (*RootConfig, error) {
	if _, err := os.Stat(configFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("config file %s defines no profiles under 'configs'", configFile)
	}
	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("profile '%s' is empty", name)
		}
	}
	return &rootConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ReadRootConfig(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// Create a new viper instance to avoid interfering with other readers
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.Set("active_config", newActiveConfig)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// mergeConfigs overlays every non-zero field of profile onto a copy of base.
func mergeConfigs(base, profile *Config) *Config {
	result := *base
	if profile == nil {
		return &result
	}

	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
	}
	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
	}
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
	}
	if profile.Audio.FramesPerBuffer != 0 {
		result.Audio.FramesPerBuffer = profile.Audio.FramesPerBuffer
	}
	if profile.Audio.MasterVolume != nil {
		volume := *profile.Audio.MasterVolume
		result.Audio.MasterVolume = &volume
	}
	if profile.Audio.WarmupTimeout != 0 {
		result.Audio.WarmupTimeout = profile.Audio.WarmupTimeout
	}

	if profile.Transport.TempoBPM != 0 {
		result.Transport.TempoBPM = profile.Transport.TempoBPM
	}
	if profile.Transport.PollRateHz != 0 {
		result.Transport.PollRateHz = profile.Transport.PollRateHz
	}
	if profile.Transport.RewindAfterRecord != nil {
		rewind := *profile.Transport.RewindAfterRecord
		result.Transport.RewindAfterRecord = &rewind
	}

	if profile.Server.Port != "" {
		result.Server.Port = profile.Server.Port
	}
	if profile.Console.HistoryFile != "" {
		result.Console.HistoryFile = profile.Console.HistoryFile
	}

	if profile.Synth.Waveform != "" {
		result.Synth.Waveform = profile.Synth.Waveform
	}
	if profile.Synth.Attack != 0 {
		result.Synth.Attack = profile.Synth.Attack
	}
	if profile.Synth.Release != 0 {
		result.Synth.Release = profile.Synth.Release
	}
	return &result
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Audio.Backend) {
	case "", "auto", "portaudio", "sim", "simulated":
	default:
		return fmt.Errorf("audio.backend: unknown backend '%s' (valid: portaudio, sim, auto)", c.Audio.Backend)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate: %d is outside 8000-192000", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels: must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.FramesPerBuffer <= 0 {
		return fmt.Errorf("audio.frames_per_buffer: must be positive, got %d", c.Audio.FramesPerBuffer)
	}
	if !(c.Volume() >= 0) || math.IsInf(c.Volume(), 0) {
		return fmt.Errorf("audio.master_volume: must not be negative, got %v", c.Volume())
	}
	if c.Audio.WarmupTimeout < 0 {
		return fmt.Errorf("audio.warmup_timeout: must not be negative, got %v", c.Audio.WarmupTimeout)
	}
	if !(c.Transport.TempoBPM > 0) || math.IsInf(c.Transport.TempoBPM, 0) {
		return fmt.Errorf("transport.tempo_bpm: must be positive, got %v", c.Transport.TempoBPM)
	}
	if c.Transport.PollRateHz <= 0 || c.Transport.PollRateHz > 1000 {
		return fmt.Errorf("transport.poll_rate_hz: must be within 1-1000, got %d", c.Transport.PollRateHz)
	}
	switch strings.ToLower(c.Synth.Waveform) {
	case "", "sine", "triangle", "saw", "square":
	default:
		return fmt.Errorf("synth.waveform: unknown waveform '%s' (valid: sine, triangle, saw, square)", c.Synth.Waveform)
	}
	if c.Synth.Attack < 0 || c.Synth.Release < 0 {
		return fmt.Errorf("synth: attack and release must not be negative")
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
