package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jamloop-test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

func TestLoadWithProfile_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Transport.TempoBPM != 120 {
		t.Errorf("Expected default tempo 120, got %v", cfg.Transport.TempoBPM)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Expected default sample rate 48000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.RewindsAfterRecord() {
		t.Error("Expected rewind_after_record to default to false")
	}
	if cfg.Volume() != 1 {
		t.Errorf("Expected default volume 1, got %v", cfg.Volume())
	}
	if cfg.Synth.Waveform != "triangle" || cfg.Synth.Release != 100*time.Millisecond {
		t.Errorf("Expected triangle synth with 100ms release, got %+v", cfg.Synth)
	}
}

func TestLoadWithProfile_EnvironmentOverrides(t *testing.T) {
	content := `
configs:
  default:
    audio:
      sample_rate: 44100
    transport:
      tempo_bpm: 90
`
	path := createTempConfig(t, content)
	t.Setenv("JAMLOOP_TRANSPORT_TEMPO_BPM", "140")
	t.Setenv("JAMLOOP_AUDIO_MASTER_VOLUME", "0")
	t.Setenv("JAMLOOP_AUDIO_WARMUP_TIMEOUT", "750ms")
	t.Setenv("JAMLOOP_TRANSPORT_REWIND_AFTER_RECORD", "true")
	t.Setenv("JAMLOOP_SERVER_PORT", "9999")
	t.Setenv("JAMLOOP_SYNTH_WAVEFORM", "square")

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Transport.TempoBPM != 140 {
		t.Errorf("Expected tempo 140 from environment, got %v", cfg.Transport.TempoBPM)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100 from file, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Volume() != 0 {
		t.Errorf("Expected muted output, got volume %v", cfg.Volume())
	}
	if cfg.Audio.WarmupTimeout != 750*time.Millisecond {
		t.Errorf("Expected warmup timeout 750ms, got %v", cfg.Audio.WarmupTimeout)
	}
	if !cfg.RewindsAfterRecord() {
		t.Error("Expected rewind enabled from environment")
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("Expected port 9999, got %q", cfg.Server.Port)
	}
	if cfg.Synth.Waveform != "square" {
		t.Errorf("Expected square waveform, got %q", cfg.Synth.Waveform)
	}
	if cfg.Synth.Attack != 10*time.Millisecond {
		t.Errorf("Expected default attack 10ms, got %v", cfg.Synth.Attack)
	}
}

func TestLoadWithProfile_EnvironmentWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	t.Setenv("JAMLOOP_AUDIO_BACKEND", "sim")

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Audio.Backend != "sim" {
		t.Errorf("Expected backend sim, got %q", cfg.Audio.Backend)
	}
}

func TestLoadWithProfile_ZeroVolumeMutes(t *testing.T) {
	content := `
configs:
  default:
    audio:
      master_volume: 0.8
  quiet:
    audio:
      master_volume: 0
`
	path := createTempConfig(t, content)

	cfg, err := LoadWithProfile(path, "quiet")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Volume() != 0 {
		t.Errorf("Expected volume 0, got %v", cfg.Volume())
	}
}

func TestLoadWithProfile_MissingFileUnknownProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	if _, err := LoadWithProfile(path, "studio"); err == nil {
		t.Error("Expected error for unknown profile without config file")
	}
}

func TestLoadWithProfile_NoFileSpecified(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error when no config file is specified")
	}
}

func TestLoadWithProfile_ActiveProfileInheritsDefault(t *testing.T) {
	content := `
active_config: studio

configs:
  default:
    audio:
      backend: sim
      sample_rate: 44100
    transport:
      tempo_bpm: 90
  studio:
    audio:
      channels: 2
      warmup_timeout: 250ms
    transport:
      poll_rate_hz: 30
      rewind_after_record: false
    server:
      port: "9090"
`
	path := createTempConfig(t, content)

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Profile != "studio" {
		t.Errorf("Expected profile studio, got %q", cfg.Profile)
	}
	if cfg.Audio.Backend != "sim" || cfg.Audio.SampleRate != 44100 {
		t.Errorf("Expected audio inherited from default profile, got %+v", cfg.Audio)
	}
	if cfg.Audio.Channels != 2 {
		t.Errorf("Expected 2 channels, got %d", cfg.Audio.Channels)
	}
	if cfg.Audio.WarmupTimeout != 250*time.Millisecond {
		t.Errorf("Expected warmup timeout 250ms, got %v", cfg.Audio.WarmupTimeout)
	}
	if cfg.Audio.FramesPerBuffer != 256 {
		t.Errorf("Expected built-in frames_per_buffer 256, got %d", cfg.Audio.FramesPerBuffer)
	}
	if cfg.Transport.TempoBPM != 90 {
		t.Errorf("Expected tempo 90 from default profile, got %v", cfg.Transport.TempoBPM)
	}
	if cfg.PollInterval() != time.Second/30 {
		t.Errorf("Expected poll interval 1/30s, got %v", cfg.PollInterval())
	}
	if cfg.RewindsAfterRecord() {
		t.Error("Expected rewind_after_record disabled by profile")
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port 9090, got %q", cfg.Server.Port)
	}
}

func TestLoadWithProfile_ExplicitProfileOverridesActive(t *testing.T) {
	content := `
active_config: studio
configs:
  default:
    transport:
      tempo_bpm: 100
  studio:
    transport:
      tempo_bpm: 140
`
	path := createTempConfig(t, content)

	cfg, err := LoadWithProfile(path, "default")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Transport.TempoBPM != 100 {
		t.Errorf("Expected tempo 100, got %v", cfg.Transport.TempoBPM)
	}
}

func TestLoadWithProfile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		profile string
		wantErr string
	}{
		{
			name:    "unknown profile",
			content: "configs:\n  default:\n    transport:\n      tempo_bpm: 120\n",
			profile: "live",
			wantErr: "profile 'live' not found",
		},
		{
			name:    "no profiles",
			content: "active_config: default\n",
			wantErr: "defines no profiles",
		},
		{
			name:    "bad backend",
			content: "configs:\n  default:\n    audio:\n      backend: jack\n",
			wantErr: "audio.backend",
		},
		{
			name:    "too many channels",
			content: "configs:\n  default:\n    audio:\n      channels: 6\n",
			wantErr: "audio.channels",
		},
		{
			name:    "negative tempo",
			content: "configs:\n  default:\n    transport:\n      tempo_bpm: -10\n",
			wantErr: "transport.tempo_bpm",
		},
		{
			name:    "negative volume",
			content: "configs:\n  default:\n    audio:\n      master_volume: -0.5\n",
			wantErr: "audio.master_volume",
		},
		{
			name:    "unknown waveform",
			content: "configs:\n  default:\n    synth:\n      waveform: organ\n",
			wantErr: "synth.waveform",
		},
		{
			name:    "poll rate out of range",
			content: "configs:\n  default:\n    transport:\n      poll_rate_hz: 5000\n",
			wantErr: "transport.poll_rate_hz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfig(t, tt.content)
			_, err := LoadWithProfile(path, tt.profile)
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestMergeConfigs_KeepsBaseForZeroFields(t *testing.T) {
	base := Default()
	rewind := true
	profile := &Config{
		Audio:     AudioConfig{SampleRate: 96000},
		Transport: TransportConfig{RewindAfterRecord: &rewind},
	}

	result := mergeConfigs(base, profile)

	if result.Audio.SampleRate != 96000 {
		t.Errorf("Expected overridden sample rate, got %d", result.Audio.SampleRate)
	}
	if result.Audio.Channels != base.Audio.Channels {
		t.Errorf("Expected inherited channels %d, got %d", base.Audio.Channels, result.Audio.Channels)
	}
	if !result.RewindsAfterRecord() {
		t.Error("Expected rewind enabled")
	}
	if base.RewindsAfterRecord() {
		t.Error("Merging must not modify the base config")
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	content := `
active_config: default
configs:
  default:
    transport:
      tempo_bpm: 120
  live:
    transport:
      tempo_bpm: 150
`
	path := createTempConfig(t, content)

	if err := UpdateActiveConfig(path, "live"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Profile != "live" || cfg.Transport.TempoBPM != 150 {
		t.Errorf("Expected live profile at 150 bpm, got %q at %v", cfg.Profile, cfg.Transport.TempoBPM)
	}

	if err := UpdateActiveConfig(path, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}
