package cmd

import (
	"fmt"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/audio/pa"
	"github.com/audiolibrelab/jamloop/internal/audio/sim"
	"github.com/audiolibrelab/jamloop/internal/config"
	"github.com/audiolibrelab/jamloop/internal/service"
)

// newBackend opens the configured audio backend
func newBackend(cfg *config.Config) (audio.Backend, error) {
	backendType, err := audio.ParseBackendType(cfg.Audio.Backend)
	if err != nil {
		return audio.Backend{}, err
	}

	switch backendType {
	case audio.BackendTypeSim:
		backend, _, _ := sim.New(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Volume())
		return backend, nil
	case audio.BackendTypePortAudio:
		backend, err := pa.New(cfg)
		if err != nil {
			return audio.Backend{}, fmt.Errorf("failed to open portaudio backend: %w", err)
		}
		return backend, nil
	default:
		return audio.Backend{}, fmt.Errorf("unsupported backend: %s", backendType)
	}
}

// newLooper opens the backend and wires the looper service over it
func newLooper(cfg *config.Config) (*service.Looper, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	looper, err := service.New(cfg, backend)
	if err != nil {
		if backend.Close != nil {
			backend.Close()
		}
		return nil, fmt.Errorf("failed to create looper: %w", err)
	}
	return looper, nil
}
