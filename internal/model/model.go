// Package model provides the lipread.Model backends: an in-process CNN-BiLSTM
// and an external command.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
)

const deviceCPU = "cpu"

// New builds the backend selected by cfg.Mode.
func New(cfg config.ModelConfig, logger *slog.Logger) (lipread.Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "model"))
	switch cfg.Mode {
	case "", "native":
		return NewNative(cfg, log)
	case "exec":
		return NewExec(cfg)
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}

type nativeModel struct {
	net    *Network
	device string
}

// NewNative builds the in-process network and applies cfg.CheckpointPath when
// set. A checkpoint that fails to load is logged and the seeded weights are
// kept.
func NewNative(cfg config.ModelConfig, log *slog.Logger) (lipread.Model, error) {
	net, err := NewNetwork(DefaultArchitecture(cfg.NumClasses, cfg.Seed))
	if err != nil {
		return nil, err
	}
	return wrapNetwork(net, cfg, log), nil
}

func wrapNetwork(net *Network, cfg config.ModelConfig, log *slog.Logger) *nativeModel {
	device := strings.ToLower(strings.TrimSpace(cfg.Device))
	if device != "" && device != deviceCPU {
		log.Warn("requested device unavailable, running on cpu", slog.String("device", cfg.Device))
	}
	if cfg.CheckpointPath != "" {
		if err := net.LoadCheckpoint(cfg.CheckpointPath); err != nil {
			log.Warn("checkpoint not loaded, using initialized weights",
				slog.String("path", cfg.CheckpointPath), slogError(err))
		} else {
			log.Info("checkpoint loaded", slog.String("path", cfg.CheckpointPath))
		}
	}
	return &nativeModel{net: net, device: deviceCPU}
}

func (m *nativeModel) Infer(ctx context.Context, frames []lipread.Frame) ([][]float64, error) {
	return m.net.Forward(ctx, frames)
}

func (m *nativeModel) Describe() lipread.ModelInfo {
	return lipread.ModelInfo{
		Family:           Family,
		Backend:          "native",
		Device:           m.device,
		NumClasses:       m.net.Architecture().NumClasses,
		CheckpointLoaded: m.net.Loaded(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
