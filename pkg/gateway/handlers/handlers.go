// Package handlers implements the gateway's HTTP surface: carrier webhooks,
// media stream bridges, and the session API.
package handlers

import (
	"log/slog"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/engine"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/metrics"
	"github.com/voicebridge/voicebridge/pkg/provider"
)

// providerSampleRate is the PCM16 rate sessions run at between the carrier
// boundary and the provider.
const providerSampleRate = 24000

// Handlers carries the dependencies every endpoint shares.
type Handlers struct {
	cfg  config.Config
	eng  *engine.Engine
	mets *metrics.Metrics
	log  *slog.Logger
}

// New wires the handler set.
func New(cfg config.Config, eng *engine.Engine, mets *metrics.Metrics, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{cfg: cfg, eng: eng, mets: mets, log: logger}
}

func (h *Handlers) sessionConfig() provider.SessionConfig {
	return provider.SessionConfig{
		Model:        h.cfg.OpenAIModel,
		SystemPrompt: h.cfg.SystemPrompt,
		Format:       audio.FormatPCM16,
		SampleRate:   providerSampleRate,
	}
}
