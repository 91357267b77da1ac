package app

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/negotiate"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

// primaryUpstream names the first entry of the upstream failover group.
const primaryUpstream = "primary"

// Broker is the assembled negotiation server.
type Broker struct {
	*negotiate.Broker
	Upstreams *resilience.FallbackGroup[negotiate.Minter]
	Health    *health.Handler
}

// NewBroker builds the negotiation broker from cfg: the primary upstream,
// then every configured fallback, each behind its own circuit breaker.
func NewBroker(cfg *config.Config, m *observe.Metrics) (*Broker, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	primary, err := negotiate.NewOpenAIUpstream(upstreamConfig(primaryUpstream, cfg.Upstream, config.UpstreamEndpoint{}))
	if err != nil {
		return nil, fmt.Errorf("app: upstream %s: %w", primaryUpstream, err)
	}
	group := resilience.NewFallbackGroup[negotiate.Minter](primary, primaryUpstream, resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  1,
	})
	for _, fb := range cfg.Upstream.Fallbacks {
		u, err := negotiate.NewOpenAIUpstream(upstreamConfig(fb.Name, cfg.Upstream, fb))
		if err != nil {
			return nil, fmt.Errorf("app: upstream %s: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, u)
	}

	hh := health.New(
		health.FileCheck("prompt", cfg.Upstream.PromptFile),
		health.GroupCheck("upstream", group),
	)

	return &Broker{
		Broker:    negotiate.NewBroker(cfg.Upstream.PromptFile, group, negotiate.WithBrokerMetrics(m)),
		Upstreams: group,
		Health:    hh,
	}, nil
}

// upstreamConfig merges an endpoint override onto the shared upstream
// settings. Empty override fields inherit.
func upstreamConfig(name string, base config.UpstreamConfig, over config.UpstreamEndpoint) negotiate.UpstreamConfig {
	uc := negotiate.UpstreamConfig{
		Name:               name,
		APIKey:             base.APIKey,
		BaseURL:            base.BaseURL,
		Model:              base.Model,
		Voice:              base.Voice,
		TranscriptionModel: base.TranscriptionModel,
		VAD: negotiate.VAD{
			Threshold:         base.VAD.Threshold,
			PrefixPaddingMs:   base.VAD.PrefixPaddingMs,
			SilenceDurationMs: base.VAD.SilenceDurationMs,
		},
		MaxRetries: base.MaxRetries,
	}
	if over.APIKey != "" {
		uc.APIKey = over.APIKey
	}
	if over.BaseURL != "" {
		uc.BaseURL = over.BaseURL
	}
	if over.Model != "" {
		uc.Model = over.Model
	}
	return uc
}
