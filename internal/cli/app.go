package cli

import (
	"log/slog"

	"github.com/medasklabs/medask-go/internal/backend"
	"github.com/medasklabs/medask-go/internal/backend/agent"
	"github.com/medasklabs/medask-go/internal/backend/completion"
	"github.com/medasklabs/medask-go/internal/backend/websearch"
	"github.com/medasklabs/medask-go/internal/config"
	"github.com/medasklabs/medask-go/internal/redact"
	"github.com/medasklabs/medask-go/internal/redact/language"
	"github.com/medasklabs/medask-go/internal/route"
)

// app bundles the wired components every command uses.
type app struct {
	cfg      *config.Cfg
	detector *language.Client
	adapters []backend.Adapter
	router   *route.Router
	mode     redact.Mode
}

// buildApp wires the detector and the backend chain from cfg. Backends
// without credentials are left out of the chain; config validation already
// guaranteed at least one remains.
func buildApp(cfg *config.Cfg) (*app, error) {
	mode, err := redact.ParseMode(cfg.Gate.Mode)
	if err != nil {
		return nil, err
	}

	det := language.New(language.Config{
		Endpoint: cfg.Detector.Endpoint,
		Key:      cfg.Detector.Key,
		Domain:   cfg.Detector.Domain,
		Language: cfg.Detector.Language,
	})

	adapters := buildAdapters(cfg)
	router, err := route.New(adapters, cfg.AttemptTimeoutDuration())
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		detector: det,
		adapters: adapters,
		router:   router,
		mode:     mode,
	}, nil
}

// buildAdapters assembles the fallback chain in priority order from the
// configured backends.
func buildAdapters(cfg *config.Cfg) []backend.Adapter {
	var adapters []backend.Adapter

	if cfg.AgentConfigured() {
		adapters = append(adapters, agent.New(agent.Config{
			Endpoint:           cfg.Agent.Endpoint,
			Key:                cfg.Agent.Key,
			APIVersion:         cfg.Agent.APIVersion,
			AgentID:            cfg.Agent.AgentID,
			Model:              cfg.Agent.Model,
			SearchConnectionID: cfg.Agent.SearchConnectionID,
		}))
	}

	var llm *completion.Client
	if cfg.CompletionConfigured() {
		llm = completion.New(completion.Config{
			BaseURL: cfg.Completion.BaseURL,
			Key:     cfg.Completion.Key,
			Model:   cfg.Completion.Model,
		})
	}

	if cfg.SearchConfigured() {
		if llm == nil {
			slog.Warn("websearch backend needs completion credentials too, skipping it")
		} else {
			adapters = append(adapters, websearch.New(websearch.Config{
				Endpoint: cfg.Search.Endpoint,
				Key:      cfg.Search.Key,
				Count:    cfg.Search.Count,
			}, llm))
		}
	}

	if llm != nil {
		adapters = append(adapters, llm)
	}

	return adapters
}

// gate builds a redaction gate with the given policy over the app's detector.
func (a *app) gate(mode redact.Mode, threshold float64) *redact.Gate {
	return redact.New(a.detector, mode, threshold)
}
