// Package ai assembles the analysis pipeline: backend registry, resource
// manager, execution coordinator and conversation sessions, configured from
// the instance profile.
package ai

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/tutorloop/tutorloop/ai/backend"
	"github.com/tutorloop/tutorloop/ai/coordinator"
	"github.com/tutorloop/tutorloop/ai/metrics"
	"github.com/tutorloop/tutorloop/ai/resource"
	"github.com/tutorloop/tutorloop/ai/session"
	"github.com/tutorloop/tutorloop/internal/profile"
)

// Service bundles the wired pipeline for the server layer.
type Service struct {
	Registry    *backend.Registry
	Resources   *resource.Manager
	Coordinator *coordinator.Coordinator
	Sessions    *session.Manager
	Metrics     *metrics.Recorder
}

// NewService wires every analysis component from the instance profile.
func NewService(p *profile.Profile) (*Service, error) {
	recorder := metrics.NewRecorder(metrics.DefaultConfig())

	registry := backend.NewRegistry()
	if err := registerBackends(registry, p); err != nil {
		return nil, errors.Wrap(err, "register backends")
	}

	resources := resource.NewManager(registry, p.MemoryBudgetMB)
	resources.SetObserver(recorder)

	coord := coordinator.New(resources, coordinator.Config{
		CacheCapacity: p.CacheCapacity,
		CacheTTL:      time.Duration(p.CacheTTLSeconds) * time.Second,
		TimeoutOverrides: map[backend.Capability]time.Duration{
			backend.CapabilityGrammar:       time.Duration(p.GrammarTimeoutMS) * time.Millisecond,
			backend.CapabilityPronunciation: time.Duration(p.PronunciationTimeoutMS) * time.Millisecond,
			backend.CapabilityLocalization:  time.Duration(p.LocalizationTimeoutMS) * time.Millisecond,
		},
		Metrics: recorder,
	})

	sessions := session.NewManager(coord, session.ManagerConfig{
		Session: session.Config{
			SilenceTimeout: time.Duration(p.SilenceTimeoutMS) * time.Millisecond,
		},
		IdleTimeout: time.Duration(p.SessionIdleTimeoutSeconds) * time.Second,
		MaxSessions: p.MaxSessions,
		Metrics:     recorder,
		Synthesizer: session.ToneSynthesizer{},
	})

	return &Service{
		Registry:    registry,
		Resources:   resources,
		Coordinator: coord,
		Sessions:    sessions,
		Metrics:     recorder,
	}, nil
}

func registerBackends(registry *backend.Registry, p *profile.Profile) error {
	grammarDesc := backend.GrammarDescriptor(p.GrammarCostMB, time.Duration(p.GrammarTimeoutMS)*time.Millisecond)
	if err := registry.Register(grammarDesc, func(context.Context) (backend.Analyzer, error) {
		return backend.NewGrammarChecker(), nil
	}); err != nil {
		return err
	}

	pronDesc := backend.PronunciationDescriptor(p.PronunciationCostMB, time.Duration(p.PronunciationTimeoutMS)*time.Millisecond)
	if err := registry.Register(pronDesc, func(context.Context) (backend.Analyzer, error) {
		return backend.NewPronunciationScorer(16000), nil
	}); err != nil {
		return err
	}

	locDesc := backend.LocalizationDescriptor(p.LocalizationCostMB, time.Duration(p.LocalizationTimeoutMS)*time.Millisecond)
	locCfg := backend.LocalizationConfig{
		Model:   p.AILLMModel,
		APIKey:  p.AILLMAPIKey,
		BaseURL: p.AILLMBaseURL,
	}
	return registry.Register(locDesc, func(context.Context) (backend.Analyzer, error) {
		return backend.NewLocalizer(locCfg), nil
	})
}

// Shutdown drains sessions first, then unloads backends.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.Sessions.Shutdown(ctx)
	s.Resources.Shutdown(ctx)
	return err
}
