// Package server provides the public entry point for initializing the
// marketing pipeline control plane.
//
// This package lives in pkg/ (not internal/) so other binaries can compose
// the pipeline behind their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/api"
	"github.com/agentoven/marketing-pipeline/internal/api/handlers"
	"github.com/agentoven/marketing-pipeline/internal/auditor"
	"github.com/agentoven/marketing-pipeline/internal/budget"
	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/creative"
	"github.com/agentoven/marketing-pipeline/internal/decisionlog"
	"github.com/agentoven/marketing-pipeline/internal/forecast"
	"github.com/agentoven/marketing-pipeline/internal/guardrails"
	"github.com/agentoven/marketing-pipeline/internal/notify"
	"github.com/agentoven/marketing-pipeline/internal/research"
	"github.com/agentoven/marketing-pipeline/internal/retention"
	modelrouter "github.com/agentoven/marketing-pipeline/internal/router"
	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/internal/strategy"
	"github.com/agentoven/marketing-pipeline/internal/telemetry"
	"github.com/agentoven/marketing-pipeline/internal/timeseries"
	"github.com/agentoven/marketing-pipeline/internal/workflow"
)

// Config is the public configuration for the control plane. Zero fields keep
// the values loaded from the environment.
type Config struct {
	Port         int
	Version      string
	StoreBackend string
	PolicyPath   string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
	APIKeys      []string
}

// Server holds the initialized pipeline.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store backs the decision log, task results and historical winners.
	Store store.Store

	// Pipeline is the orchestrator. Exposed so embedders can submit tasks
	// without going through HTTP.
	Pipeline *workflow.Engine

	// Notifier delivers escalations and rejections.
	Notifier *notify.Service

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry. Shutdown calls it.
	ShutdownFunc func(context.Context) error

	ledger      budget.Ledger
	stopJanitor context.CancelFunc
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		StoreBackend: cfg.Database.Backend,
		PolicyPath:   cfg.PolicyPath,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		APIKeys:      cfg.APIKeys,
	}
}

// New initializes every pipeline component and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the pipeline with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	apply(cfg, pubCfg)
	return build(ctx, cfg, pubCfg)
}

func apply(cfg *config.Config, pub *Config) {
	if pub == nil {
		return
	}
	if pub.Port > 0 {
		cfg.Port = pub.Port
	}
	if pub.Version != "" {
		cfg.Version = pub.Version
	}
	if pub.StoreBackend != "" {
		cfg.Database.Backend = pub.StoreBackend
	}
	if pub.PolicyPath != "" {
		cfg.PolicyPath = pub.PolicyPath
	}
	if pub.OTELEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = pub.OTELEndpoint
	}
	if pub.ServiceName != "" {
		cfg.Telemetry.ServiceName = pub.ServiceName
	}
	if pub.APIKeys != nil {
		cfg.APIKeys = pub.APIKeys
	}
	cfg.Telemetry.Enabled = pub.OTELEnabled
}

func build(ctx context.Context, cfg *config.Config, pubCfg *Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	guard, err := guardrails.NewEngine(policy)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	log.Info().
		Int("platforms", len(policy.Platforms)).
		Int("voice_rules", len(policy.BrandVoice)).
		Msg("✅ Brand policy compiled")

	dataStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("backend", cfg.Database.Backend).Msg("✅ Store initialized")

	ledger, err := budget.New(cfg.Budget)
	if err != nil {
		_ = dataStore.Close()
		return nil, fmt.Errorf("open budget ledger: %w", err)
	}
	log.Info().Str("backend", cfg.Budget.Backend).Msg("✅ Budget ledger initialized")

	mr := modelrouter.NewFromConfig(cfg.Inference)
	log.Info().Strs("drivers", mr.ListDrivers()).Msg("✅ Model Router initialized")

	p := cfg.Pipeline
	series := timeseries.NewAggregator()
	notifier := notify.NewService(cfg.Notify)

	researchOpts := research.DefaultOptions()
	if p.DegradedCeiling > 0 {
		researchOpts.DegradedCeiling = p.DegradedCeiling
	}
	strategyOpts := strategy.DefaultOptions()
	if p.MonteCarloTrials > 0 {
		strategyOpts.Trials = p.MonteCarloTrials
	}

	wf := workflow.NewEngine(workflow.Deps{
		Researcher: research.New(mr, researchOpts),
		Strategist: strategy.New(mr, strategyOpts),
		Creative:   creative.New(mr, guard, policy, creative.Options{MaxRegenerations: p.MaxRegenerations}),
		Auditor:    auditor.New(mr, guard, auditor.Options{}),
		Log:        decisionlog.New(dataStore, decisionlog.Options{Retries: 2}),
		Tasks:      dataStore,
		Series:     series,
		Forecast:   forecast.New(forecast.DefaultOptions()),
		Ledger:     ledger,
		Notifier:   notifier,
	}, p)
	log.Info().Msg("✅ Pipeline initialized")

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go retention.NewJanitor(series, cfg.Retention, p.HistoryDays).Start(janitorCtx)

	h := handlers.New(wf, series, dataStore, notifier, mr)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Pipeline:     wf,
		Notifier:     notifier,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		ledger:       ledger,
		stopJanitor:  stopJanitor,
	}, nil
}

// Shutdown stops the retention janitor, cancels in-flight tasks and waits
// for their final entries, then releases the notifier, ledger, store and
// tracer in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopJanitor()
	if err := s.Pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	s.Notifier.Close()
	if c, ok := s.ledger.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if s.ShutdownFunc != nil {
		if err := s.ShutdownFunc(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
