package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/analyzer"
	"github.com/sketchflow/sketchflow/pkg/analyzer/analyzers"
	"github.com/sketchflow/sketchflow/pkg/config"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/queue"
	"github.com/sketchflow/sketchflow/pkg/registry"
	"github.com/sketchflow/sketchflow/pkg/scheduler"
	"github.com/sketchflow/sketchflow/pkg/store"
	"github.com/sketchflow/sketchflow/pkg/timeline"
)

// defaultKeywords is the tag map for the builtin keyword analyzer.
var defaultKeywords = map[string]string{
	"mimikatz":   "credential-theft",
	"psexec":     "lateral-movement",
	"powershell": "powershell",
	"wevtutil":   "log-tampering",
}

// app wires the storage, registry, queue and scheduler for one CLI run.
type app struct {
	cfg       *config.Config
	store     store.Store
	events    eventstore.Store
	registry  *registry.Registry
	queue     queue.Queue
	timelines *timeline.Manager
	scheduler *scheduler.Scheduler
}

// newApp opens the configured stores and builds the scheduler with the
// builtin analyzers plus any catalog-defined definitions.
func newApp() (*app, error) {
	cfg := config.Global().Get()

	st, err := store.NewDuckDBStore(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	es, err := eventstore.NewDuckDBStore(cfg.Storage.EventIndex)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open event index: %w", err)
	}

	reg := registry.New()
	if err := registerBuiltins(reg, cfg); err != nil {
		st.Close()
		es.Close()
		return nil, err
	}
	if cfg.Analyzers.CatalogPath != "" {
		if _, statErr := os.Stat(cfg.Analyzers.CatalogPath); statErr == nil {
			if err := registry.LoadCatalog(reg, cfg.Analyzers.CatalogPath, cfg.Analyzers.DefaultTimeout, cfg.Scheduler.MaxRetries); err != nil {
				st.Close()
				es.Close()
				return nil, fmt.Errorf("load analyzer catalog: %w", err)
			}
		}
	}

	q, err := newQueue(cfg)
	if err != nil {
		st.Close()
		es.Close()
		return nil, err
	}

	sched := scheduler.New(st, es, reg, q, scheduler.Options{
		Workers:     cfg.Scheduler.Workers,
		BackoffBase: cfg.Scheduler.BackoffBase,
		BackoffCap:  cfg.Scheduler.BackoffCap,
	})
	for _, a := range builtinAnalyzers() {
		if err := sched.RegisterAnalyzer(a); err != nil {
			st.Close()
			es.Close()
			q.Close()
			return nil, err
		}
	}

	return &app{
		cfg:       cfg,
		store:     st,
		events:    es,
		registry:  reg,
		queue:     q,
		timelines: timeline.NewManager(st, es),
		scheduler: sched,
	}, nil
}

func (a *app) Close() {
	a.scheduler.Stop()
	a.queue.Close()
	a.events.Close()
	a.store.Close()
}

func newQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "", "memory":
		return queue.NewMemoryQueue(cfg.Scheduler.QueueCapacity), nil

	case "redis":
		rcfg := queue.DefaultRedisConfig(cfg.Queue.RedisAddress)
		rcfg.Password = cfg.Queue.RedisPassword
		rcfg.Database = cfg.Queue.RedisDatabase
		rcfg.Capacity = cfg.Scheduler.QueueCapacity
		if cfg.Queue.RedisTimeout > 0 {
			rcfg.Timeout = cfg.Queue.RedisTimeout
		}
		q, err := queue.NewRedisQueue(rcfg, uuid.New().String())
		if err != nil {
			return nil, fmt.Errorf("connect redis queue: %w", err)
		}
		return q, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func registerBuiltins(reg *registry.Registry, cfg *config.Config) error {
	defs := []*model.AnalyzerDefinition{
		{Name: "domain", DisplayName: "Domain extraction"},
		{Name: "bruteforce", DisplayName: "Login brute-force detection"},
		{Name: "keyword", DisplayName: "Keyword tagging"},
	}

	for _, def := range defs {
		def.Timeout = cfg.Analyzers.DefaultTimeout
		def.MaxRetries = cfg.Scheduler.MaxRetries
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func builtinAnalyzers() []analyzer.Analyzer {
	return []analyzer.Analyzer{
		analyzers.NewDomainAnalyzer(),
		analyzers.NewBruteforceAnalyzer(),
		analyzers.NewKeywordAnalyzer(defaultKeywords),
	}
}
