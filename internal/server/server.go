package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/anomaly"
	"dshield-mcp-go/internal/cache"
	"dshield-mcp-go/internal/campaign"
	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/datadict"
	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/intel"
	"dshield-mcp-go/internal/report"
	"dshield-mcp-go/internal/resilience"
)

// ErrBackendUnavailable marks a startup failure of a required backend,
// distinct from configuration errors for the process exit code.
var ErrBackendUnavailable = errors.New("backend unavailable at startup")

const (
	cacheDBFile      = "dshield-mcp.db"
	maintainInterval = time.Minute
	healthInterval   = 30 * time.Second
)

// Server wires the subsystems together and runs the chosen transport.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *cache.Store
	streams  *elastic.StreamRegistry
	features *FeatureManager
	mcp      *MCPServer

	httpServer *http.Server
}

// New builds the full subsystem graph. A cache database that cannot be
// opened is unrecoverable; an unreachable SIEM is not, the feature gate
// keeps those tools disabled until a health refresh sees it back.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	secrets := config.EnvSecrets{}

	registry := resilience.NewRegistry(cfg.Resilience.Breaker, logger)
	retryer := resilience.NewRetryer(cfg.Resilience.Retry, logger)
	timeouts := resilience.NewTimeouts(cfg.Resilience.Timeouts)
	errs := resilience.NewAggregator(cfg.Resilience, logger)

	dbDir := filepath.Join(cfg.OutputDir, "db")
	if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %v", ErrBackendUnavailable, dbDir, err)
	}
	store, err := cache.NewStore(filepath.Join(dbDir, cacheDBFile), cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	esClient, err := elastic.NewClient(cfg.Elasticsearch, secrets,
		registry.Register(elastic.ServiceName), retryer, timeouts, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("elasticsearch client setup failed: %w", err)
	}
	mapper := fieldmap.New(logger)
	query := elastic.NewQueryLayer(esClient, mapper, cfg.Elasticsearch, logger)
	streams := elastic.NewStreamRegistry(query, cfg.Streaming, store, logger)

	var sources []intel.Source
	for _, sc := range cfg.ThreatIntel.Sources {
		if !sc.Enabled {
			continue
		}
		src, err := intel.NewSource(sc, secrets)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("threat intel source %s setup failed: %w", sc.Name, err)
		}
		sources = append(sources, src)
	}
	intelAgg := intel.New(sources, cfg.ThreatIntel,
		func(name string) intel.Breaker { return registry.Register(name) },
		store, cfg.Cache, logger)

	campaigns := campaign.NewEngine(query, cfg.Campaign, store, logger)
	anomalies := anomaly.NewDetector(query, timeouts.For(resilience.ClassExternalService), logger)
	reports := report.NewGenerator(cfg.OutputDir, campaigns, nil, logger)

	methods := anomaly.DefaultMethods()
	methodNames := make([]string, len(methods))
	for i, m := range methods {
		methodNames[i] = string(m)
	}
	dict := datadict.Build(mapper, report.TemplateNames(), methodNames)

	features := NewFeatureManager(registry, logger)
	features.Register(FeatureElasticsearch, CheckerFunc{
		CheckName: "elasticsearch_ping",
		Fn:        esClient.Ping,
	})
	features.Register(FeatureThreatIntel, CheckerFunc{
		CheckName: "threat_intel_sources",
		Fn: func(context.Context) error {
			if len(sources) == 0 {
				return errors.New("no threat intel sources enabled")
			}
			return nil
		},
	})
	features.Register(FeaturePersistentCache, CheckerFunc{
		CheckName: "cache_store",
		Fn:        func(context.Context) error { return nil },
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		streams:  streams,
		features: features,
	}
	s.mcp = NewMCPServer(ToolDeps{
		Config:    cfg,
		Query:     query,
		Streams:   streams,
		Campaigns: campaigns,
		Intel:     intelAgg,
		Anomalies: anomalies,
		Reports:   reports,
		Dict:      dict,
		Features:  features,
		Timeouts:  timeouts,
		Errors:    errs,
		Logger:    logger,
	})
	return s, nil
}

// Run serves until ctx is cancelled. The initial health refresh runs
// before the transport comes up so the first tool call sees real
// feature states instead of the empty snapshot.
func (s *Server) Run(ctx context.Context) error {
	s.features.Refresh(ctx)
	go s.features.Run(ctx, healthInterval)
	go s.maintain(ctx)
	defer s.close()

	switch s.cfg.Transport {
	case config.TransportTCP:
		return s.serveHTTP(ctx)
	default:
		return s.serveStdio(ctx)
	}
}

func (s *Server) serveStdio(ctx context.Context) error {
	s.logger.Info("starting mcp server", zap.String("transport", "stdio"))
	done := make(chan error, 1)
	go func() {
		done <- mcpserver.ServeStdio(s.mcp.MCP())
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio transport failed: %w", err)
		}
		return nil
	}
}

func (s *Server) serveHTTP(ctx context.Context) error {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcp.MCP())

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.Handle("/mcp/", streamable)
	if s.cfg.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       3 * time.Minute,
	}

	s.logger.Info("starting mcp server",
		zap.String("transport", "tcp"),
		zap.String("listen", s.cfg.Listen),
		zap.Bool("metrics", s.cfg.EnableMetrics),
	)

	done := make(chan error, 1)
	go func() {
		done <- s.httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return nil
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http transport failed: %w", err)
		}
		return nil
	}
}

// maintain sweeps expired streams on a fixed cadence. The cache store
// runs its own sweeper internally.
func (s *Server) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.streams.Sweep(); removed > 0 {
				s.logger.Debug("expired streams swept", zap.Int("removed", removed))
			}
		}
	}
}

func (s *Server) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("cache store close failed", zap.Error(err))
	}
	s.logger.Info("server stopped")
}
