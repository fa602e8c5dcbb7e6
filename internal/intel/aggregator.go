package intel

import (
	"context"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dshield-mcp-go/internal/cache"
	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// hostResolver is the DNS seam for domain enrichment.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Breaker is the slice of the resilience breaker the aggregator uses.
type Breaker interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Aggregator fans an indicator out to every enabled source and merges
// whatever comes back. One failing source degrades the answer, it never
// fails the call; only all sources failing does.
type Aggregator struct {
	sources  []Source
	cfg      config.ThreatIntel
	limiters map[string]*sourceLimiter
	breakers map[string]Breaker
	ipCache  *cache.Tiered
	domCache *cache.Tiered
	resolver hostResolver
	logger   *zap.Logger
}

// New creates the aggregator. register supplies the per-source breaker,
// normally the resilience registry's Register. store may be nil for
// memory-only caching.
func New(
	sources []Source,
	cfg config.ThreatIntel,
	register func(name string) Breaker,
	store *cache.Store,
	cacheCfg config.CacheConfig,
	logger *zap.Logger,
) *Aggregator {
	limiters := make(map[string]*sourceLimiter, len(sources))
	breakers := make(map[string]Breaker, len(sources))
	for _, src := range sources {
		limiters[src.Name()] = newSourceLimiter(rateFor(cfg, src.Name()))
		breakers[src.Name()] = register("intel_" + src.Name())
	}
	return &Aggregator{
		sources:  sources,
		cfg:      cfg,
		limiters: limiters,
		breakers: breakers,
		ipCache:  cache.NewTiered(store, cache.BucketIntelIP, cacheCfg),
		domCache: cache.NewTiered(store, cache.BucketIntelDomain, cacheCfg),
		resolver: net.DefaultResolver,
		logger:   logger,
	}
}

func rateFor(cfg config.ThreatIntel, name string) int {
	for _, s := range cfg.Sources {
		if s.Name == name {
			return s.RateLimitPerMinute
		}
	}
	return 0
}

// Enrich aggregates every enabled source's view of an indicator.
func (a *Aggregator) Enrich(ctx context.Context, indicator string) (*models.ThreatIntelResult, error) {
	typ, err := models.ClassifyIndicator(indicator)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindValidation, err, "unrecognized indicator")
	}
	if len(a.sources) == 0 {
		return nil, mcperr.New(mcperr.KindResourceUnavailable, "no threat intelligence sources configured")
	}

	tier := a.tierFor(typ)

	type outcome struct {
		name   string
		result *models.SourceResult
		err    error
	}
	outcomes := make([]outcome, len(a.sources))

	g, gctx := errgroup.WithContext(ctx)
	limit := a.cfg.MaxConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			key := src.Name() + "|" + indicator
			var cached models.SourceResult
			if ok, err := tier.Get(key, &cached); err == nil && ok {
				outcomes[i] = outcome{name: src.Name(), result: &cached}
				return nil
			}

			result, err := a.querySource(gctx, src, indicator, typ)
			if err != nil {
				outcomes[i] = outcome{name: src.Name(), err: err}
				// Partial failure: swallow so the other sources finish.
				return nil
			}
			if err := tier.Put(key, result, src.CacheTTL()); err != nil {
				a.logger.Debug("failed to cache source result",
					zap.String("source", src.Name()), zap.Error(err))
			}
			outcomes[i] = outcome{name: src.Name(), result: result}
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]models.SourceResult)
	trust := make(map[string]float64)
	var queried, succeeded, failed []string
	for _, src := range a.sources {
		trust[src.Name()] = src.Trust()
	}
	for _, o := range outcomes {
		queried = append(queried, o.name)
		if o.err != nil {
			failed = append(failed, o.name)
			a.logger.Warn("threat intel source failed",
				zap.String("source", o.name),
				zap.String("indicator", indicator),
				zap.Error(o.err),
			)
			continue
		}
		succeeded = append(succeeded, o.name)
		results[o.name] = *o.result
	}
	sort.Strings(queried)
	sort.Strings(succeeded)
	sort.Strings(failed)

	if len(succeeded) == 0 {
		return nil, mcperr.New(mcperr.KindExternalService, "all threat intelligence sources unavailable").
			WithData(map[string]interface{}{"sources_failed": failed})
	}

	return merge(indicator, typ, results, trust, queried, succeeded, failed, a.cfg.MergeWeight), nil
}

// EnrichDomain is Enrich plus resolved infrastructure for domains.
func (a *Aggregator) EnrichDomain(ctx context.Context, domain string) (*models.DomainIntelResult, error) {
	typ, err := models.ClassifyIndicator(domain)
	if err != nil || typ != models.IndicatorDomain {
		return nil, mcperr.New(mcperr.KindValidation, "%q is not a domain", domain)
	}

	base, err := a.Enrich(ctx, domain)
	if err != nil {
		return nil, err
	}
	out := &models.DomainIntelResult{ThreatIntelResult: *base}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if ips, err := a.resolver.LookupHost(resolveCtx, domain); err == nil {
		sort.Strings(ips)
		out.ResolvedIPs = ips
	} else {
		a.logger.Debug("domain resolution failed", zap.String("domain", domain), zap.Error(err))
	}

	for _, r := range base.SourceResults {
		if reg, ok := r.Raw["registrar"].(string); ok && out.Registrar == "" {
			out.Registrar = reg
		}
	}
	return out, nil
}

// querySource runs one source lookup through its limiter and breaker.
// A denied rate limit inside the trip window stays off the breaker's
// books; past the window the rejections count as failures so a
// persistently limited source eventually opens.
func (a *Aggregator) querySource(ctx context.Context, src Source, indicator string, typ models.IndicatorType) (*models.SourceResult, error) {
	name := src.Name()
	limiter := a.limiters[name]
	breaker := a.breakers[name]

	if limiter != nil && !limiter.Allow() {
		rlErr := mcperr.New(mcperr.KindRateLimited, "source %s rate limited", name).WithService(name)
		if a.cfg.RateLimitTripWindow > 0 && limiter.LimitedFor() >= a.cfg.RateLimitTripWindow {
			return nil, breaker.Execute(ctx, func(context.Context) error { return rlErr })
		}
		return nil, rlErr
	}

	var result *models.SourceResult
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := src.Lookup(ctx, indicator, typ)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Aggregator) tierFor(typ models.IndicatorType) *cache.Tiered {
	switch typ {
	case models.IndicatorIPv4, models.IndicatorIPv6:
		return a.ipCache
	default:
		return a.domCache
	}
}

// CacheStats reports both tiers for the health tool.
func (a *Aggregator) CacheStats() []cache.TierStats {
	return []cache.TierStats{a.ipCache.Stats(), a.domCache.Stats()}
}
