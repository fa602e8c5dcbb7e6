// Package campaign implements multi-stage attack campaign correlation
// over SIEM events: seed retrieval, attacker expansion, infrastructure
// and behavioral correlation, and temporal clustering. Each stage
// degrades independently; a failed stage is logged and skipped, never
// fatal to the analysis.
package campaign

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/cache"
	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/hash"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// Method base scores. An event's confidence is the mean of the scores
// of the methods that matched it.
const (
	scoreIPExact        = 1.0
	scoreIPSubnet       = 0.8
	scoreIPASN          = 0.6
	scoreInfrastructure = 0.75
	scoreGeospatial     = 0.3

	defaultMinConfidence = 0.5
)

// eventQuerier is the SIEM seam; satisfied by elastic.QueryLayer.
type eventQuerier interface {
	QueryEvents(ctx context.Context, req elastic.QueryRequest) (*elastic.QueryResult, error)
	IPCandidatePaths() []string
}

// Engine runs campaign analyses.
type Engine struct {
	query  eventQuerier
	cfg    config.CampaignConfig
	store  *cache.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates the engine. store persists finished campaigns and
// may be nil.
func NewEngine(query eventQuerier, cfg config.CampaignConfig, store *cache.Store, logger *zap.Logger) *Engine {
	return &Engine{
		query:  query,
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// AnalyzeRequest is the input to AnalyzeCampaign.
type AnalyzeRequest struct {
	SeedIndicators []string
	TimeRange      elastic.TimeRange
	Methods        []models.CorrelationMethod
	MinConfidence  float64
}

// workingSet accumulates events and their per-method scores across
// stages.
type workingSet struct {
	events map[string]*models.CampaignEvent
	scores map[string]map[models.CorrelationMethod]float64
}

func newWorkingSet() *workingSet {
	return &workingSet{
		events: make(map[string]*models.CampaignEvent),
		scores: make(map[string]map[models.CorrelationMethod]float64),
	}
}

// add records an event under a method. The first sighting fixes the
// role; later methods only contribute score.
func (w *workingSet) add(ev models.SecurityEvent, role models.EventRole, method models.CorrelationMethod, score float64) {
	if _, ok := w.events[ev.ID]; !ok {
		w.events[ev.ID] = &models.CampaignEvent{SecurityEvent: ev, Role: role}
		w.scores[ev.ID] = make(map[models.CorrelationMethod]float64)
	}
	if prev, ok := w.scores[ev.ID][method]; !ok || score > prev {
		w.scores[ev.ID][method] = score
	}
}

func (w *workingSet) size() int { return len(w.events) }

// AnalyzeCampaign runs the staged correlation and assembles the
// campaign aggregate.
func (e *Engine) AnalyzeCampaign(ctx context.Context, req AnalyzeRequest) (*models.Campaign, error) {
	if len(req.SeedIndicators) == 0 {
		return nil, mcperr.New(mcperr.KindValidation, "at least one seed indicator is required")
	}
	seeds := make([]string, 0, len(req.SeedIndicators))
	for _, s := range req.SeedIndicators {
		typ, err := models.ClassifyIndicator(s)
		if err != nil {
			return nil, mcperr.Wrap(mcperr.KindValidation, err, "invalid seed indicator %q", s)
		}
		if typ != models.IndicatorIPv4 && typ != models.IndicatorIPv6 {
			return nil, mcperr.New(mcperr.KindValidation, "seed indicator %q is not an IP address", s)
		}
		seeds = append(seeds, s)
	}
	sort.Strings(seeds)

	methods := req.Methods
	if len(methods) == 0 {
		methods = models.DefaultCorrelationMethods()
	}
	for _, m := range methods {
		if !m.Valid() {
			return nil, mcperr.New(mcperr.KindValidation, "unknown correlation method %q", m)
		}
	}
	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}

	set := newWorkingSet()
	var used []models.CorrelationMethod

	// Stage 1: seed retrieval.
	if err := e.retrieveSeeds(ctx, seeds, req.TimeRange, set); err != nil {
		return nil, err
	}

	// Stage 2: attacker expansion.
	for _, m := range methods {
		switch m {
		case models.MethodIPExact:
			// Seeds already carry the exact-match score.
			used = append(used, m)
		case models.MethodIPSubnet:
			if err := e.expandSubnets(ctx, seeds, req.TimeRange, set); err != nil {
				e.logger.Warn("subnet expansion failed, continuing", zap.Error(err))
			}
			used = append(used, m)
		case models.MethodIPASN:
			if err := e.expandASNs(ctx, req.TimeRange, set); err != nil {
				e.logger.Warn("asn expansion failed, continuing", zap.Error(err))
			}
			used = append(used, m)
		}
	}

	// Stage 3: shared infrastructure.
	if hasMethod(methods, models.MethodSharedInfrastructure) {
		if err := e.correlateInfrastructure(ctx, req.TimeRange, set); err != nil {
			e.logger.Warn("infrastructure correlation failed, continuing", zap.Error(err))
		}
		used = append(used, models.MethodSharedInfrastructure)
	}

	// Stage 4: behavioral similarity.
	if hasMethod(methods, models.MethodBehavioralMatch) {
		e.correlateBehavior(seeds, set)
		used = append(used, models.MethodBehavioralMatch)
	}
	if hasMethod(methods, models.MethodGeospatial) {
		e.correlateGeospatial(set)
		used = append(used, models.MethodGeospatial)
	}

	// Stage 5: temporal clustering.
	if hasMethod(methods, models.MethodTemporalCluster) {
		e.scoreTemporalProximity(set)
		used = append(used, models.MethodTemporalCluster)
	}

	campaign := e.assemble(seeds, req.TimeRange, set, used, minConfidence)
	if err := campaign.Validate(); err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "assembled campaign failed validation")
	}

	if e.store != nil {
		if err := e.store.Put(cache.BucketCampaigns, campaign.CampaignID, campaign, 0); err != nil {
			e.logger.Warn("failed to persist campaign", zap.String("campaign_id", campaign.CampaignID), zap.Error(err))
		}
	}
	return campaign, nil
}

// retrieveSeeds issues one query per seed indicator per concrete
// IP-bearing document path and unions the results by event id.
// Deliberately not one composite query: indices differ in which
// candidate path they populate, and a single bool disjunction has
// historically silently missed documents.
func (e *Engine) retrieveSeeds(ctx context.Context, seeds []string, tr elastic.TimeRange, set *workingSet) error {
	pageSize := e.cfg.MaxSeedEvents
	if pageSize > 1000 {
		pageSize = 1000
	}

	var lastErr error
	for _, seed := range seeds {
		for _, path := range e.query.IPCandidatePaths() {
			if set.size() >= e.cfg.MaxSeedEvents {
				break
			}
			result, err := e.query.QueryEvents(ctx, elastic.QueryRequest{
				TimeRange: tr,
				Filters:   []elastic.Filter{{Path: path, Operator: elastic.OpEq, Value: seed}},
				PageSize:  pageSize,
				Sort:      elastic.Sort{Field: "@timestamp", Order: elastic.SortAsc},
			})
			if err != nil {
				lastErr = err
				e.logger.Warn("seed query failed",
					zap.String("seed", seed), zap.String("path", path), zap.Error(err))
				continue
			}
			for _, ev := range result.Events {
				if set.size() >= e.cfg.MaxSeedEvents {
					break
				}
				set.add(ev, models.RoleSeed, models.MethodIPExact, scoreIPExact)
			}
		}
	}

	if set.size() == 0 {
		if lastErr != nil {
			return lastErr
		}
		return mcperr.New(mcperr.KindResourceNotFound, "no events found for the seed indicators in the given window").
			WithData(map[string]interface{}{"reason": "no_seed_events", "seed_indicators": seeds})
	}
	return nil
}

// expandSubnets pulls events from the subnets of every IP seen so far,
// seeds included, capped by the expansion fanout and the stage budget.
func (e *Engine) expandSubnets(ctx context.Context, seeds []string, tr elastic.TimeRange, set *workingSet) error {
	subnets := make(map[string]bool)
	for _, seed := range seeds {
		if prefix := subnetOf(seed, e.cfg.SubnetMaskBits); prefix != "" {
			subnets[prefix] = true
		}
	}
	for _, ev := range set.events {
		for _, ip := range []string{ev.SourceIP, ev.DestinationIP} {
			if ip == "" {
				continue
			}
			if prefix := subnetOf(ip, e.cfg.SubnetMaskBits); prefix != "" {
				subnets[prefix] = true
			}
		}
	}
	return e.expandByFilters(ctx, tr, set, fieldFilters("source_ip", sortedKeys(subnets)),
		models.RoleExpanded, models.MethodIPSubnet, scoreIPSubnet)
}

// expandASNs pulls events from the autonomous systems already seen in
// the working set, whatever stage brought them in.
func (e *Engine) expandASNs(ctx context.Context, tr elastic.TimeRange, set *workingSet) error {
	asns := make(map[string]bool)
	for _, ev := range set.events {
		if ev.ASN != "" {
			asns[ev.ASN] = true
		}
	}
	return e.expandByFilters(ctx, tr, set, fieldFilters("asn", sortedKeys(asns)),
		models.RoleExpanded, models.MethodIPASN, scoreIPASN)
}

func fieldFilters(field string, values []string) []elastic.Filter {
	out := make([]elastic.Filter, 0, len(values))
	for _, v := range values {
		out = append(out, elastic.Filter{Field: field, Operator: elastic.OpEq, Value: v})
	}
	return out
}

func (e *Engine) expandByFilters(
	ctx context.Context,
	tr elastic.TimeRange,
	set *workingSet,
	filters []elastic.Filter,
	role models.EventRole,
	method models.CorrelationMethod,
	score float64,
) error {
	if len(filters) > e.cfg.ExpansionFanout {
		filters = filters[:e.cfg.ExpansionFanout]
	}

	budget := e.cfg.StageEventBudget
	var lastErr error
	for _, filter := range filters {
		if budget <= 0 {
			break
		}
		pageSize := budget
		if pageSize > 1000 {
			pageSize = 1000
		}
		result, err := e.query.QueryEvents(ctx, elastic.QueryRequest{
			TimeRange: tr,
			Filters:   []elastic.Filter{filter},
			PageSize:  pageSize,
			Sort:      elastic.Sort{Field: "@timestamp", Order: elastic.SortAsc},
		})
		if err != nil {
			lastErr = err
			e.logger.Warn("expansion query failed",
				zap.String("method", string(method)), zap.Any("value", filter.Value), zap.Error(err))
			continue
		}
		for _, ev := range result.Events {
			if budget <= 0 {
				break
			}
			if _, known := set.events[ev.ID]; !known {
				budget--
			}
			set.add(ev, role, method, score)
		}
	}
	return lastErr
}

// correlateInfrastructure collects the non-IP infrastructure values
// (domains, TLS fingerprints, URLs, user agents) present in the
// working set, queries the SIEM for events sharing each one, and then
// scores every event whose value is shared across more than one
// source.
func (e *Engine) correlateInfrastructure(ctx context.Context, tr elastic.TimeRange, set *workingSet) error {
	values := make(map[infraValue]bool)
	for _, ev := range set.events {
		for _, iv := range infraValues(ev.SecurityEvent) {
			values[iv] = true
		}
	}
	if len(values) == 0 {
		return nil
	}
	ordered := make([]infraValue, 0, len(values))
	for iv := range values {
		ordered = append(ordered, iv)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].kind != ordered[j].kind {
			return ordered[i].kind < ordered[j].kind
		}
		return ordered[i].value < ordered[j].value
	})
	filters := make([]elastic.Filter, 0, len(ordered))
	for _, iv := range ordered {
		filters = append(filters, elastic.Filter{Field: iv.kind, Operator: elastic.OpEq, Value: iv.value})
	}
	err := e.expandByFilters(ctx, tr, set, filters,
		models.RoleCorrelated, models.MethodSharedInfrastructure, scoreInfrastructure)

	// Events that were already in the set before the queries only count
	// as infrastructure-linked when the value is genuinely shared.
	sources := make(map[infraValue]map[string]bool)
	for _, ev := range set.events {
		for _, iv := range infraValues(ev.SecurityEvent) {
			if sources[iv] == nil {
				sources[iv] = make(map[string]bool)
			}
			sources[iv][ev.SourceIP] = true
		}
	}
	for id, ev := range set.events {
		for _, iv := range infraValues(ev.SecurityEvent) {
			if len(sources[iv]) < 2 {
				continue
			}
			if prev, ok := set.scores[id][models.MethodSharedInfrastructure]; !ok || scoreInfrastructure > prev {
				set.scores[id][models.MethodSharedInfrastructure] = scoreInfrastructure
			}
			break
		}
	}
	return err
}

type infraValue struct{ kind, value string }

func infraValues(ev models.SecurityEvent) []infraValue {
	var out []infraValue
	for _, kind := range []string{"domain", "ja3", "url", "user_agent"} {
		if v, ok := lookupRaw(ev.Raw, kind); ok && v != "" {
			out = append(out, infraValue{kind, v})
		}
	}
	return out
}

// lookupRaw probes the common paths for an infra attribute in the raw
// document.
func lookupRaw(raw map[string]interface{}, kind string) (string, bool) {
	if raw == nil {
		return "", false
	}
	paths := map[string][]string{
		"domain":     {"url.domain", "destination.domain", "tls.client.server_name", "domain"},
		"ja3":        {"tls.client.ja3", "ja3"},
		"url":        {"url.original", "url.full", "url"},
		"user_agent": {"user_agent.original", "user_agent"},
	}
	for _, path := range paths[kind] {
		if v, ok := resolvePath(raw, path).(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func resolvePath(doc map[string]interface{}, path string) interface{} {
	if v, ok := doc[path]; ok {
		return v
	}
	var current interface{} = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

// correlateBehavior compares attack-type sequences per attacker against
// the seed attackers' sequences. Similar sequences within the edit
// distance bound score by how close they are.
func (e *Engine) correlateBehavior(seeds []string, set *workingSet) {
	sequences := attackSequences(set)
	seedSet := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedSet[s] = true
	}

	var seedSeqs []string
	for ip, seq := range sequences {
		if seedSet[ip] {
			seedSeqs = append(seedSeqs, seq)
		}
	}
	if len(seedSeqs) == 0 {
		return
	}

	for ip, seq := range sequences {
		if seedSet[ip] {
			continue
		}
		best := -1
		for _, seedSeq := range seedSeqs {
			d := levenshtein.ComputeDistance(seq, seedSeq)
			if best < 0 || d < best {
				best = d
			}
		}
		if best < 0 || best > e.cfg.BehavioralMaxDistance {
			continue
		}
		longest := len(seq)
		if longest == 0 {
			continue
		}
		score := 1 - float64(best)/float64(longest)
		if score <= 0 {
			continue
		}
		for id, ev := range set.events {
			if ev.SourceIP == ip {
				if prev, ok := set.scores[id][models.MethodBehavioralMatch]; !ok || score > prev {
					set.scores[id][models.MethodBehavioralMatch] = score
				}
			}
		}
	}
}

// attackSequences renders each attacker's time-ordered attack types as
// a compact string for edit-distance comparison.
func attackSequences(set *workingSet) map[string]string {
	type step struct {
		ts   time.Time
		code byte
	}
	perIP := make(map[string][]step)
	for _, ev := range set.events {
		if ev.SourceIP == "" {
			continue
		}
		perIP[ev.SourceIP] = append(perIP[ev.SourceIP], step{ev.Timestamp, eventTypeCode(ev.EventType)})
	}
	out := make(map[string]string, len(perIP))
	for ip, steps := range perIP {
		sort.Slice(steps, func(i, j int) bool { return steps[i].ts.Before(steps[j].ts) })
		var b strings.Builder
		var last byte
		for _, s := range steps {
			// Collapse runs; the shape of the sequence matters, not its length.
			if s.code != last {
				b.WriteByte(s.code)
				last = s.code
			}
		}
		out[ip] = b.String()
	}
	return out
}

func eventTypeCode(t models.EventType) byte {
	s := string(t)
	if s == "" {
		return '?'
	}
	return s[0]
}

// scoreTemporalProximity scores every event by the gap to its nearest
// neighbor in the set: exp(-dt/tau). Events farther than the
// clustering window from everything else stay unscored.
func (e *Engine) scoreTemporalProximity(set *workingSet) {
	type point struct {
		id string
		ts time.Time
	}
	points := make([]point, 0, len(set.events))
	for id, ev := range set.events {
		if !ev.Timestamp.IsZero() {
			points = append(points, point{id, ev.Timestamp})
		}
	}
	if len(points) < 2 {
		return
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ts.Before(points[j].ts) })

	tau := e.cfg.ProximityTau.Seconds()
	if tau <= 0 {
		tau = time.Hour.Seconds()
	}
	window := e.cfg.TemporalWindow.Seconds()
	for i, p := range points {
		dt := math.Inf(1)
		if i > 0 {
			dt = p.ts.Sub(points[i-1].ts).Seconds()
		}
		if i < len(points)-1 {
			if next := points[i+1].ts.Sub(p.ts).Seconds(); next < dt {
				dt = next
			}
		}
		if window > 0 && dt > window {
			continue
		}
		score := math.Exp(-dt / tau)
		set.events[p.id].TimeProximityScore = score
		set.scores[p.id][models.MethodTemporalCluster] = score
	}
}

// correlateGeospatial scores events whose source country matches a
// country seen in seed activity. Country alone is a weak signal, so
// the method score is low.
func (e *Engine) correlateGeospatial(set *workingSet) {
	countries := make(map[string]bool)
	for _, ev := range set.events {
		if ev.Role == models.RoleSeed && ev.Country != "" {
			countries[ev.Country] = true
		}
	}
	if len(countries) == 0 {
		return
	}
	for id, ev := range set.events {
		if countries[ev.Country] {
			set.scores[id][models.MethodGeospatial] = scoreGeospatial
		}
	}
}

// assemble folds the working set into the campaign aggregate. Event
// order is deterministic so equal inputs produce byte-equal campaigns.
func (e *Engine) assemble(
	seeds []string,
	tr elastic.TimeRange,
	set *workingSet,
	used []models.CorrelationMethod,
	minConfidence float64,
) *models.Campaign {
	campaign := &models.Campaign{
		CampaignID:             CampaignID(seeds, tr),
		SeedIndicators:         seeds,
		CorrelationMethodsUsed: dedupeMethods(used),
	}

	related := make(map[string]bool)
	vectors := make(map[string]bool)
	var confidenceSum float64

	ids := make([]string, 0, len(set.events))
	for id := range set.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ev := set.events[id]
		scores := set.scores[id]
		if len(scores) == 0 {
			continue
		}
		var sum float64
		for _, s := range scores {
			sum += s
		}
		ev.Confidence = sum / float64(len(scores))
		if ev.Role != models.RoleSeed && ev.Confidence < minConfidence {
			continue
		}

		campaign.Events = append(campaign.Events, *ev)
		confidenceSum += ev.Confidence
		if campaign.StartTime.IsZero() || ev.Timestamp.Before(campaign.StartTime) {
			campaign.StartTime = ev.Timestamp
		}
		if ev.Timestamp.After(campaign.EndTime) {
			campaign.EndTime = ev.Timestamp
		}
		if ev.SourceIP != "" {
			related[ev.SourceIP] = true
		}
		for _, iv := range infraValues(ev.SecurityEvent) {
			related[iv.value] = true
		}
		if ev.EventType != "" {
			vectors[string(ev.EventType)] = true
		}
	}

	if len(campaign.Events) > 0 {
		// The seed indicators are part of the campaign's indicator set.
		for _, s := range seeds {
			related[s] = true
		}
	}
	campaign.RelatedIndicators = sortedKeys(related)
	campaign.AttackVectors = sortedKeys(vectors)
	if len(campaign.Events) > 0 {
		campaign.ConfidenceScore = confidenceSum / float64(len(campaign.Events))
	}
	campaign.Confidence = models.ConfidenceFromScore(campaign.ConfidenceScore)
	campaign.SophisticationScore = sophisticationScore(campaign, e.cfg)
	return campaign
}

// CampaignID derives the stable identifier from the sorted seeds and
// the analysis window rounded to the minute. Re-running the same
// analysis names the same campaign.
func CampaignID(seeds []string, tr elastic.TimeRange) string {
	sorted := append([]string(nil), seeds...)
	sort.Strings(sorted)
	input := fmt.Sprintf("%s|%s|%s",
		strings.Join(sorted, ","),
		tr.Start.UTC().Truncate(time.Minute).Format(time.RFC3339),
		tr.End.UTC().Truncate(time.Minute).Format(time.RFC3339),
	)
	return "campaign-" + hash.StringHash(input)[:16]
}

// GetCampaign loads a persisted campaign.
func (e *Engine) GetCampaign(id string) (*models.Campaign, error) {
	if e.store == nil {
		return nil, mcperr.New(mcperr.KindResourceUnavailable, "campaign persistence is not enabled")
	}
	var campaign models.Campaign
	ok, err := e.store.Get(cache.BucketCampaigns, id, &campaign)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mcperr.New(mcperr.KindResourceNotFound, "unknown campaign %s", id)
	}
	return &campaign, nil
}

func subnetOf(ip string, maskBits int) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	bits := maskBits
	if addr.Is6() {
		bits = 64
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}

func hasMethod(methods []models.CorrelationMethod, m models.CorrelationMethod) bool {
	for _, mm := range methods {
		if mm == m {
			return true
		}
	}
	return false
}

func dedupeMethods(methods []models.CorrelationMethod) []models.CorrelationMethod {
	seen := make(map[models.CorrelationMethod]bool)
	var out []models.CorrelationMethod
	for _, m := range methods {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
