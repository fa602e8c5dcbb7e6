package campaign

import (
	"sort"

	"dshield-mcp-go/internal/models"
)

// Graph is the indicator relationship graph built from a working set of
// events. Indicator strings are interned to integer ids; edges are kept
// flat and deduplicated.
type Graph struct {
	ids   map[string]int
	names []string
	edges map[int][]graphEdge
}

type graphEdge struct {
	to         int
	relation   models.RelationType
	confidence float64
	evidence   []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		ids:   make(map[string]int),
		edges: make(map[int][]graphEdge),
	}
}

func (g *Graph) intern(name string) int {
	if id, ok := g.ids[name]; ok {
		return id
	}
	id := len(g.names)
	g.ids[name] = id
	g.names = append(g.names, name)
	return id
}

// AddRelation inserts a bidirectional edge. Duplicate edges keep the
// higher confidence and union the evidence.
func (g *Graph) AddRelation(src, dst string, relation models.RelationType, confidence float64, evidence ...string) {
	if src == dst {
		return
	}
	a, b := g.intern(src), g.intern(dst)
	g.addEdge(a, b, relation, confidence, evidence)
	g.addEdge(b, a, relation, confidence, evidence)
}

func (g *Graph) addEdge(from, to int, relation models.RelationType, confidence float64, evidence []string) {
	for i := range g.edges[from] {
		e := &g.edges[from][i]
		if e.to == to && e.relation == relation {
			if confidence > e.confidence {
				e.confidence = confidence
			}
			e.evidence = unionStrings(e.evidence, evidence)
			return
		}
	}
	g.edges[from] = append(g.edges[from], graphEdge{
		to:         to,
		relation:   relation,
		confidence: confidence,
		evidence:   append([]string(nil), evidence...),
	})
}

// Size returns the number of interned indicators.
func (g *Graph) Size() int { return len(g.names) }

// Expand walks the graph breadth-first from start, following only the
// requested relation types, bounded by depth and per-node fanout.
// Returns the traversed edges in visit order.
func (g *Graph) Expand(start string, relations []models.RelationType, maxDepth, fanout int) []models.IndicatorRelationship {
	startID, ok := g.ids[start]
	if !ok {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	allowed := make(map[models.RelationType]bool, len(relations))
	for _, r := range relations {
		allowed[r] = true
	}

	type frame struct {
		id    int
		depth int
	}
	visited := map[int]bool{startID: true}
	queue := []frame{{startID, 0}}
	var out []models.IndicatorRelationship

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		neighbors := append([]graphEdge(nil), g.edges[cur.id]...)
		sort.Slice(neighbors, func(i, j int) bool {
			if neighbors[i].confidence != neighbors[j].confidence {
				return neighbors[i].confidence > neighbors[j].confidence
			}
			return g.names[neighbors[i].to] < g.names[neighbors[j].to]
		})

		taken := 0
		for _, e := range neighbors {
			if len(allowed) > 0 && !allowed[e.relation] {
				continue
			}
			if visited[e.to] {
				continue
			}
			if fanout > 0 && taken >= fanout {
				break
			}
			visited[e.to] = true
			taken++
			out = append(out, models.IndicatorRelationship{
				SourceIndicator:  g.names[cur.id],
				RelatedIndicator: g.names[e.to],
				RelationType:     e.relation,
				Confidence:       e.confidence,
				EvidenceEventIDs: e.evidence,
			})
			queue = append(queue, frame{e.to, cur.depth + 1})
		}
	}
	return out
}

// BuildGraph derives relationships from a set of campaign events:
// attackers in the same subnet or autonomous system, and attackers
// sharing non-IP infrastructure.
func BuildGraph(events []models.CampaignEvent, subnetMaskBits int) *Graph {
	g := NewGraph()

	bySubnet := make(map[string][]string)
	byASN := make(map[string][]string)
	byInfra := make(map[infraValue][]string)
	evidence := make(map[string][]string)
	seenIP := make(map[string]bool)

	for _, ev := range events {
		ip := ev.SourceIP
		if ip == "" {
			continue
		}
		evidence[ip] = append(evidence[ip], ev.ID)
		if !seenIP[ip] {
			seenIP[ip] = true
			if subnet := subnetOf(ip, subnetMaskBits); subnet != "" {
				bySubnet[subnet] = append(bySubnet[subnet], ip)
			}
			if ev.ASN != "" {
				byASN[ev.ASN] = append(byASN[ev.ASN], ip)
			}
		}
		for _, iv := range infraValues(ev.SecurityEvent) {
			byInfra[iv] = append(byInfra[iv], ip)
		}
	}

	link := func(group []string, relation models.RelationType, confidence float64) {
		sort.Strings(group)
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				g.AddRelation(group[i], group[j], relation, confidence,
					firstN(evidence[group[i]], 3)...)
			}
		}
	}
	for _, group := range bySubnet {
		link(group, models.RelationSameSubnet, scoreIPSubnet)
	}
	for _, group := range byASN {
		link(group, models.RelationSameASN, scoreIPASN)
	}
	for iv, ips := range byInfra {
		unique := dedupeStrings(ips)
		// The infra value itself joins the graph so expansion can pivot
		// through it.
		for _, ip := range unique {
			g.AddRelation(ip, iv.value, models.RelationSharedInfrastructure, scoreInfrastructure,
				firstN(evidence[ip], 3)...)
		}
	}
	return g
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}
