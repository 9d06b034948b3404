// Package graph implements the in-memory service dependency graph: a typed
// directed multigraph with bidirectional adjacency indices, bounded
// traversal, and weakest-link criticality aggregation. Unlike a
// repo's Neo4j-backed graph.Backend, this graph lives entirely in memory so
// it starts instantly and needs no external database.
package graph

import (
	"encoding/json"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/runbook-agent/change-intelligence/internal/cerrors"
	"github.com/runbook-agent/change-intelligence/internal/models"
)

// ServiceGraph is a concurrency-safe, in-memory directed multigraph of
// services and their dependencies.
type ServiceGraph struct {
	mu       sync.RWMutex
	nodes    map[string]*models.ServiceNode
	edges    map[string]*models.DependencyEdge
	outgoing map[string]map[string]string // source -> target -> edgeID
	incoming map[string]map[string]string // target -> source -> edgeID
}

// New returns an empty ServiceGraph.
func New() *ServiceGraph {
	return &ServiceGraph{
		nodes:    make(map[string]*models.ServiceNode),
		edges:    make(map[string]*models.DependencyEdge),
		outgoing: make(map[string]map[string]string),
		incoming: make(map[string]map[string]string),
	}
}

// AddService inserts or replaces a node.
func (g *ServiceGraph) AddService(node models.ServiceNode) error {
	if node.ID == "" {
		return cerrors.Validation("service id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := node
	g.nodes[node.ID] = &n
	if _, ok := g.outgoing[node.ID]; !ok {
		g.outgoing[node.ID] = make(map[string]string)
	}
	if _, ok := g.incoming[node.ID]; !ok {
		g.incoming[node.ID] = make(map[string]string)
	}
	return nil
}

// RemoveService deletes a node and every edge touching it.
func (g *ServiceGraph) RemoveService(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return cerrors.NotFoundf("no service %s", id)
	}
	for target, edgeID := range g.outgoing[id] {
		delete(g.edges, edgeID)
		delete(g.incoming[target], id)
	}
	for source, edgeID := range g.incoming[id] {
		delete(g.edges, edgeID)
		delete(g.outgoing[source], id)
	}
	delete(g.outgoing, id)
	delete(g.incoming, id)
	delete(g.nodes, id)
	return nil
}

// GetService retrieves a node by id.
func (g *ServiceGraph) GetService(id string) (*models.ServiceNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, cerrors.NotFoundf("no service %s", id)
	}
	copied := *n
	return &copied, nil
}

// ListServices returns every known node, sorted by id.
func (g *ServiceGraph) ListServices() []models.ServiceNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ServiceNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddDependency inserts or replaces a directed edge source -> target. Both
// endpoints are auto-vivified as bare ServiceNodes if not already present,
// matching how dependency discovery (config, otel, kube-labels) typically
// observes edges before it observes full node metadata. Confidence is
// normalized into [0,1] with a default of 1.0 when absent, and edgeSource
// is inferred from metadata["source"] when the caller left it unset.
func (g *ServiceGraph) AddDependency(edge models.DependencyEdge) error {
	if edge.Source == "" || edge.Target == "" {
		return cerrors.Validation("dependency edge requires source and target")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensureNodeLocked(edge.Source)
	g.ensureNodeLocked(edge.Target)

	id := models.DependencyEdgeID(edge.Source, edge.Target)
	e := edge
	e.ID = id
	e.Confidence = normalizeConfidence(edge.Confidence)
	if e.EdgeSource == "" {
		if src, ok := edge.Metadata["source"]; ok {
			e.EdgeSource = models.EdgeSource(src)
		}
	}
	g.edges[id] = &e
	g.outgoing[edge.Source][edge.Target] = id
	g.incoming[edge.Target][edge.Source] = id
	return nil
}

// normalizeConfidence clamps a caller-supplied confidence into [0,1],
// defaulting an absent (zero) value to 1.0.
func normalizeConfidence(c float64) float64 {
	if c == 0 {
		return 1.0
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func (g *ServiceGraph) ensureNodeLocked(id string) {
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = &models.ServiceNode{ID: id, Name: id, Type: models.NodeTypeService}
	}
	if _, ok := g.outgoing[id]; !ok {
		g.outgoing[id] = make(map[string]string)
	}
	if _, ok := g.incoming[id]; !ok {
		g.incoming[id] = make(map[string]string)
	}
}

// RemoveDependency deletes the edge source -> target, if present.
func (g *ServiceGraph) RemoveDependency(source, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := models.DependencyEdgeID(source, target)
	if _, ok := g.edges[id]; !ok {
		return cerrors.NotFoundf("no dependency %s -> %s", source, target)
	}
	delete(g.edges, id)
	delete(g.outgoing[source], target)
	delete(g.incoming[target], source)
	return nil
}

// GetDependencies returns the outgoing edges of id (what id depends on).
func (g *ServiceGraph) GetDependencies(id string) []models.DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.DependencyEdge
	for _, edgeID := range g.outgoing[id] {
		out = append(out, *g.edges[edgeID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// GetDependents returns the incoming edges of id (what depends on id).
func (g *ServiceGraph) GetDependents(id string) []models.DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.DependencyEdge
	for _, edgeID := range g.incoming[id] {
		out = append(out, *g.edges[edgeID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// FindPath performs a breadth-first search for the shortest path from
// source to target, bounded by maxHops. Returns nil, nil if no path exists
// within the bound.
func (g *ServiceGraph) FindPath(source, target string, maxHops int) (*models.ImpactPath, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[source]; !ok {
		return nil, cerrors.NotFoundf("no service %s", source)
	}
	if _, ok := g.nodes[target]; !ok {
		return nil, cerrors.NotFoundf("no service %s", target)
	}
	if source == target {
		return &models.ImpactPath{Source: source, Affected: target, Path: []string{source}, Hops: 1, Confidence: 1}, nil
	}

	type queueItem struct {
		node string
		path []string
	}
	visited := map[string]bool{source: true}
	queue := []queueItem{{node: source, path: []string{source}}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if len(item.path)-1 >= maxHops {
			continue
		}
		for next := range g.outgoing[item.node] {
			if visited[next] {
				continue
			}
			nextPath := append(append([]string{}, item.path...), next)
			if next == target {
				edgeSources, criticality, confidence := g.summarizePathLocked(nextPath)
				return &models.ImpactPath{
					Source:      source,
					Affected:    target,
					Path:        nextPath,
					Hops:        len(nextPath),
					Criticality: criticality,
					Confidence:  confidence,
					EdgeSources: edgeSources,
				}, nil
			}
			visited[next] = true
			queue = append(queue, queueItem{node: next, path: nextPath})
		}
	}
	return nil, nil
}

// summarizePathLocked aggregates criticality (weakest-link) and confidence
// (minimum along the path) for the edges comprising path. Caller must hold
// g.mu (read or write).
func (g *ServiceGraph) summarizePathLocked(path []string) ([]models.EdgeSource, models.Criticality, float64) {
	criticality := models.CriticalityCritical // strongest identity element
	confidence := 1.0
	sourceSet := map[models.EdgeSource]bool{}
	var sources []models.EdgeSource

	for i := 0; i < len(path)-1; i++ {
		edgeID := models.DependencyEdgeID(path[i], path[i+1])
		edge, ok := g.edges[edgeID]
		if !ok {
			continue
		}
		criticality = models.WeakerCriticality(criticality, edge.Criticality)
		if edge.Confidence > 0 && edge.Confidence < confidence {
			confidence = edge.Confidence
		}
		if !sourceSet[edge.EdgeSource] {
			sourceSet[edge.EdgeSource] = true
			sources = append(sources, edge.EdgeSource)
		}
	}
	return sources, criticality, confidence
}

// GetUpstreamImpact walks incoming edges (who depends on target) up to
// maxDepth hops, returning one ImpactPath per reachable ancestor via its
// shortest discovered route. Criticality aggregates via the weakest-link
// rule and confidence via the minimum along the path.
func (g *ServiceGraph) GetUpstreamImpact(target string, maxDepth int) ([]models.ImpactPath, error) {
	return g.walk(target, maxDepth, func(id string) map[string]string { return g.incoming[id] }, true)
}

// GetDownstreamImpact walks outgoing edges (what target depends on) up to
// maxDepth hops.
func (g *ServiceGraph) GetDownstreamImpact(target string, maxDepth int) ([]models.ImpactPath, error) {
	return g.walk(target, maxDepth, func(id string) map[string]string { return g.outgoing[id] }, false)
}

func (g *ServiceGraph) walk(start string, maxDepth int, adjacency func(string) map[string]string, upstream bool) ([]models.ImpactPath, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[start]; !ok {
		return nil, cerrors.NotFoundf("no service %s", start)
	}

	type queueItem struct {
		node string
		path []string
	}
	visited := map[string]bool{start: true}
	queue := []queueItem{{node: start, path: []string{start}}}
	var results []models.ImpactPath

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		depth := len(item.path) - 1
		if depth >= maxDepth {
			continue
		}
		for next := range adjacency(item.node) {
			if visited[next] {
				continue
			}
			visited[next] = true
			nextPath := append(append([]string{}, item.path...), next)

			var edgePath []string
			if upstream {
				edgePath = reverse(nextPath)
			} else {
				edgePath = nextPath
			}
			edgeSources, criticality, confidence := g.summarizePathLocked(edgePath)

			ip := models.ImpactPath{
				Source:      start,
				Affected:    next,
				Path:        nextPath,
				Hops:        len(nextPath),
				Criticality: criticality,
				Confidence:  confidence,
				EdgeSources: edgeSources,
			}
			results = append(results, ip)
			queue = append(queue, queueItem{node: next, path: nextPath})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Hops != results[j].Hops {
			return results[i].Hops < results[j].Hops
		}
		return results[i].Affected < results[j].Affected
	})
	return results, nil
}

func reverse(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// Merge folds other into g. Where both graphs define the same node or edge
// id, g's existing definition wins (base-wins semantics) — this lets a
// freshly imported catalog enrich the live graph without clobbering
// manually curated entries.
func (g *ServiceGraph) Merge(other *ServiceGraph) error {
	other.mu.RLock()
	otherNodes := make([]models.ServiceNode, 0, len(other.nodes))
	for _, n := range other.nodes {
		otherNodes = append(otherNodes, *n)
	}
	otherEdges := make([]models.DependencyEdge, 0, len(other.edges))
	for _, e := range other.edges {
		otherEdges = append(otherEdges, *e)
	}
	other.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range otherNodes {
		if _, exists := g.nodes[n.ID]; !exists {
			copied := n
			g.nodes[n.ID] = &copied
			g.outgoing[n.ID] = make(map[string]string)
			g.incoming[n.ID] = make(map[string]string)
		}
	}
	for _, e := range otherEdges {
		id := models.DependencyEdgeID(e.Source, e.Target)
		if _, exists := g.edges[id]; exists {
			continue
		}
		g.ensureNodeLocked(e.Source)
		g.ensureNodeLocked(e.Target)
		copied := e
		copied.ID = id
		g.edges[id] = &copied
		g.outgoing[e.Source][e.Target] = id
		g.incoming[e.Target][e.Source] = id
	}
	return nil
}

// GetStats summarizes the graph's shape.
func (g *ServiceGraph) GetStats() models.GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := models.GraphStats{
		NodeCount: len(g.nodes),
		EdgeCount: len(g.edges),
		ByType:    map[string]int{},
		ByTeam:    map[string]int{},
	}
	for _, n := range g.nodes {
		stats.ByType[string(n.Type)]++
		if n.Team != "" {
			stats.ByTeam[n.Team]++
		}
		if n.Tier == models.TierCritical {
			stats.CriticalNodes++
		}
	}
	if len(g.nodes) > 0 {
		stats.AverageOutDegree = float64(len(g.edges)) / float64(len(g.nodes))
	}
	return stats
}

// ToJSON serializes the graph to its wire shape.
func (g *ServiceGraph) ToJSON() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	export := models.GraphExport{
		Services:     make([]models.ServiceNode, 0, len(g.nodes)),
		Dependencies: make([]models.DependencyEdge, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		export.Services = append(export.Services, *n)
	}
	for _, e := range g.edges {
		export.Dependencies = append(export.Dependencies, *e)
	}
	sort.Slice(export.Services, func(i, j int) bool { return export.Services[i].ID < export.Services[j].ID })
	sort.Slice(export.Dependencies, func(i, j int) bool { return export.Dependencies[i].ID < export.Dependencies[j].ID })
	return json.Marshal(export)
}

// FromJSON replaces the graph's contents with the decoded export.
func (g *ServiceGraph) FromJSON(data []byte) error {
	var export models.GraphExport
	if err := json.Unmarshal(data, &export); err != nil {
		return cerrors.Wrap(err, cerrors.ValidationError, "decode graph export")
	}
	return g.load(export)
}

// ImportYAML loads the optional graph seed file named in configuration
// at startup, using the same GraphExport shape as ToJSON/FromJSON so a
// human-curated YAML catalog and a programmatic JSON export are
// interchangeable.
func (g *ServiceGraph) ImportYAML(data []byte) error {
	var export models.GraphExport
	if err := yaml.Unmarshal(data, &export); err != nil {
		return cerrors.Wrap(err, cerrors.ValidationError, "decode graph yaml")
	}
	return g.load(export)
}

func (g *ServiceGraph) load(export models.GraphExport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*models.ServiceNode, len(export.Services))
	g.edges = make(map[string]*models.DependencyEdge, len(export.Dependencies))
	g.outgoing = make(map[string]map[string]string, len(export.Services))
	g.incoming = make(map[string]map[string]string, len(export.Services))

	for _, n := range export.Services {
		node := n
		g.nodes[n.ID] = &node
		g.outgoing[n.ID] = make(map[string]string)
		g.incoming[n.ID] = make(map[string]string)
	}
	for _, e := range export.Dependencies {
		g.ensureNodeLocked(e.Source)
		g.ensureNodeLocked(e.Target)
		id := models.DependencyEdgeID(e.Source, e.Target)
		edge := e
		edge.ID = id
		edge.Confidence = normalizeConfidence(e.Confidence)
		if edge.EdgeSource == "" {
			if src, ok := e.Metadata["source"]; ok {
				edge.EdgeSource = models.EdgeSource(src)
			}
		}
		g.edges[id] = &edge
		g.outgoing[e.Source][e.Target] = id
		g.incoming[e.Target][e.Source] = id
	}
	return nil
}
