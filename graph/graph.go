// Package graph implements the knowledge-graph store: a per-session directed,
// weighted, multi-relation graph with alias resolution and a node-embedding
// cache, persisted as a (graph, vectors, aliases) file triplet and saved on a
// debounced timer. Grounded on the source system's GraphManager.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/283525452-ops/DeepTavern/embedding"
	"github.com/283525452-ops/DeepTavern/log"
)

// saveInterval is the debounce window between dirty writes — matches the
// source system's 30-second autosave timer.
const saveInterval = 30 * time.Second

// Strength thresholds for edge formatting tags.
const (
	strongWeight = 5.0
	mediumWeight = 2.0
)

// Edge is one directed, possibly-multi-relation connection between two nodes.
type Edge struct {
	Source      string
	Target      string
	Relations   []string // union of relation labels ever applied to this edge
	Primary     string   // the first relation recorded, used for display
	Descriptions []string
	Weight      float64
}

type edgeKey struct{ source, target string }

// Embedder produces a vector for a node's display text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Graph is one session's knowledge graph.
type Graph struct {
	sessionUUID string
	dir         string
	embedder    Embedder

	mu       sync.RWMutex
	edges    map[edgeKey]*Edge
	adjOut   map[string]map[string]bool // node -> set of out-neighbors
	adjIn    map[string]map[string]bool // node -> set of in-neighbors
	vectors  map[string][]float32
	aliases  map[string]string // lowercased alias -> canonical node name

	dirty      bool
	saveMu     sync.Mutex
	stopTimer  chan struct{}
	timerOnce  sync.Once
}

// Open loads (or initializes) the graph for one session from dir, and starts
// its debounced autosave goroutine.
func Open(ctx context.Context, dir string, sessionUUID string, embedder Embedder) (*Graph, error) {
	g := &Graph{
		sessionUUID: sessionUUID,
		dir:         dir,
		embedder:    embedder,
		edges:       make(map[edgeKey]*Edge),
		adjOut:      make(map[string]map[string]bool),
		adjIn:       make(map[string]map[string]bool),
		vectors:     make(map[string][]float32),
		aliases:     make(map[string]string),
		stopTimer:   make(chan struct{}),
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	go g.autosaveLoop()
	return g, nil
}

func (g *Graph) paths() (graphPath, vectorsPath, aliasesPath string) {
	base := filepath.Join(g.dir, g.sessionUUID)
	return base + ".graph.json", base + ".vectors.json", base + ".aliases.json"
}

type onDiskEdge struct {
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Relations    []string `json:"relations"`
	Primary      string   `json:"primary"`
	Descriptions []string `json:"descriptions"`
	Weight       float64  `json:"weight"`
}

func (g *Graph) load() error {
	graphPath, vectorsPath, aliasesPath := g.paths()

	if data, err := os.ReadFile(graphPath); err == nil {
		var onDisk []onDiskEdge
		if err := json.Unmarshal(data, &onDisk); err != nil {
			return fmt.Errorf("graph: parse %s: %w", graphPath, err)
		}
		for _, e := range onDisk {
			edge := &Edge{
				Source: e.Source, Target: e.Target, Relations: e.Relations,
				Primary: e.Primary, Descriptions: e.Descriptions, Weight: e.Weight,
			}
			g.edges[edgeKey{e.Source, e.Target}] = edge
			g.link(e.Source, e.Target)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("graph: read %s: %w", graphPath, err)
	}

	if data, err := os.ReadFile(vectorsPath); err == nil {
		if err := json.Unmarshal(data, &g.vectors); err != nil {
			return fmt.Errorf("graph: parse %s: %w", vectorsPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("graph: read %s: %w", vectorsPath, err)
	}

	if data, err := os.ReadFile(aliasesPath); err == nil {
		if err := json.Unmarshal(data, &g.aliases); err != nil {
			return fmt.Errorf("graph: parse %s: %w", aliasesPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("graph: read %s: %w", aliasesPath, err)
	}
	return nil
}

func (g *Graph) link(source, target string) {
	if g.adjOut[source] == nil {
		g.adjOut[source] = make(map[string]bool)
	}
	g.adjOut[source][target] = true
	if g.adjIn[target] == nil {
		g.adjIn[target] = make(map[string]bool)
	}
	g.adjIn[target][source] = true
}

func (g *Graph) unlink(source, target string) {
	delete(g.adjOut[source], target)
	delete(g.adjIn[target], source)
}

func (g *Graph) markDirty() {
	g.saveMu.Lock()
	g.dirty = true
	g.saveMu.Unlock()
}

func (g *Graph) autosaveLoop() {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.saveIfDirty()
		case <-g.stopTimer:
			g.saveIfDirty()
			return
		}
	}
}

func (g *Graph) saveIfDirty() {
	g.saveMu.Lock()
	dirty := g.dirty
	g.saveMu.Unlock()
	if !dirty {
		return
	}
	if err := g.saveNow(); err != nil {
		log.Log.Errorf("[Graph] autosave failed for %s: %v", g.sessionUUID, err)
		return
	}
	g.saveMu.Lock()
	g.dirty = false
	g.saveMu.Unlock()
}

func (g *Graph) saveNow() error {
	g.mu.RLock()
	onDisk := make([]onDiskEdge, 0, len(g.edges))
	for _, e := range g.edges {
		onDisk = append(onDisk, onDiskEdge{
			Source: e.Source, Target: e.Target, Relations: e.Relations,
			Primary: e.Primary, Descriptions: e.Descriptions, Weight: e.Weight,
		})
	}
	vectors := g.vectors
	aliases := g.aliases
	g.mu.RUnlock()

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("graph: mkdir %s: %w", g.dir, err)
	}
	graphPath, vectorsPath, aliasesPath := g.paths()

	if err := writeJSON(graphPath, onDisk); err != nil {
		return err
	}
	if err := writeJSON(vectorsPath, vectors); err != nil {
		return err
	}
	return writeJSON(aliasesPath, aliases)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("graph: encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("graph: write %s: %w", path, err)
	}
	return nil
}

// Flush forces an immediate save regardless of the dirty flag or timer.
func (g *Graph) Flush() error {
	return g.saveNow()
}

// Close stops the autosave goroutine after a final flush.
func (g *Graph) Close() error {
	g.timerOnce.Do(func() { close(g.stopTimer) })
	return nil
}

// AddAlias registers alt as an alternate name resolving to canonical.
func (g *Graph) AddAlias(alt, canonical string) {
	g.mu.Lock()
	g.aliases[strings.ToLower(alt)] = canonical
	g.mu.Unlock()
	g.markDirty()
}

// ResolveEntity maps a raw name through the alias table, falling back to the
// name itself if unaliased.
func (g *Graph) ResolveEntity(name string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if canonical, ok := g.aliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// AddTriplet records (or accumulates onto an existing) directed edge. If the
// edge already exists: weight accumulates, the relation set unions (the
// first relation ever recorded stays "primary" for display), and
// descriptions union with de-duplication. This exact accumulation algorithm
// must also back merge_entities, since merging replays each edge through
// this method.
func (g *Graph) AddTriplet(ctx context.Context, source, relation, target, description string, weight float64) error {
	source = g.ResolveEntity(source)
	target = g.ResolveEntity(target)
	if source == "" || target == "" || relation == "" {
		return fmt.Errorf("graph: add triplet: source/relation/target required")
	}
	if weight <= 0 {
		weight = 1.0
	}

	g.mu.Lock()
	key := edgeKey{source, target}
	edge, ok := g.edges[key]
	if !ok {
		edge = &Edge{Source: source, Target: target, Primary: relation}
		g.edges[key] = edge
		g.link(source, target)
	}
	edge.Weight += weight
	if !containsString(edge.Relations, relation) {
		edge.Relations = append(edge.Relations, relation)
	}
	if description != "" && !containsString(edge.Descriptions, description) {
		edge.Descriptions = append(edge.Descriptions, description)
	}
	g.mu.Unlock()

	g.markDirty()
	if err := g.ensureNodeVector(ctx, source); err != nil {
		log.Log.Warnf("[Graph] embed node %q: %v", source, err)
	}
	if err := g.ensureNodeVector(ctx, target); err != nil {
		log.Log.Warnf("[Graph] embed node %q: %v", target, err)
	}
	return nil
}

// AddTripletsBatch adds many triplets then forces a single save, matching the
// source system's add_triplets_batch.
func (g *Graph) AddTripletsBatch(ctx context.Context, triplets []Triplet) error {
	for _, t := range triplets {
		if err := g.AddTriplet(ctx, t.Source, t.Relation, t.Target, t.Description, t.Weight); err != nil {
			return err
		}
	}
	return g.Flush()
}

// Triplet is one extracted (source, relation, target, description) tuple,
// with an optional weight (defaults to 1.0 if zero).
type Triplet struct {
	Source      string
	Relation    string
	Target      string
	Description string
	Weight      float64
}

func (g *Graph) ensureNodeVector(ctx context.Context, node string) error {
	g.mu.RLock()
	_, has := g.vectors[node]
	g.mu.RUnlock()
	if has || g.embedder == nil {
		return nil
	}
	vec, err := g.embedder.Embed(ctx, node)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.vectors[node] = vec
	g.mu.Unlock()
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MergeEntities folds `from` into `to`: every edge touching `from` is
// re-applied through AddTriplet onto `to`, preserving accumulation, then
// `from`'s own edges are removed.
func (g *Graph) MergeEntities(ctx context.Context, from, to string) error {
	g.mu.RLock()
	var toReplay []Triplet
	for key, e := range g.edges {
		if key.source == from {
			for _, rel := range e.Relations {
				desc := ""
				if len(e.Descriptions) > 0 {
					desc = e.Descriptions[0]
				}
				toReplay = append(toReplay, Triplet{Source: to, Relation: rel, Target: key.target, Description: desc, Weight: e.Weight / float64(len(e.Relations))})
			}
		}
		if key.target == from {
			for _, rel := range e.Relations {
				desc := ""
				if len(e.Descriptions) > 0 {
					desc = e.Descriptions[0]
				}
				toReplay = append(toReplay, Triplet{Source: key.source, Relation: rel, Target: to, Description: desc, Weight: e.Weight / float64(len(e.Relations))})
			}
		}
	}
	g.mu.RUnlock()

	for _, t := range toReplay {
		if err := g.AddTriplet(ctx, t.Source, t.Relation, t.Target, t.Description, t.Weight); err != nil {
			return err
		}
	}

	g.mu.Lock()
	for key, e := range g.edges {
		if key.source == from || key.target == from {
			delete(g.edges, key)
			g.unlink(e.Source, e.Target)
		}
	}
	delete(g.vectors, from)
	g.mu.Unlock()
	g.markDirty()
	return nil
}

// GetEntityRelations returns the sorted out-edges and in-edges for one node.
func (g *Graph) GetEntityRelations(node string) (out []Edge, in []Edge) {
	node = g.ResolveEntity(node)
	g.mu.RLock()
	defer g.mu.RUnlock()

	for target := range g.adjOut[node] {
		if e, ok := g.edges[edgeKey{node, target}]; ok {
			out = append(out, *e)
		}
	}
	for source := range g.adjIn[node] {
		if e, ok := g.edges[edgeKey{source, node}]; ok {
			in = append(in, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	sort.Slice(in, func(i, j int) bool { return in[i].Source < in[j].Source })
	return out, in
}

// FindPath does a breadth-first search for the shortest path from source to
// target, capped at maxDepth hops, and formats it as an arrow-joined chain.
func (g *Graph) FindPath(source, target string, maxDepth int) (string, bool) {
	source = g.ResolveEntity(source)
	target = g.ResolveEntity(target)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if source == target {
		return source, true
	}
	type step struct {
		node string
		path []string
	}
	visited := map[string]bool{source: true}
	queue := []step{{node: source, path: []string{source}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.path)-1 >= maxDepth {
			continue
		}
		for next := range g.adjOut[cur.node] {
			if visited[next] {
				continue
			}
			nextPath := append(append([]string{}, cur.path...), next)
			if next == target {
				return strings.Join(nextPath, " => "), true
			}
			visited[next] = true
			queue = append(queue, step{node: next, path: nextPath})
		}
	}
	return "", false
}

// GetCommonNeighbors returns nodes reachable (either direction) from both a
// and b.
func (g *Graph) GetCommonNeighbors(a, b string) []string {
	a, b = g.ResolveEntity(a), g.ResolveEntity(b)
	g.mu.RLock()
	defer g.mu.RUnlock()

	neighbors := func(n string) map[string]bool {
		out := make(map[string]bool)
		for t := range g.adjOut[n] {
			out[t] = true
		}
		for s := range g.adjIn[n] {
			out[s] = true
		}
		return out
	}
	na, nb := neighbors(a), neighbors(b)
	var common []string
	for n := range na {
		if nb[n] {
			common = append(common, n)
		}
	}
	sort.Strings(common)
	return common
}

// SearchSubgraph scores nodes by relevance (vector if an embedder is
// configured, keyword fallback otherwise), expands each relevant node into a
// bounded-radius ego graph, dedups edges by (source, relation, target), drops
// edges below minWeight, and formats the result as strength-tagged lines.
func (g *Graph) SearchSubgraph(ctx context.Context, query string, radius int, minWeight float64, topK int) ([]string, error) {
	relevant, err := g.findRelevantNodes(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	if len(relevant) == 0 {
		return nil, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{}
	for _, n := range relevant {
		seen[n] = true
	}
	frontier := relevant
	for d := 0; d < radius; d++ {
		var next []string
		for _, n := range frontier {
			for t := range g.adjOut[n] {
				if !seen[t] {
					seen[t] = true
					next = append(next, t)
				}
			}
			for s := range g.adjIn[n] {
				if !seen[s] {
					seen[s] = true
					next = append(next, s)
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	type dedupKey struct{ s, r, t string }
	dedup := map[dedupKey]bool{}
	var lines []string
	for key, e := range g.edges {
		if !seen[key.source] || !seen[key.target] {
			continue
		}
		if e.Weight < minWeight {
			continue
		}
		dk := dedupKey{e.Source, e.Primary, e.Target}
		if dedup[dk] {
			continue
		}
		dedup[dk] = true
		lines = append(lines, formatEdge(e))
	}
	sort.Strings(lines)
	return lines, nil
}

func formatEdge(e *Edge) string {
	tag := ""
	switch {
	case e.Weight >= strongWeight:
		tag = "[strong] "
	case e.Weight >= mediumWeight:
		tag = "[medium] "
	}
	desc := ""
	if len(e.Descriptions) > 0 {
		desc = " (" + strings.Join(e.Descriptions, "; ") + ")"
	}
	return fmt.Sprintf("%s%s -[%s]-> %s%s", tag, e.Source, e.Primary, e.Target, desc)
}

func (g *Graph) findRelevantNodes(ctx context.Context, query string, topK int) ([]string, error) {
	g.mu.RLock()
	nodes := make([]string, 0, len(g.vectors))
	for n := range g.adjOut {
		nodes = append(nodes, n)
	}
	for n := range g.adjIn {
		if _, ok := g.adjOut[n]; !ok {
			nodes = append(nodes, n)
		}
	}
	vectors := g.vectors
	g.mu.RUnlock()

	type scored struct {
		node  string
		score float64
	}
	var candidates []scored

	if g.embedder != nil {
		qvec, err := g.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("graph: embed query: %w", err)
		}
		for _, n := range nodes {
			if vec, ok := vectors[n]; ok {
				candidates = append(candidates, scored{node: n, score: embedding.CosineSimilarity(qvec, vec)})
			}
		}
	} else {
		for _, n := range nodes {
			candidates = append(candidates, scored{node: n, score: keywordMatchScore(query, n)})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	var out []string
	for i, c := range candidates {
		if i >= topK || c.score <= 0 {
			break
		}
		out = append(out, c.node)
	}
	return out, nil
}

// keywordMatchScore mirrors the source system's _keyword_match_score:
// exact match scores highest, substring match scores next, and token overlap
// (Jaccard-style) scores lowest among nonzero matches.
func keywordMatchScore(query, node string) float64 {
	q, n := strings.ToLower(query), strings.ToLower(node)
	if q == n {
		return 1.0
	}
	if strings.Contains(q, n) || strings.Contains(n, q) {
		if len(n) >= len(q)/2 {
			return 0.8
		}
		return 0.6
	}
	qTokens := tokenSet(q)
	nTokens := tokenSet(n)
	if len(qTokens) == 0 || len(nTokens) == 0 {
		return 0
	}
	intersection := 0
	for t := range qTokens {
		if nTokens[t] {
			intersection++
		}
	}
	union := len(qTokens) + len(nTokens) - intersection
	if union == 0 || intersection == 0 {
		return 0
	}
	return 0.5 * float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.Fields(s) {
		out[t] = true
	}
	return out
}

// AllEdges returns a snapshot of every edge currently in the graph, for the
// debug dashboard's full graph rendering (GetDetailedStats only surfaces the
// heaviest N).
func (g *Graph) AllEdges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, *e)
	}
	return edges
}

// Stats summarizes the graph's current size, used by the debug dashboard.
type Stats struct {
	NodeCount int
	EdgeCount int
}

// GetStats returns basic size counters.
func (g *Graph) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := map[string]bool{}
	for _, e := range g.edges {
		nodes[e.Source] = true
		nodes[e.Target] = true
	}
	return Stats{NodeCount: len(nodes), EdgeCount: len(g.edges)}
}

// DetailedStats extends Stats with the top-weighted edges, used by the debug
// dashboard's graph panel.
type DetailedStats struct {
	Stats
	TopEdges []Edge
}

// GetDetailedStats returns Stats plus the n heaviest edges by weight.
func (g *Graph) GetDetailedStats(n int) DetailedStats {
	base := g.GetStats()
	g.mu.RLock()
	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, *e)
	}
	g.mu.RUnlock()
	sort.Slice(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
	if len(edges) > n {
		edges = edges[:n]
	}
	return DetailedStats{Stats: base, TopEdges: edges}
}

// PruneWeakEdges removes every edge below minWeight.
func (g *Graph) PruneWeakEdges(minWeight float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, e := range g.edges {
		if e.Weight < minWeight {
			delete(g.edges, key)
			g.unlink(e.Source, e.Target)
			removed++
		}
	}
	if removed > 0 {
		g.markDirty()
	}
	return removed
}

// PruneOrphanNodes drops node vectors with no remaining edges.
func (g *Graph) PruneOrphanNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for n := range g.vectors {
		if len(g.adjOut[n]) == 0 && len(g.adjIn[n]) == 0 {
			delete(g.vectors, n)
			removed++
		}
	}
	if removed > 0 {
		g.markDirty()
	}
	return removed
}

// ClearCurrentGraph wipes every edge, vector, and alias for this session.
func (g *Graph) ClearCurrentGraph() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[edgeKey]*Edge)
	g.adjOut = make(map[string]map[string]bool)
	g.adjIn = make(map[string]map[string]bool)
	g.vectors = make(map[string][]float32)
	g.aliases = make(map[string]string)
	g.markDirtyLocked()
}

func (g *Graph) markDirtyLocked() {
	g.saveMu.Lock()
	g.dirty = true
	g.saveMu.Unlock()
}

// DeleteGraph removes the on-disk file triplet entirely.
func (g *Graph) DeleteGraph() error {
	graphPath, vectorsPath, aliasesPath := g.paths()
	for _, p := range []string{graphPath, vectorsPath, aliasesPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("graph: delete %s: %w", p, err)
		}
	}
	return nil
}
