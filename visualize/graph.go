// Package visualize renders a session's knowledge graph as an interactive
// go-echarts force graph, with a click-to-inspect modal overlay for
// per-node detail.
package visualize

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/283525452-ops/DeepTavern/graph"
)

// Strength bands for edge color/line-width, matching the graph package's
// strong/medium/weak weight thresholds.
const (
	strongWeight = 5.0
	mediumWeight = 2.0
)

// GraphVisualizer renders one session's knowledge graph.
type GraphVisualizer struct {
	edges []graph.Edge
}

// NewGraphVisualizer builds a visualizer over a snapshot of graph edges.
func NewGraphVisualizer(edges []graph.Edge) *GraphVisualizer {
	return &GraphVisualizer{edges: edges}
}

type graphPayload struct {
	nodes      []opts.GraphNode
	links      []opts.GraphLink
	categories []*opts.GraphCategory
	summary    graphSummary
	nodeMeta   map[string]nodeData
}

type graphSummary struct {
	nodes int
	edges int
}

// GenerateGraph builds the go-echarts graph component.
func (gv *GraphVisualizer) GenerateGraph(title string) *charts.Graph {
	g, _ := gv.graphWithPayload(title)
	return g
}

func (gv *GraphVisualizer) graphWithPayload(title string) (*charts.Graph, graphPayload) {
	payload := gv.buildGraphPayload()
	g := gv.buildGraph(title, payload)
	return g, payload
}

func (gv *GraphVisualizer) buildGraph(title string, payload graphPayload) *charts.Graph {
	g := charts.NewGraph()
	g.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: fmt.Sprintf("%d entities, %d relations", payload.summary.nodes, payload.summary.edges),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithInitializationOpts(opts.Initialization{
			Width:  "1200px",
			Height: "800px",
		}),
	)

	if len(payload.nodes) == 0 {
		return g
	}

	g.AddSeries(
		"knowledge-graph",
		payload.nodes,
		payload.links,
		charts.WithGraphChartOpts(opts.GraphChart{
			Layout:             "force",
			Roam:               opts.Bool(true),
			FocusNodeAdjacency: opts.Bool(true),
			Force: &opts.GraphForce{
				Repulsion:  1200,
				Gravity:    0.1,
				EdgeLength: 200,
			},
			Categories: payload.categories,
		}),
		charts.WithLabelOpts(opts.Label{
			Show: opts.Bool(true),
		}),
		charts.WithLineStyleOpts(opts.LineStyle{
			Curveness: 0.25,
			Width:     2,
		}),
	)

	return g
}

// SaveToFile renders the graph and augments it with the node-detail modal.
func (gv *GraphVisualizer) SaveToFile(filename, title string) error {
	g, payload := gv.graphWithPayload(title)

	page := components.NewPage()
	page.AddCharts(g)

	tmpFile, err := os.CreateTemp("", "graph-*.html")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpFileName := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpFileName)

	tmpOutput, err := os.Create(tmpFileName)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	if err := page.Render(tmpOutput); err != nil {
		tmpOutput.Close()
		return fmt.Errorf("failed to render graph page: %w", err)
	}
	tmpOutput.Close()

	renderedContent, err := os.ReadFile(tmpFileName)
	if err != nil {
		return fmt.Errorf("failed to read rendered content: %w", err)
	}

	modalHTML, err := gv.generateModalHTML(payload.nodeMeta)
	if err != nil {
		return fmt.Errorf("failed to build modal markup: %w", err)
	}

	finalContent := string(renderedContent)
	bodyCloseIdx := strings.LastIndex(finalContent, "</body>")
	if bodyCloseIdx == -1 {
		finalContent += modalHTML
	} else {
		finalContent = finalContent[:bodyCloseIdx] + modalHTML + finalContent[bodyCloseIdx:]
	}

	return os.WriteFile(filename, []byte(finalContent), 0o644)
}

func (gv *GraphVisualizer) buildGraphPayload() graphPayload {
	payload := graphPayload{
		categories: gv.createCategories(),
		nodeMeta:   make(map[string]nodeData),
	}

	degree := make(map[string]int)
	for _, e := range gv.edges {
		degree[e.Source]++
		degree[e.Target]++
	}

	names := make([]string, 0, len(degree))
	for n := range degree {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		payload.nodes = append(payload.nodes, opts.GraphNode{
			Name:       name,
			Value:      float32(degree[name]),
			Category:   gv.categoryFor(degree[name]),
			SymbolSize: gv.nodeSize(degree[name]),
			ItemStyle:  gv.styleFor(gv.categoryFor(degree[name])),
		})
		payload.nodeMeta[name] = nodeData{Name: name, Degree: degree[name]}
		payload.summary.nodes++
	}

	sortedEdges := make([]graph.Edge, len(gv.edges))
	copy(sortedEdges, gv.edges)
	sort.Slice(sortedEdges, func(i, j int) bool {
		if sortedEdges[i].Source != sortedEdges[j].Source {
			return sortedEdges[i].Source < sortedEdges[j].Source
		}
		return sortedEdges[i].Target < sortedEdges[j].Target
	})

	for _, e := range sortedEdges {
		payload.links = append(payload.links, opts.GraphLink{
			Source: e.Source,
			Target: e.Target,
			Value:  float32(e.Weight),
			LineStyle: &opts.LineStyle{
				Width:     gv.edgeWidth(e.Weight),
				Curveness: 0.2,
			},
		})
		payload.summary.edges++

		label := e.Primary
		if meta, ok := payload.nodeMeta[e.Source]; ok {
			meta.Relations = append(meta.Relations, fmt.Sprintf("%s --[%s]--> %s", e.Source, label, e.Target))
			payload.nodeMeta[e.Source] = meta
		}
	}

	return payload
}

func (gv *GraphVisualizer) categoryFor(degree int) int {
	switch {
	case degree >= 8:
		return 2
	case degree >= 3:
		return 1
	default:
		return 0
	}
}

func (gv *GraphVisualizer) nodeSize(degree int) float32 {
	return 20 + float32(degree)*4
}

func (gv *GraphVisualizer) edgeWidth(weight float64) float32 {
	switch {
	case weight >= strongWeight:
		return 4
	case weight >= mediumWeight:
		return 2.5
	default:
		return 1
	}
}

func (gv *GraphVisualizer) createCategories() []*opts.GraphCategory {
	return []*opts.GraphCategory{
		{Name: "Peripheral", ItemStyle: &opts.ItemStyle{Color: "#91cc75"}},
		{Name: "Connected", ItemStyle: &opts.ItemStyle{Color: "#5470c6"}},
		{Name: "Hub", ItemStyle: &opts.ItemStyle{Color: "#ee6666"}},
	}
}

func (gv *GraphVisualizer) styleFor(category int) *opts.ItemStyle {
	colors := []string{"#91cc75", "#5470c6", "#ee6666"}
	if category < 0 || category >= len(colors) {
		category = 0
	}
	return &opts.ItemStyle{Color: colors[category], BorderColor: "#fff", BorderWidth: 2}
}

func (gv *GraphVisualizer) generateModalHTML(meta map[string]nodeData) (string, error) {
	if meta == nil {
		meta = map[string]nodeData{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	data := strings.ReplaceAll(string(payload), "</script>", "<\\/script>")

	var b strings.Builder
	b.WriteString(`<style>
.node-modal{display:none;position:fixed;z-index:10000;left:0;top:0;width:100%;height:100%;background-color:rgba(0,0,0,0.5);overflow:auto;}
.node-modal-content{background-color:#fefefe;margin:5% auto;padding:20px;border:1px solid #888;border-radius:8px;width:80%;max-width:900px;max-height:90%;overflow-y:auto;}
.node-modal-header{display:flex;justify-content:space-between;align-items:center;margin-bottom:16px;padding-bottom:10px;border-bottom:2px solid #eee;}
.node-modal-title{font-size:22px;font-weight:bold;color:#333;margin:0;}
.node-modal-close{color:#888;font-size:28px;font-weight:bold;cursor:pointer;}
.node-modal-section-title{font-size:16px;font-weight:bold;color:#5470c6;margin-bottom:8px;}
.node-modal-content-text{background-color:#f9f9f9;padding:15px;border-radius:4px;max-height:320px;overflow-y:auto;font-family:'Courier New',monospace;font-size:13px;line-height:1.5;white-space:pre-wrap;}
</style>
<div id="nodeModal" class="node-modal">
	<div class="node-modal-content">
		<div class="node-modal-header">
			<h2 class="node-modal-title" id="modalTitle">Entity</h2>
			<span class="node-modal-close" id="modalClose">&times;</span>
		</div>
		<div id="modalBody"></div>
	</div>
</div>
<script>
const nodeData = `)
	b.WriteString(data)
	b.WriteString(`;
(function () {
	const modal = document.getElementById('nodeModal');
	const modalTitle = document.getElementById('modalTitle');
	const modalBody = document.getElementById('modalBody');
	document.getElementById('modalClose').addEventListener('click', function () { modal.style.display = 'none'; });
	window.addEventListener('click', function (event) { if (event.target === modal) { modal.style.display = 'none'; } });

	function showNodeDetails(name) {
		const data = nodeData[name];
		if (!data) { return; }
		modalTitle.textContent = data.name + ' (degree ' + data.degree + ')';
		let html = '<div class="node-modal-section-title">Relations</div><div class="node-modal-content-text">';
		html += (data.relations || []).join('\n') || 'none recorded';
		html += '</div>';
		modalBody.innerHTML = html;
		modal.style.display = 'block';
	}

	function attachChartHandler() {
		if (typeof echarts === 'undefined') { setTimeout(attachChartHandler, 250); return; }
		const containers = document.querySelectorAll('[id^="chart"], div[id*="chart"]');
		for (const container of containers) {
			const instance = echarts.getInstanceByDom(container);
			if (instance) {
				instance.off('click');
				instance.on('click', function (params) {
					if (params && params.data && params.data.name) { showNodeDetails(params.data.name); }
				});
				return;
			}
		}
		setTimeout(attachChartHandler, 300);
	}

	if (document.readyState === 'loading') {
		document.addEventListener('DOMContentLoaded', attachChartHandler);
	} else {
		attachChartHandler();
	}
})();
</script>
`)
	return b.String(), nil
}

type nodeData struct {
	Name      string   `json:"name"`
	Degree    int      `json:"degree"`
	Relations []string `json:"relations"`
}
