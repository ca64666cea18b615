// Package orchestrator sequences one conversational turn: a moderation gate,
// Reflex (intent + query rewrite), Rules RAG, Memory RAG, GraphRAG, Director
// (plan synthesis), Narrator (streamed prose), durable persistence, and an
// asynchronous post-turn fan-out (state update first, then compressor/graph
// extractor/sociologist concurrently). Grounded on
// original_source/core/workflow/manager.py's chat() generator.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/283525452-ops/DeepTavern/cache"
	"github.com/283525452-ops/DeepTavern/embedding"
	"github.com/283525452-ops/DeepTavern/graph"
	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/memory"
	"github.com/283525452-ops/DeepTavern/session"
	"github.com/283525452-ops/DeepTavern/state"
	"github.com/283525452-ops/DeepTavern/store"
	"github.com/283525452-ops/DeepTavern/vector"
)

// narratorFailureSentinel is returned to the caller verbatim when every
// narrator provider in the chain is exhausted; streaming must still complete
// to the connected client rather than surface a bare error.
const narratorFailureSentinel = "(narrator failure, please retry)"

// rulesCandidateCount is how many rule fragments the semantic search step
// surfaces for Reflex to choose among.
const rulesCandidateCount = 5

// deepModeMemoryHits and defaultModeMemoryHits are the Memory RAG hit counts
// for deep_mode and the default respectively.
const (
	deepModeMemoryHits    = 100
	defaultModeMemoryHits = 20
	rerankDropThreshold   = 0.2
)

// StreamingNarrator is implemented by the narrator's provider chain; the
// narrator role always targets the primary provider with no fallback
// mid-stream, per the original system's streaming contract.
type StreamingNarrator interface {
	ChatCompletionStream(ctx context.Context, model string, messages []llminterface.Message) (<-chan llminterface.Chunk, error)
}

// Roles bundles the per-capability LLM bindings the orchestrator drives.
type Roles struct {
	Reflex   llminterface.Provider
	Director llminterface.Provider
	Narrator StreamingNarrator

	ReflexModel   string
	DirectorModel string
	NarratorModel string
}

// Orchestrator wires every component into the turn pipeline.
type Orchestrator struct {
	core    *store.CoreStore
	rules   *store.RulesStore
	hot     *cache.HotCache
	memCol  vector.Store // long_term_memory
	ruleCol vector.Store // rules_memory

	roles       Roles
	moderation  *Moderation
	compressor  *memory.Compressor
	stateEngine *state.Engine
	extractor   *graph.Extractor
	sociologist *Sociologist
	reranker    vector.Reranker
}

// New builds the turn orchestrator. reranker may be nil, in which case
// Memory RAG falls back to raw vector-similarity order with no score-based
// drop.
func New(core *store.CoreStore, rules *store.RulesStore, hot *cache.HotCache, memCol, ruleCol vector.Store,
	roles Roles, moderation *Moderation, compressor *memory.Compressor, stateEngine *state.Engine,
	extractor *graph.Extractor, sociologist *Sociologist, reranker vector.Reranker) *Orchestrator {
	return &Orchestrator{
		core: core, rules: rules, hot: hot, memCol: memCol, ruleCol: ruleCol,
		roles: roles, moderation: moderation, compressor: compressor,
		stateEngine: stateEngine, extractor: extractor, sociologist: sociologist,
		reranker: reranker,
	}
}

// rerankerAdapter adapts the embedding capability's Reranker (which returns
// embedding.ScoredDoc) to the vector.Reranker shape Memory RAG consumes. The
// two packages declare structurally identical but distinctly named result
// types to avoid vector importing embedding, so the shapes must be copied
// across rather than type-asserted.
type rerankerAdapter struct {
	inner embedding.Reranker
}

func (r rerankerAdapter) Rerank(ctx context.Context, query string, documents []string) ([]vector.ScoredDoc, error) {
	scored, err := r.inner.Rerank(ctx, query, documents)
	if err != nil {
		return nil, err
	}
	out := make([]vector.ScoredDoc, len(scored))
	for i, s := range scored {
		out[i] = vector.ScoredDoc{Index: s.Index, Score: s.Score}
	}
	return out, nil
}

// NewReranker wraps an embedding-capability reranker for use as the
// orchestrator's Memory RAG second-stage scorer. Returns nil if inner is nil.
func NewReranker(inner embedding.Reranker) vector.Reranker {
	if inner == nil {
		return nil
	}
	return rerankerAdapter{inner: inner}
}

// TurnResult is what the caller (HTTP adapter) needs to stream a response
// and know what happened.
type TurnResult struct {
	Blocked bool
	Stream  <-chan llminterface.Chunk
}

// reflexOutput is Reflex's intent classification + rewritten retrieval query.
type reflexOutput struct {
	Intent         string `json:"intent"`
	RewrittenQuery string `json:"rewritten_query"`
}

// RunTurn executes one full turn for the active session. deepMode widens
// Memory RAG to 100 hits instead of the default 20; liteMode skips Reflex,
// Rules RAG, Memory RAG, GraphRAG, and Director entirely, sending the raw
// user input straight to the narrator for a fast-path reply.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *session.Session, userInput string, deepMode, liteMode bool) (*TurnResult, error) {
	if o.moderation != nil && o.moderation.ShouldBlock(ctx, userInput) {
		log.Log.Infof("[Orchestrator] moderation blocked turn for session %s", sess.Row.UUID)
		return &TurnResult{Blocked: true}, nil
	}

	reflex := reflexOutput{Intent: "continue", RewrittenQuery: userInput}
	var rulesCtx, memoryCtx, graphCtx []string
	plan := userInput

	if !liteMode {
		reflex = o.runReflex(ctx, userInput)
		rulesCtx = o.gatherRules(ctx, reflex.RewrittenQuery)
		memoryCtx = o.gatherMemory(ctx, reflex.RewrittenQuery, sess.Row.UUID, deepMode)
		var err error
		graphCtx, err = sess.Graph.SearchSubgraph(ctx, reflex.RewrittenQuery, 2, 1.0, 20)
		if err != nil {
			log.Log.Warnf("[Orchestrator] graph retrieval failed, continuing without it: %v", err)
		}
	}

	currentState, err := o.stateEngine.Current(ctx, sess.Row.UUID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load state: %w", err)
	}

	if !liteMode {
		plan, err = o.runDirector(ctx, userInput, rulesCtx, memoryCtx, graphCtx, currentState)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: director: %w", err)
		}
	}

	stream, err := o.runNarrator(ctx, sess.Row.UUID, plan)
	if err != nil {
		log.Log.Errorf("[Orchestrator] narrator chain exhausted: %v", err)
		return &TurnResult{Stream: sentinelStream()}, nil
	}

	return &TurnResult{Stream: o.persistAndFanOut(ctx, sess, userInput, stream)}, nil
}

func (o *Orchestrator) runReflex(ctx context.Context, userInput string) reflexOutput {
	out := reflexOutput{Intent: "continue", RewrittenQuery: userInput}
	if o.roles.Reflex == nil {
		return out
	}
	resp, err := o.roles.Reflex.ChatCompletion(ctx, o.roles.ReflexModel, []llminterface.Message{
		{Role: "user", Content: "Classify the intent of this roleplay message and produce a concise retrieval query. Reply as JSON {\"intent\":\"...\",\"rewritten_query\":\"...\"}.\n\n" + userInput},
	}, nil)
	if err != nil {
		log.Log.Warnf("[Orchestrator] reflex failed, using raw input: %v", err)
		return out
	}
	parsed, ok := parseReflex(resp.Content)
	if !ok {
		return out
	}
	return parsed
}

// gatherRules runs Rules RAG: semantic-search rules_memory for
// rulesCandidateCount candidates, ask Reflex to select which apply by
// numeric index, then union the selection with every always-on (active
// scope) rule and every cheap keyword-matched context rule.
func (o *Orchestrator) gatherRules(ctx context.Context, query string) []string {
	var selected []string
	if o.ruleCol != nil {
		candidates, err := o.ruleCol.Search(ctx, query, rulesCandidateCount, nil)
		if err != nil {
			log.Log.Warnf("[Orchestrator] rules candidate search failed: %v", err)
		} else if len(candidates) > 0 {
			selected = append(selected, o.selectRulesByIndex(ctx, query, candidates)...)
		}
	}
	if o.rules != nil {
		active, err := o.rules.ActiveRules(ctx)
		if err == nil {
			for _, r := range active {
				selected = append(selected, r.Text)
			}
		}
		if ctxRules, err := o.rules.ContextRules(ctx, strings.Fields(query)); err == nil {
			for _, r := range ctxRules {
				selected = append(selected, r.Text)
			}
		}
	}
	return dedupLines(selected)
}

// selectRulesByIndex asks Reflex which of the candidate rules apply,
// parsing the reply with tolerance: any comma/space-separated run of
// digits within [1..k] is accepted, deduplicated, and out-of-range values
// are dropped silently.
func (o *Orchestrator) selectRulesByIndex(ctx context.Context, query string, candidates []vector.SearchResult) []string {
	if o.roles.Reflex == nil {
		return candidateTexts(candidates)
	}
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Record.Text)
	}
	prompt := fmt.Sprintf(
		"Scene context: %s\n\nWhich of these rules apply to the current scene? Reply with the applicable numbers only, comma or space separated (e.g. \"1, 3\"), or \"none\" if none apply.\n\n%s",
		query, b.String(),
	)
	resp, err := o.roles.Reflex.ChatCompletion(ctx, o.roles.ReflexModel, []llminterface.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		log.Log.Warnf("[Orchestrator] rule selection failed, using every candidate: %v", err)
		return candidateTexts(candidates)
	}
	indices := parseRuleIndices(resp.Content, len(candidates))
	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		out = append(out, candidates[idx-1].Record.Text)
	}
	return out
}

func candidateTexts(candidates []vector.SearchResult) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Record.Text
	}
	return out
}

// parseRuleIndices extracts 1-based indices from a free-form reply: any run
// of digits is treated as a candidate index regardless of separator,
// out-of-range values are dropped, and duplicates are removed while
// preserving first-seen order.
func parseRuleIndices(reply string, k int) []int {
	var out []int
	seen := make(map[int]bool)
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		if n, err := strconv.Atoi(cur.String()); err == nil && n >= 1 && n <= k && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
		cur.Reset()
	}
	for _, r := range reply {
		if r >= '0' && r <= '9' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// gatherMemory builds Director's memory context: the full memory spine
// (every MACRO plus every un-merged MICRO), then Memory RAG proper — a
// semantic search over long_term_memory restricted to this session's records
// plus records whose metadata type is "internet_lore" (the tag the harvester
// writes), reranked and filtered to score > rerankDropThreshold.
func (o *Orchestrator) gatherMemory(ctx context.Context, query, sessionUUID string, deepMode bool) []string {
	var lines []string
	spine, err := o.core.MemorySpine(ctx, sessionUUID)
	if err == nil {
		for _, n := range spine {
			tierTag := "Micro"
			if n.Tier == store.TierMacro {
				tierTag = "Macro"
			}
			lines = append(lines, fmt.Sprintf("[%s|%s] %s", tierTag, n.TimelineTag, n.Text))
		}
	}
	if o.memCol == nil {
		return lines
	}

	hits := defaultModeMemoryHits
	if deepMode {
		hits = deepModeMemoryHits
	}
	results, err := o.memCol.Search(ctx, query, hits, map[string]string{"session_id": sessionUUID})
	if err != nil {
		log.Log.Warnf("[Orchestrator] memory RAG search failed: %v", err)
		return lines
	}
	globalResults, err := o.memCol.Search(ctx, query, hits, map[string]string{"type": "internet_lore"})
	if err == nil {
		results = append(results, globalResults...)
	}
	return append(lines, o.rerankAndFilter(ctx, query, results)...)
}

// rerankAndFilter applies the second-stage reranker (if configured) and
// drops anything scoring at or below rerankDropThreshold. With no reranker
// configured, every candidate passes through in vector-similarity order.
func (o *Orchestrator) rerankAndFilter(ctx context.Context, query string, results []vector.SearchResult) []string {
	if o.reranker == nil || len(results) == 0 {
		return searchResultTexts(results)
	}
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Record.Text
	}
	scored, err := o.reranker.Rerank(ctx, query, docs)
	if err != nil {
		log.Log.Warnf("[Orchestrator] rerank failed, falling back to vector order: %v", err)
		return searchResultTexts(results)
	}
	out := make([]string, 0, len(scored))
	for _, s := range scored {
		if s.Score <= rerankDropThreshold || s.Index < 0 || s.Index >= len(results) {
			continue
		}
		out = append(out, results[s.Index].Record.Text)
	}
	return out
}

func searchResultTexts(results []vector.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Record.Text
	}
	return out
}

func (o *Orchestrator) runDirector(ctx context.Context, userInput string, rules, memoryLines, graphLines []string, currentState map[string]any) (string, error) {
	if o.roles.Director == nil {
		return userInput, nil
	}
	prompt := fmt.Sprintf(
		"Rules:\n%s\n\nMemory:\n%s\n\nKnowledge graph:\n%s\n\nWorld state: %v\n\nUser input: %s\n\nWrite a concise scene plan for the narrator to follow.",
		strings.Join(rules, "\n"), strings.Join(memoryLines, "\n"), strings.Join(graphLines, "\n"), currentState, userInput,
	)
	resp, err := o.roles.Director.ChatCompletion(ctx, o.roles.DirectorModel, []llminterface.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *Orchestrator) runNarrator(ctx context.Context, sessionUUID, plan string) (<-chan llminterface.Chunk, error) {
	if o.roles.Narrator == nil {
		return nil, fmt.Errorf("orchestrator: no narrator configured")
	}
	return o.roles.Narrator.ChatCompletionStream(ctx, o.roles.NarratorModel, []llminterface.Message{
		{Role: "system", Content: "You are the narrator. Write vivid second-person prose following the scene plan."},
		{Role: "user", Content: plan},
	})
}

// persistAndFanOut drains the narrator stream into a re-broadcast channel,
// appends both turn messages once the stream completes, and launches the
// synchronous-then-parallel post-turn fan-out. The returned channel yields
// the same chunks as the narrator stream to the caller.
func (o *Orchestrator) persistAndFanOut(ctx context.Context, sess *session.Session, userInput string, upstream <-chan llminterface.Chunk) <-chan llminterface.Chunk {
	out := make(chan llminterface.Chunk)
	go func() {
		defer close(out)
		var b strings.Builder
		for chunk := range upstream {
			out <- chunk
			b.WriteString(chunk.Content)
		}
		narratorOutput := b.String()
		if narratorOutput == "" {
			narratorOutput = narratorFailureSentinel
		}

		if _, err := o.core.AppendMessage(ctx, sess.Row.UUID, store.RoleUser, userInput); err != nil {
			log.Log.Errorf("[Orchestrator] persist user message: %v", err)
		}
		userMsg, err := o.core.AppendMessage(ctx, sess.Row.UUID, store.RoleAssistant, narratorOutput)
		if err != nil {
			log.Log.Errorf("[Orchestrator] persist narrator message: %v", err)
			return
		}

		o.runPostTurnFanOut(ctx, sess, userMsg.ID, userInput, narratorOutput)
	}()
	return out
}

// runPostTurnFanOut runs the state engine first — synchronously, so its
// returned in-game timeline tag is available to the compressor's MICRO node
// — then launches the compressor, graph extractor, and sociologist
// concurrently, each guarded against panics.
func (o *Orchestrator) runPostTurnFanOut(ctx context.Context, sess *session.Session, messageID int64, userInput, narratorOutput string) {
	var timelineTag string
	if o.stateEngine != nil {
		tag, err := o.stateEngine.Advance(ctx, sess.Row.UUID, messageID, userInput, narratorOutput)
		if err != nil {
			log.Log.Errorf("[Orchestrator] state advance failed: %v", err)
		}
		timelineTag = tag
	}

	var done []chan struct{}
	runGuarded := func(name string, fn func()) {
		ch := make(chan struct{})
		done = append(done, ch)
		go func() {
			defer close(ch)
			defer func() {
				if r := recover(); r != nil {
					log.Log.Errorf("[Orchestrator] post-turn task %q panicked: %v", name, r)
				}
			}()
			fn()
		}()
	}

	if o.compressor != nil {
		runGuarded("compressor", func() {
			if err := o.compressor.MaybeCompress(ctx, sess.Row.UUID, timelineTag); err != nil {
				log.Log.Errorf("[Orchestrator] compressor: %v", err)
			}
		})
	}
	if o.extractor != nil {
		runGuarded("graph-extractor", func() {
			if _, err := o.extractor.ExtractAndStore(ctx, sess.Graph, userInput, narratorOutput); err != nil {
				log.Log.Errorf("[Orchestrator] graph extractor: %v", err)
			}
		})
	}
	if o.sociologist != nil {
		runGuarded("sociologist", func() {
			o.sociologist.Observe(ctx, narratorOutput)
		})
	}
	for _, ch := range done {
		<-ch
	}
}

func sentinelStream() <-chan llminterface.Chunk {
	ch := make(chan llminterface.Chunk, 1)
	ch <- llminterface.Chunk{Content: narratorFailureSentinel, Done: true}
	close(ch)
	return ch
}

func dedupLines(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
