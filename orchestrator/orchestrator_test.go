package orchestrator

import (
	"context"
	"testing"

	"github.com/283525452-ops/DeepTavern/cache"
	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/session"
	"github.com/283525452-ops/DeepTavern/state"
	"github.com/283525452-ops/DeepTavern/store"
	"github.com/283525452-ops/DeepTavern/vector"
)

type fixedProvider struct {
	content string
}

func (f *fixedProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	return &llminterface.Response{Content: f.content}, nil
}

type stubNarrator struct {
	text string
}

func (s *stubNarrator) ChatCompletionStream(ctx context.Context, model string, messages []llminterface.Message) (<-chan llminterface.Chunk, error) {
	ch := make(chan llminterface.Chunk, 1)
	ch <- llminterface.Chunk{Content: s.text, Done: true}
	close(ch)
	return ch, nil
}

func newTestOrchestrator(t *testing.T, moderationBlocks bool, narrator StreamingNarrator) (*Orchestrator, *session.Session) {
	t.Helper()
	core, err := store.NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	rules, err := store.NewRulesStore("")
	if err != nil {
		t.Fatalf("NewRulesStore: %v", err)
	}
	t.Cleanup(func() { rules.Close() })

	hot := cache.New("", 0, "", 0)
	memCol := vector.NewMemoryStore("long_term_memory", nil)
	ruleCol := vector.NewMemoryStore("rules_memory", nil)

	mgr := session.New(core, hot, memCol, t.TempDir(), nil)
	sess, err := mgr.Create(context.Background(), "sess-1", "Test Character")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	t.Cleanup(func() { sess.Graph.Close() })

	stateEngine := state.New(core, &fixedProvider{content: "garbage"}, "status-model")

	moderation := NewModeration(&fixedProvider{content: "NO"}, "mod-model")
	if moderationBlocks {
		moderation = NewModeration(&fixedProvider{content: "YES"}, "mod-model")
	}

	roles := Roles{
		Reflex:        &fixedProvider{content: `{"intent":"continue","rewritten_query":"test query"}`},
		Director:      &fixedProvider{content: "scene plan"},
		Narrator:      narrator,
		ReflexModel:   "reflex-model",
		DirectorModel: "director-model",
		NarratorModel: "narrator-model",
	}

	orch := New(core, rules, hot, memCol, ruleCol, roles, moderation, nil, stateEngine, nil, nil, nil)
	return orch, sess
}

func drain(ch <-chan llminterface.Chunk) string {
	var out string
	for c := range ch {
		out += c.Content
	}
	return out
}

func TestRunTurnStreamsNarratorOutputAndPersists(t *testing.T) {
	ctx := context.Background()
	orch, sess := newTestOrchestrator(t, false, &stubNarrator{text: "the hero steps forward"})

	result, err := orch.RunTurn(ctx, sess, "I step into the room", false, false)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Blocked {
		t.Fatal("expected turn not blocked")
	}

	text := drain(result.Stream)
	if text != "the hero steps forward" {
		t.Errorf("expected streamed narrator text, got %q", text)
	}

	history, err := orch.core.FullHistory(ctx, sess.Row.UUID)
	if err != nil {
		t.Fatalf("FullHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 persisted messages (user+assistant), got %d", len(history))
	}
	if history[0].Role != store.RoleUser || history[1].Role != store.RoleAssistant {
		t.Errorf("expected user then assistant message, got %v then %v", history[0].Role, history[1].Role)
	}
	if history[1].Content != "the hero steps forward" {
		t.Errorf("expected narrator content persisted, got %q", history[1].Content)
	}
}

func TestRunTurnBlockedByModerationSkipsPipeline(t *testing.T) {
	ctx := context.Background()
	orch, sess := newTestOrchestrator(t, true, &stubNarrator{text: "should not run"})

	result, err := orch.RunTurn(ctx, sess, "nonsense gibberish", false, false)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !result.Blocked {
		t.Fatal("expected turn to be blocked by moderation")
	}

	history, err := orch.core.FullHistory(ctx, sess.Row.UUID)
	if err != nil {
		t.Fatalf("FullHistory: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no messages persisted for a blocked turn, got %d", len(history))
	}
}

func TestRunTurnNarratorExhaustionReturnsSentinel(t *testing.T) {
	ctx := context.Background()
	orch, sess := newTestOrchestrator(t, false, nil)

	result, err := orch.RunTurn(ctx, sess, "hello", false, false)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	text := drain(result.Stream)
	if text != narratorFailureSentinel {
		t.Errorf("expected narrator failure sentinel, got %q", text)
	}
}

// countingProvider counts how many times it is called, so lite_mode tests
// can assert Reflex/Director were never invoked.
type countingProvider struct {
	content string
	calls   int
}

func (c *countingProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	c.calls++
	return &llminterface.Response{Content: c.content}, nil
}

func TestRunTurnLiteModeSkipsRetrievalAndDirector(t *testing.T) {
	ctx := context.Background()
	orch, sess := newTestOrchestrator(t, false, &stubNarrator{text: "fast path reply"})

	reflex := &countingProvider{content: `{"intent":"continue","rewritten_query":"should not run"}`}
	director := &countingProvider{content: "should not run"}
	orch.roles.Reflex = reflex
	orch.roles.Director = director

	result, err := orch.RunTurn(ctx, sess, "quick hello", false, true)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if text := drain(result.Stream); text != "fast path reply" {
		t.Errorf("expected the narrator to run directly off the raw input, got %q", text)
	}
	if reflex.calls != 0 {
		t.Errorf("expected Reflex to be skipped in lite_mode, got %d calls", reflex.calls)
	}
	if director.calls != 0 {
		t.Errorf("expected Director to be skipped in lite_mode, got %d calls", director.calls)
	}
}

func TestParseRuleIndicesToleratesFreeFormReplies(t *testing.T) {
	cases := []struct {
		reply string
		k     int
		want  []int
	}{
		{"1, 3", 5, []int{1, 3}},
		{"2 4 2", 5, []int{2, 4}},
		{"none", 5, nil},
		{"7", 5, nil},
		{"1,1,2", 5, []int{1, 2}},
	}
	for _, tc := range cases {
		got := parseRuleIndices(tc.reply, tc.k)
		if len(got) != len(tc.want) {
			t.Errorf("parseRuleIndices(%q, %d) = %v, want %v", tc.reply, tc.k, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("parseRuleIndices(%q, %d) = %v, want %v", tc.reply, tc.k, got, tc.want)
				break
			}
		}
	}
}

type stubReranker struct {
	scores []vector.ScoredDoc
}

func (r stubReranker) Rerank(ctx context.Context, query string, documents []string) ([]vector.ScoredDoc, error) {
	return r.scores, nil
}

func TestRerankAndFilterDropsLowScores(t *testing.T) {
	orch := &Orchestrator{reranker: stubReranker{scores: []vector.ScoredDoc{
		{Index: 0, Score: 0.9},
		{Index: 1, Score: 0.1},
	}}}
	results := []vector.SearchResult{
		{Record: vector.Record{Text: "keep me"}},
		{Record: vector.Record{Text: "drop me"}},
	}
	out := orch.rerankAndFilter(context.Background(), "query", results)
	if len(out) != 1 || out[0] != "keep me" {
		t.Errorf("expected only the above-threshold result to survive, got %v", out)
	}
}
