package memory

import (
	"context"
	"strings"
	"testing"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/store"
)

type stubProvider struct {
	reply func(model, lastUserMsg string) string
	calls []string
}

func (s *stubProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	s.calls = append(s.calls, model)
	last := messages[len(messages)-1].Content
	return &llminterface.Response{Content: s.reply(model, last)}, nil
}

type stubHarvester struct {
	tasks      []string
	priorities []int
}

func (h *stubHarvester) AddTask(keyword string, priority int) {
	h.tasks = append(h.tasks, keyword)
	h.priorities = append(h.priorities, priority)
}

func newTestCompressor(t *testing.T, provider *stubProvider, harvester HarvesterQueue) (*Compressor, *store.CoreStore) {
	t.Helper()
	st, err := store.NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := New(st, provider, "draft-model", "critic-model", "historian-model", "probe-model", harvester, Config{MicroEveryMessages: 2, MacroEveryMicros: 2})
	return c, st
}

func TestCompressorFoldsMessagesIntoMicro(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{reply: func(model, _ string) string { return "a quiet exchange happened" }}
	c, st := newTestCompressor(t, provider, nil)

	if _, err := st.CreateSession(ctx, "sess-1", "Test Character"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := st.AppendMessage(ctx, "sess-1", store.RoleUser, "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := st.AppendMessage(ctx, "sess-1", store.RoleAssistant, "hi there"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := c.MaybeCompress(ctx, "sess-1", "Day 2, 14:30"); err != nil {
		t.Fatalf("MaybeCompress: %v", err)
	}

	remaining, err := st.UnsummarizedMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("UnsummarizedMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected 0 unsummarized messages after compression, got %d", len(remaining))
	}

	micros, err := st.UnmergedMicroNodes(ctx, "sess-1")
	if err != nil {
		t.Fatalf("UnmergedMicroNodes: %v", err)
	}
	if len(micros) != 1 {
		t.Fatalf("expected 1 MICRO node, got %d", len(micros))
	}
	if micros[0].Text != "a quiet exchange happened" {
		t.Errorf("unexpected micro text: %q", micros[0].Text)
	}
	if micros[0].TimelineTag != "Day 2, 14:30" {
		t.Errorf("expected the state engine's timeline tag to be bound to the MICRO node, got %q", micros[0].TimelineTag)
	}
}

func TestCompressorBelowThresholdDoesNothing(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{reply: func(model, _ string) string { return "unused" }}
	c, st := newTestCompressor(t, provider, nil)

	st.CreateSession(ctx, "sess-2", "Test Character")
	st.AppendMessage(ctx, "sess-2", store.RoleUser, "only one message")

	if err := c.MaybeCompress(ctx, "sess-2", "Day 1, 08:00"); err != nil {
		t.Fatalf("MaybeCompress: %v", err)
	}
	if len(provider.calls) != 0 {
		t.Errorf("expected no LLM calls below threshold, got %d", len(provider.calls))
	}
}

func TestCompressorFoldsMicrosIntoMacroAndWritesSaga(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{reply: func(model, _ string) string {
		if model == "historian-model" {
			return "a long historian passage about the arc"
		}
		return "merged micro summary"
	}}
	c, st := newTestCompressor(t, provider, nil)

	st.CreateSession(ctx, "sess-3", "Test Character")
	for i := 0; i < 4; i++ {
		st.AppendMessage(ctx, "sess-3", store.RoleUser, "message")
		st.AppendMessage(ctx, "sess-3", store.RoleAssistant, "reply")
		if err := c.MaybeCompress(ctx, "sess-3", "Day 1, 08:00"); err != nil {
			t.Fatalf("MaybeCompress round %d: %v", i, err)
		}
	}

	spine, err := st.MemorySpine(ctx, "sess-3")
	if err != nil {
		t.Fatalf("MemorySpine: %v", err)
	}
	var macros int
	for _, n := range spine {
		if n.Tier == store.TierMacro {
			macros++
		}
	}
	// 4 rounds of 2 messages make 4 MICRO nodes; at 2 MICROs per MACRO that is 2 MACROs.
	if macros != 2 {
		t.Fatalf("expected exactly 2 MACRO nodes, got %d (spine=%v)", macros, spine)
	}
	var sagas int
	for _, model := range provider.calls {
		if model == "historian-model" {
			sagas++
		}
	}
	if sagas != 2 {
		t.Errorf("expected one historian saga call per MACRO (2), got %d", sagas)
	}
}

func TestProbeForExpansionEnqueuesSingleEntityAtPriorityFive(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{reply: func(model, _ string) string {
		if model == "probe-model" {
			return "Old Man Wu"
		}
		return "summary text"
	}}
	harvester := &stubHarvester{}
	c, st := newTestCompressor(t, provider, harvester)

	st.CreateSession(ctx, "sess-4", "Test Character")
	st.AppendMessage(ctx, "sess-4", store.RoleUser, "we found a shrine")
	st.AppendMessage(ctx, "sess-4", store.RoleAssistant, "Old Man Wu mentioned the Sunken Temple")

	if err := c.MaybeCompress(ctx, "sess-4", "Day 1, 08:00"); err != nil {
		t.Fatalf("MaybeCompress: %v", err)
	}

	if len(harvester.tasks) != 1 {
		t.Fatalf("expected exactly 1 harvester task, got %d: %v", len(harvester.tasks), harvester.tasks)
	}
	if !strings.Contains(harvester.tasks[0], "Old Man Wu") {
		t.Errorf("expected task to reference Old Man Wu, got %q", harvester.tasks[0])
	}
	if harvester.priorities[0] != 5 {
		t.Errorf("expected default probe priority 5, got %d", harvester.priorities[0])
	}
}

func TestProbeForExpansionSkipsWhenReplyIsNone(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{reply: func(model, _ string) string {
		if model == "probe-model" {
			return "none"
		}
		return "summary text"
	}}
	harvester := &stubHarvester{}
	c, st := newTestCompressor(t, provider, harvester)

	st.CreateSession(ctx, "sess-5", "Test Character")
	st.AppendMessage(ctx, "sess-5", store.RoleUser, "nothing special")
	st.AppendMessage(ctx, "sess-5", store.RoleAssistant, "just chatting")

	if err := c.MaybeCompress(ctx, "sess-5", "Day 1, 08:00"); err != nil {
		t.Fatalf("MaybeCompress: %v", err)
	}
	if len(harvester.tasks) != 0 {
		t.Errorf("expected no harvester tasks, got %v", harvester.tasks)
	}
}
