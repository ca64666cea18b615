package state

import (
	"context"
	"encoding/json"
	"testing"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/store"
)

type stubProvider struct {
	content string
	err     error
}

func (s *stubProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llminterface.Response{Content: s.content}, nil
}

func newTestEngine(t *testing.T, provider llminterface.Provider) (*Engine, *store.CoreStore) {
	t.Helper()
	st, err := store.NewCoreStore("")
	if err != nil {
		t.Fatalf("NewCoreStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	st.CreateSession(context.Background(), "sess-1", "Test")
	return New(st, provider, "status-model"), st
}

func TestDeepMergeRecursesIntoNestedMaps(t *testing.T) {
	base := map[string]any{
		"player": map[string]any{"hp": 100.0, "name": "Hero"},
		"scene":  map[string]any{"location": "village"},
	}
	update := map[string]any{
		"player": map[string]any{"hp": 80.0},
	}
	merged := deepMerge(base, update)

	player := merged["player"].(map[string]any)
	if player["hp"].(float64) != 80.0 {
		t.Errorf("expected hp 80, got %v", player["hp"])
	}
	if player["name"].(string) != "Hero" {
		t.Errorf("expected name preserved, got %v", player["name"])
	}
	scene := merged["scene"].(map[string]any)
	if scene["location"].(string) != "village" {
		t.Errorf("expected untouched scene preserved, got %v", scene["location"])
	}
}

func TestDeepMergeReplacesListsWholesale(t *testing.T) {
	base := map[string]any{"player": map[string]any{"status_effects": []any{"poisoned"}}}
	update := map[string]any{"player": map[string]any{"status_effects": []any{"blessed", "hasted"}}}
	merged := deepMerge(base, update)

	effects := merged["player"].(map[string]any)["status_effects"].([]any)
	if len(effects) != 2 || effects[0] != "blessed" {
		t.Errorf("expected list replaced wholesale, got %v", effects)
	}
}

func TestAdvanceAppliesLLMDelta(t *testing.T) {
	ctx := context.Background()
	delta := `{"timeline_tag": "Day 1, 09:00", "state": {"world_time": {"day": 1, "hour": 9, "minute": 0}, "player": {"hp": 90}}}`
	engine, st := newTestEngine(t, &stubProvider{content: delta})

	tag, err := engine.Advance(ctx, "sess-1", 1, "I attack", "the blade connects")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if tag != "Day 1, 09:00" {
		t.Errorf("expected tag from delta, got %q", tag)
	}

	raw, ok, err := st.CurrentWorldState(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("CurrentWorldState: ok=%v err=%v", ok, err)
	}
	var saved map[string]any
	json.Unmarshal([]byte(raw), &saved)
	player := saved["player"].(map[string]any)
	if player["hp"].(float64) != 90.0 {
		t.Errorf("expected hp merged to 90, got %v", player["hp"])
	}
	scene := saved["scene"].(map[string]any)
	if scene["time_of_day"].(string) != "morning" {
		t.Errorf("expected time_of_day recomputed to morning for hour 9, got %v", scene["time_of_day"])
	}
}

func TestAdvanceFallsBackOnUnparseableDelta(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t, &stubProvider{content: "not json at all"})

	tag, err := engine.Advance(ctx, "sess-1", 1, "hi", "hello")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if tag != "Day 1, 08:10" {
		t.Errorf("expected default 10-minute advance from 08:00, got %q", tag)
	}

	raw, ok, err := st.CurrentWorldState(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("CurrentWorldState: ok=%v err=%v", ok, err)
	}
	var saved map[string]any
	json.Unmarshal([]byte(raw), &saved)
	wt := saved["world_time"].(map[string]any)
	if wt["minute"].(float64) != 10.0 {
		t.Errorf("expected minute=10, got %v", wt["minute"])
	}
}

func TestAdvanceDefaultRollsOverHourAndDay(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t, &stubProvider{content: "garbage"})

	current, err := engine.Current(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	wt := current["world_time"].(map[string]any)
	wt["hour"] = 23.0
	wt["minute"] = 55.0
	stateJSON, _ := json.Marshal(current)
	if _, err := st.SaveWorldState(ctx, "sess-1", 1, string(stateJSON)); err != nil {
		t.Fatalf("SaveWorldState: %v", err)
	}

	tag, err := engine.Advance(ctx, "sess-1", 2, "x", "y")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if tag != "Day 2, 00:05" {
		t.Errorf("expected day rollover to Day 2, 00:05, got %q", tag)
	}
}

func TestTimeOfDayBands(t *testing.T) {
	cases := map[int]string{6: "dawn", 10: "morning", 15: "afternoon", 18: "evening", 2: "night", 23: "night"}
	for hour, want := range cases {
		if got := timeOfDay(hour); got != want {
			t.Errorf("timeOfDay(%d) = %q, want %q", hour, got, want)
		}
	}
}

func TestEnsureStructureBackfillsMissingSections(t *testing.T) {
	loaded := map[string]any{"player": map[string]any{"hp": 50.0}}
	result := ensureStructure(loaded)

	if result["player"].(map[string]any)["hp"].(float64) != 50.0 {
		t.Errorf("expected loaded hp preserved")
	}
	if _, ok := result["scene"]; !ok {
		t.Error("expected missing scene section backfilled from defaults")
	}
	if _, ok := result["world_time"]; !ok {
		t.Error("expected missing world_time section backfilled from defaults")
	}
}
