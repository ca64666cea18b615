package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/283525452-ops/DeepTavern/cache"
	"github.com/283525452-ops/DeepTavern/config"
	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/orchestrator"
	"github.com/283525452-ops/DeepTavern/session"
	"github.com/283525452-ops/DeepTavern/state"
	"github.com/283525452-ops/DeepTavern/store"
	"github.com/283525452-ops/DeepTavern/vector"
)

type blockingProvider struct{}

func (blockingProvider) ChatCompletion(ctx context.Context, model string, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	return &llminterface.Response{Content: "YES"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	if _, err := mgr.Create(context.Background(), "sess-1", "Test Character"); err != nil {
		t.Fatalf("Create session: %v", err)
	}

	stateEngine := state.New(core, blockingProvider{}, "status-model")
	moderation := orchestrator.NewModeration(blockingProvider{}, "mod-model")
	orch := orchestrator.New(core, rules, hot, memCol, ruleCol, orchestrator.Roles{}, moderation, nil, stateEngine, nil, nil, nil)

	cfg := &config.Config{}
	return New(cfg, orch, mgr, nil)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestChatCompletionsBlockedByModeration(t *testing.T) {
	s := newTestServer(t)
	body := `{"model":"narrator","session_id":"sess-1","messages":[{"role":"user","content":"anything"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if blocked, _ := out["blocked"].(bool); !blocked {
		t.Errorf("expected blocked response, got %v", out)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rows []store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 session, got %d", len(rows))
	}
}
