package harvester

import (
	"context"
	"testing"

	"github.com/283525452-ops/DeepTavern/vector"
)

type stubSearchEngine struct {
	hits []SearchHit
	err  error
}

func (s *stubSearchEngine) Search(ctx context.Context, keyword string, maxResults int) ([]SearchHit, error) {
	return s.hits, s.err
}

type stubCleaner struct {
	summary string
}

func (c *stubCleaner) CleanBatch(ctx context.Context, pages []FetchedPage, keyword string) (string, error) {
	return c.summary, nil
}

func TestHarvesterProcessTaskSavesNothingWhenSearchIsEmpty(t *testing.T) {
	ctx := context.Background()
	crawler := &Crawler{primary: &stubSearchEngine{}, secondary: &stubSearchEngine{}}
	store := vector.NewMemoryStore("long_term_memory", nil)
	h := New(crawler, &stubCleaner{summary: "a deep lore entry"}, store, nil, nil, 6)

	// both search engines return no hits, so processTask takes the "nothing
	// usable" path, which is deterministic without a network.
	h.processTask(ctx, "some keyword")

	exists, err := store.Exists(ctx, "irrelevant")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("expected no record written when search returns nothing")
	}
}

func TestAddTaskDeduplicatesInFlightKeywords(t *testing.T) {
	h := New(nil, nil, nil, nil, nil, 6)
	h.AddTask("dragons", 10)
	h.AddTask("dragons", 5)

	if h.queue.Len() != 1 {
		t.Fatalf("expected exactly 1 queued task for a duplicate keyword, got %d", h.queue.Len())
	}
}

func TestAddTaskOrdersByPriority(t *testing.T) {
	h := New(nil, nil, nil, nil, nil, 6)
	h.AddTask("low-priority-topic", 100)
	h.AddTask("high-priority-topic", 1)

	first, ok := h.next(context.Background())
	if !ok {
		t.Fatal("expected a task to be available")
	}
	if first.keyword != "high-priority-topic" {
		t.Errorf("expected higher-priority (lower number) task first, got %q", first.keyword)
	}
}

func TestRankAndFilterRespectsBlacklistAndWhitelist(t *testing.T) {
	hits := []SearchHit{
		{URL: "https://pinterest.com/foo"},
		{URL: "https://wikipedia.org/bar"},
		{URL: "https://example.com/baz"},
	}
	out := rankAndFilter(hits, []string{"wikipedia.org"}, []string{"pinterest.com"}, 5)

	if len(out) != 2 {
		t.Fatalf("expected blacklisted domain dropped, got %d results: %v", len(out), out)
	}
	if out[0].URL != "https://wikipedia.org/bar" {
		t.Errorf("expected whitelisted domain ranked first, got %q", out[0].URL)
	}
}
