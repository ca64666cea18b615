package harvester

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/vector"
)

// task is one queued keyword, ordered by priority then arrival time (lower
// Priority value = served first, matching the source system's
// PriorityQueue convention).
type task struct {
	keyword  string
	priority int
	enqueued time.Time
	index    int
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].enqueued.Before(q[j].enqueued)
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Cleaner aggregates multiple fetched pages into one high-quality summary.
type Cleaner interface {
	CleanBatch(ctx context.Context, pages []FetchedPage, keyword string) (string, error)
}

// Harvester is the background worker: one goroutine drains a priority queue
// of keywords, each task running the full search→fetch→aggregate→store
// pipeline before the next is popped (matching the source system's
// single-worker "batch aggregation" design — throughput is deliberately
// traded for one clean LLM pass per keyword rather than per page).
type Harvester struct {
	crawler   *Crawler
	cleaner   Cleaner
	store     vector.Store
	whitelist []string
	blacklist []string
	maxResults int

	mu    sync.Mutex
	cond  *sync.Cond
	queue taskQueue
	seen  map[string]bool

	stop chan struct{}
	done chan struct{}
}

// New builds a harvester bound to a crawler, aggregation cleaner, and the
// long_term_memory vector collection it writes into.
func New(crawler *Crawler, cleaner Cleaner, store vector.Store, whitelist, blacklist []string, maxResults int) *Harvester {
	h := &Harvester{
		crawler:    crawler,
		cleaner:    cleaner,
		store:      store,
		whitelist:  whitelist,
		blacklist:  blacklist,
		maxResults: maxResults,
		seen:       make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	heap.Init(&h.queue)
	return h
}

// AddTask enqueues a keyword at the given priority (lower = more urgent). A
// keyword already queued or in-flight is not re-added.
func (h *Harvester) AddTask(keyword string, priority int) {
	if keyword == "" {
		return
	}
	h.mu.Lock()
	if h.seen[keyword] {
		h.mu.Unlock()
		return
	}
	h.seen[keyword] = true
	heap.Push(&h.queue, &task{keyword: keyword, priority: priority, enqueued: time.Now()})
	h.mu.Unlock()
	h.cond.Signal()
	log.Log.Infof("[Harvester] queued task: %s (priority %d)", keyword, priority)
}

// Run drains the queue until Stop is called. Intended to be launched once as
// `go h.Run(ctx)`.
func (h *Harvester) Run(ctx context.Context) {
	defer close(h.done)
	log.Log.Infof("[Harvester] service started (batch aggregation mode)")
	for {
		t, ok := h.next(ctx)
		if !ok {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Log.Errorf("[Harvester] task %q panicked: %v", t.keyword, r)
				}
			}()
			h.processTask(ctx, t.keyword)
		}()
		h.mu.Lock()
		delete(h.seen, t.keyword)
		h.mu.Unlock()
	}
}

func (h *Harvester) next(ctx context.Context) (*task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.queue.Len() == 0 {
		waitCh := make(chan struct{})
		go func() {
			h.cond.L.Lock()
			h.cond.Wait()
			h.cond.L.Unlock()
			close(waitCh)
		}()
		h.mu.Unlock()
		select {
		case <-ctx.Done():
			h.mu.Lock()
			return nil, false
		case <-h.stop:
			h.mu.Lock()
			return nil, false
		case <-waitCh:
			h.mu.Lock()
		}
	}
	t := heap.Pop(&h.queue).(*task)
	return t, true
}

// Stop signals the worker loop to exit and blocks until it has.
func (h *Harvester) Stop() {
	close(h.stop)
	h.cond.Broadcast()
	<-h.done
}

func (h *Harvester) processTask(ctx context.Context, keyword string) {
	pages, err := h.crawler.SearchAndFetch(ctx, keyword, h.whitelist, h.blacklist, h.maxResults)
	if err != nil {
		log.Log.Errorf("[Harvester] search+fetch failed for %q: %v", keyword, err)
		return
	}

	var usable []FetchedPage
	for _, p := range pages {
		if len(p.Content) > 200 {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		log.Log.Warnf("[Harvester] no valid content to merge for %q", keyword)
		return
	}

	log.Log.Infof("[Harvester] synthesizing %d pages for %q", len(usable), keyword)
	summary, err := h.cleaner.CleanBatch(ctx, usable, keyword)
	if err != nil || summary == "" {
		log.Log.Warnf("[Harvester] batch summary failed for %q: %v", keyword, err)
		return
	}

	domains := make([]string, 0, len(usable))
	for _, p := range usable {
		domains = append(domains, p.Domain)
	}

	memID := fmt.Sprintf("lore_%d_%s", time.Now().Unix(), keyword)
	err = h.store.Add(ctx, vector.Record{
		ID:   memID,
		Text: summary,
		Metadata: map[string]string{
			"type":    "internet_lore",
			"keyword": keyword,
			"sources": joinDomains(domains),
			"quality": "high_batch",
		},
	})
	if err != nil {
		log.Log.Errorf("[Harvester] failed to save lore for %q: %v", keyword, err)
		return
	}
	log.Log.Infof("[Harvester] saved deep lore for %q (%d chars)", keyword, len(summary))
}

func joinDomains(domains []string) string {
	out := ""
	for i, d := range domains {
		if i > 0 {
			out += ", "
		}
		out += d
	}
	return out
}
