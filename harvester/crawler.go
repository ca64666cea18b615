// Package harvester implements the knowledge harvester: a priority-queued
// background worker that searches the web via two engines with fallback,
// fetches content via two strategies with fallback, aggregates the survivors
// through an LLM summarizer, and writes one high-quality memory entry.
// Grounded on the source system's WebCrawler/KnowledgeHarvester/LocalCleaner.
package harvester

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/283525452-ops/DeepTavern/log"
)

// SearchHit is one search-result candidate before fetching.
type SearchHit struct {
	URL   string
	Title string
}

// FetchedPage is one successfully fetched, cleaned page.
type FetchedPage struct {
	Title   string
	URL     string
	Domain  string
	Content string
	Source  string // "reader-proxy" or "direct-fetch"
}

// SearchEngine performs a web search for a keyword.
type SearchEngine interface {
	Search(ctx context.Context, keyword string, maxResults int) ([]SearchHit, error)
}

// Crawler runs the two-engine search + two-strategy fetch pipeline.
type Crawler struct {
	primary   SearchEngine
	secondary SearchEngine
	http      *http.Client
	readerProxyBase string // e.g. "https://r.jina.ai/"
}

// NewCrawler builds a crawler with a primary and fallback search engine.
func NewCrawler(primary, secondary SearchEngine, readerProxyBase string, timeout time.Duration) *Crawler {
	return &Crawler{
		primary:         primary,
		secondary:       secondary,
		readerProxyBase: readerProxyBase,
		http:            &http.Client{Timeout: timeout},
	}
}

// SearchAndFetch runs the full pipeline for one keyword: search (with
// engine fallback), score+filter by domain whitelist/blacklist, fetch the top
// maxResults candidates (with fetch-strategy fallback per candidate), and
// drop anything too short to be useful.
func (c *Crawler) SearchAndFetch(ctx context.Context, keyword string, whitelist, blacklist []string, maxResults int) ([]FetchedPage, error) {
	hits, err := c.primary.Search(ctx, keyword, maxResults)
	if err != nil || len(hits) == 0 {
		log.Log.Warnf("[Harvester] primary search engine failed/empty for %q, falling back: %v", keyword, err)
		hits, err = c.secondary.Search(ctx, keyword, maxResults)
		if err != nil {
			return nil, fmt.Errorf("harvester: all search engines failed for %q: %w", keyword, err)
		}
	}
	if len(hits) == 0 {
		log.Log.Warnf("[Harvester] all search engines returned nothing for %q", keyword)
		return nil, nil
	}

	targets := rankAndFilter(hits, whitelist, blacklist, maxResults)

	var pages []FetchedPage
	for _, hit := range targets {
		page, ok := c.fetchOne(ctx, hit)
		if !ok {
			log.Log.Warnf("[Harvester] content empty: %s", hit.URL)
			continue
		}
		pages = append(pages, page)
	}
	return pages, nil
}

type scoredHit struct {
	hit   SearchHit
	score int
}

func rankAndFilter(hits []SearchHit, whitelist, blacklist []string, maxResults int) []SearchHit {
	var scored []scoredHit
	for _, h := range hits {
		domain := domainOf(h.URL)
		blocked := false
		for _, b := range blacklist {
			if strings.Contains(domain, b) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		score := 50
		for _, w := range whitelist {
			if strings.Contains(domain, w) {
				score = 100
				break
			}
		}
		scored = append(scored, scoredHit{hit: h, score: score})
	}
	// stable selection by descending score, cap at maxResults
	var out []SearchHit
	for pass := 100; pass >= 0 && len(out) < maxResults; pass -= 50 {
		for _, s := range scored {
			if s.score == pass && len(out) < maxResults {
				out = append(out, s.hit)
			}
		}
	}
	return out
}

func domainOf(rawURL string) string {
	parts := strings.SplitN(rawURL, "/", 4)
	if len(parts) >= 3 {
		return parts[2]
	}
	return rawURL
}

// fetchOne tries the reader-proxy strategy first, then a direct fetch +
// readability extraction, matching the source system's strategy order.
func (c *Crawler) fetchOne(ctx context.Context, hit SearchHit) (FetchedPage, bool) {
	domain := domainOf(hit.URL)

	if content, ok := c.fetchViaReaderProxy(ctx, hit.URL); ok && len(content) > 50 {
		return FetchedPage{Title: hit.Title, URL: hit.URL, Domain: domain, Content: content, Source: "reader-proxy"}, true
	}
	if content, ok := c.fetchViaDirect(ctx, hit.URL); ok && len(content) > 50 {
		return FetchedPage{Title: hit.Title, URL: hit.URL, Domain: domain, Content: content, Source: "direct-fetch"}, true
	}
	return FetchedPage{}, false
}

// fetchViaReaderProxy is strategy A: a reader-proxy service that strips
// boilerplate and returns markdown, resilient to anti-scraping defenses.
func (c *Crawler) fetchViaReaderProxy(ctx context.Context, url string) (string, bool) {
	if c.readerProxyBase == "" {
		return "", false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.readerProxyBase+url, nil)
	if err != nil {
		return "", false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Log.Debugf("[Crawler] reader-proxy fetch failed: %v", err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}
	text := string(body)
	if len(text) > 200 && !strings.Contains(text, "Cloudflare") {
		return text, true
	}
	return "", false
}

// fetchViaDirect is strategy B: a direct HTTP fetch followed by readability
// extraction and markdown conversion, for when the reader proxy is
// unreachable or blocked.
func (c *Crawler) fetchViaDirect(ctx context.Context, rawURL string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; DeepTavernHarvester/1.0)")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Log.Debugf("[Crawler] direct fetch failed: %v", err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	article, err := readability.FromReader(resp.Body, req.URL)
	if err != nil {
		return "", false
	}
	markdown, err := md.ConvertString(article.Content)
	if err != nil {
		return article.TextContent, article.TextContent != ""
	}
	return markdown, markdown != ""
}

// GoqueryHTMLEngine is a secondary search engine that scrapes a search
// provider's result HTML directly (used when the primary API-based engine is
// unavailable), matching the source system's Bing-HTML-scrape fallback.
type GoqueryHTMLEngine struct {
	SearchURLTemplate string // e.g. "https://www.bing.com/search?q=%s"
	ResultSelector    string // e.g. "li.b_algo"
	http              *http.Client
}

// NewGoqueryHTMLEngine builds an HTML-scrape search engine.
func NewGoqueryHTMLEngine(urlTemplate, resultSelector string, timeout time.Duration) *GoqueryHTMLEngine {
	return &GoqueryHTMLEngine{SearchURLTemplate: urlTemplate, ResultSelector: resultSelector, http: &http.Client{Timeout: timeout}}
}

// Search implements SearchEngine.
func (g *GoqueryHTMLEngine) Search(ctx context.Context, keyword string, maxResults int) ([]SearchHit, error) {
	url := fmt.Sprintf(g.SearchURLTemplate, keyword)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("harvester: build search request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; DeepTavernHarvester/1.0)")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("harvester: search request: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("harvester: parse search results: %w", err)
	}

	var hits []SearchHit
	doc.Find(g.ResultSelector).Each(func(i int, sel *goquery.Selection) {
		if len(hits) >= maxResults+2 {
			return
		}
		link := sel.Find("h2 a").First()
		href, exists := link.Attr("href")
		if !exists || href == "" {
			return
		}
		hits = append(hits, SearchHit{URL: href, Title: strings.TrimSpace(link.Text())})
	})
	return hits, nil
}
