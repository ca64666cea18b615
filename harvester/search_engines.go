package harvester

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DuckDuckGoEngine is the primary search engine: DuckDuckGo's HTML-only
// endpoint, scraped via goquery (no API key required, matching the source
// system's preference for a no-auth primary search path).
type DuckDuckGoEngine struct {
	http *http.Client
}

// NewDuckDuckGoEngine builds the primary search engine.
func NewDuckDuckGoEngine(timeout time.Duration) *DuckDuckGoEngine {
	return &DuckDuckGoEngine{http: &http.Client{Timeout: timeout}}
}

// Search implements SearchEngine.
func (d *DuckDuckGoEngine) Search(ctx context.Context, keyword string, maxResults int) ([]SearchHit, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(keyword)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("harvester: ddg request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; DeepTavernHarvester/1.0)")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("harvester: ddg search: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("harvester: ddg parse: %w", err)
	}

	var hits []SearchHit
	doc.Find("div.result").Each(func(i int, sel *goquery.Selection) {
		if len(hits) >= maxResults+2 {
			return
		}
		link := sel.Find("a.result__a").First()
		href, exists := link.Attr("href")
		if !exists || href == "" {
			return
		}
		hits = append(hits, SearchHit{URL: href, Title: strings.TrimSpace(link.Text())})
	})
	return hits, nil
}
