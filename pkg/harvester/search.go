package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/deeptavern/deeptavern/pkg/httpclient"
)

// Domain scoring for search candidates. Whitelisted wikis and game
// databases outrank general results; link farms are dropped outright.
var (
	whitelist = []string{"wikipedia.org", "baike.baidu.com", "zhihu.com", "gamersky.com", "ali213.net"}
	blacklist = []string{"csdn.net", "baidu.com/link", "weibo.com", "bilibili.com"}
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type searchResult struct {
	Title string
	URL   string
}

// crawler talks to the public web: two search engines and two fetch
// strategies. Base URLs are fields so tests can point them at fixtures.
type crawler struct {
	searchClient *httpclient.Client
	fetchClient  *httpclient.Client

	ddgURL       string
	bingURL      string
	readerPrefix string

	jitter func(ctx context.Context)
}

// search queries DuckDuckGo first and falls back to Bing CN when the
// primary engine returns nothing.
func (c *crawler) search(ctx context.Context, keyword string, maxResults int) []searchResult {
	results := c.searchDDG(ctx, keyword, maxResults+2)
	if len(results) == 0 {
		slog.Info("Search falling back to Bing CN", "keyword", keyword)
		results = c.searchBing(ctx, keyword, maxResults+2)
	}
	return results
}

func (c *crawler) searchDDG(ctx context.Context, keyword string, limit int) []searchResult {
	doc, err := c.getDocument(ctx, c.searchClient, c.ddgURL+"?q="+url.QueryEscape(keyword))
	if err != nil {
		slog.Warn("DuckDuckGo search failed", "keyword", keyword, "error", err)
		return nil
	}

	var results []searchResult
	doc.Find("a.result__a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		results = append(results, searchResult{
			Title: strings.TrimSpace(sel.Text()),
			URL:   resolveDDGHref(href),
		})
		return len(results) < limit
	})
	return results
}

func (c *crawler) searchBing(ctx context.Context, keyword string, limit int) []searchResult {
	doc, err := c.getDocument(ctx, c.searchClient, c.bingURL+"?q="+url.QueryEscape(keyword))
	if err != nil {
		slog.Warn("Bing search failed", "keyword", keyword, "error", err)
		return nil
	}

	var results []searchResult
	doc.Find("li.b_algo > h2 > a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		results = append(results, searchResult{
			Title: strings.TrimSpace(sel.Text()),
			URL:   href,
		})
		return len(results) < limit
	})
	return results
}

func (c *crawler) getDocument(ctx context.Context, client *httpclient.Client, rawURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

// resolveDDGHref unwraps DuckDuckGo's redirect links, which carry the
// real target in the uddg query parameter.
func resolveDDGHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// rank drops blacklisted domains, scores whitelisted ones above the
// default, and returns the top maxResults in stable order.
func rank(results []searchResult, maxResults int) []searchResult {
	type scored struct {
		score int
		r     searchResult
	}

	var candidates []scored
	for _, r := range results {
		domain := domainOf(r.URL)
		if domain == "" {
			continue
		}

		excluded := false
		for _, black := range blacklist {
			if strings.Contains(domain, black) || strings.Contains(r.URL, black) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		score := 50
		for _, white := range whitelist {
			if strings.Contains(domain, white) {
				score = 100
				break
			}
		}
		candidates = append(candidates, scored{score: score, r: r})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	ranked := make([]searchResult, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c.r)
	}
	return ranked
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}
