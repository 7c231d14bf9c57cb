// Package harvester expands the world in the background: keywords from
// the compressor's probe (or manual seeds) are searched on the public
// web, the articles are fetched and aggregated, and a seeker-role LLM
// distills them into one encyclopedia-style lore entry shared by every
// session.
package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/embedders"
	"github.com/deeptavern/deeptavern/pkg/httpclient"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/observability"
	"github.com/deeptavern/deeptavern/pkg/store"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

// Aggregation limits: per-source truncation keeps one bloated page from
// drowning the rest; the total cap protects the seeker's context window.
const (
	minMergeRunes   = 200
	perSourceRunes  = 6000
	totalRunes      = 250000
	targetLoreRunes = 1500

	searchTimeout = 10 * time.Second
	fetchTimeout  = 30 * time.Second
	taskTimeout   = 5 * time.Minute
)

const seekerPrompt = `你是一个专业的知识库编辑。
你需要根据以下 %d 篇关于"%s"的网页内容，撰写一份详尽的"深度百科条目"。

【来源列表】
%s

【任务要求】
1. **综合统合**：将不同来源的信息拼凑在一起，去除重复内容，解决冲突。
2. **深度挖掘**：保留所有细节（如具体数值、步骤、剧情转折、评价）。
3. **结构清晰**：使用 Markdown 格式，包含一级标题、二级标题和列表。
4. **客观中立**：像维基百科一样写作。
5. **篇幅不限**：内容越长越好，越详细越好，目标字数 1500+ 字。

【深度百科条目】
`

// Harvester owns the worker goroutine and the task queue.
type Harvester struct {
	llm      *llms.Registry
	vec      vector.Provider
	embedder embedders.Provider
	store    *store.Store

	queue      *Queue
	crawler    *crawler
	maxResults int

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the harvester. cfg.Proxy routes all web traffic through an
// HTTP proxy; the LLM and vector endpoints are unaffected.
func New(llm *llms.Registry, vec vector.Provider, embedder embedders.Provider, st *store.Store, cfg config.HarvesterConfig) (*Harvester, error) {
	transport := http.DefaultTransport
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid harvester proxy: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 6
	}

	return &Harvester{
		llm:      llm,
		vec:      vec,
		embedder: embedder,
		store:    st,
		queue:    NewQueue(),
		crawler: &crawler{
			searchClient: httpclient.New(
				httpclient.WithHTTPClient(&http.Client{Timeout: searchTimeout, Transport: transport}),
				httpclient.WithMaxRetries(1),
				httpclient.WithBaseDelay(time.Second),
			),
			fetchClient: httpclient.New(
				httpclient.WithHTTPClient(&http.Client{Timeout: fetchTimeout, Transport: transport}),
				httpclient.WithMaxRetries(1),
				httpclient.WithBaseDelay(time.Second),
			),
			ddgURL:       "https://html.duckduckgo.com/html/",
			bingURL:      "https://cn.bing.com/search",
			readerPrefix: "https://r.jina.ai/",
			jitter:       politeJitter,
		},
		maxResults: maxResults,
	}, nil
}

// politeJitter sleeps one to three seconds between page fetches, unless
// the task context is already gone.
func politeJitter(ctx context.Context) {
	delay := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// Start launches the worker goroutine.
func (h *Harvester) Start() {
	h.wg.Add(1)
	go h.run()
	slog.Info("Knowledge harvester started")
}

// Stop closes the queue, drains pending tasks, and waits for the worker.
func (h *Harvester) Stop() {
	h.stopOnce.Do(func() {
		h.queue.Close()
		h.wg.Wait()
		slog.Info("Knowledge harvester stopped")
	})
}

// Enqueue queues one keyword for harvesting. Duplicates within the
// process are dropped; the relational lore table dedups across restarts.
func (h *Harvester) Enqueue(keyword string, priority int) bool {
	if !h.queue.Enqueue(keyword, priority) {
		return false
	}
	observability.GetGlobalMetrics().AddHarvestQueueDepth(context.Background(), 1)
	slog.Info("Harvest task queued", "keyword", keyword, "priority", priority)
	return true
}

// QueueDepth reports pending tasks, surfaced on the debug endpoints.
func (h *Harvester) QueueDepth() int {
	return h.queue.Len()
}

func (h *Harvester) run() {
	defer h.wg.Done()

	for {
		keyword, ok := h.queue.Next()
		if !ok {
			return
		}
		observability.GetGlobalMetrics().AddHarvestQueueDepth(context.Background(), -1)

		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		err := h.process(ctx, keyword)
		cancel()

		if err != nil {
			observability.GetGlobalMetrics().RecordHarvest(ctx, "failed")
			slog.Warn("Harvest task abandoned", "keyword", keyword, "error", err)
			continue
		}
		observability.GetGlobalMetrics().RecordHarvest(ctx, "ok")
	}
}

func (h *Harvester) process(ctx context.Context, keyword string) error {
	if h.store != nil {
		if done, err := h.store.HasLore(ctx, keyword); err == nil && done {
			slog.Info("Keyword already harvested, skipping", "keyword", keyword)
			return nil
		}
	}

	ranked := rank(h.crawler.search(ctx, keyword, h.maxResults), h.maxResults)
	if len(ranked) == 0 {
		return fmt.Errorf("all search engines came back empty")
	}

	var pages []page
	for _, r := range ranked {
		if p, ok := h.crawler.fetch(ctx, r); ok {
			pages = append(pages, p)
		}
	}

	merged := mergeable(pages)
	if len(merged) == 0 {
		return fmt.Errorf("no page long enough to aggregate")
	}

	lore := h.synthesize(ctx, keyword, merged)
	if lore == "" {
		return fmt.Errorf("seeker produced no lore")
	}
	if n := len([]rune(lore)); n < targetLoreRunes {
		slog.Warn("Lore entry shorter than target", "keyword", keyword, "runes", n)
	}

	return h.saveLore(ctx, keyword, lore, merged)
}

// mergeable keeps pages long enough to contribute to the aggregate.
func mergeable(pages []page) []page {
	var out []page
	for _, p := range pages {
		if len([]rune(p.Content)) > minMergeRunes {
			out = append(out, p)
		}
	}
	return out
}

// buildContext concatenates the sources with per-source and total caps.
func buildContext(pages []page) string {
	var b strings.Builder
	for i, p := range pages {
		text := p.Content
		if runes := []rune(text); len(runes) > perSourceRunes {
			text = string(runes[:perSourceRunes])
		}
		fmt.Fprintf(&b, "=== 来源 %d: %s ===\n%s\n\n", i+1, p.Domain, text)
	}

	full := b.String()
	if runes := []rune(full); len(runes) > totalRunes {
		full = string(runes[:totalRunes]) + "\n...(截断)..."
	}
	return full
}

func (h *Harvester) synthesize(ctx context.Context, keyword string, pages []page) string {
	slog.Info("Synthesizing lore entry", "keyword", keyword, "sources", len(pages))

	reply := h.llm.Call(ctx, config.RoleSeeker, []llms.Message{{
		Role:    llms.RoleUser,
		Content: fmt.Sprintf(seekerPrompt, len(pages), keyword, buildContext(pages)),
	}})
	if llms.IsError(reply) {
		slog.Warn("Seeker call failed", "keyword", keyword, "error", reply)
		return ""
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || strings.Contains(reply, "NULL") {
		return ""
	}
	return reply
}

func (h *Harvester) saveLore(ctx context.Context, keyword, lore string, pages []page) error {
	domains := make([]string, 0, len(pages))
	for _, p := range pages {
		domains = append(domains, p.Domain)
	}
	sources := strings.Join(domains, ", ")

	id := vector.NewLoreID(time.Now())
	if h.vec != nil && h.embedder != nil {
		vec, err := h.embedder.Embed(ctx, lore)
		if err != nil {
			return fmt.Errorf("lore embedding failed: %w", err)
		}
		err = h.vec.Upsert(ctx, vector.CollectionMemory, id, vec, map[string]any{
			vector.MetaType:    vector.TypeLore,
			vector.MetaKeyword: keyword,
			"sources":          sources,
			"timestamp":        fmt.Sprintf("%d", time.Now().Unix()),
			"quality":          "high_batch",
			"content":          lore,
		})
		if err != nil {
			return fmt.Errorf("lore vector upsert failed: %w", err)
		}
	}

	if h.store != nil {
		if _, err := h.store.AddLoreEntry(ctx, 0, keyword, lore, sources, "high_batch"); err != nil {
			return fmt.Errorf("lore row insert failed: %w", err)
		}
	}

	slog.Info("Deep lore saved", "keyword", keyword, "runes", len([]rune(lore)), "sources", sources)
	return nil
}
