package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

// Article is one news item as the tool surface sees it
type Article struct {
	ID       int64     `json:"id"`
	Headline string    `json:"headline"`
	Summary  string    `json:"summary,omitempty"`
	Source   string    `json:"source"`
	URL      string    `json:"url"`
	Related  string    `json:"related,omitempty"`
	Datetime time.Time `json:"datetime"`
}

// wireArticle is the company-news response item; datetime is unix seconds
type wireArticle struct {
	ID       int64  `json:"id"`
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	URL      string `json:"url"`
	Related  string `json:"related"`
	Datetime int64  `json:"datetime"`
}

// Client fetches company news over REST with cache-aside reads
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *Cache
	ttl        time.Duration
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient creates a news client. cache may be nil; lookups then always hit
// the upstream API.
func NewClient(cfg config.NewsConfig, cache *Cache) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache,
		ttl:        cfg.GetCacheTTL(),
		// Free tier allows 60 calls/min
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		log:     config.NewLogger("news"),
	}
}

// CompanyNews returns headlines for a symbol within the date window,
// newest first. Served from cache when a fresh entry exists.
func (c *Client) CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]Article, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", market.ErrNoData)
	}

	key := fmt.Sprintf("%s:%s:%s", symbol, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if c.cache != nil {
		if data, ok := c.cache.Get(ctx, key); ok {
			var articles []Article
			if err := json.Unmarshal(data, &articles); err == nil {
				metrics.RecordNewsCacheLookup(true)
				return articles, nil
			}
			c.log.Warn().Str("key", key).Msg("Corrupt cache entry, refetching")
		}
		metrics.RecordNewsCacheLookup(false)
	}

	articles, err := c.fetch(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(articles); err == nil {
			// Write-back off the request path
			go func() {
				wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				c.cache.Set(wctx, key, data, c.ttl)
			}()
		}
	}

	return articles, nil
}

func (c *Client) fetch(ctx context.Context, symbol string, from, to time.Time) ([]Article, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("from", from.Format("2006-01-02"))
	params.Set("to", to.Format("2006-01-02"))
	params.Set("token", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/company-news?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RecordProviderAPICall("news", "company_news", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", market.ErrRateLimited, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", market.ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wire []wireArticle
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", market.ErrProviderUnavailable, err)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("no news for %s: %w", symbol, market.ErrNoData)
	}

	articles := make([]Article, 0, len(wire))
	for _, w := range wire {
		if w.Headline == "" {
			continue
		}
		articles = append(articles, Article{
			ID:       w.ID,
			Headline: w.Headline,
			Summary:  w.Summary,
			Source:   w.Source,
			URL:      w.URL,
			Related:  w.Related,
			Datetime: time.Unix(w.Datetime, 0).UTC(),
		})
	}
	if len(articles) == 0 {
		return nil, fmt.Errorf("no news for %s: %w", symbol, market.ErrNoData)
	}

	return articles, nil
}
