package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const newsSearchSchema = `{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "Company name or stock symbol to search news for"
		},
		"days_back": {
			"type": "integer",
			"description": "Number of days to search back",
			"minimum": 1,
			"maximum": 30,
			"default": 7
		},
		"max_results": {
			"type": "integer",
			"description": "Maximum number of results to return",
			"minimum": 1,
			"maximum": 20,
			"default": 5
		}
	},
	"required": ["query"]
}`

type newsSearchArgs struct {
	Query      string `json:"query"`
	DaysBack   int    `json:"days_back"`
	MaxResults int    `json:"max_results"`
}

type newsItem struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"url"`
}

type newsSearchResult struct {
	Query   string     `json:"query"`
	Results []newsItem `json:"results"`
	Count   int        `json:"count"`
}

func (r *Registry) newsSearch(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if r.news == nil {
		return nil, fmt.Errorf("news search is not configured")
	}

	args := newsSearchArgs{DaysBack: 7, MaxResults: 5}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	query := strings.TrimSpace(args.Query)
	to := time.Now()
	from := to.AddDate(0, 0, -args.DaysBack)

	articles, err := r.news.CompanyNews(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("news for %q: %w", query, err)
	}

	if len(articles) > args.MaxResults {
		articles = articles[:args.MaxResults]
	}

	items := make([]newsItem, 0, len(articles))
	for _, a := range articles {
		items = append(items, newsItem{
			Title:       a.Headline,
			Summary:     a.Summary,
			Source:      a.Source,
			PublishedAt: a.Datetime,
			URL:         a.URL,
		})
	}

	return newsSearchResult{Query: query, Results: items, Count: len(items)}, nil
}
