// Package combine merges the per-URL results of a batch job into one result.
package combine

import (
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Metadata keys written on a combined result.
const (
	MetaTotalURLs    = "total_urls"
	MetaSuccessCount = "success_count"
	MetaFailureCount = "failure_count"
	MetaURLs         = "urls"
	MetaSourceURL    = "source_url"
)

// URLOutcome is one manifest entry describing how a batch member finished.
type URLOutcome struct {
	URL       string              `json:"url"`
	Status    scrape.ResultStatus `json:"status"`
	Error     string              `json:"error,omitempty"`
	ItemCount int                 `json:"item_count"`
}

// Options carries the identity fields of the combined result.
type Options struct {
	ID       string
	ConfigID string
	URL      string
	Now      time.Time
}

// Combine folds one result per URL into an aggregate result. The status is
// partial when at least one member succeeded and failed otherwise; success is
// never reported for a batch. Items of failed members are dropped, the rest
// are tagged with their source URL and deduplicated by exact title.
func Combine(results []scrape.Result, opts Options) scrape.Result {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	manifest := make([]URLOutcome, 0, len(results))
	categories := make(map[string]scrape.Category)
	seen := make(map[string]map[string]struct{})
	succeeded := 0

	register := func(key, description string) {
		merged, ok := categories[key]
		if !ok {
			merged = scrape.Category{Items: []scrape.Item{}}
			seen[key] = make(map[string]struct{})
		}
		if merged.Description == "" {
			merged.Description = description
		}
		categories[key] = merged
	}

	for _, res := range results {
		// Keys of failed members are kept, empty, so every input key appears.
		for key, cat := range res.Categories {
			register(key, cat.Description)
		}

		outcome := URLOutcome{URL: res.URL, Status: res.Status, ItemCount: res.ItemCount()}
		if !res.Succeeded() {
			outcome.Status = scrape.ResultFailed
			outcome.ItemCount = 0
			if msg, ok := res.Metadata["error"].(string); ok {
				outcome.Error = msg
			}
			manifest = append(manifest, outcome)
			continue
		}
		succeeded++
		manifest = append(manifest, outcome)

		for key, cat := range res.Categories {
			merged := categories[key]
			for _, item := range cat.Items {
				if _, dup := seen[key][item.Title]; dup {
					continue
				}
				seen[key][item.Title] = struct{}{}
				merged.Items = append(merged.Items, tagSource(item, res.URL))
			}
			categories[key] = merged
		}
	}

	status := scrape.ResultFailed
	if succeeded > 0 {
		status = scrape.ResultPartial
	}

	return scrape.Result{
		ID:         opts.ID,
		ConfigID:   opts.ConfigID,
		URL:        opts.URL,
		Timestamp:  now,
		Status:     status,
		Categories: categories,
		Metadata: map[string]any{
			MetaTotalURLs:    len(results),
			MetaSuccessCount: succeeded,
			MetaFailureCount: len(results) - succeeded,
			MetaURLs:         manifest,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Failed builds the per-URL result recorded when a batch member errors.
func Failed(url string, err error, now time.Time) scrape.Result {
	meta := map[string]any{}
	if err != nil {
		meta["error"] = err.Error()
	}
	return scrape.Result{
		URL:        url,
		Timestamp:  now,
		Status:     scrape.ResultFailed,
		Categories: map[string]scrape.Category{},
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func tagSource(item scrape.Item, url string) scrape.Item {
	meta := make(map[string]any, len(item.Metadata)+1)
	for k, v := range item.Metadata {
		meta[k] = v
	}
	meta[MetaSourceURL] = url
	item.Metadata = meta
	if item.Fields != nil {
		fields := make(map[string]string, len(item.Fields))
		for k, v := range item.Fields {
			fields[k] = v
		}
		item.Fields = fields
	}
	return item
}
