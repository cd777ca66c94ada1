// Package worker implements the execution pipeline behind every queued job:
// throttle, fetch, optionally render, extract categories and build a result.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

var tracer = otel.Tracer("github.com/JakeFAU/scrape-scheduler/internal/worker")

// DefaultSelectors are extracted when a job configures none.
var DefaultSelectors = map[string]scrape.CategorySelector{
	"headings": {Description: "Page headings", Selector: "h1, h2, h3"},
	"links":    {Description: "Outbound links", Selector: "a[href]", Attr: "href"},
}

// Config controls Worker behavior.
type Config struct {
	// MaxRawBytes caps the raw HTML and text kept on a result; 0 keeps all.
	MaxRawBytes int
	Selectors   map[string]scrape.CategorySelector
}

// Worker implements scrape.Executor.
type Worker struct {
	probeFetcher    scrape.Fetcher
	headlessFetcher scrape.Fetcher
	detector        scrape.HeadlessDetector
	limiter         scrape.Limiter
	hasher          scrape.Hasher
	clock           scrape.Clock
	ids             scrape.IDGenerator
	cfg             Config
	logger          *zap.Logger
}

// New constructs a Worker. headless, detector and limiter may be nil.
func New(
	probe scrape.Fetcher,
	headless scrape.Fetcher,
	detector scrape.HeadlessDetector,
	limiter scrape.Limiter,
	hasher scrape.Hasher,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = DefaultSelectors
	}
	metrics.Init()
	return &Worker{
		probeFetcher:    probe,
		headlessFetcher: headless,
		detector:        detector,
		limiter:         limiter,
		hasher:          hasher,
		clock:           clock,
		ids:             ids,
		cfg:             cfg,
		logger:          logger.Named("worker"),
	}
}

// Execute scrapes one URL. Failures are returned as *scrape.ExecutionError.
func (w *Worker) Execute(ctx context.Context, cfg scrape.JobConfig) (scrape.Result, error) {
	ctx, span := tracer.Start(ctx, "worker.Execute", trace.WithAttributes(
		attribute.String("job.id", cfg.ID),
		attribute.String("url.full", cfg.URL),
	))
	defer span.End()

	result, err := w.execute(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(
		attribute.String("result.status", string(result.Status)),
		attribute.Int("result.items", result.ItemCount()),
	)
	return result, nil
}

func (w *Worker) execute(ctx context.Context, cfg scrape.JobConfig) (scrape.Result, error) {
	target := cfg.URL
	if w.probeFetcher == nil {
		return scrape.Result{}, scrape.NewExecutionError(target, fmt.Errorf("no probe fetcher configured"))
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, target); err != nil {
			return scrape.Result{}, scrape.NewExecutionError(target, err)
		}
	}

	resp, err := w.fetchProbe(ctx, cfg)
	if err != nil {
		metrics.ObserveFetch(target, "error", 0)
		w.logger.Warn("probe fetch failed", zap.String("job_id", cfg.ID), zap.String("url", target), zap.Error(err))
		return scrape.Result{}, scrape.NewExecutionError(target, err)
	}
	if promoted, ok := w.maybePromote(ctx, cfg, resp); ok {
		resp = promoted
	}
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveFetch(target, "http_error", len(resp.Body))
		return scrape.Result{}, scrape.NewExecutionError(target, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	metrics.ObserveFetch(target, "success", len(resp.Body))

	result, err := w.buildResult(cfg, resp)
	if err != nil {
		return scrape.Result{}, scrape.NewExecutionError(target, err)
	}
	w.logger.Debug("page scraped",
		zap.String("job_id", cfg.ID),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Bool("headless", resp.UsedHeadless),
		zap.Int("items", result.ItemCount()),
	)
	return result, nil
}

func (w *Worker) fetchProbe(ctx context.Context, cfg scrape.JobConfig) (scrape.FetchResponse, error) {
	resp, err := w.probeFetcher.Fetch(ctx, scrape.FetchRequest{
		JobID:   cfg.ID,
		URL:     cfg.URL,
		Headers: cfg.Headers,
	})
	if err != nil {
		return scrape.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}
	return resp, nil
}

func (w *Worker) maybePromote(
	ctx context.Context,
	cfg scrape.JobConfig,
	resp scrape.FetchResponse,
) (scrape.FetchResponse, bool) {
	if !cfg.RenderJS || w.headlessFetcher == nil {
		return resp, false
	}
	if w.detector != nil && !w.detector.ShouldPromote(resp) {
		return resp, false
	}
	headlessResp, err := w.headlessFetcher.Fetch(ctx, scrape.FetchRequest{
		JobID:       cfg.ID,
		URL:         cfg.URL,
		UseHeadless: true,
		Headers:     cfg.Headers,
	})
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("job_id", cfg.ID), zap.String("url", cfg.URL), zap.Error(err))
		return resp, false
	}
	headlessResp.UsedHeadless = true
	metrics.ObserveHeadlessPromotion(cfg.URL)
	return headlessResp, true
}

func (w *Worker) buildResult(cfg scrape.JobConfig, resp scrape.FetchResponse) (scrape.Result, error) {
	now := w.clock.Now()
	id, err := w.ids.NewID()
	if err != nil {
		return scrape.Result{}, fmt.Errorf("result id: %w", err)
	}
	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return scrape.Result{}, fmt.Errorf("hash body: %w", err)
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = cfg.URL
	}

	result := scrape.Result{
		ID:         id,
		ConfigID:   cfg.ID,
		URL:        pageURL,
		Timestamp:  now,
		Status:     scrape.ResultSuccess,
		Categories: map[string]scrape.Category{},
		Metadata: map[string]any{
			"status_code":   resp.StatusCode,
			"content_hash":  hash,
			"used_headless": resp.UsedHeadless,
			"duration_ms":   resp.Duration.Milliseconds(),
			"bytes":         len(resp.Body),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if isJSON(resp.Headers) {
		result.Raw.JSON = w.truncate(string(resp.Body))
		return result, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return scrape.Result{}, fmt.Errorf("parse html: %w", err)
	}
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		result.Metadata["title"] = title
	}
	selectors := cfg.Selectors
	if len(selectors) == 0 {
		selectors = w.cfg.Selectors
	}
	base, _ := url.Parse(pageURL)
	for name, sel := range selectors {
		result.Categories[name] = extract(doc, sel, base)
	}

	result.Raw.HTML = w.truncate(string(resp.Body))
	text := doc.Find("body").Clone()
	text.Find("script, style, noscript").Remove()
	result.Raw.Text = w.truncate(collapse(text.Text()))
	return result, nil
}

func extract(doc *goquery.Document, sel scrape.CategorySelector, base *url.URL) scrape.Category {
	attr := sel.Attr
	if attr == "" {
		attr = "href"
	}
	items := []scrape.Item{}
	doc.Find(sel.Selector).Each(func(_ int, s *goquery.Selection) {
		title := collapse(s.Text())
		if title == "" {
			title = collapse(s.AttrOr("title", s.AttrOr("alt", "")))
		}
		if title == "" {
			return
		}
		item := scrape.Item{Title: title}
		if raw, ok := s.Attr(attr); ok {
			item.URL = resolve(base, raw)
		}
		for _, a := range s.Nodes[0].Attr {
			if strings.HasPrefix(a.Key, "data-") {
				if item.Fields == nil {
					item.Fields = map[string]string{}
				}
				item.Fields[strings.TrimPrefix(a.Key, "data-")] = a.Val
			}
		}
		items = append(items, item)
	})
	return scrape.Category{
		Description: sel.Description,
		Items:       items,
		Metadata: map[string]any{
			"selector": sel.Selector,
			"count":    len(items),
		},
	}
}

func resolve(base *url.URL, raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func (w *Worker) truncate(s string) string {
	if w.cfg.MaxRawBytes > 0 && len(s) > w.cfg.MaxRawBytes {
		return s[:w.cfg.MaxRawBytes]
	}
	return s
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isJSON(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "json")
}

var _ scrape.Executor = (*Worker)(nil)
