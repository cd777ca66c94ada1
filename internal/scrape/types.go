package scrape

import (
	"net/http"
	"time"
)

// Priority orders pending jobs inside the queue.
type Priority string

// Supported priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of the priority; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority. The empty value is accepted
// and treated as medium.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Frequency is the recurrence period of a scheduled job.
type Frequency string

// Supported frequencies.
const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Schedule describes when a scheduled job should fire. LastRunAt and
// NextRunAt are bookkeeping fields maintained by the queue controller.
type Schedule struct {
	Frequency  Frequency  `json:"frequency" mapstructure:"frequency"`
	TimeOfDay  string     `json:"time_of_day" mapstructure:"time_of_day"`
	Timezone   string     `json:"timezone,omitempty" mapstructure:"timezone"`
	DaysOfWeek []int      `json:"days_of_week,omitempty" mapstructure:"days_of_week"`
	StartDate  *time.Time `json:"start_date,omitempty" mapstructure:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty" mapstructure:"end_date"`
	Enabled    *bool      `json:"enabled,omitempty" mapstructure:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty" mapstructure:"-"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty" mapstructure:"-"`
}

// IsEnabled reports whether the schedule may fire. A nil Enabled flag means enabled.
func (s Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	cp := s
	if s.DaysOfWeek != nil {
		cp.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	}
	cp.StartDate = cloneTime(s.StartDate)
	cp.EndDate = cloneTime(s.EndDate)
	cp.LastRunAt = cloneTime(s.LastRunAt)
	cp.NextRunAt = cloneTime(s.NextRunAt)
	if s.Enabled != nil {
		enabled := *s.Enabled
		cp.Enabled = &enabled
	}
	return cp
}

// CategorySelector tells the extractor which elements make up a category.
type CategorySelector struct {
	Description string `json:"description,omitempty" mapstructure:"description"`
	Selector    string `json:"selector" mapstructure:"selector"`
	// Attr optionally names the attribute holding the item link (default href).
	Attr string `json:"attr,omitempty" mapstructure:"attr"`
}

// Mode classifies the target of a job configuration.
type Mode string

// Job modes.
const (
	ModeSingle    Mode = "single"
	ModeBatch     Mode = "batch"
	ModeScheduled Mode = "scheduled"
)

// JobConfig is the caller-supplied description of a scraping job.
type JobConfig struct {
	ID                 string                      `json:"id,omitempty" mapstructure:"id"`
	URL                string                      `json:"url,omitempty" mapstructure:"url"`
	URLs               []string                    `json:"urls,omitempty" mapstructure:"urls"`
	Schedule           *Schedule                   `json:"schedule,omitempty" mapstructure:"schedule"`
	Priority           Priority                    `json:"priority,omitempty" mapstructure:"priority"`
	MaxRetries         int                         `json:"max_retries" mapstructure:"max_retries"`
	MaxRetriesProvided bool                        `json:"-" mapstructure:"max_retries_provided"`
	RateLimitDelayMs   int                         `json:"rate_limit_delay_ms,omitempty" mapstructure:"rate_limit_delay_ms"`
	RenderJS           bool                        `json:"render_js,omitempty" mapstructure:"render_js"`
	Headers            http.Header                 `json:"headers,omitempty" mapstructure:"headers"`
	Selectors          map[string]CategorySelector `json:"selectors,omitempty" mapstructure:"selectors"`
	Tags               map[string]string           `json:"tags,omitempty" mapstructure:"tags"`
}

// Mode reports whether the config targets one URL, a batch or a schedule.
func (c JobConfig) Mode() Mode {
	switch {
	case len(c.URLs) > 0:
		return ModeBatch
	case c.Schedule != nil:
		return ModeScheduled
	default:
		return ModeSingle
	}
}

// Targets returns the URLs the job will fetch, in order.
func (c JobConfig) Targets() []string {
	if len(c.URLs) > 0 {
		return append([]string(nil), c.URLs...)
	}
	if c.URL == "" {
		return nil
	}
	return []string{c.URL}
}

// ForURL derives the single-URL config used for one member of a batch.
func (c JobConfig) ForURL(url string) JobConfig {
	cp := c.Clone()
	cp.URL = url
	cp.URLs = nil
	cp.Schedule = nil
	return cp
}

// Clone returns a deep copy of the config.
func (c JobConfig) Clone() JobConfig {
	cp := c
	if c.URLs != nil {
		cp.URLs = append([]string(nil), c.URLs...)
	}
	if c.Schedule != nil {
		sched := c.Schedule.Clone()
		cp.Schedule = &sched
	}
	if c.Headers != nil {
		cp.Headers = c.Headers.Clone()
	}
	if c.Selectors != nil {
		cp.Selectors = make(map[string]CategorySelector, len(c.Selectors))
		for k, v := range c.Selectors {
			cp.Selectors[k] = v
		}
	}
	if c.Tags != nil {
		cp.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			cp.Tags[k] = v
		}
	}
	return cp
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is the queue's record of one submitted JobConfig.
type Job struct {
	ID         string    `json:"id"`
	Config     JobConfig `json:"config"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the job so callers cannot mutate queue state.
func (j Job) Clone() Job {
	cp := j
	cp.Config = j.Config.Clone()
	if j.Result != nil {
		res := j.Result.Clone()
		cp.Result = &res
	}
	return cp
}

// IsScheduled reports whether the job carries a recurrence schedule.
func (j Job) IsScheduled() bool {
	return j.Config.Schedule != nil
}

// StatusEvent is delivered to queue subscribers on every status transition.
type StatusEvent struct {
	Job      Job       `json:"job"`
	Previous JobStatus `json:"previous,omitempty"`
	At       time.Time `json:"at"`
}

// ResultStatus is the outcome carried by a Result.
type ResultStatus string

// Result status values.
const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
	ResultPending ResultStatus = "pending"
)

// Item is a single extracted entry inside a category.
type Item struct {
	Title    string            `json:"title"`
	URL      string            `json:"url,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Category groups extracted items under one key.
type Category struct {
	Description string         `json:"description,omitempty"`
	Items       []Item         `json:"items"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RawContent keeps the unprocessed payloads of a fetch.
type RawContent struct {
	JSON string `json:"json,omitempty"`
	HTML string `json:"html,omitempty"`
	Text string `json:"text,omitempty"`
}

// Result is produced by the execution pipeline, the result combiner, or the
// queue itself for scheduled jobs that are not yet due.
type Result struct {
	ID         string              `json:"id"`
	ConfigID   string              `json:"config_id"`
	URL        string              `json:"url"`
	Timestamp  time.Time           `json:"timestamp"`
	Status     ResultStatus        `json:"status"`
	Categories map[string]Category `json:"categories"`
	Raw        RawContent          `json:"raw"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Succeeded reports whether the result carries usable data.
func (r Result) Succeeded() bool {
	return r.Status == ResultSuccess || r.Status == ResultPartial
}

// ItemCount returns the number of items across all categories.
func (r Result) ItemCount() int {
	total := 0
	for _, cat := range r.Categories {
		total += len(cat.Items)
	}
	return total
}

// Clone returns a copy of the result with its own category and metadata maps.
func (r Result) Clone() Result {
	cp := r
	if r.Categories != nil {
		cp.Categories = make(map[string]Category, len(r.Categories))
		for k, cat := range r.Categories {
			c := cat
			c.Items = append([]Item(nil), cat.Items...)
			c.Metadata = cloneMap(cat.Metadata)
			cp.Categories[k] = c
		}
	}
	cp.Metadata = cloneMap(r.Metadata)
	return cp
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID       string
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
