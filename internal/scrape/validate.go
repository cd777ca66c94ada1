package scrape

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks that the config has a usable target and well-formed
// options. Every failure wraps ErrInvalidConfig.
func (c JobConfig) Validate() error {
	switch {
	case c.URL == "" && len(c.URLs) == 0:
		return invalidf("a target url or url list is required")
	case c.URL != "" && len(c.URLs) > 0:
		return invalidf("url and urls are mutually exclusive")
	case len(c.URLs) > 0 && c.Schedule != nil:
		return invalidf("schedules apply to a single url only")
	}
	for _, target := range c.Targets() {
		if err := validateURL(target); err != nil {
			return err
		}
	}
	if !c.Priority.Valid() {
		return invalidf("unknown priority %q", c.Priority)
	}
	if c.MaxRetries < 0 {
		return invalidf("max_retries must be >= 0")
	}
	if c.RateLimitDelayMs < 0 {
		return invalidf("rate_limit_delay_ms must be >= 0")
	}
	for name, sel := range c.Selectors {
		if strings.TrimSpace(sel.Selector) == "" {
			return invalidf("selector for category %q is empty", name)
		}
	}
	if c.Schedule != nil {
		return c.Schedule.Validate()
	}
	return nil
}

// Validate checks frequency, time of day, timezone, weekdays and bounds.
func (s Schedule) Validate() error {
	switch s.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return invalidf("unknown frequency %q", s.Frequency)
	}
	if _, _, err := ParseTimeOfDay(s.TimeOfDay); err != nil {
		return invalidf("%v", err)
	}
	if _, err := s.Location(); err != nil {
		return invalidf("%v", err)
	}
	for _, day := range s.DaysOfWeek {
		if day < 0 || day > 6 {
			return invalidf("day of week %d out of range 0-6", day)
		}
	}
	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return invalidf("end_date precedes start_date")
	}
	return nil
}

// Location resolves the schedule's IANA timezone; empty means UTC.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// ParseTimeOfDay parses an "HH:MM" wall-clock time.
func ParseTimeOfDay(raw string) (int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time of day %q must be HH:MM", raw)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour, minute, nil
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return invalidf("parse url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalidf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return invalidf("url %q has no host", raw)
	}
	return nil
}
