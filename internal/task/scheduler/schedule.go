package scheduler

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is either a cron expression handed to robfig/cron or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is the normalized form of a schedule string.
//
// Accepted inputs are cron ("*/5 * * * *", "@hourly", "@every 30s"), Go durations
// ("45s", "2h30m") and HH:MM intervals ("00:30"). A "cron:" prefix forces cron;
// "interval:" and "every:" force an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

var errNonPositiveInterval = errors.New("interval must be > 0")

type schedulePrefix struct {
	prefix string
	parse  func(rest string) (ParsedSpec, error)
}

var schedulePrefixes = []schedulePrefix{
	{prefix: "cron:", parse: func(rest string) (ParsedSpec, error) {
		if rest == "" {
			return ParsedSpec{}, errors.New("cron: prefix needs an expression")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}},
	{prefix: "interval:", parse: parseIntervalSpec},
	{prefix: "every:", parse: parseIntervalSpec},
}

// ParseSchedule classifies raw as a cron expression or an interval.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	lower := strings.ToLower(s)
	for _, p := range schedulePrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.parse(strings.TrimSpace(s[len(p.prefix):]))
		}
	}

	if s[0] == '@' || strings.IndexFunc(s, isSpace) >= 0 {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	spec, err := parseIntervalSpec(s)
	if err != nil {
		if errors.Is(err, errNonPositiveInterval) {
			return ParsedSpec{}, err
		}
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want cron (*/5 * * * *), HH:MM (02:30) or a duration (55m)", raw)
	}
	return spec, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		d, err := hhmmDuration(hh, mm)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid HH:MM %q: %w", v, err)
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return ParsedSpec{}, errNonPositiveInterval
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

// hhmmDuration accepts up to three hour digits and exactly two minute digits.
func hhmmDuration(hh, mm string) (time.Duration, error) {
	if len(hh) == 0 || len(hh) > 3 || len(mm) != 2 || !allDigits(hh) || !allDigits(mm) {
		return 0, errors.New("expected H:MM")
	}
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	if m > 59 {
		return 0, errors.New("minutes out of range")
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if d <= 0 {
		return 0, errNonPositiveInterval
	}
	return d, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

const maxStartupSpread = 30 * time.Second

// delayedFirstRun fires once at first and then follows the interval.
type delayedFirstRun struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s delayedFirstRun) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// makeIntervalScheduleWithSpread delays the first run of an interval schedule
// by one period plus a jitter below min(every, maxStartupSpread). The jitter
// is offset by a hash of tag so jobs registered together land apart.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	offset := time.Duration(h.Sum64() % uint64(window))
	jitter := (offset + rand.N(window)) % window
	return delayedFirstRun{every: base, first: now.Add(every + jitter)}, jitter
}
