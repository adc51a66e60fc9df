// Package scheduler provides scheduling logic for StudyPipe.
//
// Recurring jobs (daily stage-day updates, scheduled question prompts) use
// cron expressions. One-shot answer deadlines use cancellable timers keyed by
// participant id.
package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// weekdayAbbrev maps the full English weekday names used in experiment
// configurations to cron day-of-week tokens.
var weekdayAbbrev = map[string]string{
	"Sunday":    "SUN",
	"Monday":    "MON",
	"Tuesday":   "TUE",
	"Wednesday": "WED",
	"Thursday":  "THU",
	"Friday":    "FRI",
	"Saturday":  "SAT",
}

// Scheduler provides cron-based recurring jobs plus one-shot deadline timers.
type Scheduler struct {
	cron *cron.Cron

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates and starts a scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		cron:   c,
		timers: make(map[string]*time.Timer),
	}
}

// AddJob schedules a recurring task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// CronForDaily builds a cron expression firing at the given local time, every
// day when onDays is empty or restricted to the named weekdays otherwise.
func CronForDaily(hour, minute int, onDays []string) (string, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	dow := "*"
	if len(onDays) > 0 {
		abbrevs := make([]string, 0, len(onDays))
		for _, day := range onDays {
			abbrev, ok := weekdayAbbrev[day]
			if !ok {
				return "", fmt.Errorf("unknown weekday %q", day)
			}
			abbrevs = append(abbrevs, abbrev)
		}
		dow = strings.Join(abbrevs, ",")
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
}

// ScheduleDeadline arms a one-shot timer for the given key, replacing any
// timer already armed for it. The key is typically a participant id.
func (s *Scheduler) ScheduleDeadline(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.Stop()
		slog.Debug("Scheduler replacing armed deadline", "key", key)
	}

	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		slog.Debug("Scheduler deadline fired", "key", key, "delay", delay)
		fn()
	})
	slog.Debug("Scheduler deadline armed", "key", key, "delay", delay)
}

// CancelDeadline disarms the timer for the given key, if one is armed.
func (s *Scheduler) CancelDeadline(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
		slog.Debug("Scheduler deadline cancelled", "key", key)
	}
}

// Stop stops the cron scheduler, waits for running jobs to finish and disarms
// all deadline timers.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
	slog.Info("Scheduler stopped")
}
