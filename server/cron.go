package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronSpec is a parsed five-field cron expression pinned to UTC. Schedules
// carry no timezone of their own; due-time math always runs in UTC so an
// expression fires at the same instant on every host.
type cronSpec struct {
	schedule cron.Schedule
}

var fiveFieldParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func parseCronSpec(expr string) (cronSpec, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return cronSpec{}, fmt.Errorf("cron expression is empty")
	}
	// robfig/cron accepts CRON_TZ= and TZ= prefixes; reject them up front.
	if strings.Contains(strings.ToUpper(trimmed), "TZ=") {
		return cronSpec{}, fmt.Errorf("cron expression %q carries a timezone, schedules are UTC-only", expr)
	}
	sched, err := fiveFieldParser.Parse(trimmed)
	if err != nil {
		return cronSpec{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return cronSpec{schedule: sched}, nil
}

// Next returns the first activation strictly after t, in UTC.
func (c cronSpec) Next(t time.Time) time.Time {
	return c.schedule.Next(t.UTC())
}

// nextActivation parses expr and returns its first activation after now.
func nextActivation(expr string, now time.Time) (time.Time, error) {
	spec, err := parseCronSpec(expr)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(now), nil
}
