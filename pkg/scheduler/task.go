package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@hourly" or "@every 30s".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Task binds a job body to the schedule that triggers its coordinator.
type Task struct {
	// Name is the job type; it is part of every lease id.
	Name     string
	Schedule string
	// Timezone is an IANA zone for cron expressions. Empty means UTC.
	Timezone string
	Runner   JobRunner
	Config   JobConfig
}

// Validate verifies required fields, schedule syntax and job config.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if strings.ContainsAny(t.Name, "/ \t") {
		return schedulerError(ErrValidation, fmt.Sprintf("task name %q must not contain '/' or whitespace", t.Name))
	}
	if t.Runner == nil {
		return schedulerError(ErrValidation, fmt.Sprintf("task %q has no runner", t.Name))
	}
	if err := t.Config.Validate(); err != nil {
		return err
	}
	if _, err := t.nextRun(time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

func (t *Task) location() (*time.Location, error) {
	if strings.TrimSpace(t.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(t.Timezone))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

func (t *Task) nextRun(now time.Time) (time.Time, error) {
	loc, err := t.location()
	if err != nil {
		return time.Time{}, err
	}
	return nextRunForSchedule(strings.TrimSpace(t.Schedule), now.In(loc))
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(schedule string) error {
	_, err := parseSchedule(strings.TrimSpace(schedule))
	return err
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, schedulerError(ErrValidation, "task schedule is required")
	}
	parsed, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("invalid schedule %q", schedule)), err)
	}
	return parsed, nil
}

func nextRunForSchedule(schedule string, now time.Time) (time.Time, error) {
	parsed, err := parseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	next := parsed.Next(now)
	if next.IsZero() {
		return time.Time{}, schedulerError(ErrValidation, fmt.Sprintf("unable to find next run for schedule %q", schedule))
	}
	return next.UTC(), nil
}
