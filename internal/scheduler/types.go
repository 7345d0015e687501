// Package scheduler implements the durable job scheduler: interval and daily
// jobs persisted in scheduler_jobs, fired by a cooperative tick loop, with a
// lease compare-and-set as the only cross-process coordination primitive.
package scheduler

import (
	"context"
	"fmt"
	"time"
)

// ScheduleKind selects how a job's next fire is computed.
type ScheduleKind string

const (
	KindInterval ScheduleKind = "interval"
	KindDaily    ScheduleKind = "daily"
)

// Status is the persisted job status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Handler runs the job's work. A non-nil error marks the job failed; either
// way next_run_at advances.
type Handler func(ctx context.Context) error

// Definition describes a job to register.
type Definition struct {
	Name     string
	Kind     ScheduleKind
	Interval time.Duration // interval jobs; must be > 0
	Hour     int           // daily jobs, 0..23
	Minute   int           // daily jobs, 0..59
	Timezone string        // daily jobs; empty means UTC
	Lease    time.Duration // lock duration; must be > 0
}

// Validate surfaces config errors immediately; they are never retried.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("job name must not be empty")
	}
	switch d.Kind {
	case KindInterval:
		if d.Interval <= 0 {
			return fmt.Errorf("job %s: interval must be > 0", d.Name)
		}
	case KindDaily:
		if d.Hour < 0 || d.Hour > 23 {
			return fmt.Errorf("job %s: hour must be in 0..23, got %d", d.Name, d.Hour)
		}
		if d.Minute < 0 || d.Minute > 59 {
			return fmt.Errorf("job %s: minute must be in 0..59, got %d", d.Name, d.Minute)
		}
		if d.Timezone != "" {
			if _, err := time.LoadLocation(d.Timezone); err != nil {
				return fmt.Errorf("job %s: invalid timezone %q: %w", d.Name, d.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("job %s: unknown schedule kind %q", d.Name, d.Kind)
	}
	if d.Lease <= 0 {
		return fmt.Errorf("job %s: lease must be > 0", d.Name)
	}
	return nil
}

// Location resolves the declared timezone, defaulting to UTC.
func (d Definition) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Job is the persisted row for a registered job.
type Job struct {
	Name          string
	Kind          ScheduleKind
	Interval      time.Duration
	Hour          int
	Minute        int
	Timezone      string
	Lease         time.Duration
	Status        Status
	NextRunAt     *time.Time
	LastRunAt     *time.Time
	FailureCount  int
	LockOwner     string
	LockExpiresAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Definition reconstructs the schedule definition from the row.
func (j Job) Definition() Definition {
	return Definition{
		Name:     j.Name,
		Kind:     j.Kind,
		Interval: j.Interval,
		Hour:     j.Hour,
		Minute:   j.Minute,
		Timezone: j.Timezone,
		Lease:    j.Lease,
	}
}
