// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package destinations

import (
	"time"

	"go.uber.org/atomic"
)

// Health tracks probe outcomes for one destination. All fields are atomics
// so the prober, the processor and the CLI status path never contend.
type Health struct {
	available           atomic.Bool
	lastCheck           atomic.Int64 // unix nanos, 0 = never
	lastAvailable       atomic.Int64
	unavailableSince    atomic.Int64
	consecutiveFailures atomic.Int32
	totalChecks         atomic.Int64
	successfulChecks    atomic.Int64
}

// NewHealth returns a health record that is available until a probe says
// otherwise, so a freshly added destination is immediately usable.
func NewHealth() *Health {
	h := &Health{}
	h.available.Store(true)
	return h
}

// RecordSuccess marks a successful probe.
func (h *Health) RecordSuccess(at time.Time) {
	h.totalChecks.Inc()
	h.successfulChecks.Inc()
	h.lastCheck.Store(at.UnixNano())
	h.lastAvailable.Store(at.UnixNano())
	h.consecutiveFailures.Store(0)
	h.unavailableSince.Store(0)
	h.available.Store(true)
}

// RecordFailure marks a failed probe. The first failure in a row stamps
// unavailableSince.
func (h *Health) RecordFailure(at time.Time) {
	h.totalChecks.Inc()
	h.lastCheck.Store(at.UnixNano())
	h.consecutiveFailures.Inc()
	h.unavailableSince.CompareAndSwap(0, at.UnixNano())
	h.available.Store(false)
}

// Available reports the current probe verdict.
func (h *Health) Available() bool {
	return h.available.Load()
}

// Snapshot is a point-in-time copy of a destination's health for display.
type Snapshot struct {
	Name                string        `json:"name"`
	Available           bool          `json:"available"`
	LastCheck           *time.Time    `json:"last_check,omitempty"`
	LastAvailable       *time.Time    `json:"last_available,omitempty"`
	UnavailableSince    *time.Time    `json:"unavailable_since,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalChecks         int64         `json:"total_checks"`
	SuccessfulChecks    int64         `json:"successful_checks"`
	AvailabilityPct     float64       `json:"availability_pct"`
	Downtime            time.Duration `json:"downtime"`
}

// SnapshotAt captures the health record relative to now.
func (h *Health) SnapshotAt(name string, now time.Time) Snapshot {
	s := Snapshot{
		Name:                name,
		Available:           h.available.Load(),
		ConsecutiveFailures: int(h.consecutiveFailures.Load()),
		TotalChecks:         h.totalChecks.Load(),
		SuccessfulChecks:    h.successfulChecks.Load(),
	}
	s.LastCheck = nanosToTime(h.lastCheck.Load())
	s.LastAvailable = nanosToTime(h.lastAvailable.Load())
	s.UnavailableSince = nanosToTime(h.unavailableSince.Load())
	if s.TotalChecks == 0 {
		s.AvailabilityPct = 100
	} else {
		s.AvailabilityPct = 100 * float64(s.SuccessfulChecks) / float64(s.TotalChecks)
	}
	if !s.Available && s.UnavailableSince != nil {
		s.Downtime = now.Sub(*s.UnavailableSince)
	}
	return s
}

func nanosToTime(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}
