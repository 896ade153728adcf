// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package archive

import (
	"fmt"
	"time"
)

// Status is the per-destination delivery state of an archived study.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusRetryPending Status = "RETRY_PENDING"
)

// Terminal reports whether no further delivery attempt will mutate the
// record. A FAILED record stops being terminal the moment the retry manager
// flips it to RETRY_PENDING, so terminality is a property of the stored
// status alone.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// allowedTransitions encodes the destination status state machine.
var allowedTransitions = map[Status][]Status{
	StatusPending:      {StatusProcessing},
	StatusProcessing:   {StatusSuccess, StatusFailed},
	StatusFailed:       {StatusRetryPending},
	StatusRetryPending: {StatusProcessing},
	StatusSuccess:      {},
}

// ErrBadTransition is wrapped into errors returned for disallowed status
// transitions.
type ErrBadTransition struct {
	From, To Status
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("status transition %s -> %s not allowed", e.From, e.To)
}

func checkTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &ErrBadTransition{From: from, To: to}
}

// DestinationStatus is the durable per-destination record, one JSON file per
// destination under the study's status/ directory.
type DestinationStatus struct {
	Destination   string     `json:"destination"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	Message       string     `json:"message,omitempty"`
	ErrorDetails  string     `json:"error_details,omitempty"`
}
