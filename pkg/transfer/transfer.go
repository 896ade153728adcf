// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package transfer keeps the per-study transfer records that back the
// status and history views. Records live in memory and are flushed to a
// single JSON registry file periodically and on shutdown; on start the
// registry is recovered so history survives restarts.
package transfer

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the lifecycle state of one (study, route) transfer.
type TransferStatus string

const (
	StatusReceived   TransferStatus = "RECEIVED"
	StatusProcessing TransferStatus = "PROCESSING"
	StatusForwarding TransferStatus = "FORWARDING"
	StatusCompleted  TransferStatus = "COMPLETED"
	StatusPartial    TransferStatus = "PARTIAL"
	StatusFailed     TransferStatus = "FAILED"
)

// DestinationState is the delivery state of one destination within a
// transfer record.
type DestinationState string

const (
	DestPending      DestinationState = "PENDING"
	DestSuccess      DestinationState = "SUCCESS"
	DestFailed       DestinationState = "FAILED"
	DestRetryPending DestinationState = "RETRY_PENDING"
)

// DestinationResult is one destination's outcome within a transfer.
type DestinationResult struct {
	Name             string           `json:"name"`
	Status           DestinationState `json:"status"`
	Message          string           `json:"message,omitempty"`
	DurationMs       int64            `json:"duration_ms,omitempty"`
	FilesTransferred int              `json:"files_transferred,omitempty"`
	Attempts         int              `json:"attempts"`
	LastAttemptAt    *time.Time       `json:"last_attempt_at,omitempty"`
	NextRetryAt      *time.Time       `json:"next_retry_at,omitempty"`
}

// Record is one (study, route) transfer.
type Record struct {
	ID           string              `json:"id"`
	StudyUID     string              `json:"study_uid"`
	RouteAE      string              `json:"route_ae"`
	CallingAE    string              `json:"calling_ae,omitempty"`
	ReceivedAt   time.Time           `json:"received_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	FileCount    int                 `json:"file_count"`
	TotalBytes   int64               `json:"total_bytes"`
	Status       TransferStatus      `json:"status"`
	Destinations []DestinationResult `json:"destinations"`
}

func newRecord(studyUID, routeAE, callingAE string, fileCount int, totalBytes int64) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         uuid.NewString(),
		StudyUID:   studyUID,
		RouteAE:    routeAE,
		CallingAE:  callingAE,
		ReceivedAt: now,
		UpdatedAt:  now,
		FileCount:  fileCount,
		TotalBytes: totalBytes,
		Status:     StatusReceived,
	}
}

// aggregate recomputes the overall status once every destination result is
// terminal; with any non-terminal destination left the current status stands.
func (r *Record) aggregate() {
	if len(r.Destinations) == 0 {
		return
	}
	successes := 0
	for _, d := range r.Destinations {
		switch d.Status {
		case DestSuccess:
			successes++
		case DestFailed:
		default:
			return
		}
	}
	switch {
	case successes == len(r.Destinations):
		r.Status = StatusCompleted
	case successes > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
}
