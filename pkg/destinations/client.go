// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package destinations manages the forwarding targets of the appliance:
// a registry of named destination clients plus a background prober that
// tracks per-destination health.
package destinations

import "context"

// Study carries the identifiers a client may need to label an upload.
type Study struct {
	StudyUID  string
	RouteAE   string
	CallingAE string
}

// SendParams are the per-binding labels resolved by the route processor.
type SendParams struct {
	ProjectID    string
	SubjectLabel string
	SessionLabel string
	// AutoArchive sends straight to the curated archive instead of the
	// review staging area, for destinations that distinguish the two.
	AutoArchive bool
}

// SendResult reports the outcome of one delivery attempt.
type SendResult struct {
	Success          bool
	FilesTransferred int
	DurationMs       int64
	Message          string
	// Retryable marks failures worth scheduling again: network errors,
	// server-side errors, resource exhaustion. Configuration and
	// verification failures are not.
	Retryable bool
}

// Client is one configured forwarding target.
type Client interface {
	// Probe checks reachability without transferring data.
	Probe(ctx context.Context) error
	// Send delivers the study's files. A non-nil SendResult is returned
	// even on failure so the caller can record attempt details.
	Send(ctx context.Context, study Study, files []string, params SendParams) (*SendResult, error)
	// Close releases held resources (sessions, pools).
	Close() error
}
