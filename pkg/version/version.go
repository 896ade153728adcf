// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package version holds build-time version metadata, overridden via
// -ldflags "-X github.com/dicomroute/dicomroute/pkg/version.Version=...".
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
