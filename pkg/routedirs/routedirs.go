// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package routedirs fixes the on-disk layout of one route's working
// directories. Every stage of the pipeline moves studies between these
// directories with rename, so they must live on the same filesystem.
package routedirs

import (
	"os"
	"path/filepath"

	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// Dirs is the working tree of a single route.
type Dirs struct {
	// Root is <base_dir>/routes/<ae_title>.
	Root string
	// Incoming holds per-study directories of spooled instances waiting for
	// study quiescence.
	Incoming string
	// Spool holds partially received instances. Files move to Incoming only
	// after a durable commit.
	Spool string
	// LateArrivals collects instances that arrive after their study was
	// already dispatched.
	LateArrivals string
	// Scratch holds per-destination anonymization output during processing.
	Scratch string
	// Completed and Failed receive the study directory after processing.
	Completed string
	Failed    string
}

// For returns the directory layout for a route AE title under baseDir.
func For(baseDir, aeTitle string) Dirs {
	root := filepath.Join(baseDir, "routes", dicomfile.SanitizeName(aeTitle))
	return Dirs{
		Root:         root,
		Incoming:     filepath.Join(root, "incoming"),
		Spool:        filepath.Join(root, "spool"),
		LateArrivals: filepath.Join(root, "late-arrivals"),
		Scratch:      filepath.Join(root, "scratch"),
		Completed:    filepath.Join(root, "completed"),
		Failed:       filepath.Join(root, "failed"),
	}
}

// Ensure creates the whole tree.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Incoming, d.Spool, d.LateArrivals, d.Scratch, d.Completed, d.Failed} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StudyDir returns the incoming directory of one study.
func (d Dirs) StudyDir(studyUID string) string {
	return filepath.Join(d.Incoming, dicomfile.SanitizeName(studyUID))
}
