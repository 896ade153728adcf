// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(t.TempDir())
	require.NoError(t, err)
	return a
}

func writeInstances(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("DICM"+name), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestArchiveStudyRoundTrip(t *testing.T) {
	a := testArchive(t)
	src := t.TempDir()
	originals := writeInstances(t, filepath.Join(src, "orig"), "1.dcm", "2.dcm")
	anonymized := writeInstances(t, filepath.Join(src, "anon"), "1.dcm", "2.dcm")

	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, anonymized))

	study, err := a.GetArchivedStudy("ROUTE1", "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", study.StudyUID)
	assert.Equal(t, "ROUTE1", study.RouteAE)
	assert.Equal(t, []string{"1.dcm", "2.dcm"}, study.OriginalFiles)
	assert.Equal(t, []string{"1.dcm", "2.dcm"}, study.AnonymizedFiles)
	assert.WithinDuration(t, time.Now(), study.ArchivedAt, time.Minute)

	files, err := a.OriginalFiles("ROUTE1", "1.2.3")
	require.NoError(t, err)
	require.Len(t, files, 2)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "DICM1.dcm", string(data))
}

func TestArchiveStudyIsIdempotent(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")

	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, nil))
	first, err := a.GetArchivedStudy("ROUTE1", "1.2.3")
	require.NoError(t, err)

	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, nil))
	second, err := a.GetArchivedStudy("ROUTE1", "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, first.ArchivedAt, second.ArchivedAt)
}

func TestAnonymizedFilesMissingDirTolerated(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")
	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, nil))

	files, err := a.AnonymizedFiles("ROUTE1", "1.2.3")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStatusTransitions(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")
	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, nil))

	put := func(status Status) error {
		return a.PutStatus("ROUTE1", "1.2.3", DestinationStatus{Destination: "xnat-main", Status: status})
	}

	require.NoError(t, put(StatusPending))
	require.NoError(t, put(StatusProcessing))
	require.NoError(t, put(StatusFailed))
	require.NoError(t, put(StatusRetryPending))
	require.NoError(t, put(StatusProcessing))
	require.NoError(t, put(StatusSuccess))

	// SUCCESS is terminal.
	err := put(StatusProcessing)
	var terr *ErrBadTransition
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusSuccess, terr.From)

	rec, err := a.GetStatus("ROUTE1", "1.2.3", "xnat-main")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
}

func TestStatusRejectsSkippedStates(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")
	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, nil))

	put := func(status Status) error {
		return a.PutStatus("ROUTE1", "1.2.3", DestinationStatus{Destination: "d", Status: status})
	}
	require.NoError(t, put(StatusPending))
	var terr *ErrBadTransition
	assert.ErrorAs(t, put(StatusSuccess), &terr)
	assert.ErrorAs(t, put(StatusRetryPending), &terr)
}

func TestStatusesTolerantOfPartialDir(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")
	require.NoError(t, a.ArchiveStudy("ROUTE1", "1.2.3", originals, nil))
	require.NoError(t, a.PutStatus("ROUTE1", "1.2.3", DestinationStatus{Destination: "good", Status: StatusSuccess}))

	statusDir := filepath.Join(a.studyDir("ROUTE1", "1.2.3"), dirStatus)
	require.NoError(t, os.WriteFile(filepath.Join(statusDir, "broken.json"), []byte("{nope"), 0o644))

	statuses, err := a.Statuses("ROUTE1", "1.2.3")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusSuccess, statuses["good"].Status)
}

func TestListArchivedStudiesNewestFirst(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")
	for _, uid := range []string{"1.1", "1.2", "1.3"} {
		require.NoError(t, a.ArchiveStudy("ROUTE1", uid, originals, nil))
	}
	// Push the oldest back in time by editing its summary.
	var s Summary
	summaryPath := filepath.Join(a.studyDir("ROUTE1", "1.1"), summaryFile)
	require.NoError(t, readJSON(summaryPath, &s))
	s.ArchivedAt = s.ArchivedAt.Add(-time.Hour)
	require.NoError(t, writeJSON(summaryPath, s))

	all, err := a.ListArchivedStudies("ROUTE1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1.1", all[2].StudyUID)

	limited, err := a.ListArchivedStudies("ROUTE1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := a.ListArchivedStudies("NO_SUCH_ROUTE", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCleanerRemovesOnlyTerminalExpiredStudies(t *testing.T) {
	a := testArchive(t)
	originals := writeInstances(t, t.TempDir(), "1.dcm")

	for _, uid := range []string{"old.done", "old.pending", "fresh.done"} {
		require.NoError(t, a.ArchiveStudy("ROUTE1", uid, originals, nil))
	}
	age := func(uid string, d time.Duration) {
		var s Summary
		path := filepath.Join(a.studyDir("ROUTE1", uid), summaryFile)
		require.NoError(t, readJSON(path, &s))
		s.ArchivedAt = s.ArchivedAt.Add(-d)
		require.NoError(t, writeJSON(path, s))
	}
	age("old.done", 40*24*time.Hour)
	age("old.pending", 40*24*time.Hour)

	require.NoError(t, a.PutStatus("ROUTE1", "old.done", DestinationStatus{Destination: "d", Status: StatusSuccess}))
	require.NoError(t, a.PutStatus("ROUTE1", "old.pending", DestinationStatus{Destination: "d", Status: StatusRetryPending}))
	require.NoError(t, a.PutStatus("ROUTE1", "fresh.done", DestinationStatus{Destination: "d", Status: StatusSuccess}))

	cleaner := NewCleaner(a, 30)
	removed, err := cleaner.RemoveExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = a.GetArchivedStudy("ROUTE1", "old.done")
	assert.Error(t, err)
	_, err = a.GetArchivedStudy("ROUTE1", "old.pending")
	assert.NoError(t, err)
	_, err = a.GetArchivedStudy("ROUTE1", "fresh.done")
	assert.NoError(t, err)
}

func TestCleanerDisabled(t *testing.T) {
	a := testArchive(t)
	cleaner := NewCleaner(a, 0)
	removed, err := cleaner.RemoveExpired(time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
	cleaner.Start()
	cleaner.Stop()
}
