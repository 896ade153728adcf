// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package archive persists processed studies: original and anonymized
// instance files plus one delivery status record per destination. The layout
// is one directory per study under archive/<route_ae>/<study_uid>/; every
// write lands in a .tmp sibling first and is renamed into place, so readers
// never observe half-written files. Content files are immutable once
// archived; only status records are rewritten afterwards.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

const (
	dirOriginal   = "original"
	dirAnonymized = "anonymized"
	dirStatus     = "status"
	summaryFile   = "study.json"
)

// Summary is the study.json record.
type Summary struct {
	StudyUID        string    `json:"study_uid"`
	RouteAE         string    `json:"route_ae"`
	ArchivedAt      time.Time `json:"archived_at"`
	OriginalFiles   []string  `json:"original_files"`
	AnonymizedFiles []string  `json:"anonymized_files,omitempty"`
}

// Study is a full archived-study record.
type Study struct {
	Summary
	DestinationStatuses map[string]DestinationStatus `json:"destination_statuses"`
}

// Archive is the on-disk study archive rooted at a single directory.
type Archive struct {
	root string

	// mu serializes status read-modify-write cycles. Content writes need no
	// lock: each study is archived by exactly one processor worker.
	mu sync.Mutex
}

// New opens (creating if needed) an archive rooted at dir.
func New(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Archive{root: dir}, nil
}

func (a *Archive) studyDir(routeAE, studyUID string) string {
	return filepath.Join(a.root, dicomfile.SanitizeName(routeAE), dicomfile.SanitizeName(studyUID))
}

// ArchiveStudy copies the study's files into the archive. The whole study
// directory is staged and renamed in one shot; a crash mid-copy leaves only
// a .tmp directory that the next ArchiveStudy for the same study clears.
// Archiving an already-archived study is a no-op.
func (a *Archive) ArchiveStudy(routeAE, studyUID string, originalPaths, anonymizedPaths []string) error {
	final := a.studyDir(routeAE, studyUID)
	if _, err := os.Stat(filepath.Join(final, summaryFile)); err == nil {
		return nil
	}

	staging := final + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(staging, dirStatus), 0o755); err != nil {
		return err
	}

	summary := Summary{
		StudyUID:   studyUID,
		RouteAE:    routeAE,
		ArchivedAt: time.Now().UTC(),
	}
	var err error
	if summary.OriginalFiles, err = copyInto(filepath.Join(staging, dirOriginal), originalPaths); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("archive originals for %s: %w", studyUID, err)
	}
	if len(anonymizedPaths) > 0 {
		if summary.AnonymizedFiles, err = copyInto(filepath.Join(staging, dirAnonymized), anonymizedPaths); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("archive anonymized for %s: %w", studyUID, err)
		}
	}
	if err := writeJSON(filepath.Join(staging, summaryFile), summary); err != nil {
		os.RemoveAll(staging)
		return err
	}

	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("publish archive for %s: %w", studyUID, err)
	}
	log.WithFields(log.Fields{
		"route":      routeAE,
		"study":      studyUID,
		"originals":  len(summary.OriginalFiles),
		"anonymized": len(summary.AnonymizedFiles),
	}).Info("study archived")
	return nil
}

// PutStatus writes a destination status record, enforcing the transition
// rules against the stored record. The first record for a destination may
// carry any status: the processor archives after its initial send, so the
// opening write is usually already SUCCESS or FAILED.
func (a *Archive) PutStatus(routeAE, studyUID string, rec DestinationStatus) error {
	if rec.Destination == "" {
		return fmt.Errorf("status record without destination")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.readStatus(routeAE, studyUID, rec.Destination)
	if err == nil {
		if terr := checkTransition(current.Status, rec.Status); terr != nil {
			return fmt.Errorf("destination %s of study %s: %w", rec.Destination, studyUID, terr)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	dir := filepath.Join(a.studyDir(routeAE, studyUID), dirStatus)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, dicomfile.SanitizeName(rec.Destination)+".json"), rec)
}

// GetStatus returns the stored record for one destination.
func (a *Archive) GetStatus(routeAE, studyUID, destination string) (DestinationStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readStatus(routeAE, studyUID, destination)
}

func (a *Archive) readStatus(routeAE, studyUID, destination string) (DestinationStatus, error) {
	var rec DestinationStatus
	path := filepath.Join(a.studyDir(routeAE, studyUID), dirStatus, dicomfile.SanitizeName(destination)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("status %s: %w", path, err)
	}
	return rec, nil
}

// Statuses returns all readable status records for a study. Unreadable
// records are logged and skipped, never fatal: a crash between .tmp write
// and rename must not wedge the study.
func (a *Archive) Statuses(routeAE, studyUID string) (map[string]DestinationStatus, error) {
	dir := filepath.Join(a.studyDir(routeAE, studyUID), dirStatus)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]DestinationStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]DestinationStatus, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		rec, err := a.readStatus(routeAE, studyUID, name)
		if err != nil {
			log.WithError(err).WithField("study", studyUID).Warn("skipping unreadable status record")
			continue
		}
		out[rec.Destination] = rec
	}
	return out, nil
}

// OriginalFiles returns the full paths of the archived original instances.
func (a *Archive) OriginalFiles(routeAE, studyUID string) ([]string, error) {
	return listFiles(filepath.Join(a.studyDir(routeAE, studyUID), dirOriginal), false)
}

// AnonymizedFiles returns the archived anonymized instances; a study that
// was never anonymized yields an empty list, not an error.
func (a *Archive) AnonymizedFiles(routeAE, studyUID string) ([]string, error) {
	return listFiles(filepath.Join(a.studyDir(routeAE, studyUID), dirAnonymized), true)
}

// ListArchivedStudies returns summaries for a route, newest first. limit <= 0
// means no limit.
func (a *Archive) ListArchivedStudies(routeAE string, limit int) ([]Summary, error) {
	routeDir := filepath.Join(a.root, dicomfile.SanitizeName(routeAE))
	entries, err := os.ReadDir(routeDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		var s Summary
		if err := readJSON(filepath.Join(routeDir, e.Name(), summaryFile), &s); err != nil {
			log.WithError(err).WithField("study", e.Name()).Warn("skipping archived study without summary")
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetArchivedStudy returns the full record including destination statuses.
func (a *Archive) GetArchivedStudy(routeAE, studyUID string) (*Study, error) {
	var s Summary
	if err := readJSON(filepath.Join(a.studyDir(routeAE, studyUID), summaryFile), &s); err != nil {
		return nil, err
	}
	statuses, err := a.Statuses(routeAE, studyUID)
	if err != nil {
		return nil, err
	}
	return &Study{Summary: s, DestinationStatuses: statuses}, nil
}

// Routes lists the route AE titles present in the archive.
func (a *Archive) Routes() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// EachStudy walks every archived study across all routes. Returning an error
// from fn stops the walk.
func (a *Archive) EachStudy(fn func(summary Summary) error) error {
	routes, err := a.Routes()
	if err != nil {
		return err
	}
	for _, route := range routes {
		summaries, err := a.ListArchivedStudies(route, 0)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			if err := fn(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove deletes an archived study.
func (a *Archive) Remove(routeAE, studyUID string) error {
	return os.RemoveAll(a.studyDir(routeAE, studyUID))
}

func copyInto(dir string, paths []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, src := range paths {
		name := filepath.Base(src)
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func listFiles(dir string, tolerateMissing bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) && tolerateMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
