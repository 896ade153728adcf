// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package assembler groups received instances into studies and decides when a
// study is complete. Completion is quiescence: no new instance for the
// route's study timeout. A completed study is removed and emitted exactly
// once; instances that show up afterwards are moved aside, never silently
// dropped.
package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
	"github.com/dicomroute/dicomroute/pkg/receiver"
	"github.com/dicomroute/dicomroute/pkg/routedirs"
)

// Study is one completed study handed to the processor.
type Study struct {
	RouteAE      string
	StudyUID     string
	CallingAE    string
	Dir          string
	Files        []string
	TotalBytes   int64
	FirstArrival time.Time
	LastArrival  time.Time
}

type pendingStudy struct {
	callingAE string
	files     map[string]int64
	first     time.Time
	last      time.Time
}

// Assembler tracks in-flight studies for one route.
type Assembler struct {
	route   *config.Route
	dirs    routedirs.Dirs
	clock   clock.Clock
	emit    func(Study)
	timeout time.Duration
	maxAge  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingStudy
	// dispatched remembers recently emitted studies so stragglers can be
	// recognized as late arrivals. Entries expire after dispatchRetention.
	dispatched map[string]time.Time

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped chan struct{}
}

// dispatchRetention bounds how long an emitted study blocks re-assembly
// under the same UID. A study re-sent after this window starts over.
const dispatchRetention = 10 * time.Minute

// New builds the assembler for a route. emit is called exactly once per
// completed study, from the assembler goroutine. A nil clk uses wall time.
func New(route *config.Route, dirs routedirs.Dirs, clk clock.Clock, emit func(Study)) *Assembler {
	if clk == nil {
		clk = clock.New()
	}
	var maxAge time.Duration
	if route.MaxStudyDurationSeconds > 0 {
		maxAge = time.Duration(route.MaxStudyDurationSeconds) * time.Second
	}
	return &Assembler{
		route:      route,
		dirs:       dirs,
		clock:      clk,
		emit:       emit,
		timeout:    route.StudyTimeout(),
		maxAge:     maxAge,
		pending:    make(map[string]*pendingStudy),
		dispatched: make(map[string]time.Time),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start recovers studies already on disk, begins watching the incoming tree
// for operator-dropped files, and starts the quiescence ticker.
func (a *Assembler) Start() error {
	if err := a.recover(); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("route %s: start folder watcher: %w", a.route.AETitle, err)
	}
	if err := w.Add(a.dirs.Incoming); err != nil {
		w.Close()
		return fmt.Errorf("route %s: watch %s: %w", a.route.AETitle, a.dirs.Incoming, err)
	}
	a.mu.Lock()
	for uid := range a.pending {
		w.Add(a.dirs.StudyDir(uid))
	}
	a.mu.Unlock()
	a.watcher = w
	go a.run()
	return nil
}

// Stop halts the ticker and watcher. Pending studies stay on disk and are
// recovered on the next start.
func (a *Assembler) Stop() {
	close(a.stop)
	<-a.stopped
}

// Add records one received instance. Safe to call from any goroutine.
func (a *Assembler) Add(arr receiver.Arrival) {
	now := a.clock.Now()
	a.mu.Lock()
	if when, ok := a.dispatched[arr.StudyUID]; ok && now.Sub(when) < dispatchRetention {
		a.mu.Unlock()
		a.divertLateArrival(arr)
		return
	}
	st, ok := a.pending[arr.StudyUID]
	if !ok {
		st = &pendingStudy{
			callingAE: arr.CallingAE,
			files:     make(map[string]int64),
			first:     now,
		}
		a.pending[arr.StudyUID] = st
		if a.watcher != nil {
			a.watcher.Add(a.dirs.StudyDir(arr.StudyUID))
		}
	}
	st.files[arr.Path] = arr.Size
	st.last = now
	a.mu.Unlock()
}

// Pending returns the number of studies still assembling.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// recover re-registers instances left in incoming/ by a previous run. Each
// gets a fresh quiescence window starting now.
func (a *Assembler) recover() error {
	entries, err := os.ReadDir(a.dirs.Incoming)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		studyDir := filepath.Join(a.dirs.Incoming, e.Name())
		files, err := os.ReadDir(studyDir)
		if err != nil {
			continue
		}
		recovered := 0
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			path := filepath.Join(studyDir, f.Name())
			attrs, err := dicomfile.ReadAttributes(path)
			if err != nil || attrs.StudyInstanceUID == "" {
				log.WithField("file", path).Warn("unreadable instance in incoming tree, skipping")
				continue
			}
			info, err := f.Info()
			var size int64
			if err == nil {
				size = info.Size()
			}
			a.Add(receiver.Arrival{
				RouteAE:        a.route.AETitle,
				StudyUID:       attrs.StudyInstanceUID,
				SOPInstanceUID: attrs.SOPInstanceUID,
				Path:           path,
				Size:           size,
			})
			recovered++
		}
		if recovered > 0 {
			log.WithFields(log.Fields{
				"ae_title": a.route.AETitle,
				"study":    e.Name(),
				"files":    recovered,
			}).Info("recovered in-flight study")
		}
	}
	return nil
}

func (a *Assembler) run() {
	defer close(a.stopped)
	defer a.watcher.Close()
	ticker := a.clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.onEvent(ev)
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).WithField("ae_title", a.route.AETitle).Warn("folder watcher error")
		}
	}
}

// sweep emits every quiescent study and expires old dispatch markers.
func (a *Assembler) sweep() {
	now := a.clock.Now()
	var due []Study

	a.mu.Lock()
	for uid, st := range a.pending {
		quiescent := now.Sub(st.last) >= a.timeout
		overMax := a.maxAge > 0 && now.Sub(st.first) >= a.maxAge
		if !quiescent && !overMax {
			continue
		}
		files := make([]string, 0, len(st.files))
		var total int64
		for path, size := range st.files {
			files = append(files, path)
			total += size
		}
		sort.Strings(files)
		due = append(due, Study{
			RouteAE:      a.route.AETitle,
			StudyUID:     uid,
			CallingAE:    st.callingAE,
			Dir:          a.dirs.StudyDir(uid),
			Files:        files,
			TotalBytes:   total,
			FirstArrival: st.first,
			LastArrival:  st.last,
		})
		delete(a.pending, uid)
		a.dispatched[uid] = now
		if a.watcher != nil {
			a.watcher.Remove(a.dirs.StudyDir(uid))
		}
	}
	for uid, when := range a.dispatched {
		if now.Sub(when) >= dispatchRetention {
			delete(a.dispatched, uid)
		}
	}
	a.mu.Unlock()

	for _, st := range due {
		log.WithFields(log.Fields{
			"ae_title": st.RouteAE,
			"study":    st.StudyUID,
			"files":    len(st.Files),
			"bytes":    st.TotalBytes,
		}).Info("study complete")
		a.emit(st)
	}
}

// onEvent folds watcher events into arrivals. Files dropped directly into
// the incoming root are relocated into their study directory first.
func (a *Assembler) onEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New study directory from the receiver; watch it for drops.
		a.watcher.Add(ev.Name)
		return
	}
	if filepath.Dir(ev.Name) == a.dirs.Incoming {
		a.adoptDroppedFile(ev.Name, info.Size())
		return
	}
	// A file appeared inside a study directory. Receiver-written instances
	// re-register harmlessly; operator drops become synthetic arrivals.
	if !dicomfile.IsDICOMFile(ev.Name) {
		return
	}
	attrs, err := dicomfile.ReadAttributes(ev.Name)
	if err != nil || attrs.StudyInstanceUID == "" {
		return
	}
	a.Add(receiver.Arrival{
		RouteAE:        a.route.AETitle,
		StudyUID:       attrs.StudyInstanceUID,
		SOPInstanceUID: attrs.SOPInstanceUID,
		Path:           ev.Name,
		Size:           info.Size(),
	})
}

// adoptDroppedFile moves an operator-dropped instance from the incoming root
// into its study directory and registers the arrival.
func (a *Assembler) adoptDroppedFile(path string, size int64) {
	if !dicomfile.IsDICOMFile(path) {
		return
	}
	attrs, err := dicomfile.ReadAttributes(path)
	if err != nil || attrs.StudyInstanceUID == "" {
		log.WithField("file", path).Warn("dropped file is not a usable instance, ignoring")
		return
	}
	studyDir := a.dirs.StudyDir(attrs.StudyInstanceUID)
	if err := os.MkdirAll(studyDir, 0o755); err != nil {
		log.WithError(err).WithField("file", path).Warn("cannot place dropped file")
		return
	}
	dest := filepath.Join(studyDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.WithError(err).WithField("file", path).Warn("cannot place dropped file")
		return
	}
	log.WithFields(log.Fields{
		"ae_title": a.route.AETitle,
		"study":    attrs.StudyInstanceUID,
		"file":     filepath.Base(path),
	}).Info("adopted operator-dropped instance")
	a.Add(receiver.Arrival{
		RouteAE:        a.route.AETitle,
		StudyUID:       attrs.StudyInstanceUID,
		SOPInstanceUID: attrs.SOPInstanceUID,
		Path:           dest,
		Size:           size,
	})
}

// divertLateArrival moves an instance for an already-emitted study into
// late-arrivals/ where an operator can inspect it.
func (a *Assembler) divertLateArrival(arr receiver.Arrival) {
	lateDir := filepath.Join(a.dirs.LateArrivals, dicomfile.SanitizeName(arr.StudyUID))
	if err := os.MkdirAll(lateDir, 0o755); err != nil {
		log.WithError(err).WithField("study", arr.StudyUID).Error("cannot create late-arrivals directory")
		return
	}
	dest := filepath.Join(lateDir, filepath.Base(arr.Path))
	if err := os.Rename(arr.Path, dest); err != nil {
		log.WithError(err).WithField("file", arr.Path).Error("cannot move late arrival")
		return
	}
	log.WithFields(log.Fields{
		"ae_title": arr.RouteAE,
		"study":    arr.StudyUID,
		"sop":      arr.SOPInstanceUID,
	}).Warn("instance arrived after study dispatch, moved to late-arrivals")
}
