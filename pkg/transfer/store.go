// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultFlushPeriod = 5 * time.Second
	defaultRecordTTL   = 30 * 24 * time.Hour

	registryVersion = 1
)

// jsonRegistry is the on-disk shape of the store.
type jsonRegistry struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// Store holds transfer records in memory and persists them to one JSON file.
type Store struct {
	path        string
	flushPeriod time.Duration
	recordTTL   time.Duration

	mu      sync.Mutex
	records map[string]*Record

	stop    chan struct{}
	stopped chan struct{}
}

// NewStore builds a store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		path:        path,
		flushPeriod: defaultFlushPeriod,
		recordTTL:   defaultRecordTTL,
		records:     make(map[string]*Record),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start recovers the registry from disk and begins periodic flushing.
func (s *Store) Start() {
	s.recover()
	go s.run()
}

// Load recovers the registry without starting the flush loop, for read-only
// consumers such as the status and history commands.
func (s *Store) Load() {
	s.recover()
}

// Stop halts the flush loop and writes a final snapshot.
func (s *Store) Stop() {
	close(s.stop)
	<-s.stopped
	if err := s.flush(); err != nil {
		log.WithError(err).Error("final transfer registry flush failed")
	}
}

func (s *Store) run() {
	flushTicker := time.NewTicker(s.flushPeriod)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()
	for {
		select {
		case <-flushTicker.C:
			if err := s.flush(); err != nil {
				log.WithError(err).Warn("transfer registry flush failed")
			}
		case <-cleanupTicker.C:
			s.cleanup()
		case <-s.stop:
			close(s.stopped)
			return
		}
	}
}

// Create registers a new transfer in RECEIVED state and returns its id.
func (s *Store) Create(studyUID, routeAE, callingAE string, fileCount int, totalBytes int64) string {
	rec := newRecord(studyUID, routeAE, callingAE, fileCount, totalBytes)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return rec.ID
}

// SetStatus moves a transfer to the given lifecycle status.
func (s *Store) SetStatus(id string, status TransferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("transfer %s not found", id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// PutDestination upserts one destination result and re-aggregates the
// overall status.
func (s *Store) PutDestination(id string, result DestinationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("transfer %s not found", id)
	}
	replaced := false
	for i, d := range rec.Destinations {
		if d.Name == result.Name {
			rec.Destinations[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		rec.Destinations = append(rec.Destinations, result)
	}
	rec.aggregate()
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// Find returns the most recent record for (route, study).
func (s *Store) Find(routeAE, studyUID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Record
	for _, rec := range s.records {
		if rec.RouteAE != routeAE || rec.StudyUID != studyUID {
			continue
		}
		if best == nil || rec.ReceivedAt.After(best.ReceivedAt) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return cloneRecord(best), true
}

// Filter narrows List output. Zero values match everything.
type Filter struct {
	RouteAE string
	// Date matches records received on this calendar day (UTC).
	Date time.Time
}

// List returns matching records, newest first.
func (s *Store) List(f Filter) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if f.RouteAE != "" && rec.RouteAE != f.RouteAE {
			continue
		}
		if !f.Date.IsZero() {
			y1, m1, d1 := f.Date.UTC().Date()
			y2, m2, d2 := rec.ReceivedAt.UTC().Date()
			if y1 != y2 || m1 != m2 || d1 != d2 {
				continue
			}
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.Destinations = append([]DestinationResult(nil), rec.Destinations...)
	return out
}

func (s *Store) recover() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("transfer registry unreadable, starting empty")
		}
		return
	}
	var reg jsonRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		log.WithError(err).Warn("transfer registry corrupt, starting empty")
		return
	}
	if reg.Version != registryVersion {
		log.WithField("version", reg.Version).Warn("unknown transfer registry version, starting empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range reg.Records {
		r := rec
		s.records[id] = &r
	}
}

func (s *Store) flush() error {
	s.mu.Lock()
	reg := jsonRegistry{Version: registryVersion, Records: make(map[string]Record, len(s.records))}
	for id, rec := range s.records {
		reg.Records[id] = cloneRecord(rec)
	}
	s.mu.Unlock()

	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) cleanup() {
	expireBefore := time.Now().UTC().Add(-s.recordTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(expireBefore) {
			delete(s.records, id)
		}
	}
}
