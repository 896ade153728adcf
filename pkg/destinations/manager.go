// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package destinations

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/config"
)

const (
	defaultProbeTimeout = 30 * time.Second
	probeParallelism    = 4
)

// Builder constructs a client from its configuration. Wired at assembly time
// so the registry stays independent of the concrete client packages.
type Builder func(spec config.DestinationSpec) (Client, error)

type entry struct {
	spec   config.DestinationSpec
	client Client
	health *Health
}

// Manager is the destination registry plus its background prober.
type Manager struct {
	builder  Builder
	interval time.Duration
	clock    clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry

	stop    chan struct{}
	stopped chan struct{}
}

// NewManager builds an empty registry probing every interval.
func NewManager(builder Builder, interval time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		builder:  builder,
		interval: interval,
		clock:    clk,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the background prober.
func (m *Manager) Start() {
	go m.run()
}

// Stop halts the prober and closes every client.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.stopped

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.entries {
		if err := e.client.Close(); err != nil {
			log.WithError(err).WithField("destination", name).Warn("destination close failed")
		}
	}
	m.entries = make(map[string]*entry)
}

func (m *Manager) run() {
	defer close(m.stopped)
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckAll()
		case <-m.stop:
			return
		}
	}
}

// Add registers a destination. Disabled destinations are skipped silently;
// duplicate names fail.
func (m *Manager) Add(spec config.DestinationSpec) error {
	if !spec.IsEnabled() {
		log.WithField("destination", spec.Name).Debug("destination disabled, not registered")
		return nil
	}
	client, err := m.builder(spec)
	if err != nil {
		return fmt.Errorf("destination %s: %w", spec.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[spec.Name]; exists {
		client.Close()
		return fmt.Errorf("destination %s already registered", spec.Name)
	}
	m.entries[spec.Name] = &entry{spec: spec, client: client, health: NewHealth()}
	return nil
}

// Update atomically replaces a destination's client with one built from the
// new spec. Health history carries over.
func (m *Manager) Update(spec config.DestinationSpec) error {
	client, err := m.builder(spec)
	if err != nil {
		return fmt.Errorf("destination %s: %w", spec.Name, err)
	}

	m.mu.Lock()
	old, exists := m.entries[spec.Name]
	if !exists {
		m.mu.Unlock()
		client.Close()
		return fmt.Errorf("destination %s not registered", spec.Name)
	}
	m.entries[spec.Name] = &entry{spec: spec, client: client, health: old.health}
	m.mu.Unlock()

	return old.client.Close()
}

// Remove deregisters and closes a destination.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	e, exists := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("destination %s not registered", name)
	}
	return e.client.Close()
}

// Client returns the live client for a destination.
func (m *Manager) Client(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Names lists registered destinations, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Check probes one destination now and records the outcome.
func (m *Manager) Check(name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("destination %s not registered", name)
	}
	return m.probe(e)
}

// CheckAll probes every destination with bounded parallelism.
func (m *Manager) CheckAll() {
	m.mu.RLock()
	targets := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		targets = append(targets, e)
	}
	m.mu.RUnlock()

	sem := make(chan struct{}, probeParallelism)
	var wg sync.WaitGroup
	for _, e := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(e *entry) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probe(e)
		}(e)
	}
	wg.Wait()
}

func (m *Manager) probe(e *entry) error {
	timeout := e.spec.Timeout()
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := e.client.Probe(ctx)
	now := m.clock.Now()
	if err != nil {
		e.health.RecordFailure(now)
		log.WithError(err).WithField("destination", e.spec.Name).Debug("destination probe failed")
		return err
	}
	e.health.RecordSuccess(now)
	return nil
}

// IsAvailable reports the latest probe verdict; unknown names are
// unavailable.
func (m *Manager) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return ok && e.health.Available()
}

// GetHealth returns the health snapshot of one destination.
func (m *Manager) GetHealth(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Snapshot{}, false
	}
	return e.health.SnapshotAt(name, m.clock.Now()), true
}

// GetAllHealth returns snapshots for every destination, sorted by name.
func (m *Manager) GetAllHealth() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	out := make([]Snapshot, 0, len(m.entries))
	for name, e := range m.entries {
		out = append(out, e.health.SnapshotAt(name, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
