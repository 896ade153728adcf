// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package retry replays failed destination deliveries from the archive.
// A periodic scan finds FAILED and RETRY_PENDING destination records below
// their attempt cap, marks them RETRY_PENDING with a visible next_retry_at,
// and executes them through a small worker pool when due. Per (study,
// destination) at most one attempt is ever in flight.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/archive"
	"github.com/dicomroute/dicomroute/pkg/broker"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/processor"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

const (
	// scanSchedule drives the periodic archive sweep.
	scanSchedule = "@every 5m"
	// executorSize bounds concurrent retry sends.
	executorSize = 4
)

// Deps are the manager's collaborators.
type Deps struct {
	Config    *config.Config
	Archive   *archive.Archive
	Manager   *destinations.Manager
	Brokers   map[string]broker.Broker
	Transfers *transfer.Store
	// Clock defaults to wall time; tests inject a mock.
	Clock clock.Clock
}

// Manager owns retry scheduling and execution.
type Manager struct {
	deps Deps
	clk  clock.Clock
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingRetry
}

type pendingRetry struct {
	timer     *clock.Timer
	executing bool
}

// New builds the manager.
func New(deps Deps) *Manager {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		clk:     clk,
		cron:    cron.New(),
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, executorSize),
		pending: make(map[string]*pendingRetry),
	}
}

// Start runs an immediate scan and begins the periodic sweep.
func (m *Manager) Start() {
	m.cron.AddFunc(scanSchedule, m.Scan)
	m.cron.Start()
	go m.Scan()
}

// Stop cancels pending timers, aborts in-flight sends and waits for the
// executor to drain. Statuses already RETRY_PENDING are re-scanned on the
// next start.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
	m.cancel()
	m.mu.Lock()
	for key, p := range m.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		if !p.executing {
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func retryKey(routeAE, studyUID, dest string) string {
	return routeAE + "|" + studyUID + "|" + dest
}

// IsRetryScheduled reports whether a retry is pending or running for the
// (study, destination).
func (m *Manager) IsRetryScheduled(routeAE, studyUID, dest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[retryKey(routeAE, studyUID, dest)]
	return ok
}

// Scan walks the archive and schedules every retryable destination record.
func (m *Manager) Scan() {
	err := m.deps.Archive.EachStudy(func(sum archive.Summary) error {
		statuses, err := m.deps.Archive.Statuses(sum.RouteAE, sum.StudyUID)
		if err != nil {
			return nil
		}
		for dest, rec := range statuses {
			if rec.Status != archive.StatusFailed && rec.Status != archive.StatusRetryPending {
				continue
			}
			m.schedule(sum.RouteAE, sum.StudyUID, dest, rec)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("retry scan failed")
	}
}

// RetryDestination cancels any pending schedule and retries immediately.
func (m *Manager) RetryDestination(routeAE, studyUID, dest string) error {
	rec, err := m.deps.Archive.GetStatus(routeAE, studyUID, dest)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() && rec.Status != archive.StatusFailed {
		return fmt.Errorf("destination %s for study %s is %s, nothing to retry", dest, studyUID, rec.Status)
	}
	key := retryKey(routeAE, studyUID, dest)
	m.mu.Lock()
	if p, ok := m.pending[key]; ok {
		if p.executing {
			m.mu.Unlock()
			return fmt.Errorf("retry for %s/%s already running", studyUID, dest)
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.pending, key)
	}
	m.pending[key] = &pendingRetry{executing: true}
	m.mu.Unlock()

	m.markRetryPending(routeAE, studyUID, dest, rec, m.clk.Now())
	m.submit(routeAE, studyUID, dest)
	return nil
}

// RetryAllFailed retries every failed destination of one study.
func (m *Manager) RetryAllFailed(routeAE, studyUID string) error {
	statuses, err := m.deps.Archive.Statuses(routeAE, studyUID)
	if err != nil {
		return err
	}
	for dest, rec := range statuses {
		if rec.Status != archive.StatusFailed && rec.Status != archive.StatusRetryPending {
			continue
		}
		if err := m.RetryDestination(routeAE, studyUID, dest); err != nil {
			log.WithError(err).WithFields(log.Fields{"study": studyUID, "destination": dest}).Warn("manual retry skipped")
		}
	}
	return nil
}

// schedule registers one retryable record unless it is already pending, over
// its cap, or not bound to the route anymore.
func (m *Manager) schedule(routeAE, studyUID, dest string, rec archive.DestinationStatus) {
	binding, ok := m.bindingFor(routeAE, dest)
	if !ok {
		return
	}
	if rec.Attempts >= binding.RetryCount {
		return
	}

	key := retryKey(routeAE, studyUID, dest)
	m.mu.Lock()
	if _, exists := m.pending[key]; exists {
		m.mu.Unlock()
		return
	}
	p := &pendingRetry{}
	m.pending[key] = p
	m.mu.Unlock()

	now := m.clk.Now()
	next := m.nextRetryAt(binding, rec)
	m.markRetryPending(routeAE, studyUID, dest, rec, next)

	if !next.After(now) {
		m.mu.Lock()
		p.executing = true
		m.mu.Unlock()
		m.submit(routeAE, studyUID, dest)
		return
	}
	m.mu.Lock()
	p.timer = m.clk.AfterFunc(next.Sub(now), func() {
		m.mu.Lock()
		if cur, ok := m.pending[key]; !ok || cur != p {
			m.mu.Unlock()
			return
		}
		p.executing = true
		m.mu.Unlock()
		m.submit(routeAE, studyUID, dest)
	})
	m.mu.Unlock()
	log.WithFields(log.Fields{
		"study":       studyUID,
		"destination": dest,
		"next_retry":  next.UTC().Format(time.RFC3339),
	}).Info("retry scheduled")
}

// nextRetryAt computes the due time from the last attempt. Linear policy is
// a fixed delay; exponential doubles it per completed attempt.
func (m *Manager) nextRetryAt(binding config.Binding, rec archive.DestinationStatus) time.Time {
	delay := time.Duration(binding.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Duration(config.DefaultRetryDelaySeconds) * time.Second
	}
	if m.deps.Config.Resilience.Backoff == config.BackoffExponential {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = delay
		bo.RandomizationFactor = 0
		bo.Multiplier = 2
		bo.MaxInterval = time.Hour
		bo.MaxElapsedTime = 0
		for i := 1; i < rec.Attempts; i++ {
			bo.NextBackOff()
		}
		delay = bo.NextBackOff()
	}
	last := m.clk.Now()
	if rec.LastAttemptAt != nil {
		last = *rec.LastAttemptAt
	}
	return last.Add(delay)
}

// markRetryPending makes the upcoming retry observable in the archive and
// the transfer record.
func (m *Manager) markRetryPending(routeAE, studyUID, dest string, rec archive.DestinationStatus, next time.Time) {
	rec.Destination = dest
	rec.Status = archive.StatusRetryPending
	rec.NextRetryAt = &next
	if err := m.deps.Archive.PutStatus(routeAE, studyUID, rec); err != nil {
		log.WithError(err).WithFields(log.Fields{"study": studyUID, "destination": dest}).Warn("cannot mark retry pending")
	}
	if tr, ok := m.deps.Transfers.Find(routeAE, studyUID); ok {
		m.deps.Transfers.PutDestination(tr.ID, transfer.DestinationResult{
			Name:        dest,
			Status:      transfer.DestRetryPending,
			Attempts:    rec.Attempts,
			NextRetryAt: &next,
			Message:     rec.Message,
		})
	}
}

// submit hands the retry to the executor pool.
func (m *Manager) submit(routeAE, studyUID, dest string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-m.ctx.Done():
			m.clearPending(routeAE, studyUID, dest)
			return
		}
		m.execute(routeAE, studyUID, dest)
	}()
}

func (m *Manager) clearPending(routeAE, studyUID, dest string) {
	m.mu.Lock()
	delete(m.pending, retryKey(routeAE, studyUID, dest))
	m.mu.Unlock()
}

// execute runs one retry attempt end to end. The pending slot is released
// before any reschedule so the next attempt gets a fresh entry.
func (m *Manager) execute(routeAE, studyUID, dest string) {
	cleared := false
	clear := func() {
		if !cleared {
			cleared = true
			m.clearPending(routeAE, studyUID, dest)
		}
	}
	defer clear()
	logger := log.WithFields(log.Fields{"ae_title": routeAE, "study": studyUID, "destination": dest})

	rec, err := m.deps.Archive.GetStatus(routeAE, studyUID, dest)
	if err != nil {
		logger.WithError(err).Warn("retry dropped, status unreadable")
		return
	}
	binding, ok := m.bindingFor(routeAE, dest)
	if !ok || rec.Attempts >= binding.RetryCount {
		return
	}

	now := m.clk.Now().UTC()
	rec.Status = archive.StatusProcessing
	rec.Attempts++
	rec.LastAttemptAt = &now
	rec.NextRetryAt = nil
	if err := m.deps.Archive.PutStatus(routeAE, studyUID, rec); err != nil {
		logger.WithError(err).Warn("cannot mark retry processing")
		return
	}

	var sent int
	var dur time.Duration
	files, anonymized, sendErr := m.filesFor(routeAE, studyUID, binding)
	if sendErr == nil {
		logger.WithFields(log.Fields{"attempt": rec.Attempts, "files": len(files), "anonymized": anonymized}).Info("retrying destination")
		start := time.Now()
		sent, sendErr = m.send(routeAE, studyUID, binding, files)
		dur = time.Since(start)
	}
	rec = m.record(routeAE, studyUID, dest, rec, dur, sent, sendErr)

	if sendErr == nil {
		logger.WithField("attempt", rec.Attempts).Info("retry delivered")
		return
	}
	if rec.Attempts >= binding.RetryCount {
		logger.WithField("attempts", rec.Attempts).Warn("retry cap reached, destination failed terminally")
		return
	}
	// Line up the next attempt without waiting for the periodic scan.
	clear()
	m.schedule(routeAE, studyUID, dest, rec)
}

// filesFor prefers the archived anonymized set when the binding anonymizes
// and the set exists; otherwise the originals.
func (m *Manager) filesFor(routeAE, studyUID string, binding config.Binding) ([]string, bool, error) {
	if binding.Anonymize {
		anon, err := m.deps.Archive.AnonymizedFiles(routeAE, studyUID)
		if err == nil && len(anon) > 0 {
			return anon, true, nil
		}
	}
	files, err := m.deps.Archive.OriginalFiles(routeAE, studyUID)
	if err != nil {
		return nil, false, err
	}
	if len(files) == 0 {
		return nil, false, fmt.Errorf("study %s has no archived files", studyUID)
	}
	return files, false, nil
}

// send resolves identities again (broker lookups are deterministic) and
// invokes the same client path the processor uses.
func (m *Manager) send(routeAE, studyUID string, binding config.Binding, files []string) (int, error) {
	spec, ok := m.deps.Config.DestinationByName(binding.Destination)
	if !ok {
		return 0, fmt.Errorf("destination %s is not configured", binding.Destination)
	}
	originals, err := m.deps.Archive.OriginalFiles(routeAE, studyUID)
	if err != nil || len(originals) == 0 {
		return 0, fmt.Errorf("study %s has no archived originals", studyUID)
	}
	idents, err := processor.ResolveIdentities(m.ctx, m.deps.Brokers, binding, spec, studyUID, originals)
	if err != nil {
		return 0, err
	}
	client, ok := m.deps.Manager.Client(binding.Destination)
	if !ok {
		return 0, fmt.Errorf("destination %s is not registered", binding.Destination)
	}

	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout+time.Duration(len(files))*timeout/4)
	defer cancel()
	res, err := client.Send(ctx, destinations.Study{StudyUID: studyUID, RouteAE: routeAE}, files, destinations.SendParams{
		ProjectID:    binding.ProjectID,
		SubjectLabel: idents.Subject,
		SessionLabel: idents.Session,
		AutoArchive:  binding.AutoArchive,
	})
	sent := 0
	if res != nil {
		sent = res.FilesTransferred
	}
	return sent, err
}

// record persists one attempt's outcome in the archive and the transfer
// registry and returns the updated record.
func (m *Manager) record(routeAE, studyUID, dest string, rec archive.DestinationStatus, dur time.Duration, sent int, sendErr error) archive.DestinationStatus {
	now := m.clk.Now().UTC()
	rec.LastAttemptAt = &now
	rec.DurationMs = dur.Milliseconds()
	rec.NextRetryAt = nil

	state := transfer.DestSuccess
	if sendErr == nil {
		rec.Status = archive.StatusSuccess
		rec.Message = fmt.Sprintf("delivered on attempt %d", rec.Attempts)
	} else {
		rec.Status = archive.StatusFailed
		rec.Message = sendErr.Error()
		state = transfer.DestFailed
	}
	if err := m.deps.Archive.PutStatus(routeAE, studyUID, rec); err != nil {
		log.WithError(err).WithFields(log.Fields{"study": studyUID, "destination": dest}).Error("cannot persist retry outcome")
	}
	if tr, ok := m.deps.Transfers.Find(routeAE, studyUID); ok {
		m.deps.Transfers.PutDestination(tr.ID, transfer.DestinationResult{
			Name:             dest,
			Status:           state,
			Message:          rec.Message,
			DurationMs:       rec.DurationMs,
			FilesTransferred: sent,
			Attempts:         rec.Attempts,
			LastAttemptAt:    &now,
		})
	}
	return rec
}

// bindingFor finds the route binding that targets the destination.
func (m *Manager) bindingFor(routeAE, dest string) (config.Binding, bool) {
	route, ok := m.deps.Config.RouteByAE(routeAE)
	if !ok {
		return config.Binding{}, false
	}
	for _, b := range route.Destinations {
		if b.Destination == dest && b.IsEnabled() {
			if b.RetryCount <= 0 {
				b.RetryCount = m.deps.Config.Resilience.MaxRetries
			}
			if b.RetryDelaySeconds <= 0 {
				b.RetryDelaySeconds = m.deps.Config.Resilience.RetryDelay
			}
			return b, true
		}
	}
	return config.Binding{}, false
}
