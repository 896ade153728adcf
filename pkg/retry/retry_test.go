// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package retry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomroute/dicomroute/internal/dicomtest"
	"github.com/dicomroute/dicomroute/pkg/archive"
	"github.com/dicomroute/dicomroute/pkg/broker"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

type fakeClient struct {
	mu    sync.Mutex
	sends [][]string
	fail  bool
}

func (c *fakeClient) Probe(context.Context) error { return nil }

func (c *fakeClient) Send(_ context.Context, _ destinations.Study, files []string, _ destinations.SendParams) (*destinations.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, append([]string(nil), files...))
	if c.fail {
		return &destinations.SendResult{Message: "connection refused", Retryable: true}, errors.New("connection refused")
	}
	return &destinations.SendResult{Success: true, FilesTransferred: len(files)}, nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

type harness struct {
	mgr     *Manager
	arch    *archive.Archive
	store   *transfer.Store
	clients map[string]*fakeClient
	mock    *clock.Mock
	cfg     *config.Config
}

func retryConfig() *config.Config {
	return &config.Config{
		Destinations: []config.DestinationSpec{
			{Name: "research-xnat", Type: config.DestinationXNAT, URL: "http://xnat.local", TimeoutSeconds: 30},
			{Name: "backup-files", Type: config.DestinationFile, Path: "/backup", TimeoutSeconds: 30},
		},
		Routes: []config.Route{{
			AETitle: "ROUTE1",
			Destinations: []config.Binding{
				{Destination: "research-xnat", RetryCount: 3, RetryDelaySeconds: 300, Priority: 1},
				{Destination: "backup-files", RetryCount: 3, RetryDelaySeconds: 300, Priority: 2},
			},
		}},
		Resilience: config.Resilience{MaxRetries: 3, RetryDelay: 300, Backoff: config.BackoffLinear},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	base := t.TempDir()

	clients := make(map[string]*fakeClient)
	for _, spec := range cfg.Destinations {
		clients[spec.Name] = &fakeClient{}
	}
	builder := func(spec config.DestinationSpec) (destinations.Client, error) {
		return clients[spec.Name], nil
	}
	dm := destinations.NewManager(builder, time.Minute, clock.NewMock())
	for _, spec := range cfg.Destinations {
		require.NoError(t, dm.Add(spec))
	}

	arch, err := archive.New(filepath.Join(base, "archive"))
	require.NoError(t, err)
	store := transfer.NewStore(filepath.Join(base, "transfers.json"))
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	mgr := New(Deps{
		Config:    cfg,
		Archive:   arch,
		Manager:   dm,
		Brokers:   map[string]broker.Broker{},
		Transfers: store,
		Clock:     mock,
	})
	t.Cleanup(mgr.Stop)
	return &harness{mgr: mgr, arch: arch, store: store, clients: clients, mock: mock, cfg: cfg}
}

// archiveStudy stores a one-instance study and seeds the destination record.
func (h *harness) archiveStudy(t *testing.T, studyUID, dest string, rec archive.DestinationStatus) {
	t.Helper()
	tmp := t.TempDir()
	inst := dicomtest.New(studyUID + ".1.1")
	inst.StudyUID = studyUID
	orig := inst.WriteTo(t, tmp)
	require.NoError(t, h.arch.ArchiveStudy("ROUTE1", studyUID, []string{orig}, nil))
	rec.Destination = dest
	require.NoError(t, h.arch.PutStatus("ROUTE1", studyUID, rec))
}

func timePtr(t time.Time) *time.Time { return &t }

func TestScanExecutesDueRetryAndCompletesTransfer(t *testing.T) {
	h := newHarness(t, retryConfig())
	last := h.mock.Now().Add(-10 * time.Minute)
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      1,
		LastAttemptAt: timePtr(last),
		Message:       "connection refused",
	})
	require.NoError(t, h.arch.PutStatus("ROUTE1", "1.2.3.4.5", archive.DestinationStatus{
		Destination: "backup-files",
		Status:      archive.StatusSuccess,
		Attempts:    1,
	}))

	// A partially delivered transfer flips to completed once the retry lands.
	id := h.store.Create("1.2.3.4.5", "ROUTE1", "MODALITY1", 1, 1024)
	h.store.SetStatus(id, transfer.StatusForwarding)
	require.NoError(t, h.store.PutDestination(id, transfer.DestinationResult{Name: "backup-files", Status: transfer.DestSuccess}))
	require.NoError(t, h.store.PutDestination(id, transfer.DestinationResult{Name: "research-xnat", Status: transfer.DestFailed, Message: "connection refused"}))
	rec, ok := h.store.Get(id)
	require.True(t, ok)
	require.Equal(t, transfer.StatusPartial, rec.Status)

	h.mgr.Scan()
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
		return err == nil && st.Status == archive.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempts)
	assert.Nil(t, st.NextRetryAt)

	rec, ok = h.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, transfer.StatusCompleted, rec.Status)
	assert.Equal(t, 0, h.clients["backup-files"].sendCount(), "successful destinations are not replayed")
}

func TestFutureRetryIsObservableBeforeExecution(t *testing.T) {
	h := newHarness(t, retryConfig())
	last := h.mock.Now()
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      1,
		LastAttemptAt: timePtr(last),
	})

	h.mgr.Scan()
	require.Eventually(t, func() bool {
		st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
		return err == nil && st.Status == archive.StatusRetryPending
	}, 5*time.Second, 10*time.Millisecond)

	st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	require.NotNil(t, st.NextRetryAt)
	assert.Equal(t, last.Add(300*time.Second), *st.NextRetryAt)
	assert.True(t, h.mgr.IsRetryScheduled("ROUTE1", "1.2.3.4.5", "research-xnat"))
	assert.Equal(t, 0, h.clients["research-xnat"].sendCount(), "not due yet")

	h.mock.Add(301 * time.Second)
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
		return err == nil && st.Status == archive.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExponentialBackoffSpacesAttempts(t *testing.T) {
	cfg := retryConfig()
	cfg.Resilience.Backoff = config.BackoffExponential
	h := newHarness(t, cfg)
	last := h.mock.Now()
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      2,
		LastAttemptAt: timePtr(last),
	})

	h.mgr.Scan()
	require.Eventually(t, func() bool {
		st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
		return err == nil && st.Status == archive.StatusRetryPending
	}, 5*time.Second, 10*time.Millisecond)

	st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	require.NotNil(t, st.NextRetryAt)
	// Second completed attempt doubles the base delay once.
	assert.Equal(t, last.Add(600*time.Second), *st.NextRetryAt)
}

func TestRetryPrefersAnonymizedFiles(t *testing.T) {
	cfg := retryConfig()
	cfg.Routes[0].Destinations[0].Anonymize = true
	h := newHarness(t, cfg)

	tmp := t.TempDir()
	orig := dicomtest.New("1.2.3.4.5.1.1")
	orig.StudyUID = "1.2.3.4.5"
	origPath := orig.WriteTo(t, tmp)
	anonDir := filepath.Join(tmp, "anon")
	require.NoError(t, os.MkdirAll(anonDir, 0o755))
	anon := dicomtest.New("2.25.999.1")
	anon.StudyUID = "2.25.999"
	anon.PatientID = "whimsical_walrus"
	anonPath := filepath.Join(anonDir, "2.25.999.1.dcm")
	anon.Write(t, anonPath)

	require.NoError(t, h.arch.ArchiveStudy("ROUTE1", "1.2.3.4.5", []string{origPath}, []string{anonPath}))
	require.NoError(t, h.arch.PutStatus("ROUTE1", "1.2.3.4.5", archive.DestinationStatus{
		Destination:   "research-xnat",
		Status:        archive.StatusFailed,
		Attempts:      1,
		LastAttemptAt: timePtr(h.mock.Now().Add(-time.Hour)),
	}))

	h.mgr.Scan()
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	anonArchived, err := h.arch.AnonymizedFiles("ROUTE1", "1.2.3.4.5")
	require.NoError(t, err)
	assert.Equal(t, anonArchived, h.clients["research-xnat"].sends[0], "anonymizing bindings must never resend originals")
}

func TestAttemptCapIsTerminal(t *testing.T) {
	h := newHarness(t, retryConfig())
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      3,
		LastAttemptAt: timePtr(h.mock.Now().Add(-time.Hour)),
	})

	h.mgr.Scan()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.clients["research-xnat"].sendCount())
	assert.False(t, h.mgr.IsRetryScheduled("ROUTE1", "1.2.3.4.5", "research-xnat"))
	st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, st.Status)
}

func TestFailedRetryBelowCapReschedules(t *testing.T) {
	h := newHarness(t, retryConfig())
	h.clients["research-xnat"].fail = true
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      1,
		LastAttemptAt: timePtr(h.mock.Now().Add(-time.Hour)),
	})

	h.mgr.Scan()
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The failed attempt lines up another retry at last_attempt + delay.
	require.Eventually(t, func() bool {
		st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
		return err == nil && st.Status == archive.StatusRetryPending && st.Attempts == 2
	}, 5*time.Second, 10*time.Millisecond)
	st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	require.NotNil(t, st.NextRetryAt)
	assert.True(t, h.mgr.IsRetryScheduled("ROUTE1", "1.2.3.4.5", "research-xnat"))
}

func TestRetryDestinationRunsImmediately(t *testing.T) {
	h := newHarness(t, retryConfig())
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      1,
		LastAttemptAt: timePtr(h.mock.Now()),
	})

	// Freshly failed, so the periodic scan would wait out the delay. A manual
	// retry skips the wait.
	require.NoError(t, h.mgr.RetryDestination("ROUTE1", "1.2.3.4.5", "research-xnat"))
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
		return err == nil && st.Status == archive.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRetryDestinationRejectsSucceeded(t *testing.T) {
	h := newHarness(t, retryConfig())
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:   archive.StatusSuccess,
		Attempts: 1,
	})

	err := h.mgr.RetryDestination("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to retry")
}

func TestScanIsIdempotentWhileScheduled(t *testing.T) {
	h := newHarness(t, retryConfig())
	h.archiveStudy(t, "1.2.3.4.5", "research-xnat", archive.DestinationStatus{
		Status:        archive.StatusFailed,
		Attempts:      1,
		LastAttemptAt: timePtr(h.mock.Now()),
	})

	h.mgr.Scan()
	h.mgr.Scan()
	h.mgr.Scan()
	require.Eventually(t, func() bool {
		return h.mgr.IsRetryScheduled("ROUTE1", "1.2.3.4.5", "research-xnat")
	}, 5*time.Second, 10*time.Millisecond)

	h.mock.Add(301 * time.Second)
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.clients["research-xnat"].sendCount(), "repeated scans must not duplicate the attempt")
}
