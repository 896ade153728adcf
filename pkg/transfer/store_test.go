// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLifecycle(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "transfers.json"))
	id := s.Create("1.2.3", "ROUTE1", "MODALITY1", 10, 1<<20)

	rec, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusReceived, rec.Status)
	assert.Equal(t, 10, rec.FileCount)

	require.NoError(t, s.SetStatus(id, StatusProcessing))
	rec, _ = s.Get(id)
	assert.Equal(t, StatusProcessing, rec.Status)

	assert.Error(t, s.SetStatus("no-such-id", StatusFailed))
}

func TestAggregationAllSuccess(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "transfers.json"))
	id := s.Create("1.2.3", "ROUTE1", "", 1, 100)
	require.NoError(t, s.SetStatus(id, StatusForwarding))

	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "a", Status: DestSuccess}))
	rec, _ := s.Get(id)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestAggregationPartialThenCompleted(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "transfers.json"))
	id := s.Create("1.2.3", "ROUTE1", "", 1, 100)

	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "a", Status: DestSuccess}))
	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "b", Status: DestFailed}))
	rec, _ := s.Get(id)
	assert.Equal(t, StatusPartial, rec.Status)

	// A retrying destination holds aggregation open.
	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "b", Status: DestRetryPending}))
	require.NoError(t, s.SetStatus(id, StatusForwarding))
	rec, _ = s.Get(id)
	assert.Equal(t, StatusForwarding, rec.Status)

	// Retry succeeds; the transfer advances.
	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "b", Status: DestSuccess}))
	rec, _ = s.Get(id)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestAggregationNoneSuccess(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "transfers.json"))
	id := s.Create("1.2.3", "ROUTE1", "", 1, 100)
	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "a", Status: DestFailed}))
	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "b", Status: DestFailed}))
	rec, _ := s.Get(id)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestRecoverAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.json")

	s := NewStore(path)
	id := s.Create("1.2.3", "ROUTE1", "MOD1", 3, 300)
	require.NoError(t, s.PutDestination(id, DestinationResult{Name: "a", Status: DestSuccess}))
	require.NoError(t, s.flush())

	restarted := NewStore(path)
	restarted.recover()
	rec, ok := restarted.Get(id)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", rec.StudyUID)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.Len(t, rec.Destinations, 1)
}

func TestRecoverToleratesCorruptRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(path)
	s.recover()
	assert.Empty(t, s.List(Filter{}))
}

func TestListFilters(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "transfers.json"))
	s.Create("1.1", "ROUTE1", "", 1, 1)
	s.Create("1.2", "ROUTE2", "", 1, 1)

	assert.Len(t, s.List(Filter{}), 2)
	byRoute := s.List(Filter{RouteAE: "ROUTE1"})
	require.Len(t, byRoute, 1)
	assert.Equal(t, "1.1", byRoute[0].StudyUID)

	today := s.List(Filter{Date: time.Now()})
	assert.Len(t, today, 2)
	yesterday := s.List(Filter{Date: time.Now().Add(-24 * time.Hour)})
	assert.Empty(t, yesterday)
}

func TestCleanupDropsExpired(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "transfers.json"))
	s.recordTTL = time.Hour
	id := s.Create("1.1", "ROUTE1", "", 1, 1)

	s.mu.Lock()
	s.records[id].UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	s.mu.Unlock()

	s.cleanup()
	_, ok := s.Get(id)
	assert.False(t, ok)
}
