// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package crosswalk

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crosswalk.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func staticGen(out string) Generator {
	return func(int) (string, error) { return out, nil }
}

func TestLookupOrCreateIsStable(t *testing.T) {
	s, _ := openTestStore(t)

	first, err := s.LookupOrCreate("b1", "patient", "12345", staticGen("happy-otter"))
	require.NoError(t, err)
	assert.Equal(t, "happy-otter", first)

	// A second call must return the stored pseudonym without invoking the
	// generator.
	again, err := s.LookupOrCreate("b1", "patient", "12345", func(int) (string, error) {
		return "", fmt.Errorf("generator must not run")
	})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestLookupOrCreateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crosswalk.db")
	s, err := Open(path)
	require.NoError(t, err)
	out, err := s.LookupOrCreate("b1", "patient", "12345", staticGen("quiet-heron"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	again, err := s2.LookupOrCreate("b1", "patient", "12345", staticGen("other"))
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestLookupOrCreateRetriesCollisions(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.LookupOrCreate("b1", "patient", "alice", staticGen("taken"))
	require.NoError(t, err)

	// A generator that varies by attempt escapes the collision.
	out, err := s.LookupOrCreate("b1", "patient", "bob", func(attempt int) (string, error) {
		if attempt == 0 {
			return "taken", nil
		}
		return fmt.Sprintf("taken-%d", attempt), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "taken-1", out)
}

func TestLookupOrCreateExhaustsAfter16(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.LookupOrCreate("b1", "patient", "alice", staticGen("only-name"))
	require.NoError(t, err)

	count := 0
	_, err = s.LookupOrCreate("b1", "patient", "bob", func(int) (string, error) {
		count++
		return "only-name", nil
	})
	require.ErrorIs(t, err, ErrIDGenerationExhausted)
	assert.Equal(t, 16, count)
}

func TestReverseLookupRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	out, err := s.LookupOrCreate("b1", "patient", "12345", staticGen("brave-lynx"))
	require.NoError(t, err)

	in, found, err := s.ReverseLookup("b1", "patient", out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "12345", in)

	_, found, err = s.ReverseLookup("b1", "patient", "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBrokersAreIsolated(t *testing.T) {
	s, _ := openTestStore(t)

	a, err := s.LookupOrCreate("brokerA", "patient", "12345", staticGen("name-a"))
	require.NoError(t, err)
	b, err := s.LookupOrCreate("brokerB", "patient", "12345", staticGen("name-b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, found, err := s.ReverseLookup("brokerA", "patient", "name-b")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDateShiftDeterministicAndInRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crosswalk.db")
	s, err := Open(path)
	require.NoError(t, err)

	days, err := s.GetOrAllocateDateShift("b1", "12345", 10, 60)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, days, 10)
	assert.LessOrEqual(t, days, 60)

	again, err := s.GetOrAllocateDateShift("b1", "12345", 10, 60)
	require.NoError(t, err)
	assert.Equal(t, days, again)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	afterRestart, err := s2.GetOrAllocateDateShift("b1", "12345", 10, 60)
	require.NoError(t, err)
	assert.Equal(t, days, afterRestart)
}

func TestDateShiftSingleValueRange(t *testing.T) {
	s, _ := openTestStore(t)
	days, err := s.GetOrAllocateDateShift("b1", "p", 30, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, days)

	_, err = s.GetOrAllocateDateShift("b1", "q", 30, 20)
	require.Error(t, err)
}

func TestUIDMappings(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.PutUIDMapping("b1", "1.2.3", "9.8.7", "study"))
	require.NoError(t, s.PutUIDMapping("b1", "1.2.3", "9.8.7", "study"))

	err := s.PutUIDMapping("b1", "1.2.3", "5.5.5", "study")
	require.ErrorIs(t, err, ErrUIDConflict)

	out, found, err := s.LookupUID("b1", "1.2.3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "9.8.7", out)
}

func TestNextSequence(t *testing.T) {
	s, _ := openTestStore(t)

	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextSequence("b1", "patient")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	// Independent per id_type.
	got, err := s.NextSequence("b1", "accession")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}

func TestListEntries(t *testing.T) {
	s, _ := openTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.LookupOrCreate("b1", "patient", fmt.Sprintf("pat-%d", i), staticGen(fmt.Sprintf("out-%d", i)))
		require.NoError(t, err)
	}
	_, err := s.LookupOrCreate("b1", "accession", "acc-1", staticGen("acc-out"))
	require.NoError(t, err)

	all, err := s.ListEntries("b1", Filter{}, Page{})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	patients, err := s.ListEntries("b1", Filter{IDType: "patient"}, Page{})
	require.NoError(t, err)
	assert.Len(t, patients, 5)

	pageTwo, err := s.ListEntries("b1", Filter{IDType: "patient"}, Page{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, pageTwo, 2)
	assert.Equal(t, "pat-2", pageTwo[0].IDIn)

	matches, err := s.ListEntries("b1", Filter{Contains: "out-3"}, Page{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "pat-3", matches[0].IDIn)
}
