// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package filesink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomroute/dicomroute/internal/dicomtest"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

func TestNewRequiresPath(t *testing.T) {
	_, err := New(config.DestinationSpec{Name: "sink", Type: config.DestinationFile})
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	c, err := New(config.DestinationSpec{Name: "sink", Path: dir})
	require.NoError(t, err)
	assert.NoError(t, c.Probe(context.Background()))

	c2, err := New(config.DestinationSpec{Name: "sink", Path: filepath.Join(dir, "missing")})
	require.NoError(t, err)
	assert.Error(t, c2.Probe(context.Background()))
}

func TestSendCopiesIntoPatternDir(t *testing.T) {
	src := t.TempDir()
	files := []string{
		dicomtest.New("1.2.3.4.5.1.1").WriteTo(t, src),
		dicomtest.New("1.2.3.4.5.1.2").WriteTo(t, src),
	}

	base := t.TempDir()
	c, err := New(config.DestinationSpec{
		Name:    "sink",
		Path:    base,
		Pattern: "{Modality}/{StudyDate}/{StudyInstanceUID}",
	})
	require.NoError(t, err)

	result, err := c.Send(context.Background(), destinations.Study{StudyUID: "1.2.3.4.5"}, files, destinations.SendParams{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.FilesTransferred)

	target := filepath.Join(base, "CT", "20240115", "1.2.3.4.5")
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSendUnresolvedPlaceholderBecomesUnknown(t *testing.T) {
	src := t.TempDir()
	inst := dicomtest.New("1.2.3.4.5.1.1")
	inst.Modality = ""
	files := []string{inst.WriteTo(t, src)}

	base := t.TempDir()
	c, err := New(config.DestinationSpec{Name: "sink", Path: base, Pattern: "{Modality}/{NoSuchThing}"})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), destinations.Study{}, files, destinations.SendParams{})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(base, "UNKNOWN", "UNKNOWN"))
	assert.NoError(t, statErr)
}

func TestSendEmptyFileListNotRetryable(t *testing.T) {
	c, err := New(config.DestinationSpec{Name: "sink", Path: t.TempDir()})
	require.NoError(t, err)
	result, err := c.Send(context.Background(), destinations.Study{}, nil, destinations.SendParams{})
	assert.Error(t, err)
	assert.False(t, result.Retryable)
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "a/b_c/d.e", sanitizePath("/a/b c/d.e"))
	assert.Equal(t, "top/sub", sanitizePath("../top/./sub"))
	study := destinations.Study{CallingAE: "MOD 1"}
	got := resolvePattern("{CallingAE}", study, &dicomfile.Attributes{})
	assert.Equal(t, "MOD_1", got)
}
