// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package xnat

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
)

type fakeXNAT struct {
	auths         int
	deletes       int
	uploads       int
	failUploads   int // first N uploads answer 500
	reject401     int // first N uploads answer 401
	lastQuery     map[string]string
	lastZipNames  []string
	validSessions map[string]bool
}

func newFakeXNAT() *fakeXNAT {
	return &fakeXNAT{validSessions: map[string]bool{}}
}

func (f *fakeXNAT) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			user, pass, ok := r.BasicAuth()
			if !ok || user != "admin" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			f.auths++
			token := "sess-" + string(rune('a'+f.auths))
			f.validSessions[token] = true
			io.WriteString(w, token)
		case http.MethodDelete:
			f.deletes++
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/data/services/import", func(w http.ResponseWriter, r *http.Request) {
		f.uploads++
		if f.reject401 > 0 {
			f.reject401--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.failUploads > 0 {
			f.failUploads--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		cookie, err := r.Cookie("JSESSIONID")
		if err != nil || !f.validSessions[cookie.Value] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.lastQuery = map[string]string{}
		for k, v := range r.URL.Query() {
			f.lastQuery[k] = v[0]
		}
		body, _ := io.ReadAll(r.Body)
		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.lastZipNames = nil
		for _, zf := range zr.File {
			f.lastZipNames = append(f.lastZipNames, zf.Name)
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(config.DestinationSpec{
		Name:     "xnat-main",
		Type:     config.DestinationXNAT,
		URL:      url,
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)
	c.retryDelay = time.Millisecond
	return c
}

func writeFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	out := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("DICM"+name), 0o644))
		out = append(out, p)
	}
	return out
}

func TestProbeAuthenticatesAndInvalidates(t *testing.T) {
	fake := newFakeXNAT()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Probe(context.Background()))
	assert.Equal(t, 1, fake.auths)
	assert.Equal(t, 1, fake.deletes)
}

func TestProbeBadCredentials(t *testing.T) {
	fake := newFakeXNAT()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c, err := New(config.DestinationSpec{Name: "x", URL: srv.URL, Username: "admin", Password: "wrong"})
	require.NoError(t, err)
	assert.Error(t, c.Probe(context.Background()))
}

func TestSendUploadsZip(t *testing.T) {
	fake := newFakeXNAT()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	files := writeFiles(t, "1.dcm", "2.dcm")

	result, err := c.Send(context.Background(), destinations.Study{StudyUID: "1.2.3"}, files, destinations.SendParams{
		ProjectID:    "PROJ1",
		SubjectLabel: "SUBJ1",
		SessionLabel: "SUBJ1-SESS1",
		AutoArchive:  true,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.FilesTransferred)

	assert.Equal(t, "PROJ1", fake.lastQuery["project"])
	assert.Equal(t, "SUBJ1", fake.lastQuery["subject"])
	assert.Equal(t, "SUBJ1-SESS1", fake.lastQuery["session"])
	assert.Equal(t, "/archive", fake.lastQuery["dest"])
	assert.ElementsMatch(t, []string{"1.dcm", "2.dcm"}, fake.lastZipNames)
}

func TestSendPrearchiveByDefault(t *testing.T) {
	fake := newFakeXNAT()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Send(context.Background(), destinations.Study{}, writeFiles(t, "1.dcm"), destinations.SendParams{ProjectID: "P"})
	require.NoError(t, err)
	assert.Equal(t, "/prearchive", fake.lastQuery["dest"])
}

func TestSendRetriesServerErrors(t *testing.T) {
	fake := newFakeXNAT()
	fake.failUploads = 2
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Send(context.Background(), destinations.Study{}, writeFiles(t, "1.dcm"), destinations.SendParams{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, fake.uploads)
}

func TestSendReauthenticatesOn401(t *testing.T) {
	fake := newFakeXNAT()
	fake.reject401 = 1
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Send(context.Background(), destinations.Study{}, writeFiles(t, "1.dcm"), destinations.SendParams{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, fake.auths, "401 drops the session and re-authenticates")
}

func TestSendExhaustedRetriesIsRetryableFailure(t *testing.T) {
	fake := newFakeXNAT()
	fake.failUploads = 100
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Send(context.Background(), destinations.Study{}, writeFiles(t, "1.dcm"), destinations.SendParams{})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Retryable)
	assert.Equal(t, 3, fake.uploads)
}

func TestSendClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/data/JSESSION" {
			io.WriteString(w, "sess-x")
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Send(context.Background(), destinations.Study{}, writeFiles(t, "1.dcm"), destinations.SendParams{})
	require.Error(t, err)
	assert.False(t, result.Retryable)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(config.DestinationSpec{Name: "x", Type: config.DestinationXNAT})
	assert.Error(t, err)
}
