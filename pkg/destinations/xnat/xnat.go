// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package xnat uploads studies to an XNAT research archive over HTTPS. A
// study travels as one zip posted to the import service; authentication is
// the JSESSION token scheme (credentials exchanged once, token reused until
// the server expires it).
package xnat

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
)

const (
	sessionPath = "/data/JSESSION"
	importPath  = "/data/services/import"

	sendAttempts = 3
)

// statusError carries an HTTP status for retry classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("xnat returned HTTP %d", e.code)
	}
	return fmt.Sprintf("xnat returned HTTP %d: %s", e.code, e.body)
}

// retryable reports whether an attempt is worth repeating: network errors,
// auth expiry and server-side errors. Other client errors mean the request
// itself is wrong.
func retryable(err error) bool {
	if serr, ok := err.(*statusError); ok {
		return serr.code == http.StatusUnauthorized || serr.code >= 500
	}
	return true
}

// Client is one XNAT destination.
type Client struct {
	name       string
	baseURL    string
	username   string
	password   string
	http       *http.Client
	retryDelay time.Duration

	mu      sync.Mutex
	session string
}

// New builds an XNAT client from its spec.
func New(spec config.DestinationSpec) (*Client, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("xnat destination %s: url is required", spec.Name)
	}
	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		name:       spec.Name,
		baseURL:    strings.TrimRight(spec.URL, "/"),
		username:   spec.Username,
		password:   spec.Password,
		http:       &http.Client{Timeout: timeout},
		retryDelay: 2 * time.Second,
	}, nil
}

// Probe authenticates and immediately invalidates the session.
func (c *Client) Probe(ctx context.Context) error {
	token, err := c.authenticate(ctx)
	if err != nil {
		return err
	}
	return c.invalidate(ctx, token)
}

// Send zips the study's files and posts them to the import service. The
// target (archive vs prearchive) follows params.AutoArchive.
func (c *Client) Send(ctx context.Context, study destinations.Study, files []string, params destinations.SendParams) (*destinations.SendResult, error) {
	start := time.Now()
	result := &destinations.SendResult{}

	if len(files) == 0 {
		result.Message = "no files to send"
		return result, fmt.Errorf("no files to send")
	}

	zipPath, err := buildZip(files)
	if err != nil {
		result.Message = err.Error()
		return result, err
	}
	defer os.Remove(zipPath)

	err = retry.Do(
		func() error { return c.upload(ctx, zipPath, params) },
		retry.Context(ctx),
		retry.Attempts(sendAttempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			if serr, ok := err.(*statusError); ok && serr.code == http.StatusUnauthorized {
				c.dropSession()
			}
			log.WithError(err).WithFields(log.Fields{
				"destination": c.name,
				"study":       study.StudyUID,
				"attempt":     n + 1,
			}).Warn("xnat upload retrying")
		}),
	)
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Message = err.Error()
		result.Retryable = retryable(err)
		return result, err
	}

	result.Success = true
	result.FilesTransferred = len(files)
	result.Message = fmt.Sprintf("uploaded %d files to project %s", len(files), params.ProjectID)
	log.WithFields(log.Fields{
		"destination": c.name,
		"study":       study.StudyUID,
		"project":     params.ProjectID,
		"subject":     params.SubjectLabel,
		"files":       len(files),
	}).Info("study uploaded to xnat")
	return result, nil
}

// Close invalidates any cached session.
func (c *Client) Close() error {
	c.mu.Lock()
	token := c.session
	c.session = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.invalidate(ctx, token)
}

func (c *Client) upload(ctx context.Context, zipPath string, params destinations.SendParams) error {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}

	zipFile, err := os.Open(zipPath)
	if err != nil {
		return err
	}
	defer zipFile.Close()

	q := url.Values{}
	q.Set("import-handler", "DICOM-zip")
	q.Set("inbody", "true")
	q.Set("overwrite", "append")
	if params.ProjectID != "" {
		q.Set("project", params.ProjectID)
	}
	if params.SubjectLabel != "" {
		q.Set("subject", params.SubjectLabel)
	}
	if params.SessionLabel != "" {
		q.Set("session", params.SessionLabel)
	}
	if params.AutoArchive {
		q.Set("dest", "/archive")
	} else {
		q.Set("dest", "/prearchive")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+importPath+"?"+q.Encode(), zipFile)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: token})

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return nil
}

// sessionToken returns the cached session, authenticating when needed.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.session
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.authenticate(ctx)
}

func (c *Client) dropSession() {
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("xnat authentication: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("xnat authentication: empty session token")
	}
	c.mu.Lock()
	c.session = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidate(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+sessionPath, nil)
	if err != nil {
		return err
	}
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: token})
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// buildZip packs the files into a temporary zip, stored not compressed:
// DICOM pixel data rarely deflates and the import service unpacks it anyway.
func buildZip(files []string) (string, error) {
	tmp, err := os.CreateTemp("", "dicomroute-upload-*.zip")
	if err != nil {
		return "", err
	}
	zw := zip.NewWriter(tmp)

	for _, path := range files {
		in, err := os.Open(path)
		if err != nil {
			cleanupZip(zw, tmp)
			return "", err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.Base(path),
			Method: zip.Store,
		})
		if err != nil {
			in.Close()
			cleanupZip(zw, tmp)
			return "", err
		}
		if _, err := io.Copy(w, in); err != nil {
			in.Close()
			cleanupZip(zw, tmp)
			return "", err
		}
		in.Close()
	}

	if err := zw.Close(); err != nil {
		os.Remove(tmp.Name())
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func cleanupZip(zw *zip.Writer, tmp *os.File) {
	zw.Close()
	tmp.Close()
	os.Remove(tmp.Name())
}
