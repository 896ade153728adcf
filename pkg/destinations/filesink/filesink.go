// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package filesink delivers studies to a local or mounted directory. The
// target subdirectory is derived from a pattern over study attributes, e.g.
// "{Modality}/{StudyDate}/{StudyInstanceUID}".
package filesink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// DefaultPattern places each study in a directory named after its UID.
const DefaultPattern = "{StudyInstanceUID}"

// placeholderUnknown substitutes for attributes the study does not carry.
const placeholderUnknown = "UNKNOWN"

// Client writes studies under a base directory.
type Client struct {
	name    string
	baseDir string
	pattern string
}

// New builds a filesink client from its spec.
func New(spec config.DestinationSpec) (*Client, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("file destination %s: path is required", spec.Name)
	}
	pattern := spec.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Client{name: spec.Name, baseDir: spec.Path, pattern: pattern}, nil
}

// Probe verifies the base directory exists and is writable.
func (c *Client) Probe(ctx context.Context) error {
	fi, err := os.Stat(c.baseDir)
	if err != nil {
		return fmt.Errorf("destination directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("destination path %s is not a directory", c.baseDir)
	}
	probe, err := os.CreateTemp(c.baseDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("destination directory not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// Send copies every file into the pattern-derived subdirectory. Disk errors
// are retryable: mounted shares come back.
func (c *Client) Send(ctx context.Context, study destinations.Study, files []string, params destinations.SendParams) (*destinations.SendResult, error) {
	start := time.Now()
	result := &destinations.SendResult{Retryable: true}

	if len(files) == 0 {
		result.Retryable = false
		result.Message = "no files to send"
		return result, fmt.Errorf("no files to send")
	}

	attrs, err := dicomfile.ReadAttributes(files[0])
	if err != nil {
		result.Retryable = false
		result.Message = err.Error()
		return result, err
	}

	targetDir := filepath.Join(c.baseDir, resolvePattern(c.pattern, study, attrs))
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		result.Message = err.Error()
		return result, err
	}

	for _, src := range files {
		if err := ctx.Err(); err != nil {
			result.Message = "send cancelled"
			return result, err
		}
		if err := copyFile(src, filepath.Join(targetDir, filepath.Base(src))); err != nil {
			result.Message = err.Error()
			result.DurationMs = time.Since(start).Milliseconds()
			return result, err
		}
		result.FilesTransferred++
	}

	result.Success = true
	result.DurationMs = time.Since(start).Milliseconds()
	result.Message = fmt.Sprintf("copied %d files to %s", result.FilesTransferred, targetDir)
	log.WithFields(log.Fields{
		"destination": c.name,
		"study":       study.StudyUID,
		"files":       result.FilesTransferred,
		"dir":         targetDir,
	}).Info("study delivered to file sink")
	return result, nil
}

// Close is a no-op; the sink holds no resources.
func (c *Client) Close() error { return nil }

// resolvePattern substitutes {Placeholder} tokens and sanitizes the result to
// [A-Za-z0-9_/.-]. Slashes survive so patterns can nest directories.
func resolvePattern(pattern string, study destinations.Study, attrs *dicomfile.Attributes) string {
	values := map[string]string{
		"StudyInstanceUID": attrs.StudyInstanceUID,
		"PatientID":        attrs.PatientID,
		"PatientName":      attrs.PatientName,
		"Modality":         attrs.Modality,
		"StudyDate":        attrs.StudyDate,
		"AccessionNumber":  attrs.AccessionNumber,
		"CallingAE":        study.CallingAE,
		"RouteAE":          study.RouteAE,
	}
	out := pattern
	for key, value := range values {
		if value == "" {
			value = placeholderUnknown
		}
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	// Any placeholder we do not know resolves to UNKNOWN too.
	for {
		open := strings.Index(out, "{")
		if open < 0 {
			break
		}
		closing := strings.Index(out[open:], "}")
		if closing < 0 {
			break
		}
		out = out[:open] + placeholderUnknown + out[open+closing+1:]
	}
	return sanitizePath(out)
}

func sanitizePath(p string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '.' || r == '-' || r == '/':
			return r
		default:
			return '_'
		}
	}, p)
	// Keep the result inside the base directory.
	sanitized = strings.TrimLeft(sanitized, "/")
	parts := strings.Split(sanitized, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
