// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package dicomclient forwards studies to another DICOM node over C-STORE.
package dicomclient

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/dicom/scu"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// DefaultCallingAETitle identifies this appliance when the route does not
// override it.
const DefaultCallingAETitle = "DICOMROUTE"

var defaultVerificationSyntaxes = []string{
	"1.2.840.10008.1.2",   // implicit VR little endian
	"1.2.840.10008.1.2.1", // explicit VR little endian
}

// Client is one DICOM peer destination.
type Client struct {
	name      string
	addr      string
	calledAE  string
	callingAE string
	timeout   time.Duration
}

// New builds a peer client from its spec.
func New(spec config.DestinationSpec) (*Client, error) {
	if spec.Host == "" || spec.Port <= 0 {
		return nil, fmt.Errorf("dicom destination %s: host and port are required", spec.Name)
	}
	callingAE := spec.CallingAE
	if callingAE == "" {
		callingAE = DefaultCallingAETitle
	}
	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		name:      spec.Name,
		addr:      net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port)),
		calledAE:  spec.CalledAE,
		callingAE: callingAE,
		timeout:   timeout,
	}, nil
}

func (c *Client) config() scu.Config {
	return scu.Config{
		CalledAETitle:  c.calledAE,
		CallingAETitle: c.callingAE,
		Timeout:        c.timeout,
	}
}

// Probe opens an association with the verification context and C-ECHOes.
func (c *Client) Probe(ctx context.Context) error {
	assoc, err := scu.Connect(ctx, c.addr, c.config(), []scu.ProposedContext{
		{AbstractSyntax: scu.VerificationSOPClass, TransferSyntaxes: defaultVerificationSyntaxes},
	})
	if err != nil {
		return err
	}
	if err := assoc.CEcho(); err != nil {
		assoc.Abort()
		return err
	}
	return assoc.Release()
}

// Send C-STOREs every file over a single association. Presentation contexts
// are proposed from the files themselves, each SOP class with exactly the
// transfer syntaxes its files carry, so accepted instances go out without
// transcoding.
func (c *Client) Send(ctx context.Context, study destinations.Study, files []string, params destinations.SendParams) (*destinations.SendResult, error) {
	start := time.Now()
	result := &destinations.SendResult{Retryable: true}

	if len(files) == 0 {
		result.Retryable = false
		result.Message = "no files to send"
		return result, fmt.Errorf("no files to send")
	}

	contexts, err := proposedContexts(files)
	if err != nil {
		result.Retryable = false
		result.Message = err.Error()
		return result, err
	}

	assoc, err := scu.Connect(ctx, c.addr, c.config(), contexts)
	if err != nil {
		result.Message = err.Error()
		return result, err
	}

	var firstErr error
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			assoc.Abort()
			result.Message = "send cancelled"
			result.DurationMs = time.Since(start).Milliseconds()
			return result, err
		}
		if err := assoc.CStoreFile(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.WithError(err).WithFields(log.Fields{
				"destination": c.name,
				"study":       study.StudyUID,
				"file":        path,
			}).Warn("C-STORE failed")
			continue
		}
		result.FilesTransferred++
	}
	if err := assoc.Release(); err != nil && firstErr == nil {
		firstErr = err
	}

	result.DurationMs = time.Since(start).Milliseconds()
	if firstErr != nil {
		result.Message = fmt.Sprintf("stored %d/%d files: %v", result.FilesTransferred, len(files), firstErr)
		return result, firstErr
	}
	result.Success = true
	result.Message = fmt.Sprintf("stored %d files", result.FilesTransferred)
	log.WithFields(log.Fields{
		"destination": c.name,
		"study":       study.StudyUID,
		"files":       result.FilesTransferred,
	}).Info("study forwarded to DICOM peer")
	return result, nil
}

// Close is a no-op; associations are per-send.
func (c *Client) Close() error { return nil }

// proposedContexts derives the presentation contexts the files need.
func proposedContexts(files []string) ([]scu.ProposedContext, error) {
	syntaxes := make(map[string]map[string]bool)
	for _, path := range files {
		attrs, err := dicomfile.ReadAttributes(path)
		if err != nil {
			return nil, err
		}
		if attrs.SOPClassUID == "" {
			return nil, fmt.Errorf("%s: missing SOP class", path)
		}
		if syntaxes[attrs.SOPClassUID] == nil {
			syntaxes[attrs.SOPClassUID] = make(map[string]bool)
		}
		syntaxes[attrs.SOPClassUID][attrs.TransferSyntaxUID] = true
	}

	classes := make([]string, 0, len(syntaxes))
	for class := range syntaxes {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	out := make([]scu.ProposedContext, 0, len(classes))
	for _, class := range classes {
		ts := make([]string, 0, len(syntaxes[class]))
		for uid := range syntaxes[class] {
			ts = append(ts, uid)
		}
		sort.Strings(ts)
		out = append(out, scu.ProposedContext{AbstractSyntax: class, TransferSyntaxes: ts})
	}
	return out, nil
}
