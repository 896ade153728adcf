// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package receiver runs one DICOM listener per route. Inbound instances are
// spooled while they stream in and promoted to the route's incoming tree only
// after a durable commit, so a crash never leaves a half-written file where
// the assembler can see it.
package receiver

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/dicom/scp"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
	"github.com/dicomroute/dicomroute/pkg/routedirs"
)

// associationTimeout bounds each network read and write inside an
// association. A modality that stalls longer than this is dropped.
const associationTimeout = 2 * time.Minute

// Arrival describes one committed inbound instance.
type Arrival struct {
	RouteAE        string
	CallingAE      string
	StudyUID       string
	SOPInstanceUID string
	Path           string
	Size           int64
}

// Receiver is the C-STORE listener of one route.
type Receiver struct {
	route     *config.Route
	dirs      routedirs.Dirs
	onArrival func(Arrival)

	ln    net.Listener
	queue chan net.Conn
	wg    sync.WaitGroup
}

// New builds the receiver for a route. onArrival is called once per committed
// instance, from association goroutines.
func New(route *config.Route, dirs routedirs.Dirs, onArrival func(Arrival)) *Receiver {
	return &Receiver{
		route:     route,
		dirs:      dirs,
		onArrival: onArrival,
		queue:     make(chan net.Conn, route.MaxConcurrentTransfers),
	}
}

// Start creates the route's working tree, sweeps stale spool files and opens
// the listener. Associations are served by route worker_threads goroutines;
// connections beyond the queue are refused with a transient rejection.
func (r *Receiver) Start() error {
	if err := r.dirs.Ensure(); err != nil {
		return fmt.Errorf("route %s: create working tree: %w", r.route.AETitle, err)
	}
	r.sweepSpool(time.Now())

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.route.Port))
	if err != nil {
		return fmt.Errorf("route %s: listen on port %d: %w", r.route.AETitle, r.route.Port, err)
	}
	r.ln = ln

	workers := r.route.WorkerThreads
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.wg.Add(1)
	go r.acceptLoop()

	log.WithFields(log.Fields{
		"ae_title": r.route.AETitle,
		"addr":     ln.Addr().String(),
		"workers":  workers,
	}).Info("route listener started")
	return nil
}

// Addr returns the bound listener address.
func (r *Receiver) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Stop closes the listener and waits for in-flight associations to finish.
func (r *Receiver) Stop() {
	if r.ln != nil {
		r.ln.Close()
	}
	r.wg.Wait()
	log.WithField("ae_title", r.route.AETitle).Info("route listener stopped")
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	defer close(r.queue)
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		select {
		case r.queue <- conn:
		default:
			log.WithFields(log.Fields{
				"ae_title": r.route.AETitle,
				"remote":   conn.RemoteAddr().String(),
			}).Warn("association queue full, refusing connection")
			go scp.RefuseTransient(conn, associationTimeout)
		}
	}
}

func (r *Receiver) worker() {
	defer r.wg.Done()
	for conn := range r.queue {
		err := scp.NewAssociation(conn, scp.Options{
			AETitle: r.route.AETitle,
			Timeout: associationTimeout,
		}, r).Serve()
		if err != nil {
			log.WithError(err).WithField("ae_title", r.route.AETitle).Debug("association ended with error")
		}
	}
}

// sweepSpool removes partial spool files older than twice the study timeout.
// Anything that old belongs to an association that died before commit.
func (r *Receiver) sweepSpool(now time.Time) {
	cutoff := now.Add(-2 * r.route.StudyTimeout())
	entries, err := os.ReadDir(r.dirs.Spool)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.dirs.Spool, e.Name())
		if err := os.Remove(path); err == nil {
			log.WithFields(log.Fields{
				"ae_title": r.route.AETitle,
				"file":     e.Name(),
			}).Warn("removed stale partial instance")
		}
	}
}

// Create spools one inbound instance. The part-10 file meta group is written
// up front from the negotiated association, then dataset bytes stream in.
func (r *Receiver) Create(meta scp.InstanceMeta) (scp.InstanceWriter, error) {
	f, err := os.CreateTemp(r.dirs.Spool, "inbound-*.part")
	if err != nil {
		return nil, err
	}
	if err := dicomfile.WriteFileMeta(f, meta.SOPClassUID, meta.SOPInstanceUID, meta.TransferSyntaxUID); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &spoolWriter{recv: r, meta: meta, f: f}, nil
}

type spoolWriter struct {
	recv *Receiver
	meta scp.InstanceMeta
	f    *os.File
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit makes the instance durable and promotes it into the study's
// incoming directory. The caller sends the C-STORE success response only
// after this returns.
func (w *spoolWriter) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.Discard()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}

	attrs, err := dicomfile.ReadAttributes(w.f.Name())
	if err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("parse inbound instance: %w", err)
	}
	if attrs.StudyInstanceUID == "" {
		os.Remove(w.f.Name())
		return fmt.Errorf("inbound instance %s has no StudyInstanceUID", w.meta.SOPInstanceUID)
	}
	sopUID := attrs.SOPInstanceUID
	if sopUID == "" {
		sopUID = w.meta.SOPInstanceUID
	}

	studyDir := w.recv.dirs.StudyDir(attrs.StudyInstanceUID)
	if err := os.MkdirAll(studyDir, 0o755); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	final := filepath.Join(studyDir, dicomfile.SanitizeName(sopUID)+".dcm")
	if err := os.Rename(w.f.Name(), final); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	info, err := os.Stat(final)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"ae_title":   w.recv.route.AETitle,
		"calling_ae": w.meta.CallingAE,
		"study":      attrs.StudyInstanceUID,
		"sop":        sopUID,
		"bytes":      info.Size(),
	}).Debug("instance received")

	if w.recv.onArrival != nil {
		w.recv.onArrival(Arrival{
			RouteAE:        w.recv.route.AETitle,
			CallingAE:      w.meta.CallingAE,
			StudyUID:       attrs.StudyInstanceUID,
			SOPInstanceUID: sopUID,
			Path:           final,
			Size:           info.Size(),
		})
	}
	return nil
}

// Discard drops the partial spool file.
func (w *spoolWriter) Discard() error {
	w.f.Close()
	return os.Remove(w.f.Name())
}
