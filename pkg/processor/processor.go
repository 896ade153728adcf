// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package processor runs the per-study pipeline: anonymize and verify per
// destination binding, resolve honest-broker identities, send, archive,
// record the outcome. Destinations are independent: one failing never stops
// another, and a verifier failure never lets a partially-anonymized study
// reach a destination.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/go-dicom/dicomtag"
	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/anonymize"
	"github.com/dicomroute/dicomroute/pkg/archive"
	"github.com/dicomroute/dicomroute/pkg/assembler"
	"github.com/dicomroute/dicomroute/pkg/broker"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
	"github.com/dicomroute/dicomroute/pkg/routedirs"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

// Deps are the collaborators of one route's processor.
type Deps struct {
	Config       *config.Config
	Route        *config.Route
	Dirs         routedirs.Dirs
	Scripts      *anonymize.Store
	Brokers      map[string]broker.Broker
	Manager      *destinations.Manager
	Archive      *archive.Archive
	Transfers    *transfer.Store
	EngineTraits anonymize.EngineTraits
}

// Processor consumes completed studies for one route.
type Processor struct {
	deps  Deps
	queue chan assembler.Study

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the processor. Studies are queued with Enqueue and handled by
// the route's worker pool after Start.
func New(deps Deps) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		deps:   deps,
		queue:  make(chan assembler.Study, deps.Route.MaxConcurrentTransfers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker pool.
func (p *Processor) Start() {
	workers := p.deps.Route.WorkerThreads
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop cancels in-flight sends and waits for workers to drain. Sends cut off
// by shutdown are recorded as FAILED so the retry manager picks them up.
func (p *Processor) Stop() {
	p.cancel()
	close(p.queue)
	p.wg.Wait()
}

// Enqueue hands a completed study to the pipeline. It blocks when the route
// is at max_concurrent_transfers.
func (p *Processor) Enqueue(st assembler.Study) {
	p.queue <- st
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for st := range p.queue {
		p.Process(st)
	}
}

// outcome is the result of one destination binding for one study.
type outcome struct {
	binding   config.Binding
	status    archive.Status
	message   string
	details   string
	duration  time.Duration
	files     int
	retryable bool
	anonFiles []string
	scratch   string
}

// Process runs the whole pipeline for one study. Exported for the retry
// manager's import path and for tests; production studies arrive via Enqueue.
func (p *Processor) Process(st assembler.Study) {
	logger := log.WithFields(log.Fields{"ae_title": st.RouteAE, "study": st.StudyUID})
	logger.WithField("files", len(st.Files)).Info("processing study")

	id := p.deps.Transfers.Create(st.StudyUID, st.RouteAE, st.CallingAE, len(st.Files), st.TotalBytes)
	p.deps.Transfers.SetStatus(id, transfer.StatusProcessing)

	bindings := enabledBindings(p.deps.Route)
	if len(bindings) == 0 {
		logger.Warn("route has no enabled destinations, archiving only")
		if err := p.deps.Archive.ArchiveStudy(st.RouteAE, st.StudyUID, st.Files, nil); err != nil {
			logger.WithError(err).Error("archive failed")
			p.deps.Transfers.SetStatus(id, transfer.StatusFailed)
			return
		}
		p.deps.Transfers.SetStatus(id, transfer.StatusCompleted)
		p.moveStudy(st, true, logger)
		return
	}

	p.deps.Transfers.SetStatus(id, transfer.StatusForwarding)
	outcomes := make([]outcome, 0, len(bindings))
	for _, b := range bindings {
		out := p.sendBinding(st, b)
		outcomes = append(outcomes, out)
		if out.status == archive.StatusSuccess {
			logger.WithField("destination", b.Destination).Info("destination delivered")
		} else {
			logger.WithFields(log.Fields{
				"destination": b.Destination,
				"error":       out.message,
			}).Warn("destination failed")
		}
	}

	// Archive originals plus the first verified anonymized set, then the
	// per-destination outcomes. Scratch dirs survive until the archive copy
	// is done.
	var anonFiles []string
	for _, out := range outcomes {
		if len(out.anonFiles) > 0 {
			anonFiles = out.anonFiles
			break
		}
	}
	archiveErr := p.deps.Archive.ArchiveStudy(st.RouteAE, st.StudyUID, st.Files, anonFiles)
	for _, out := range outcomes {
		if out.scratch != "" {
			os.RemoveAll(out.scratch)
		}
	}
	if archiveErr != nil {
		// The study stays in incoming/ for operator intervention.
		logger.WithError(archiveErr).Error("archive failed, study left in incoming")
		p.deps.Transfers.SetStatus(id, transfer.StatusFailed)
		return
	}

	now := time.Now().UTC()
	anySuccess := false
	for _, out := range outcomes {
		if out.status == archive.StatusSuccess {
			anySuccess = true
		}
		attempts := 1
		if out.status == archive.StatusFailed && !out.retryable {
			// Non-retryable failures burn the attempt budget so the retry
			// manager never replays them.
			attempts = out.binding.RetryCount
		}
		last := now
		rec := archive.DestinationStatus{
			Destination:   out.binding.Destination,
			Status:        out.status,
			Attempts:      attempts,
			LastAttemptAt: &last,
			DurationMs:    out.duration.Milliseconds(),
			Message:       out.message,
			ErrorDetails:  out.details,
		}
		if err := p.deps.Archive.PutStatus(st.RouteAE, st.StudyUID, rec); err != nil {
			logger.WithError(err).WithField("destination", out.binding.Destination).Error("cannot persist destination status")
		}
		state := transfer.DestSuccess
		if out.status != archive.StatusSuccess {
			state = transfer.DestFailed
		}
		p.deps.Transfers.PutDestination(id, transfer.DestinationResult{
			Name:             out.binding.Destination,
			Status:           state,
			Message:          out.message,
			DurationMs:       out.duration.Milliseconds(),
			FilesTransferred: out.files,
			Attempts:         attempts,
			LastAttemptAt:    &last,
		})
	}

	p.moveStudy(st, anySuccess, logger)
}

// sendBinding runs one destination binding end to end. It never returns a
// partial anonymized set: on any verifier failure the scratch dir is wiped.
func (p *Processor) sendBinding(st assembler.Study, b config.Binding) outcome {
	start := time.Now()
	out := outcome{binding: b, status: archive.StatusFailed, retryable: true}

	spec, ok := p.deps.Config.DestinationByName(b.Destination)
	if !ok {
		out.message = fmt.Sprintf("destination %s is not configured", b.Destination)
		out.retryable = false
		return out
	}

	idents, err := ResolveIdentities(p.ctx, p.deps.Brokers, b, spec, st.StudyUID, st.Files)
	if err != nil {
		out.message = err.Error()
		out.retryable = errors.Is(err, broker.ErrUnavailable)
		out.duration = time.Since(start)
		return out
	}

	files := st.Files
	if b.Anonymize {
		anonFiles, scratch, err := p.anonymizeStudy(st, b, idents)
		out.scratch = scratch
		if err != nil {
			out.message = err.Error()
			out.retryable = false
			out.duration = time.Since(start)
			var verr *anonymize.VerificationError
			if errors.As(err, &verr) {
				out.details = "verification failed"
			}
			return out
		}
		out.anonFiles = anonFiles
		files = anonFiles
	}

	client, ok := p.deps.Manager.Client(b.Destination)
	if !ok {
		out.message = fmt.Sprintf("destination %s is not registered", b.Destination)
		out.retryable = false
		out.duration = time.Since(start)
		return out
	}

	ctx, cancel := context.WithTimeout(p.ctx, sendTimeout(spec, len(files)))
	defer cancel()
	res, err := client.Send(ctx, destinations.Study{
		StudyUID:  st.StudyUID,
		RouteAE:   st.RouteAE,
		CallingAE: st.CallingAE,
	}, files, destinations.SendParams{
		ProjectID:    b.ProjectID,
		SubjectLabel: idents.Subject,
		SessionLabel: idents.Session,
		AutoArchive:  b.AutoArchive,
	})
	out.duration = time.Since(start)
	if res != nil {
		out.files = res.FilesTransferred
		out.message = res.Message
		out.retryable = res.Retryable
	}
	if err != nil {
		if p.ctx.Err() != nil {
			out.message = "shutdown"
			out.retryable = true
		} else if out.message == "" {
			out.message = err.Error()
		}
		return out
	}
	out.status = archive.StatusSuccess
	return out
}

// Identities carries the resolved per-binding labels and anonymization
// parameters. Broker lookups are deterministic, so resolving the same study
// again (a retry, for instance) yields the same labels.
type Identities struct {
	Subject   string
	Session   string
	ShiftDays int
	HashUIDs  bool
	Broker    broker.Broker
}

// ResolveIdentities runs the honest-broker lookups for one binding against
// the study's first instance. A missing or empty AccessionNumber is fatal
// for destinations that need a session label.
func ResolveIdentities(ctx context.Context, brokers map[string]broker.Broker, b config.Binding, spec *config.DestinationSpec, studyUID string, files []string) (*Identities, error) {
	idents := &Identities{}
	if !b.UseHonestBroker {
		return idents, nil
	}
	br, ok := brokers[b.HonestBroker]
	if !ok {
		return nil, fmt.Errorf("honest broker %s is not configured", b.HonestBroker)
	}
	idents.Broker = br
	idents.HashUIDs = br.Config().HashUIDsEnabled

	if len(files) == 0 {
		return nil, fmt.Errorf("study %s has no files", studyUID)
	}
	attrs, err := dicomfile.ReadAttributes(files[0])
	if err != nil {
		return nil, err
	}
	if attrs.PatientID == "" {
		return nil, fmt.Errorf("study %s has no PatientID", studyUID)
	}

	pseudonym, err := br.Lookup(ctx, broker.IDTypePatient, attrs.PatientID)
	if err != nil {
		return nil, err
	}
	idents.Subject = b.SubjectPrefix + pseudonym

	if br.Config().DateShiftEnabled {
		days, err := br.DateShiftFor(ctx, attrs.PatientID)
		if err != nil {
			return nil, err
		}
		idents.ShiftDays = days
	}

	if spec.Type == config.DestinationXNAT {
		if attrs.AccessionNumber == "" {
			return nil, fmt.Errorf("study %s: AccessionNumber is required for session mapping", studyUID)
		}
		accOut, err := br.Lookup(ctx, broker.IDTypeAccession, attrs.AccessionNumber)
		if err != nil {
			return nil, err
		}
		idents.Session = idents.Subject + "-" + b.SessionPrefix + accOut
	}
	return idents, nil
}

// anonymizeStudy rewrites every instance into a fresh scratch directory and
// verifies each output against its source. The scratch dir is returned even
// on failure so the caller can clean it up after archiving.
func (p *Processor) anonymizeStudy(st assembler.Study, b config.Binding, idents *Identities) ([]string, string, error) {
	scratch, err := os.MkdirTemp(p.deps.Dirs.Scratch, dicomfile.SanitizeName(st.StudyUID)+"-"+dicomfile.SanitizeName(b.Destination)+"-")
	if err != nil {
		return nil, "", err
	}

	scriptName := anonymize.ResolveScriptName(b.Anonymize, b.AnonScript)
	base, err := p.deps.Scripts.Get(scriptName)
	if err != nil {
		return nil, scratch, err
	}

	enh := anonymize.Enhancement{
		ShiftDays: idents.ShiftDays,
		HashUIDs:  idents.HashUIDs,
	}
	if idents.Subject != "" {
		enh.Assign = []anonymize.TagAssignment{
			{Tag: dicomtag.PatientID, Value: idents.Subject},
			{Tag: dicomtag.PatientName, Value: idents.Subject},
		}
	}
	script := anonymize.Enhance(base, enh, p.deps.EngineTraits)

	var sink anonymize.UIDSink
	if idents.Broker != nil && idents.HashUIDs {
		br := idents.Broker
		sink = func(uidIn, uidOut, uidType string) error {
			return br.PutUIDMapping(p.ctx, uidIn, uidOut, uidType)
		}
	}
	anon := anonymize.New(p.deps.Config.Receiver.StreamThresholdBytes, sink)

	verify := anonymize.DefaultVerifyConfig()
	if idents.ShiftDays != 0 {
		days := idents.ShiftDays
		verify.ExpectedShiftDays = &days
	}

	outFiles := make([]string, 0, len(st.Files))
	for _, in := range st.Files {
		outPath := filepath.Join(scratch, filepath.Base(in))
		if err := anon.AnonymizeFile(in, outPath, script, verify); err != nil {
			// Never leave a partial set behind.
			for _, f := range outFiles {
				os.Remove(f)
			}
			return nil, scratch, err
		}
		outFiles = append(outFiles, outPath)
	}
	return outFiles, scratch, nil
}

// moveStudy relocates the incoming study directory after processing.
func (p *Processor) moveStudy(st assembler.Study, anySuccess bool, logger *log.Entry) {
	destRoot := p.deps.Dirs.Failed
	if anySuccess {
		destRoot = p.deps.Dirs.Completed
	}
	dest := filepath.Join(destRoot, filepath.Base(st.Dir))
	os.RemoveAll(dest)
	if err := os.Rename(st.Dir, dest); err != nil {
		logger.WithError(err).Error("cannot move processed study directory")
		return
	}
	logger.WithField("dir", dest).Debug("study directory moved")
}

// enabledBindings returns the route's active bindings ordered by priority
// ascending; equal priorities keep configuration order.
func enabledBindings(route *config.Route) []config.Binding {
	out := make([]config.Binding, 0, len(route.Destinations))
	for _, b := range route.Destinations {
		if b.IsEnabled() {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// sendTimeout scales the destination's per-operation timeout with study size
// so large studies are not cut off mid-upload.
func sendTimeout(spec *config.DestinationSpec, files int) time.Duration {
	base := spec.Timeout()
	if base <= 0 {
		base = 60 * time.Second
	}
	perFile := base / 4
	total := base + time.Duration(files)*perFile
	if total > time.Hour {
		total = time.Hour
	}
	return total
}
