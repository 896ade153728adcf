// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package engine assembles the whole appliance from configuration: crosswalk
// store, honest brokers, destination clients with health probing, archive and
// retention cleaner, transfer registry, one receiver/assembler/processor chain
// per enabled route, and the retry manager on top of the archive.
//
// Data ownership flows one way: the receiver owns an instance until it lands
// in incoming/, the assembler owns the study until it emits, the processor
// owns it until the study dir moves to completed/ or failed/, and from then on
// the archive is the source of truth the retry manager works from.
package engine

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dicomroute/dicomroute/pkg/anonymize"
	"github.com/dicomroute/dicomroute/pkg/archive"
	"github.com/dicomroute/dicomroute/pkg/assembler"
	"github.com/dicomroute/dicomroute/pkg/broker"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/crosswalk"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/destinations/dicomclient"
	"github.com/dicomroute/dicomroute/pkg/destinations/filesink"
	"github.com/dicomroute/dicomroute/pkg/destinations/xnat"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
	"github.com/dicomroute/dicomroute/pkg/processor"
	"github.com/dicomroute/dicomroute/pkg/receiver"
	"github.com/dicomroute/dicomroute/pkg/retry"
	"github.com/dicomroute/dicomroute/pkg/routedirs"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

// routeRuntime is one route's receive chain.
type routeRuntime struct {
	route     *config.Route
	dirs      routedirs.Dirs
	receiver  *receiver.Receiver
	assembler *assembler.Assembler
	processor *processor.Processor
}

// Engine owns every component's lifecycle.
type Engine struct {
	cfg *config.Config

	crosswalk *crosswalk.Store
	brokers   map[string]broker.Broker
	manager   *destinations.Manager
	archive   *archive.Archive
	cleaner   *archive.Cleaner
	transfers *transfer.Store
	scripts   *anonymize.Store
	retries   *retry.Manager
	routes    []*routeRuntime

	started bool
}

// BuildClient constructs the client for a destination spec. The manager uses
// it as its builder; the destinations CLI uses it for one-shot probes.
func BuildClient(spec config.DestinationSpec) (destinations.Client, error) {
	switch spec.Type {
	case config.DestinationXNAT:
		return xnat.New(spec)
	case config.DestinationDICOM:
		return dicomclient.New(spec)
	case config.DestinationFile:
		return filesink.New(spec)
	default:
		return nil, fmt.Errorf("unknown destination type %q", spec.Type)
	}
}

// New builds the engine from a validated configuration. Nothing listens or
// ticks until Start.
func New(cfg *config.Config) (*Engine, error) {
	base := cfg.Receiver.BaseDir
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create base dir: %w", err)
	}

	cw, err := crosswalk.Open(filepath.Join(base, "crosswalk.db"))
	if err != nil {
		return nil, fmt.Errorf("cannot open crosswalk store: %w", err)
	}
	brokers := make(map[string]broker.Broker, len(cfg.Brokers))
	for _, bc := range cfg.Brokers {
		b, err := broker.New(bc, cw)
		if err != nil {
			cw.Close()
			return nil, fmt.Errorf("broker %s: %w", bc.Name, err)
		}
		brokers[bc.Name] = b
	}

	probeInterval := time.Duration(cfg.Resilience.HealthCheckInterval) * time.Second
	mgr := destinations.NewManager(BuildClient, probeInterval, nil)
	for _, spec := range cfg.Destinations {
		if err := mgr.Add(spec); err != nil {
			cw.Close()
			return nil, fmt.Errorf("destination %s: %w", spec.Name, err)
		}
	}

	arch, err := archive.New(filepath.Join(base, "archive"))
	if err != nil {
		cw.Close()
		return nil, fmt.Errorf("cannot open archive: %w", err)
	}
	transfers := transfer.NewStore(filepath.Join(base, "transfers.json"))

	scriptsDir := cfg.ScriptsDir
	if scriptsDir == "" {
		scriptsDir = filepath.Join(base, "scripts")
	}
	scripts := anonymize.NewStore(scriptsDir)

	e := &Engine{
		cfg:       cfg,
		crosswalk: cw,
		brokers:   brokers,
		manager:   mgr,
		archive:   arch,
		transfers: transfers,
		scripts:   scripts,
	}
	if cfg.Resilience.RetentionDays > 0 {
		e.cleaner = archive.NewCleaner(arch, cfg.Resilience.RetentionDays)
	}
	e.retries = retry.New(retry.Deps{
		Config:    cfg,
		Archive:   arch,
		Manager:   mgr,
		Brokers:   brokers,
		Transfers: transfers,
	})

	for i := range cfg.Routes {
		route := &cfg.Routes[i]
		if !route.IsEnabled() {
			log.WithField("ae_title", route.AETitle).Info("route disabled, skipping")
			continue
		}
		rt, err := e.buildRoute(route)
		if err != nil {
			cw.Close()
			return nil, fmt.Errorf("route %s: %w", route.AETitle, err)
		}
		e.routes = append(e.routes, rt)
	}
	return e, nil
}

func (e *Engine) buildRoute(route *config.Route) (*routeRuntime, error) {
	dirs := routedirs.For(e.cfg.Receiver.BaseDir, route.AETitle)
	if err := dirs.Ensure(); err != nil {
		return nil, err
	}
	proc := processor.New(processor.Deps{
		Config:    e.cfg,
		Route:     route,
		Dirs:      dirs,
		Scripts:   e.scripts,
		Brokers:   e.brokers,
		Manager:   e.manager,
		Archive:   e.archive,
		Transfers: e.transfers,
		// The built-in script engine applies every statement exactly once,
		// so self-referential date shifts need no halving compensation.
		EngineTraits: anonymize.EngineTraits{DoubleAppliesSelfShift: false},
	})
	asm := assembler.New(route, dirs, nil, func(st assembler.Study) { proc.Enqueue(st) })
	rcv := receiver.New(route, dirs, func(arr receiver.Arrival) { asm.Add(arr) })
	return &routeRuntime{route: route, dirs: dirs, receiver: rcv, assembler: asm, processor: proc}, nil
}

// Start brings components up back to front: stores and senders before
// anything that can produce work for them, listeners last. On failure every
// component already running is unwound before the error returns.
func (e *Engine) Start() error {
	e.transfers.Start()
	e.manager.Start()
	if e.cleaner != nil {
		e.cleaner.Start()
	}
	var live []*routeRuntime
	for _, rt := range e.routes {
		rt.processor.Start()
		if err := rt.assembler.Start(); err != nil {
			rt.processor.Stop()
			e.teardown(live)
			return fmt.Errorf("route %s assembler: %w", rt.route.AETitle, err)
		}
		if err := rt.receiver.Start(); err != nil {
			rt.assembler.Stop()
			rt.processor.Stop()
			e.teardown(live)
			return fmt.Errorf("route %s receiver: %w", rt.route.AETitle, err)
		}
		live = append(live, rt)
		log.WithFields(log.Fields{
			"ae_title": rt.route.AETitle,
			"port":     rt.route.Port,
			"workers":  rt.route.WorkerThreads,
		}).Info("route listening")
	}
	e.retries.Start()
	e.started = true
	return nil
}

// Stop tears down front to back: listeners stop accepting first, assemblers
// stop emitting, processors abort in-flight sends (recorded as failed with
// "shutdown"), then the background services flush and exit. Studies still in
// incoming/ are picked up by assembler recovery on the next start.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.started = false
	e.retries.Stop()
	e.teardown(e.routes)
}

// teardown stops the given running routes and the background services.
func (e *Engine) teardown(routes []*routeRuntime) {
	for _, rt := range routes {
		rt.receiver.Stop()
	}
	for _, rt := range routes {
		rt.assembler.Stop()
	}
	for _, rt := range routes {
		rt.processor.Stop()
	}
	if e.cleaner != nil {
		e.cleaner.Stop()
	}
	e.manager.Stop()
	e.transfers.Stop()
	if err := e.crosswalk.Close(); err != nil {
		log.WithError(err).Warn("crosswalk store close failed")
	}
	log.Info("engine stopped")
}

// Accessors for the CLI surface.

func (e *Engine) Archive() *archive.Archive           { return e.archive }
func (e *Engine) Transfers() *transfer.Store          { return e.transfers }
func (e *Engine) Destinations() *destinations.Manager { return e.manager }
func (e *Engine) Scripts() *anonymize.Store           { return e.scripts }
func (e *Engine) Retries() *retry.Manager             { return e.retries }
func (e *Engine) Brokers() map[string]broker.Broker   { return e.brokers }

// RouteAddr returns the bound listen address of a running route, useful when
// the route is configured with port 0.
func (e *Engine) RouteAddr(ae string) (net.Addr, bool) {
	for _, rt := range e.routes {
		if rt.route.AETitle == ae {
			if addr := rt.receiver.Addr(); addr != nil {
				return addr, true
			}
			return nil, false
		}
	}
	return nil, false
}

// Import runs the full pipeline over instance files already on disk, grouped
// by study, synchronously. With move set the source files are renamed away
// instead of copied.
func (e *Engine) Import(routeAE, dir string, recursive, move bool) (int, error) {
	var rt *routeRuntime
	for _, cand := range e.routes {
		if cand.route.AETitle == routeAE {
			rt = cand
			break
		}
	}
	if rt == nil {
		return 0, fmt.Errorf("route %s is not configured or not enabled", routeAE)
	}

	paths, err := dicomfile.ScanDir(dir, recursive)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("no DICOM files found under %s", dir)
	}

	var errs *multierror.Error
	studies := make(map[string]*assembler.Study)
	var order []string
	for _, src := range paths {
		attrs, err := dicomfile.ReadAttributes(src)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src, err))
			continue
		}
		if attrs.StudyInstanceUID == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: missing StudyInstanceUID", src))
			continue
		}
		st, ok := studies[attrs.StudyInstanceUID]
		if !ok {
			studyDir := rt.dirs.StudyDir(attrs.StudyInstanceUID)
			if err := os.MkdirAll(studyDir, 0o755); err != nil {
				return 0, err
			}
			st = &assembler.Study{
				RouteAE:   routeAE,
				StudyUID:  attrs.StudyInstanceUID,
				CallingAE: "IMPORT",
				Dir:       studyDir,
			}
			studies[attrs.StudyInstanceUID] = st
			order = append(order, attrs.StudyInstanceUID)
		}
		dst := filepath.Join(st.Dir, dicomfile.SanitizeName(attrs.SOPInstanceUID)+".dcm")
		if err := stageFile(src, dst, move); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src, err))
			continue
		}
		info, err := os.Stat(dst)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		st.Files = append(st.Files, dst)
		st.TotalBytes += info.Size()
	}

	imported := 0
	for _, uid := range order {
		st := studies[uid]
		if len(st.Files) == 0 {
			continue
		}
		log.WithFields(log.Fields{"study": uid, "files": len(st.Files)}).Info("importing study")
		rt.processor.Process(*st)
		imported++
	}
	return imported, errs.ErrorOrNil()
}

// stageFile moves or copies one instance into the study dir.
func stageFile(src, dst string, move bool) error {
	if move {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
		// Cross-device renames fall through to copy+remove.
		if err := copyFile(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return copyFile(src, dst)
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
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
