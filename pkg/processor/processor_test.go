// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomroute/dicomroute/internal/dicomtest"
	"github.com/dicomroute/dicomroute/pkg/anonymize"
	"github.com/dicomroute/dicomroute/pkg/archive"
	"github.com/dicomroute/dicomroute/pkg/assembler"
	"github.com/dicomroute/dicomroute/pkg/broker"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/crosswalk"
	"github.com/dicomroute/dicomroute/pkg/destinations"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
	"github.com/dicomroute/dicomroute/pkg/routedirs"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

type fakeClient struct {
	mu     sync.Mutex
	sends  [][]string
	params []destinations.SendParams
	fail   bool
}

func (c *fakeClient) Probe(context.Context) error { return nil }

func (c *fakeClient) Send(_ context.Context, _ destinations.Study, files []string, params destinations.SendParams) (*destinations.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, append([]string(nil), files...))
	c.params = append(c.params, params)
	if c.fail {
		return &destinations.SendResult{Message: "connection refused", Retryable: true}, errors.New("connection refused")
	}
	return &destinations.SendResult{Success: true, FilesTransferred: len(files), Message: "ok"}, nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

// harness wires a processor with a fake destination client per spec name.
type harness struct {
	proc    *Processor
	dirs    routedirs.Dirs
	arch    *archive.Archive
	store   *transfer.Store
	clients map[string]*fakeClient
	brokers map[string]broker.Broker
	cfg     *config.Config
}

func boolPtr(b bool) *bool { return &b }

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	base := t.TempDir()
	cfg.Receiver.BaseDir = base
	if cfg.Receiver.StreamThresholdBytes == 0 {
		cfg.Receiver.StreamThresholdBytes = config.DefaultStreamThreshold
	}
	route := &cfg.Routes[0]
	if route.WorkerThreads == 0 {
		route.WorkerThreads = 1
	}
	if route.MaxConcurrentTransfers == 0 {
		route.MaxConcurrentTransfers = 2
	}
	for i := range route.Destinations {
		if route.Destinations[i].RetryCount == 0 {
			route.Destinations[i].RetryCount = 3
		}
	}

	dirs := routedirs.For(base, route.AETitle)
	require.NoError(t, dirs.Ensure())

	clients := make(map[string]*fakeClient)
	for _, spec := range cfg.Destinations {
		clients[spec.Name] = &fakeClient{}
	}
	builder := func(spec config.DestinationSpec) (destinations.Client, error) {
		return clients[spec.Name], nil
	}
	mgr := destinations.NewManager(builder, time.Minute, clock.NewMock())
	for _, spec := range cfg.Destinations {
		require.NoError(t, mgr.Add(spec))
	}

	cw, err := crosswalk.Open(filepath.Join(base, "crosswalk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cw.Close() })
	brokers := make(map[string]broker.Broker)
	for _, bc := range cfg.Brokers {
		b, err := broker.New(bc, cw)
		require.NoError(t, err)
		brokers[bc.Name] = b
	}

	arch, err := archive.New(filepath.Join(base, "archive"))
	require.NoError(t, err)
	store := transfer.NewStore(filepath.Join(base, "transfers.json"))

	proc := New(Deps{
		Config:    cfg,
		Route:     route,
		Dirs:      dirs,
		Scripts:   anonymize.NewStore(filepath.Join(base, "scripts")),
		Brokers:   brokers,
		Manager:   mgr,
		Archive:   arch,
		Transfers: store,
	})
	return &harness{proc: proc, dirs: dirs, arch: arch, store: store, clients: clients, brokers: brokers, cfg: cfg}
}

func (h *harness) writeStudy(t *testing.T, studyUID string, insts ...dicomtest.Instance) assembler.Study {
	t.Helper()
	studyDir := h.dirs.StudyDir(studyUID)
	require.NoError(t, os.MkdirAll(studyDir, 0o755))
	st := assembler.Study{
		RouteAE:   h.cfg.Routes[0].AETitle,
		StudyUID:  studyUID,
		CallingAE: "MODALITY1",
		Dir:       studyDir,
	}
	for _, inst := range insts {
		inst.StudyUID = studyUID
		path := filepath.Join(studyDir, inst.SOPInstanceUID+".dcm")
		inst.Write(t, path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		st.Files = append(st.Files, path)
		st.TotalBytes += info.Size()
	}
	return st
}

func xnatConfig() *config.Config {
	return &config.Config{
		Receiver: config.Receiver{},
		Destinations: []config.DestinationSpec{
			{Name: "research-xnat", Type: config.DestinationXNAT, URL: "http://xnat.local", TimeoutSeconds: 30},
		},
		Brokers: []config.Broker{{
			Name:             "research",
			BrokerType:       config.BrokerLocal,
			NamingScheme:     config.SchemeAdjectiveAnimal,
			DateShiftEnabled: true,
			DateShiftMinDays: 30,
			DateShiftMaxDays: 30,
			HashUIDsEnabled:  true,
			CacheEnabled:     boolPtr(false),
		}},
		Routes: []config.Route{{
			AETitle: "ROUTE1",
			Destinations: []config.Binding{{
				Destination:     "research-xnat",
				Anonymize:       true,
				ProjectID:       "PROJ1",
				UseHonestBroker: true,
				HonestBroker:    "research",
			}},
		}},
	}
}

func TestProcessAnonymizesAndDelivers(t *testing.T) {
	h := newHarness(t, xnatConfig())
	st := h.writeStudy(t, "1.2.3.4.5",
		dicomtest.New("1.2.3.4.5.1.1"),
		dicomtest.New("1.2.3.4.5.1.2"))

	h.proc.Process(st)

	client := h.clients["research-xnat"]
	require.Equal(t, 1, client.sendCount())
	require.Len(t, client.sends[0], 2)

	subject, err := h.brokers["research"].Lookup(context.Background(), broker.IDTypePatient, "12345")
	require.NoError(t, err)
	accOut, err := h.brokers["research"].Lookup(context.Background(), broker.IDTypeAccession, "ACC001")
	require.NoError(t, err)
	params := client.params[0]
	assert.Equal(t, "PROJ1", params.ProjectID)
	assert.Equal(t, subject, params.SubjectLabel)
	assert.Equal(t, subject+"-"+accOut, params.SessionLabel)

	anonFiles, err := h.arch.AnonymizedFiles("ROUTE1", "1.2.3.4.5")
	require.NoError(t, err)
	require.Len(t, anonFiles, 2)
	attrs, err := dicomfile.ReadAttributes(anonFiles[0])
	require.NoError(t, err)
	assert.NotEqual(t, "1.2.3.4.5", attrs.StudyInstanceUID)
	assert.NotEqual(t, "John^Doe", attrs.PatientName)
	assert.Equal(t, subject, attrs.PatientID)
	assert.Equal(t, "20240214", attrs.StudyDate, "30-day shift applied")

	origFiles, err := h.arch.OriginalFiles("ROUTE1", "1.2.3.4.5")
	require.NoError(t, err)
	assert.Len(t, origFiles, 2)

	status, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusSuccess, status.Status)

	rec, ok := h.store.Find("ROUTE1", "1.2.3.4.5")
	require.True(t, ok)
	assert.Equal(t, transfer.StatusCompleted, rec.Status)

	assert.NoDirExists(t, st.Dir)
	assert.DirExists(t, filepath.Join(h.dirs.Completed, "1.2.3.4.5"))
}

func TestVerifierFailureBlocksDestination(t *testing.T) {
	cfg := xnatConfig()
	cfg.Routes[0].Destinations[0].UseHonestBroker = false
	cfg.Routes[0].Destinations[0].AnonScript = "leaky"
	h := newHarness(t, cfg)

	// The leaky script rewrites everything except SeriesInstanceUID.
	scriptsDir := filepath.Join(h.cfg.Receiver.BaseDir, "scripts")
	require.NoError(t, os.MkdirAll(scriptsDir, 0o755))
	leaky := `(0020,000D) := hashUID[(0020,000D)]
(0008,0018) := hashUID[(0008,0018)]
(0010,0010) := "ANON"
(0010,0020) := "ANON"
`
	require.NoError(t, os.WriteFile(filepath.Join(scriptsDir, "leaky.das"), []byte(leaky), 0o644))

	st := h.writeStudy(t, "1.2.3.4.5", dicomtest.New("1.2.3.4.5.1.1"))
	h.proc.Process(st)

	assert.Equal(t, 0, h.clients["research-xnat"].sendCount(), "verifier failure must block the send")

	status, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, status.Status)
	assert.Contains(t, status.Message, "SeriesInstanceUID")
	assert.Equal(t, 3, status.Attempts, "verification failures are never retried")

	anonFiles, err := h.arch.AnonymizedFiles("ROUTE1", "1.2.3.4.5")
	require.NoError(t, err)
	assert.Empty(t, anonFiles)

	rec, ok := h.store.Find("ROUTE1", "1.2.3.4.5")
	require.True(t, ok)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.DirExists(t, filepath.Join(h.dirs.Failed, "1.2.3.4.5"))
}

func TestMissingAccessionIsFatalForXNAT(t *testing.T) {
	h := newHarness(t, xnatConfig())
	inst := dicomtest.New("1.2.3.4.5.1.1")
	inst.AccessionNumber = ""
	st := h.writeStudy(t, "1.2.3.4.5", inst)

	h.proc.Process(st)

	assert.Equal(t, 0, h.clients["research-xnat"].sendCount())
	status, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, status.Status)
	assert.Contains(t, status.Message, "AccessionNumber is required")
	assert.Equal(t, 3, status.Attempts, "configuration failures are never retried")
}

func TestDestinationsAreIndependent(t *testing.T) {
	cfg := xnatConfig()
	cfg.Destinations = append(cfg.Destinations, config.DestinationSpec{
		Name: "backup-files", Type: config.DestinationFile, Path: "/backup",
	})
	cfg.Routes[0].Destinations = []config.Binding{
		{Destination: "research-xnat", Anonymize: true, UseHonestBroker: true, HonestBroker: "research", Priority: 1},
		{Destination: "backup-files", Priority: 2},
	}
	h := newHarness(t, cfg)
	h.clients["research-xnat"].fail = true

	st := h.writeStudy(t, "1.2.3.4.5", dicomtest.New("1.2.3.4.5.1.1"))
	h.proc.Process(st)

	assert.Equal(t, 1, h.clients["research-xnat"].sendCount())
	require.Equal(t, 1, h.clients["backup-files"].sendCount())
	// The file destination binding does not anonymize, so it ships originals.
	assert.Equal(t, st.Files, h.clients["backup-files"].sends[0])

	failed, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "research-xnat")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts, "transport failures stay retryable")
	ok, err := h.arch.GetStatus("ROUTE1", "1.2.3.4.5", "backup-files")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusSuccess, ok.Status)

	rec, found := h.store.Find("ROUTE1", "1.2.3.4.5")
	require.True(t, found)
	assert.Equal(t, transfer.StatusPartial, rec.Status)
	assert.DirExists(t, filepath.Join(h.dirs.Completed, "1.2.3.4.5"), "any success moves the study to completed")
}

func TestNoBindingsArchivesOnly(t *testing.T) {
	cfg := xnatConfig()
	cfg.Routes[0].Destinations = nil
	h := newHarness(t, cfg)

	st := h.writeStudy(t, "1.2.3.4.5", dicomtest.New("1.2.3.4.5.1.1"))
	h.proc.Process(st)

	files, err := h.arch.OriginalFiles("ROUTE1", "1.2.3.4.5")
	require.NoError(t, err)
	assert.Len(t, files, 1)
	rec, ok := h.store.Find("ROUTE1", "1.2.3.4.5")
	require.True(t, ok)
	assert.Equal(t, transfer.StatusCompleted, rec.Status)
}

func TestEnqueueProcessesThroughWorkers(t *testing.T) {
	cfg := xnatConfig()
	cfg.Routes[0].Destinations[0].UseHonestBroker = false
	cfg.Routes[0].Destinations[0].Anonymize = false
	h := newHarness(t, cfg)

	st := h.writeStudy(t, "1.2.3.4.5", dicomtest.New("1.2.3.4.5.1.1"))
	h.proc.Start()
	h.proc.Enqueue(st)
	require.Eventually(t, func() bool {
		return h.clients["research-xnat"].sendCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	h.proc.Stop()
}
