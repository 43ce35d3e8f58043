package sgrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/surface.report/internal/fsutil"
	"github.com/banshee-data/surface.report/internal/monitoring"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

func muteLogs(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
}

func TestLoadCollection(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	writeSimplePatient(t, mfs, "/data", "PatientA", "P001", mustTime(t, "250106_100000"))
	writeSimplePatient(t, mfs, "/data", "PatientB", "P002", mustTime(t, "250106_110000"))
	// Broken patient: details file present, capture corrupt, loaded with a
	// warning in lenient mode.
	writePatientDetails(mfs, "/data/PatientC", "P003")
	mfs.WriteFile("/data/PatientC/S/Ph/F/C1/capture.ini", nil)
	mfs.WriteFile("/data/PatientC/S/Ph/F/C1/RealTimeDeltas_250106_120000.txt", []byte("corrupt"))
	// Device calibration folder without a details file: not a patient.
	mfs.WriteFile("/data/Calibration/cal.dat", []byte("x"))

	col, err := Load(context.Background(), "/data", utcConfig(mfs))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if col.Len() != 3 {
		t.Fatalf("loaded %d patients, want 3", col.Len())
	}
	if got := col.WarningPatients(); got != 1 {
		t.Errorf("WarningPatients = %d, want 1", got)
	}

	p, err := col.Patient("P001")
	if err != nil {
		t.Fatalf("Patient(P001) failed: %v", err)
	}
	if p.DirName != "PatientA" {
		t.Errorf("DirName = %q", p.DirName)
	}
	if p.Calendar == nil {
		t.Error("patient loaded without a calendar")
	}

	if _, err := col.Patient("NOBODY"); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("err = %v, want ErrPatientNotFound", err)
	}

	// Patients() is ordered by identifier regardless of listing order.
	var ids []string
	for _, p := range col.Patients() {
		ids = append(ids, p.ID)
	}
	want := []string{"P001", "P002", "P003"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Patients() order = %v, want %v", ids, want)
		}
	}
}

func TestLoadIsolatesFatalFailures(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	writeSimplePatient(t, mfs, "/data", "PatientA", "P001", mustTime(t, "250106_100000"))
	writeSimplePatient(t, mfs, "/data", "PatientB", "P002", mustTime(t, "250106_110000"))
	// Unparseable details file in strict mode is fatal for this patient only.
	mfs.WriteFile("/data/PatientC/Patient Details.vpax", []byte("<not-xml"))

	cfg := utcConfig(mfs)
	cfg.StrictMode = true
	col, err := Load(context.Background(), "/data", cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if col.Len() != 2 {
		t.Errorf("loaded %d patients, want 2", col.Len())
	}
	report := col.Report()
	if got := report.FailedCount(); got != 1 {
		t.Errorf("FailedCount = %d, want 1", got)
	}

	outcome, ok := report.Outcomes["PatientC"]
	if !ok {
		t.Fatalf("no outcome recorded for PatientC: %v", report.Outcomes)
	}
	if !outcome.Failed() {
		t.Error("PatientC outcome not marked failed")
	}
	if !errors.Is(outcome.Err, ErrMalformedRecord) {
		t.Errorf("outcome.Err = %v, want ErrMalformedRecord", outcome.Err)
	}
}

func TestLoadParallel(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	stamps := []string{"250106_100000", "250106_110000", "250107_100000", "250107_110000", "250108_100000"}
	for i, stamp := range stamps {
		writeSimplePatient(t, mfs, "/data", "Patient"+string(rune('A'+i)), "P00"+string(rune('1'+i)), mustTime(t, stamp))
	}

	cfg := utcConfig(mfs)
	cfg.Parallelism = 4
	col, err := Load(context.Background(), "/data", cfg)
	if err != nil {
		t.Fatalf("parallel Load failed: %v", err)
	}
	if col.Len() != len(stamps) {
		t.Fatalf("loaded %d patients, want %d", col.Len(), len(stamps))
	}
	for i := range stamps {
		id := "P00" + string(rune('1'+i))
		if _, err := col.Patient(id); err != nil {
			t.Errorf("Patient(%s) failed: %v", id, err)
		}
	}
}

func TestLoadDuplicatePatientID(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	writeSimplePatient(t, mfs, "/data", "DirA", "P001", mustTime(t, "250106_100000"))
	writeSimplePatient(t, mfs, "/data", "DirB", "P001", mustTime(t, "250106_110000"))

	col, err := Load(context.Background(), "/data", utcConfig(mfs))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// One wins, the other is reported as failed under its directory name.
	if col.Len() != 1 {
		t.Errorf("loaded %d patients, want 1", col.Len())
	}
	if got := col.Report().FailedCount(); got != 1 {
		t.Errorf("FailedCount = %d, want 1 duplicate failure", got)
	}
}

func TestLoadCancelledContext(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	writeSimplePatient(t, mfs, "/data", "PatientA", "P001", mustTime(t, "250106_100000"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx, "/data", utcConfig(mfs))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLoadMissingRoot(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	if _, err := Load(context.Background(), "/nowhere", utcConfig(mfs)); err == nil {
		t.Fatal("Load of a missing root succeeded")
	}
}

func TestLoadReportTiming(t *testing.T) {
	muteLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	writeSimplePatient(t, mfs, "/data", "PatientA", "P001", mustTime(t, "250106_100000"))

	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	col, err := load(context.Background(), "/data", utcConfig(mfs), clock)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	report := col.Report()
	if report.ID == "" {
		t.Error("report has no ID")
	}
	if report.Root != "/data" {
		t.Errorf("Root = %q", report.Root)
	}
	if !report.StartedAt.Equal(clock.Now()) || !report.FinishedAt.Equal(clock.Now()) {
		t.Errorf("mock-clocked report times = %v / %v", report.StartedAt, report.FinishedAt)
	}
}
