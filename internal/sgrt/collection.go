package sgrt

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/surface.report/internal/monitoring"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

// PatientOutcome is one patient's result in a collection load: either
// success (possibly with warnings) or failure with the fatal reason.
type PatientOutcome struct {
	PatientID string
	DirName   string

	// Err is the fatal failure reason; nil means the patient loaded.
	Err error

	Warnings []Warning

	// Skipped lists surfaces excluded from the calendar for missing
	// timestamps.
	Skipped []SurfaceID

	Duration time.Duration

	patient *Patient
}

// Failed reports whether the patient failed to load entirely.
func (o *PatientOutcome) Failed() bool { return o.Err != nil }

// LoadReport maps every discovered patient to its outcome. All recoverable
// failures surface here; nothing fails silently.
type LoadReport struct {
	ID         string
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time

	// Outcomes is keyed by patient identifier (directory name when the
	// build failed before an identifier was established).
	Outcomes map[string]*PatientOutcome
}

// FailedCount returns the number of patients that failed to load.
func (r *LoadReport) FailedCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

// PatientCollection is the top-level aggregate: every patient discovered
// under one database root, loaded through the tree builder and the calendar
// reprocessor. Construction is the only mutation; afterwards the collection
// is read-only. There is no ambient singleton: callers own the instance.
type PatientCollection struct {
	patients map[string]*Patient
	ids      []string
	report   *LoadReport
}

// Load discovers all patients under root and builds each one: native tree
// first, then the calendar pass over the same registry. A single patient's
// fatal failure never prevents the others from loading.
//
// The context is checked between per-patient builds (coarse, best-effort
// cancellation); a cancelled load returns the patients finished so far along
// with ctx.Err.
func Load(ctx context.Context, root string, cfg Config) (*PatientCollection, error) {
	return load(ctx, root, cfg, timeutil.RealClock{})
}

func load(ctx context.Context, root string, cfg Config, clock timeutil.Clock) (*PatientCollection, error) {
	cfg = cfg.withDefaults()

	col := &PatientCollection{
		patients: make(map[string]*Patient),
		report: &LoadReport{
			ID:        uuid.NewString(),
			Root:      root,
			StartedAt: clock.Now(),
			Outcomes:  make(map[string]*PatientOutcome),
		},
	}

	entries, err := cfg.FS.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("cannot list patient database root %s: %w", root, err)
	}

	// Only directories carrying a patient details file are patients; the
	// database root also holds device calibration folders we ignore.
	var dirs []string
	for _, name := range sortedDirNames(entries) {
		if isPatientDir(cfg.FS, filepath.Join(root, name)) {
			dirs = append(dirs, name)
		} else {
			monitoring.Logf("skipping non-patient folder %s", name)
		}
	}

	parser := NewSurfaceRecordParser(cfg.FS, cfg.Decoder)
	builder := NewTreeHierarchyBuilder(cfg.FS, parser, cfg.StrictMode)
	reproc := NewCalendarReprocessor(cfg.SessionGap, cfg.Timezone)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		work     = make(chan string)
		ctxErr   error
		inserted int
	)

	worker := func() {
		defer wg.Done()
		for name := range work {
			outcome := buildOne(filepath.Join(root, name), builder, reproc, clock)

			mu.Lock()
			key := outcome.PatientID
			if key == "" {
				key = outcome.DirName
			}
			if prev, dup := col.report.Outcomes[key]; dup {
				outcome.Err = fmt.Errorf("duplicate patient identifier %q (also in %s)", key, prev.DirName)
				key = outcome.DirName
			}
			col.report.Outcomes[key] = outcome
			if !outcome.Failed() {
				col.patients[key] = outcome.patient
				inserted++
			}
			mu.Unlock()
		}
	}

	workers := cfg.Parallelism
	if workers > len(dirs) && len(dirs) > 0 {
		workers = len(dirs)
	}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

	total := len(dirs)
dispatch:
	for i, name := range dirs {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break dispatch
		case work <- name:
			monitoring.Logf("processing patient folder %d of %d: %s", i+1, total, name)
		}
	}
	close(work)
	wg.Wait()

	col.ids = make([]string, 0, len(col.patients))
	for id := range col.patients {
		col.ids = append(col.ids, id)
	}
	sort.Strings(col.ids)

	col.report.FinishedAt = clock.Now()
	monitoring.Logf("loaded %d of %d patients (%d failed) in %v",
		inserted, total, col.report.FailedCount(), col.report.FinishedAt.Sub(col.report.StartedAt))

	return col, ctxErr
}

// buildOne runs the two passes for a single patient. Build failures are
// captured in the outcome, never propagated: sibling patients are mutually
// independent.
func buildOne(path string, builder *TreeHierarchyBuilder, reproc *CalendarReprocessor, clock timeutil.Clock) *PatientOutcome {
	start := clock.Now()
	outcome := &PatientOutcome{DirName: filepath.Base(path)}
	defer func() { outcome.Duration = clock.Since(start) }()

	patient, warnings, err := builder.Build(path)
	outcome.Warnings = warnings
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.PatientID = patient.ID

	_, report, err := reproc.Reprocess(patient)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Skipped = report.Skipped
	outcome.patient = patient
	return outcome
}

func isPatientDir(fs interface{ Exists(string) bool }, path string) bool {
	for _, name := range patientDetailsNames {
		if fs.Exists(filepath.Join(path, name)) {
			return true
		}
	}
	return false
}

// Patient looks up a loaded patient by identifier.
func (c *PatientCollection) Patient(id string) (*Patient, error) {
	p, ok := c.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %q: %w", id, ErrPatientNotFound)
	}
	return p, nil
}

// Patients returns the successfully loaded patients ordered by identifier.
func (c *PatientCollection) Patients() []*Patient {
	out := make([]*Patient, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.patients[id])
	}
	return out
}

// Len returns the number of successfully loaded patients.
func (c *PatientCollection) Len() int { return len(c.patients) }

// Report returns the load report for the whole collection.
func (c *PatientCollection) Report() *LoadReport { return c.report }

// WarningPatients returns the count of loaded patients with one or more
// build warnings.
func (c *PatientCollection) WarningPatients() int {
	n := 0
	for _, id := range c.ids {
		if o, ok := c.report.Outcomes[id]; ok && len(o.Warnings) > 0 {
			n++
		}
	}
	return n
}
