// Package db persists loaded patient data to a SQLite catalog: flattened
// surface records, derived treatment sessions, and collection load reports.
// The catalog lets reporting tools query a database that was loaded once,
// and lets sessions be re-derived at a different threshold without
// re-reading the source export.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/surface.report/internal/sgrt"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the catalog at path. Call MigrateUp
// before using the catalog; NewDB does not manage the schema.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := sqldb.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &DB{sqldb}, nil
}

// SaveLoadReport records a collection load report and its per-patient
// outcomes.
func (db *DB) SaveLoadReport(ctx context.Context, r *sgrt.LoadReport) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	warnings := 0
	for _, o := range r.Outcomes {
		warnings += len(o.Warnings)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO load_reports (
			report_id, root, started_at_unix, finished_at_unix,
			patient_count, failed_count, warning_count
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Root, unix(r.StartedAt), unix(r.FinishedAt),
		len(r.Outcomes), r.FailedCount(), warnings,
	); err != nil {
		return fmt.Errorf("failed to insert load report: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO patient_outcomes (
			report_id, patient_id, dir_name, outcome, failure,
			warning_count, skipped_count, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, o := range r.Outcomes {
		outcome, failure := "loaded", ""
		if o.Failed() {
			outcome, failure = "failed", o.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, id, o.DirName, outcome, failure,
			len(o.Warnings), len(o.Skipped),
			float64(o.Duration)/float64(time.Millisecond),
		); err != nil {
			return fmt.Errorf("failed to insert outcome for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// SavePatient replaces the catalog rows for one patient with its current
// native-tree surfaces and calendar sessions.
func (db *DB) SavePatient(ctx context.Context, p *sgrt.Patient) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	for _, q := range []string{
		`DELETE FROM session_links WHERE patient_id = ?`,
		`DELETE FROM treatment_sessions WHERE patient_id = ?`,
		`DELETE FROM surfaces WHERE patient_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, p.ID); err != nil {
			return fmt.Errorf("failed to clear previous rows: %w", err)
		}
	}

	surfStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO surfaces (
			patient_id, surface_id, site, phase, field, capture_name, path,
			captured_at_unix, ended_at_unix, sample_count, beam_on_samples,
			max_magnitude, mean_magnitude, approved, suspect
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer surfStmt.Close()

	reg := p.Registry()
	for _, site := range p.Sites {
		for _, phase := range site.Phases {
			for _, field := range phase.Fields {
				for _, id := range field.Surfaces {
					s := reg.Surface(id)
					maxMag, meanMag, beamOn, tracked := summarize(s)
					if _, err := surfStmt.ExecContext(ctx,
						p.ID, int64(id), site.Name, phase.Name, field.Name, s.Name, s.Path,
						nullableUnix(s.CapturedAt), nullableUnix(s.EndedAt),
						tracked, beamOn, maxMag, meanMag,
						boolToInt(s.Approved), boolToInt(s.Suspect),
					); err != nil {
						return fmt.Errorf("failed to insert surface %d: %w", id, err)
					}
				}
			}
		}
	}

	if p.Calendar != nil {
		if err := insertSessions(ctx, tx, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertSessions(ctx context.Context, tx *sql.Tx, p *sgrt.Patient) error {
	sessStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO treatment_sessions (
			session_key, patient_id, session_date, threshold_ms, profile,
			start_unix, end_unix, surface_count, max_magnitude, mean_magnitude
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer sessStmt.Close()

	linkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_links (session_key, patient_id, surface_id)
		VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer linkStmt.Close()

	thresholdMs := p.Calendar.SessionGap.Milliseconds()
	for _, day := range p.Calendar.Days {
		date := day.Date.Format("2006-01-02")
		for _, sess := range day.Sessions {
			key := SessionKey(p.ID, sess.Start, thresholdMs, loaderProfile)
			if _, err := sessStmt.ExecContext(ctx,
				key, p.ID, date, thresholdMs, loaderProfile,
				unix(sess.Start), unix(sess.End), sess.Count,
				sess.MaxMagnitude, sess.MeanMagnitude,
			); err != nil {
				return fmt.Errorf("failed to insert session %s: %w", key, err)
			}
			for _, id := range sess.Surfaces {
				if _, err := linkStmt.ExecContext(ctx, key, p.ID, int64(id)); err != nil {
					return fmt.Errorf("failed to link surface %d: %w", id, err)
				}
			}
		}
	}
	return nil
}

// SurfaceRow is one flattened surface as stored in the catalog.
type SurfaceRow struct {
	PatientID     string
	SurfaceID     int64
	Site          string
	Phase         string
	Field         string
	CaptureName   string
	Path          string
	CapturedAt    sql.NullFloat64
	EndedAt       sql.NullFloat64
	SampleCount   int64
	BeamOnSamples int64
	MaxMagnitude  float64
	MeanMagnitude float64
	Approved      bool
	Suspect       bool
}

// Surfaces returns a patient's catalogued surfaces ordered by capture time.
func (db *DB) Surfaces(ctx context.Context, patientID string) ([]SurfaceRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT patient_id, surface_id, site, phase, field, capture_name, path,
		       captured_at_unix, ended_at_unix, sample_count, beam_on_samples,
		       max_magnitude, mean_magnitude, approved, suspect
		FROM surfaces
		WHERE patient_id = ?
		ORDER BY captured_at_unix, surface_id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SurfaceRow
	for rows.Next() {
		var r SurfaceRow
		var approved, suspect int
		if err := rows.Scan(
			&r.PatientID, &r.SurfaceID, &r.Site, &r.Phase, &r.Field,
			&r.CaptureName, &r.Path, &r.CapturedAt, &r.EndedAt,
			&r.SampleCount, &r.BeamOnSamples, &r.MaxMagnitude,
			&r.MeanMagnitude, &approved, &suspect,
		); err != nil {
			return nil, err
		}
		r.Approved = approved != 0
		r.Suspect = suspect != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionRow is one derived treatment session as stored in the catalog.
type SessionRow struct {
	SessionKey    string
	PatientID     string
	SessionDate   string
	ThresholdMs   int64
	Profile       string
	StartUnix     float64
	EndUnix       float64
	SurfaceCount  int64
	MaxMagnitude  float64
	MeanMagnitude float64
}

// Sessions returns a patient's catalogued sessions for a profile, ordered by
// start time.
func (db *DB) Sessions(ctx context.Context, patientID, profile string) ([]SessionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_key, patient_id, session_date, threshold_ms, profile,
		       start_unix, end_unix, surface_count, max_magnitude, mean_magnitude
		FROM treatment_sessions
		WHERE patient_id = ? AND profile = ?
		ORDER BY start_unix`, patientID, profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(
			&r.SessionKey, &r.PatientID, &r.SessionDate, &r.ThresholdMs,
			&r.Profile, &r.StartUnix, &r.EndUnix, &r.SurfaceCount,
			&r.MaxMagnitude, &r.MeanMagnitude,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts SQL debugging routes for the catalog. Accessible
// only in dev mode or over a tailnet.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://catalog.db", db.DB, &tailsql.DBOptions{
		Label: "Patient Catalog",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the catalog now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("catalog-backup-%d.db", time.Now().Unix())
		path := filepath.Join(os.TempDir(), name)
		if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
			http.Error(w, fmt.Sprintf("failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(path); err != nil {
				log.Printf("failed to remove backup file: %v", err)
			}
		}()

		f, err := os.Open(path)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, f); err != nil {
			log.Printf("failed to send backup: %v", err)
		}
	}))
}

func summarize(s *sgrt.Surface) (maxMag, meanMag float64, beamOn, tracked int64) {
	var sum float64
	for _, d := range s.Deltas {
		if !d.Tracked {
			continue
		}
		tracked++
		sum += d.Magnitude
		if d.Magnitude > maxMag {
			maxMag = d.Magnitude
		}
		if d.BeamOn {
			beamOn++
		}
	}
	if tracked > 0 {
		meanMag = sum / float64(tracked)
	}
	return maxMag, meanMag, beamOn, tracked
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return unix(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
