package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// loaderProfile tags sessions written by SavePatient straight from the
// in-memory calendar, as opposed to sessions re-derived by a SessionWorker.
const loaderProfile = "loader"

// SessionKey returns a stable identifier for a session. The end time is
// intentionally excluded so the key survives a session growing when later
// captures are catalogued.
func SessionKey(patientID string, start time.Time, thresholdMs int64, profile string) string {
	raw := fmt.Sprintf("%s|%d|%d|%s", patientID, start.Unix(), thresholdMs, profile)
	sum := sha1.Sum([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// SessionWorker re-derives treatment sessions from catalogued surface rows
// using a time-gap threshold, without touching the source export. Each
// (threshold, profile) pair owns its own set of session rows, so sessions at
// several thresholds can coexist for comparison.
//
// Sessions are partitioned purely by gap, never split at midnight; a session
// spanning midnight keeps the clinic-local date of its start.
type SessionWorker struct {
	DB        *DB
	Threshold time.Duration
	Profile   string

	// Location is the clinic timezone used to stamp session dates.
	// Defaults to the host timezone.
	Location *time.Location
}

func NewSessionWorker(db *DB, threshold time.Duration, profile string, loc *time.Location) *SessionWorker {
	return &SessionWorker{
		DB:        db,
		Threshold: threshold,
		Profile:   profile,
		Location:  loc,
	}
}

func (w *SessionWorker) location() *time.Location {
	if w.Location != nil {
		return w.Location
	}
	return time.Local
}

// RunAll re-sessionizes every patient present in the surfaces table.
func (w *SessionWorker) RunAll(ctx context.Context) error {
	rows, err := w.DB.QueryContext(ctx, `SELECT DISTINCT patient_id FROM surfaces ORDER BY patient_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := w.RunPatient(ctx, id); err != nil {
			return fmt.Errorf("failed to re-sessionize patient %s: %w", id, err)
		}
	}
	return nil
}

// RunPatient rebuilds one patient's sessions for the worker's profile.
// Surfaces without a capture timestamp cannot be placed and are skipped.
func (w *SessionWorker) RunPatient(ctx context.Context, patientID string) error {
	tx, err := w.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	// Previous sessions for this profile are replaced wholesale. A patient's
	// row set is small, so a full rebuild is simpler than window overlap
	// bookkeeping.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM session_links
		WHERE patient_id = ? AND session_key IN (
			SELECT session_key FROM treatment_sessions
			WHERE patient_id = ? AND profile = ?
		)`, patientID, patientID, w.Profile); err != nil {
		return fmt.Errorf("failed to delete previous session links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM treatment_sessions
		WHERE patient_id = ? AND profile = ?`, patientID, w.Profile); err != nil {
		return fmt.Errorf("failed to delete previous sessions: %w", err)
	}

	q := `
		SELECT surface_id, captured_at_unix, ended_at_unix,
		       max_magnitude, mean_magnitude, sample_count
		FROM surfaces
		WHERE patient_id = ? AND captured_at_unix IS NOT NULL
		ORDER BY captured_at_unix, surface_id
	`
	rows, err := tx.QueryContext(ctx, q, patientID)
	if err != nil {
		return err
	}
	defer rows.Close()

	type surfacePoint struct {
		SurfaceID int64
		Start     float64
		End       sql.NullFloat64
		MaxMag    float64
		MeanMag   float64
		Samples   int64
	}

	var points []surfacePoint
	for rows.Next() {
		var p surfacePoint
		if err := rows.Scan(&p.SurfaceID, &p.Start, &p.End, &p.MaxMag, &p.MeanMag, &p.Samples); err != nil {
			return err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	type session struct {
		Start   float64
		End     float64
		MaxMag  float64
		MeanSum float64
		Samples int64
		IDs     []int64
	}

	// Gap is measured between consecutive capture starts, matching the
	// in-memory calendar rule.
	gap := w.Threshold.Seconds()
	var sessions []session
	var prevStart float64
	for i, p := range points {
		end := p.Start
		if p.End.Valid && p.End.Float64 > end {
			end = p.End.Float64
		}
		if i == 0 || p.Start-prevStart >= gap {
			sessions = append(sessions, session{Start: p.Start, End: end})
		}
		prevStart = p.Start
		s := &sessions[len(sessions)-1]
		if end > s.End {
			s.End = end
		}
		if p.MaxMag > s.MaxMag {
			s.MaxMag = p.MaxMag
		}
		s.MeanSum += p.MeanMag * float64(p.Samples)
		s.Samples += p.Samples
		s.IDs = append(s.IDs, p.SurfaceID)
	}

	sessStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO treatment_sessions (
			session_key, patient_id, session_date, threshold_ms, profile,
			start_unix, end_unix, surface_count, max_magnitude, mean_magnitude,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'), UNIXEPOCH('subsec'))
		ON CONFLICT(session_key) DO UPDATE SET
			end_unix = excluded.end_unix,
			surface_count = excluded.surface_count,
			max_magnitude = excluded.max_magnitude,
			mean_magnitude = excluded.mean_magnitude,
			updated_at = UNIXEPOCH('subsec')`)
	if err != nil {
		return err
	}
	defer sessStmt.Close()

	linkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_links (session_key, patient_id, surface_id)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key, surface_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer linkStmt.Close()

	thresholdMs := w.Threshold.Milliseconds()
	for _, s := range sessions {
		start := time.Unix(int64(s.Start), 0).In(w.location())
		key := SessionKey(patientID, start, thresholdMs, w.Profile)
		meanMag := 0.0
		if s.Samples > 0 {
			meanMag = s.MeanSum / float64(s.Samples)
		}
		if _, err := sessStmt.ExecContext(ctx,
			key, patientID, start.Format("2006-01-02"), thresholdMs, w.Profile,
			s.Start, s.End, len(s.IDs), s.MaxMag, meanMag,
		); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", key, err)
		}
		for _, id := range s.IDs {
			if _, err := linkStmt.ExecContext(ctx, key, patientID, id); err != nil {
				return fmt.Errorf("failed to link surface %d: %w", id, err)
			}
		}
	}

	return tx.Commit()
}
