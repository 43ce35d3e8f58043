package sgrt

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ReprocessReport lists the per-surface exclusions from one calendar pass.
// Skipped surfaces lack a usable timestamp; they remain in the native tree
// and are reported, never fatal.
type ReprocessReport struct {
	PatientID string
	Skipped   []SurfaceID
}

// CalendarReprocessor consumes a fully built native hierarchy and produces
// the chronological view. It re-reads nothing from disk: it walks the same
// Surface records the tree builder registered and groups them by clinic
// calendar date, then by session gap.
//
// Given identical surface timestamps and threshold, the output partitioning
// is deterministic and stable across runs.
type CalendarReprocessor struct {
	gap time.Duration
	loc *time.Location
}

// NewCalendarReprocessor creates a reprocessor with the given session-gap
// threshold and clinic timezone.
func NewCalendarReprocessor(gap time.Duration, loc *time.Location) *CalendarReprocessor {
	if gap <= 0 {
		gap = DefaultSessionGap
	}
	if loc == nil {
		loc = time.Local
	}
	return &CalendarReprocessor{gap: gap, loc: loc}
}

// Reprocess builds a TreatmentCalendar covering every timestamped surface
// reachable from the patient's native hierarchy and attaches it to the
// patient. Surfaces without timestamps are excluded and listed in the
// report.
func (r *CalendarReprocessor) Reprocess(p *Patient) (*TreatmentCalendar, *ReprocessReport, error) {
	if p == nil || p.registry == nil {
		return nil, nil, &ReprocessingError{Reason: "native hierarchy not built"}
	}

	report := &ReprocessReport{PatientID: p.ID}
	cal := &TreatmentCalendar{Patient: p, SessionGap: r.gap}

	// Pass 1: flatten the native tree into one sequence.
	var surfaces []*Surface
	for _, id := range p.Surfaces() {
		s := p.registry.Surface(id)
		if s == nil {
			return nil, nil, &ReprocessingError{PatientID: p.ID, Reason: "surface reference not in registry"}
		}
		if s.CapturedAt.IsZero() {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		surfaces = append(surfaces, s)
	}

	// Chronological order regardless of native-tree discovery order, with
	// the registry ID as tiebreak so equal timestamps partition stably.
	sort.SliceStable(surfaces, func(i, j int) bool {
		if surfaces[i].CapturedAt.Equal(surfaces[j].CapturedAt) {
			return surfaces[i].ID < surfaces[j].ID
		}
		return surfaces[i].CapturedAt.Before(surfaces[j].CapturedAt)
	})

	// Pass 2: one TreatmentDay per distinct clinic-local date. The surfaces
	// are globally sorted, so days emerge in ascending date order.
	var day *TreatmentDay
	var session *TreatmentSession
	for _, s := range surfaces {
		local := s.CapturedAt.In(r.loc)
		date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)

		if day == nil || !day.Date.Equal(date) {
			day = &TreatmentDay{Date: date}
			cal.Days = append(cal.Days, day)
			session = nil
		}

		// Pass 3: a gap at or above the threshold starts a new session.
		if session == nil || s.CapturedAt.Sub(lastCaptureTime(session, p)) >= r.gap {
			session = &TreatmentSession{Start: s.CapturedAt}
			day.Sessions = append(day.Sessions, session)
		}

		session.Surfaces = append(session.Surfaces, s.ID)
		session.Count = len(session.Surfaces)
		if end := surfaceEnd(s); end.After(session.End) {
			session.End = end
		}
	}

	for _, d := range cal.Days {
		for _, sess := range d.Sessions {
			r.aggregate(p, sess)
		}
	}

	cal.Skipped = report.Skipped
	p.Calendar = cal
	return cal, report, nil
}

func lastCaptureTime(session *TreatmentSession, p *Patient) time.Time {
	last := session.Surfaces[len(session.Surfaces)-1]
	return p.registry.Surface(last).CapturedAt
}

func surfaceEnd(s *Surface) time.Time {
	if !s.EndedAt.IsZero() {
		return s.EndedAt
	}
	return s.CapturedAt
}

// aggregate derives the session summary from the tracked samples of its
// member surfaces.
func (r *CalendarReprocessor) aggregate(p *Patient, session *TreatmentSession) {
	var mags []float64
	for _, id := range session.Surfaces {
		s := p.registry.Surface(id)
		for _, d := range s.Deltas {
			if !d.Tracked {
				continue
			}
			mags = append(mags, d.Magnitude)
			if d.BeamOn {
				session.BeamOnSamples++
			}
		}
	}
	if len(mags) == 0 {
		return
	}
	session.MeanMagnitude = stat.Mean(mags, nil)
	for _, m := range mags {
		if m > session.MaxMagnitude {
			session.MaxMagnitude = m
		}
	}
}
