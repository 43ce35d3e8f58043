package sgrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surface.report/internal/fsutil"
)

// buildPatient builds a patient whose field F1 holds one capture per start
// time, two plausible samples each.
func buildPatient(t *testing.T, starts ...string) *Patient {
	t.Helper()

	mfs := fsutil.NewMemoryFileSystem()
	writePatientDetails(mfs, "/data/P001", "P001")
	for i, stamp := range starts {
		dir := "/data/P001/S/Ph/F1/C" + string(rune('A'+i))
		writeCapture(t, mfs, dir, mustTime(t, stamp), steadyRows(2))
	}

	p, warnings, err := newTestBuilder(mfs, false).Build("/data/P001")
	require.NoError(t, err)
	require.Empty(t, warnings)
	return p
}

func reprocessUTC(t *testing.T, p *Patient, gap time.Duration) (*TreatmentCalendar, *ReprocessReport) {
	t.Helper()
	cal, report, err := NewCalendarReprocessor(gap, time.UTC).Reprocess(p)
	require.NoError(t, err)
	return cal, report
}

func TestReprocessSingleSession(t *testing.T) {
	// Three captures five minutes apart on one morning.
	p := buildPatient(t, "250106_100000", "250106_100500", "250106_101000")

	cal, report := reprocessUTC(t, p, 30*time.Minute)

	require.Empty(t, report.Skipped)
	require.Len(t, cal.Days, 1)
	require.Len(t, cal.Days[0].Sessions, 1)

	sess := cal.Days[0].Sessions[0]
	require.Equal(t, 3, sess.Count)
	require.Equal(t, mustTime(t, "250106_100000"), sess.Start)
	// Session end covers the last capture's final sample.
	require.Equal(t, mustTime(t, "250106_101000").Add(time.Second), sess.End)
}

func TestReprocessGapSplitsSessions(t *testing.T) {
	// Morning pair, then a 45 minute break, then one more capture.
	p := buildPatient(t, "250106_100000", "250106_100800", "250106_105300")

	cal, _ := reprocessUTC(t, p, 30*time.Minute)

	require.Len(t, cal.Days, 1)
	require.Len(t, cal.Days[0].Sessions, 2)
	require.Equal(t, 2, cal.Days[0].Sessions[0].Count)
	require.Equal(t, 1, cal.Days[0].Sessions[1].Count)
}

func TestReprocessGapIsBetweenConsecutiveCaptures(t *testing.T) {
	// 20 minute steps: each capture is within the gap of its predecessor even
	// though the last is an hour past the first. One session.
	p := buildPatient(t, "250106_100000", "250106_102000", "250106_104000", "250106_110000")

	cal, _ := reprocessUTC(t, p, 30*time.Minute)

	require.Len(t, cal.Days, 1)
	require.Len(t, cal.Days[0].Sessions, 1)
	require.Equal(t, 4, cal.Days[0].Sessions[0].Count)
}

func TestReprocessExactGapStartsNewSession(t *testing.T) {
	p := buildPatient(t, "250106_100000", "250106_103000")

	cal, _ := reprocessUTC(t, p, 30*time.Minute)

	require.Len(t, cal.Days[0].Sessions, 2, "a gap equal to the threshold starts a new session")
}

func TestReprocessDaysAscend(t *testing.T) {
	// Discovery order is capture-name order, not chronological; fixture names
	// put the later day first.
	p := buildPatient(t, "250108_100000", "250106_100000", "250107_100000")

	cal, _ := reprocessUTC(t, p, 30*time.Minute)

	require.Len(t, cal.Days, 3)
	for i := 1; i < len(cal.Days); i++ {
		require.True(t, cal.Days[i-1].Date.Before(cal.Days[i].Date),
			"day %d (%v) not before day %d (%v)", i-1, cal.Days[i-1].Date, i, cal.Days[i].Date)
	}
	require.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), cal.Days[0].Date)
}

func TestReprocessSharesSurfaceRecords(t *testing.T) {
	p := buildPatient(t, "250106_100000", "250106_100500")

	cal, _ := reprocessUTC(t, p, 30*time.Minute)

	// Both views resolve each ID to the same record instance.
	native := map[SurfaceID]bool{}
	for _, id := range p.Surfaces() {
		native[id] = true
	}
	calendarIDs := cal.Surfaces()
	require.Len(t, calendarIDs, len(native))
	for _, id := range calendarIDs {
		require.True(t, native[id], "calendar surface %d not in native tree", id)
		require.NotNil(t, p.Registry().Surface(id))
	}
}

func TestReprocessSkipsMissingTimestamps(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	writePatientDetails(mfs, "/data/P001", "P001")
	writeCapture(t, mfs, "/data/P001/S/Ph/F1/C1", mustTime(t, "250106_100000"), steadyRows(2))
	mfs.WriteFile("/data/P001/S/Ph/F1/C2/capture.ini", nil)
	mfs.WriteFile("/data/P001/S/Ph/F1/C2/RealTimeDeltas_nostamp.txt",
		deltasPayload(t, time.Time{}, time.Time{}, steadyRows(2)))

	p, warnings, err := newTestBuilder(mfs, false).Build("/data/P001")
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	cal, report := reprocessUTC(t, p, 30*time.Minute)

	require.Len(t, report.Skipped, 1)
	require.Equal(t, report.Skipped, cal.Skipped)
	require.Len(t, cal.Surfaces(), 1)
	// The skipped surface is still reachable natively.
	require.Len(t, p.Surfaces(), 2)
}

func TestReprocessTimezoneBucketsDays(t *testing.T) {
	// 23:30 and 00:30 UTC straddle midnight. In a UTC clinic that is two
	// days; in a UTC-5 clinic both land on the same local date.
	p := buildPatient(t, "250106_233000", "250107_003000")

	calUTC, _ := reprocessUTC(t, p, 2*time.Hour)
	require.Len(t, calUTC.Days, 2)

	ny := time.FixedZone("UTC-5", -5*3600)
	calNY, _, err := NewCalendarReprocessor(2*time.Hour, ny).Reprocess(p)
	require.NoError(t, err)
	require.Len(t, calNY.Days, 1)
}

func TestReprocessIsIdempotent(t *testing.T) {
	p := buildPatient(t, "250106_100000", "250106_104500", "250107_100000")

	cal1, _ := reprocessUTC(t, p, 30*time.Minute)
	cal2, _ := reprocessUTC(t, p, 30*time.Minute)

	require.Equal(t, len(cal1.Days), len(cal2.Days))
	for i := range cal1.Days {
		require.Equal(t, cal1.Days[i].Date, cal2.Days[i].Date)
		require.Equal(t, len(cal1.Days[i].Sessions), len(cal2.Days[i].Sessions))
		for j := range cal1.Days[i].Sessions {
			require.Equal(t, cal1.Days[i].Sessions[j].Surfaces, cal2.Days[i].Sessions[j].Surfaces)
		}
	}
	require.Same(t, cal2, p.Calendar, "latest reprocess owns the patient calendar")
}

func TestReprocessAggregates(t *testing.T) {
	p := buildPatient(t, "250106_100000")

	cal, _ := reprocessUTC(t, p, 30*time.Minute)
	sess := cal.Days[0].Sessions[0]

	// steadyRows(2) yields two tracked samples, one with the beam on.
	require.Equal(t, 1, sess.BeamOnSamples)
	require.InDelta(t, 0.1136, sess.MeanMagnitude, 0.001)
	require.Equal(t, sess.MeanMagnitude, sess.MaxMagnitude, "identical samples have mean == max")
}

func TestReprocessWithoutTreeFails(t *testing.T) {
	_, _, err := NewCalendarReprocessor(0, nil).Reprocess(&Patient{ID: "P001"})
	require.Error(t, err)
	var re *ReprocessingError
	require.ErrorAs(t, err, &re)
}
