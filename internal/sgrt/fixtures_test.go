package sgrt

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/surface.report/internal/fsutil"
)

// Test fixtures model a small patient database export in memory, matching
// the on-disk layout the device produces:
//
//	root/
//	  PatientDir/
//	    Patient Details.vpax
//	    Site/Phase/Field/Capture/
//	      capture.ini
//	      RealTimeDeltas_YYMMDD_HHMMSS.txt

type deltaRow struct {
	elapsed float64
	vrt     float64
	lng     float64
	lat     float64
	rtn     float64
	roll    float64
	pitch   float64
	beamOn  bool
}

// steadyRows produces n plausible tracked samples one second apart.
func steadyRows(n int) []deltaRow {
	rows := make([]deltaRow, n)
	for i := range rows {
		rows[i] = deltaRow{
			elapsed: float64(i),
			vrt:     0.1,
			lng:     -0.05,
			lat:     0.02,
			rtn:     0.3,
			roll:    -0.1,
			pitch:   0.0,
			beamOn:  i%2 == 0,
		}
	}
	return rows
}

func deltasPayload(t *testing.T, start, end time.Time, rows []deltaRow) []byte {
	t.Helper()

	var b strings.Builder
	startStamp, endStamp := "", ""
	if !start.IsZero() {
		startStamp = start.Format(realTimeDeltasTimeLayout)
	}
	if !end.IsZero() {
		endStamp = end.Format(realTimeDeltasTimeLayout)
	}
	header := []string{
		"Patient ID:, P001",
		"Treatment Site:, Site1",
		"Phase:, Phase1",
		"Field:, F1",
		"Operator:, tech01",
		"Software Version:, 5.1.2",
		"Start Time:, " + startStamp,
		"End Time:, " + endStamp,
		"Couch Angle:, 0.0",
		"Tolerance (mm):, 3.0",
		"Threshold:, default",
	}
	for _, line := range header {
		b.WriteString(line + "\r\n")
	}
	b.WriteString(" Elapsed Time (sec), D.VRT (cm), D.LNG (cm), D.LAT (cm), D.Rtn (deg), D.Roll (deg), D.Pitch (deg), XRayState\r\n")
	for _, r := range rows {
		beam := 0
		if r.beamOn {
			beam = 1
		}
		fmt.Fprintf(&b, " %.3f, %.4f, %.4f, %.4f, %.4f, %.4f, %.4f, %d\r\n",
			r.elapsed, r.vrt, r.lng, r.lat, r.rtn, r.roll, r.pitch, beam)
	}
	return []byte(b.String())
}

// writeCapture materializes one capture unit under dir with a payload named
// after start, mirroring the device convention.
func writeCapture(t *testing.T, mfs *fsutil.MemoryFileSystem, dir string, start time.Time, rows []deltaRow) {
	t.Helper()

	end := start
	if n := len(rows); n > 0 && !start.IsZero() {
		end = start.Add(time.Duration(rows[n-1].elapsed * float64(time.Second)))
	}
	mfs.WriteFile(filepath.Join(dir, "capture.ini"), []byte("IsApproved=true\nCaptureMode=Standard\n"))
	name := "RealTimeDeltas_" + start.Format(realTimeDeltasTimeLayout) + ".txt"
	mfs.WriteFile(filepath.Join(dir, name), deltasPayload(t, start, end, rows))
}

func writePatientDetails(mfs *fsutil.MemoryFileSystem, patientDir, patientID string) {
	xml := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<PatientDetails>
  <PatientID>%s</PatientID>
  <FirstName>Test</FirstName>
  <Surname>Patient</Surname>
  <Sex>F</Sex>
  <DOB>1970-01-01</DOB>
</PatientDetails>`, patientID)
	mfs.WriteFile(filepath.Join(patientDir, "Patient Details.vpax"), []byte(xml))
}

// writeSimplePatient creates one patient with a single capture chain and
// returns the capture path.
func writeSimplePatient(t *testing.T, mfs *fsutil.MemoryFileSystem, root, dirName, patientID string, start time.Time) string {
	t.Helper()

	patientDir := filepath.Join(root, dirName)
	writePatientDetails(mfs, patientDir, patientID)
	capture := filepath.Join(patientDir, "Site1", "Phase1", "F1", "Capture1")
	writeCapture(t, mfs, capture, start, steadyRows(3))
	return capture
}

func utcDecoder() *RealTimeDeltasDecoder {
	return &RealTimeDeltasDecoder{Location: time.UTC}
}

func utcConfig(mfs *fsutil.MemoryFileSystem) Config {
	return Config{
		FS:       mfs,
		Decoder:  utcDecoder(),
		Timezone: time.UTC,
	}
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation(realTimeDeltasTimeLayout, value, time.UTC)
	if err != nil {
		t.Fatalf("bad fixture time %q: %v", value, err)
	}
	return tm
}
