// Package sgrttest provides in-memory patient database fixtures for tests
// outside the sgrt package. The layout matches what the device writes:
// a details file at the patient root and capture units at the bottom of the
// Site/Phase/Field nesting.
package sgrttest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/surface.report/internal/fsutil"
)

const stampLayout = "060102_150405"

// DeltasPayload renders a RealTimeDeltas record with n plausible tracked
// samples one second apart. Every other sample has the beam on.
func DeltasPayload(start time.Time, n int) []byte {
	end := start
	if n > 0 && !start.IsZero() {
		end = start.Add(time.Duration(n-1) * time.Second)
	}
	startStamp, endStamp := "", ""
	if !start.IsZero() {
		startStamp = start.Format(stampLayout)
		endStamp = end.Format(stampLayout)
	}

	var b strings.Builder
	header := []string{
		"Patient ID:, FIXTURE",
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
	for i := 0; i < n; i++ {
		beam := 0
		if i%2 == 0 {
			beam = 1
		}
		fmt.Fprintf(&b, " %d.000, 0.1000, -0.0500, 0.0200, 0.3000, -0.1000, 0.0000, %d\r\n", i, beam)
	}
	return []byte(b.String())
}

// WriteCapture materializes one capture unit with samples samples.
func WriteCapture(mfs *fsutil.MemoryFileSystem, dir string, start time.Time, samples int) {
	mfs.WriteFile(filepath.Join(dir, "capture.ini"), []byte("IsApproved=true\n"))
	name := "RealTimeDeltas_" + start.Format(stampLayout) + ".txt"
	mfs.WriteFile(filepath.Join(dir, name), DeltasPayload(start, samples))
}

// WritePatient materializes a patient directory with one capture per start
// time, all under Site1/Phase1/F1, and returns the patient path.
func WritePatient(mfs *fsutil.MemoryFileSystem, root, dirName, patientID string, starts ...time.Time) string {
	patientDir := filepath.Join(root, dirName)
	xml := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<PatientDetails>
  <PatientID>%s</PatientID>
  <FirstName>Test</FirstName>
  <Surname>Patient</Surname>
</PatientDetails>`, patientID)
	mfs.WriteFile(filepath.Join(patientDir, "Patient Details.vpax"), []byte(xml))

	for i, start := range starts {
		dir := filepath.Join(patientDir, "Site1", "Phase1", "F1", fmt.Sprintf("Capture%02d", i+1))
		WriteCapture(mfs, dir, start, 3)
	}
	return patientDir
}

// Stamp parses a fixture timestamp in the device's YYMMDD_HHMMSS layout as
// UTC. Panics on bad input; fixture times are literals.
func Stamp(value string) time.Time {
	t, err := time.ParseInLocation(stampLayout, value, time.UTC)
	if err != nil {
		panic(fmt.Sprintf("bad fixture time %q: %v", value, err))
	}
	return t
}
