package sgrt

import (
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DecodedCapture is the device-neutral result of decoding one capture
// payload: the capture window, the raw header fields, and the delta samples.
type DecodedCapture struct {
	// Start is zero when the payload header carries no usable start time.
	Start time.Time
	End   time.Time

	Header map[string]string
	Deltas []DeltaSample
}

// Decoder turns a capture payload into a DecodedCapture. Device-specific
// binary/text decoding lives behind this interface so the record parser
// never touches wire formats directly.
type Decoder interface {
	Decode(data []byte) (DecodedCapture, error)
}

// notTrackedSentinel is the delta value the device writes when the camera
// rig has lost the patient surface.
const notTrackedSentinel = 999.0

// realTimeDeltasHeaderLen is the fixed number of header lines before the
// column row in a RealTimeDeltas record.
const realTimeDeltasHeaderLen = 11

// realTimeDeltasTimeLayout matches the Start Time / End Time header values,
// e.g. "250829_101500".
const realTimeDeltasTimeLayout = "060102_150405"

// RealTimeDeltasDecoder decodes the device's RealTimeDeltas_DATE_TIME.txt
// monitoring records: an 11-line "Key:, Value" header followed by a CSV body
// whose columns carry elapsed seconds, translations in cm, rotations in deg
// and the beam state.
type RealTimeDeltasDecoder struct {
	// Location resolves the header timestamps, which are written in clinic
	// wall-clock time. Defaults to time.Local.
	Location *time.Location
}

// Decode parses a RealTimeDeltas record. Structural problems (truncated
// header, unreadable body) wrap ErrMalformedRecord; a body without the
// required delta columns wraps ErrIncompleteRecord. A parseable record with
// no start time is returned with a zero Start and no error; timestamp policy
// belongs to the caller.
func (d *RealTimeDeltasDecoder) Decode(data []byte) (DecodedCapture, error) {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}

	// Devices occasionally pad header values with NULs.
	text := strings.ReplaceAll(string(data), "\x00", "")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) <= realTimeDeltasHeaderLen {
		return DecodedCapture{}, fmt.Errorf("payload has %d lines, want a %d-line header plus body: %w",
			len(lines), realTimeDeltasHeaderLen, ErrMalformedRecord)
	}

	dc := DecodedCapture{Header: make(map[string]string)}
	for _, line := range lines[:realTimeDeltasHeaderLen] {
		key, value, ok := strings.Cut(line, ":,")
		if !ok {
			dc.Header[strings.TrimSpace(line)] = ""
			continue
		}
		dc.Header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	if v := dc.Header["Start Time"]; v != "" {
		if t, err := time.ParseInLocation(realTimeDeltasTimeLayout, v, loc); err == nil {
			dc.Start = t
		}
	}
	if v := dc.Header["End Time"]; v != "" {
		if t, err := time.ParseInLocation(realTimeDeltasTimeLayout, v, loc); err == nil {
			dc.End = t
		}
	}

	body := strings.Join(lines[realTimeDeltasHeaderLen:], "\n")
	r := csv.NewReader(strings.NewReader(body))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return DecodedCapture{}, fmt.Errorf("delta body unreadable: %w", ErrMalformedRecord)
	}
	if len(rows) == 0 {
		return DecodedCapture{}, fmt.Errorf("delta body empty: %w", ErrIncompleteRecord)
	}

	col := make(map[string]int)
	for i, name := range rows[0] {
		col[strings.TrimSpace(name)] = i
	}
	// Rotations are optional (older firmware); elapsed time and the three
	// translations are not.
	required := []string{"Elapsed Time (sec)", "D.VRT (cm)", "D.LNG (cm)", "D.LAT (cm)"}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return DecodedCapture{}, fmt.Errorf("delta column %q absent: %w", name, ErrIncompleteRecord)
		}
	}

	field := func(row []string, name string) (float64, bool) {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	for _, row := range rows[1:] {
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		elapsed, ok := field(row, "Elapsed Time (sec)")
		if !ok {
			return DecodedCapture{}, fmt.Errorf("unparseable delta row: %w", ErrMalformedRecord)
		}
		vrt, okV := field(row, "D.VRT (cm)")
		lng, okG := field(row, "D.LNG (cm)")
		lat, okL := field(row, "D.LAT (cm)")
		if !okV || !okG || !okL {
			return DecodedCapture{}, fmt.Errorf("delta row missing translation values: %w", ErrIncompleteRecord)
		}

		s := DeltaSample{
			Elapsed: time.Duration(elapsed * float64(time.Second)),
			VRT:     vrt,
			LNG:     lng,
			LAT:     lat,
			Tracked: vrt != notTrackedSentinel && lng != notTrackedSentinel && lat != notTrackedSentinel,
		}
		s.Rtn, _ = field(row, "D.Rtn (deg)")
		s.Roll, _ = field(row, "D.Roll (deg)")
		s.Pitch, _ = field(row, "D.Pitch (deg)")
		if beam, ok := field(row, "XRayState"); ok {
			s.BeamOn = beam == 1
		}
		s.Magnitude = math.Sqrt(vrt*vrt + lng*lng + lat*lat)

		dc.Deltas = append(dc.Deltas, s)
	}

	if len(dc.Deltas) == 0 {
		return DecodedCapture{}, fmt.Errorf("record has a header but no delta samples: %w", ErrIncompleteRecord)
	}

	return dc, nil
}
