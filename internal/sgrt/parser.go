package sgrt

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/surface.report/internal/fsutil"
)

// captureMarker identifies a directory as a capture unit. This mirrors the
// device layout, which drops a capture.ini next to every recorded surface.
const captureMarker = "capture.ini"

// realTimeDeltasPrefix names the capture payload files,
// e.g. RealTimeDeltas_250829_101500.txt.
const realTimeDeltasPrefix = "RealTimeDeltas_"

// Deltas beyond these bounds cannot be real patient offsets (the couch does
// not move that far), so records containing them are flagged suspect.
const (
	maxPlausibleTranslationCm = 15.0
	maxPlausibleRotationDeg   = 15.0
)

// SurfaceRecordParser parses one capture unit from its backing files into a
// Surface record. File handles are scoped to the single read that produces
// the record; nothing outlives a Parse call.
type SurfaceRecordParser struct {
	fs  fsutil.FileSystem
	dec Decoder
}

// NewSurfaceRecordParser creates a parser over the given collaborators.
func NewSurfaceRecordParser(fs fsutil.FileSystem, dec Decoder) *SurfaceRecordParser {
	return &SurfaceRecordParser{fs: fs, dec: dec}
}

// IsCaptureDir reports whether dir is a capture unit (carries the device's
// capture marker file).
func IsCaptureDir(fs fsutil.FileSystem, dir string) bool {
	return fs.Exists(filepath.Join(dir, captureMarker))
}

// Parse reads the capture directory at dir and produces a Surface record.
//
// Errors wrap ErrMalformedRecord (unreadable or corrupt backing files),
// ErrIncompleteRecord (expected delta payload absent), or
// ErrMissingTimestamp. As a special case, ErrMissingTimestamp is returned
// together with a non-nil Surface: the record is structurally fine and stays
// in the native tree, it just cannot be placed on the calendar.
//
// Implausible delta values do not reject a record; they flag it Suspect.
// Rejection is reserved for structurally broken input.
func (p *SurfaceRecordParser) Parse(dir string) (*Surface, error) {
	entries, err := p.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list capture %s: %v: %w", dir, err, ErrMalformedRecord)
	}

	s := &Surface{
		Name:    filepath.Base(dir),
		Path:    dir,
		Details: map[string]string{},
	}

	if data, err := p.fs.ReadFile(filepath.Join(dir, captureMarker)); err == nil {
		s.Details = parseINI(data)
	}
	s.Approved = strings.EqualFold(s.Details["IsApproved"], "true")

	payload := ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, realTimeDeltasPrefix) || !strings.HasSuffix(name, ".txt") {
			continue
		}
		// Listing order is not guaranteed; keep the lexicographically first
		// payload so repeated loads see the same record.
		if payload == "" || name < payload {
			payload = name
		}
	}
	if payload == "" {
		return nil, fmt.Errorf("capture %s has no %s*.txt payload: %w", dir, realTimeDeltasPrefix, ErrIncompleteRecord)
	}

	data, err := p.fs.ReadFile(filepath.Join(dir, payload))
	if err != nil {
		return nil, fmt.Errorf("cannot read payload %s: %v: %w", payload, err, ErrMalformedRecord)
	}

	dc, err := p.dec.Decode(data)
	if err != nil {
		if errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrIncompleteRecord) {
			return nil, fmt.Errorf("capture %s: %w", dir, err)
		}
		// Foreign decoder errors count as structural failures.
		return nil, fmt.Errorf("capture %s: %v: %w", dir, err, ErrMalformedRecord)
	}

	s.Deltas = dc.Deltas
	for k, v := range dc.Header {
		if _, exists := s.Details[k]; !exists {
			s.Details[k] = v
		}
	}

	s.CapturedAt = dc.Start
	if s.CapturedAt.IsZero() {
		s.CapturedAt = timestampFromPayloadName(payload, p.decoderLocation())
	}
	s.Suspect = anyImplausible(s.Deltas)

	if s.CapturedAt.IsZero() {
		// Keep the record; the calendar pass will skip and report it.
		return s, fmt.Errorf("capture %s: %w", dir, ErrMissingTimestamp)
	}

	s.EndedAt = s.CapturedAt
	if n := len(s.Deltas); n > 0 {
		s.EndedAt = s.CapturedAt.Add(s.Deltas[n-1].Elapsed)
	}
	if dc.End.After(s.EndedAt) {
		s.EndedAt = dc.End
	}

	return s, nil
}

func (p *SurfaceRecordParser) decoderLocation() *time.Location {
	if d, ok := p.dec.(*RealTimeDeltasDecoder); ok && d.Location != nil {
		return d.Location
	}
	return time.Local
}

// timestampFromPayloadName recovers the capture time from the payload
// filename convention when the header start time is unusable.
func timestampFromPayloadName(name string, loc *time.Location) time.Time {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, realTimeDeltasPrefix), ".txt")
	t, err := time.ParseInLocation(realTimeDeltasTimeLayout, stamp, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func anyImplausible(deltas []DeltaSample) bool {
	outOfRange := func(v, limit float64) bool {
		return v > limit || v < -limit
	}
	for _, d := range deltas {
		if !d.Tracked {
			continue
		}
		if outOfRange(d.VRT, maxPlausibleTranslationCm) ||
			outOfRange(d.LNG, maxPlausibleTranslationCm) ||
			outOfRange(d.LAT, maxPlausibleTranslationCm) ||
			outOfRange(d.Rtn, maxPlausibleRotationDeg) ||
			outOfRange(d.Roll, maxPlausibleRotationDeg) ||
			outOfRange(d.Pitch, maxPlausibleRotationDeg) {
			return true
		}
	}
	return false
}

// parseINI reads the device's loose key=value format. Lines without a value
// map to the empty string, matching how the device writes bare flags.
func parseINI(data []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			out[strings.TrimSpace(line)] = ""
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
