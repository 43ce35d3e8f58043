// Package sgrt models a surface-guided radiotherapy patient database as two
// linked in-memory hierarchies: the native tree as laid out on disk
// (Patient > Site > Phase > Field > Surface) and a derived chronological view
// (Patient > TreatmentCalendar > TreatmentDay > TreatmentSession). Both views
// reference the same Surface records through a per-patient registry; surfaces
// are never copied between them.
package sgrt

import "time"

// SurfaceID indexes a Surface inside its patient's registry. Both hierarchies
// hold IDs rather than copies of the record.
type SurfaceID int

// DeltaSample is one real-time positional reading inside a capture: the
// couch-relative translations (cm) and rotations (deg) reported by the camera
// rig at a given elapsed offset from capture start.
type DeltaSample struct {
	Elapsed time.Duration

	VRT float64 // vertical, cm
	LNG float64 // longitudinal, cm
	LAT float64 // lateral, cm

	Rtn   float64 // deg
	Roll  float64 // deg
	Pitch float64 // deg

	// Magnitude is sqrt(VRT²+LNG²+LAT²), derived at decode time.
	Magnitude float64

	// BeamOn mirrors the XRayState column.
	BeamOn bool

	// Tracked is false when the device reported the not-tracking sentinel
	// (999) instead of a real measurement.
	Tracked bool
}

// Surface is a single 3D surface capture: the unit of measurement. The same
// instance is reachable from its owning Field and from any treatment session
// that includes it.
type Surface struct {
	ID   SurfaceID
	Name string // capture directory name
	Path string

	// CapturedAt is the capture start time. Zero when no usable timestamp
	// could be determined; such surfaces stay in the native tree but are
	// excluded from the calendar and reported as skipped.
	CapturedAt time.Time

	// EndedAt is CapturedAt plus the last sample's elapsed offset.
	EndedAt time.Time

	Deltas []DeltaSample

	// Details holds the raw key=value pairs from capture.ini.
	Details map[string]string

	// Approved is the device's pass flag for the capture, from capture.ini.
	Approved bool

	// Suspect marks records whose tracked deltas fall outside the physically
	// plausible range. Suspect records are kept, not rejected; rejection is
	// reserved for structurally broken input.
	Suspect bool

	// Field is the back-reference into the native hierarchy.
	Field *Field
}

// Field is a treatment field/beam arrangement within a phase. A field with
// no surfaces is valid (planned but never captured).
type Field struct {
	Name     string
	Path     string
	Phase    *Phase
	Surfaces []SurfaceID
}

// Phase is a treatment-course segment within a site.
type Phase struct {
	Name   string
	Path   string
	Site   *Site
	Fields []*Field
}

// Site is an anatomical/treatment location grouping within a patient.
type Site struct {
	Name    string
	Path    string
	Patient *Patient
	Phases  []*Phase
}

// PatientDetails carries the demographics parsed from the patient details
// file at the root of a patient directory.
type PatientDetails struct {
	PatientID  string `xml:"PatientID"`
	FirstName  string `xml:"FirstName"`
	MiddleName string `xml:"MiddleName"`
	Surname    string `xml:"Surname"`
	Sex        string `xml:"Sex"`
	DOB        string `xml:"DOB"`
	Notes      string `xml:"Notes"`
}

// Patient owns one native hierarchy and, after reprocessing, one treatment
// calendar. The native tree is built exactly once per load and is immutable
// afterwards except for the calendar back-reference.
type Patient struct {
	// ID is the lookup identifier: the PatientID from the details file when
	// present, otherwise the directory name.
	ID      string
	DirName string
	Path    string
	Details PatientDetails

	Sites []*Site

	// Calendar is attached by the reprocessing pass.
	Calendar *TreatmentCalendar

	registry *Registry
}

// Registry returns the patient's surface registry.
func (p *Patient) Registry() *Registry { return p.registry }

// Surfaces returns every surface ID reachable from the native hierarchy in
// discovery order.
func (p *Patient) Surfaces() []SurfaceID {
	var ids []SurfaceID
	for _, site := range p.Sites {
		for _, phase := range site.Phases {
			for _, field := range phase.Fields {
				ids = append(ids, field.Surfaces...)
			}
		}
	}
	return ids
}

// TreatmentCalendar organizes a patient's captures into days, ascending by
// calendar date.
type TreatmentCalendar struct {
	Patient *Patient
	Days    []*TreatmentDay

	// SessionGap is the idle threshold that produced this partitioning.
	SessionGap time.Duration

	// Skipped lists surfaces excluded from the calendar because they carry
	// no usable timestamp. They remain reachable from the native tree.
	Skipped []SurfaceID
}

// Surfaces returns every surface ID reachable from the calendar, in day then
// session then capture order.
func (c *TreatmentCalendar) Surfaces() []SurfaceID {
	var ids []SurfaceID
	for _, day := range c.Days {
		for _, s := range day.Sessions {
			ids = append(ids, s.Surfaces...)
		}
	}
	return ids
}

// TreatmentDay is one clinic-local calendar date. Dates are unique within a
// calendar; sessions partition the day's surfaces.
type TreatmentDay struct {
	// Date is midnight of the clinic-local calendar day.
	Date     time.Time
	Sessions []*TreatmentSession
}

// TreatmentSession is a contiguous group of captures judged to belong to one
// treatment fraction. It holds references into the patient registry, never
// copies, plus aggregates derived from the member samples.
type TreatmentSession struct {
	Surfaces []SurfaceID

	Start time.Time
	End   time.Time
	Count int

	// Aggregates over tracked samples of all member surfaces.
	MeanMagnitude float64
	MaxMagnitude  float64
	BeamOnSamples int
}
