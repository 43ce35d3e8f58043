package sgrt

import (
	"time"

	"github.com/banshee-data/surface.report/internal/fsutil"
)

// DefaultSessionGap is the default gap threshold used to split one day's
// captures into treatment sessions: captures separated by less than the gap
// belong to the same session. 30 minutes matches typical fraction spacing,
// but capture cadence varies by clinical protocol, so confirm the value
// against real device data before relying on it for interpretation.
const DefaultSessionGap = 30 * time.Minute

// Config tunes a patient database load. The zero value is usable: OS
// filesystem, RealTimeDeltas decoder, local clinic timezone, 30 minute
// session gap, lenient error handling, sequential build.
type Config struct {
	// SessionGap splits sessions; a gap at or above the threshold starts a
	// new session. Defaults to DefaultSessionGap.
	SessionGap time.Duration

	// StrictMode promotes any per-leaf parse failure to a fatal
	// patient-level failure instead of a collected warning.
	StrictMode bool

	// Timezone is the clinic timezone used to resolve capture timestamps
	// and bucket calendar days. Defaults to time.Local.
	Timezone *time.Location

	// Parallelism bounds the number of patients built concurrently.
	// Values below 2 mean sequential. Per-patient builds share no state;
	// only the final insert into the collection is serialized.
	Parallelism int

	// FS is the filesystem collaborator. Defaults to fsutil.OSFileSystem.
	FS fsutil.FileSystem

	// Decoder decodes capture payloads. Defaults to a RealTimeDeltasDecoder
	// in the configured timezone.
	Decoder Decoder
}

func (c Config) withDefaults() Config {
	if c.SessionGap <= 0 {
		c.SessionGap = DefaultSessionGap
	}
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
	if c.Decoder == nil {
		c.Decoder = &RealTimeDeltasDecoder{Location: c.Timezone}
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	return c
}
