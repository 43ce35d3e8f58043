package units

import (
	"fmt"
	"time"
)

// ClinicTimezones is a curated list of zones commonly configured on
// treatment machines, used to populate configuration pickers. Validation is
// against the system tz database, not this list.
var ClinicTimezones = []string{
	"Pacific/Honolulu",
	"America/Anchorage",
	"America/Los_Angeles",
	"America/Denver",
	"America/Phoenix",
	"America/Chicago",
	"America/New_York",
	"America/Sao_Paulo",
	"UTC",
	"Europe/Dublin",
	"Europe/Berlin",
	"Europe/Athens",
	"Africa/Johannesburg",
	"Asia/Dubai",
	"Asia/Kolkata",
	"Asia/Bangkok",
	"Asia/Singapore",
	"Asia/Seoul",
	"Australia/Adelaide",
	"Australia/Sydney",
	"Pacific/Auckland",
}

// IsTimezoneValid checks the given timezone against the system tz database.
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// LoadClinicLocation resolves a clinic timezone name. An empty name means
// the host timezone, matching how the device stamps its records.
func LoadClinicLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid clinic timezone %q: %w", tz, err)
	}
	return loc, nil
}
