// Package units handles the measurement units and clinic timezones that
// surface-capture data is expressed in. The device reports translations in
// centimetres and rotations in degrees; consumers sometimes want
// millimetres.
package units

// Supported delta length units for API output.
const (
	UnitCentimeters = "cm"
	UnitMillimeters = "mm"
)

// ConvertLength converts a device-native centimetre value to the target
// unit. Unknown units fall back to centimetres.
func ConvertLength(cm float64, targetUnit string) float64 {
	switch targetUnit {
	case UnitMillimeters:
		return cm * 10
	case UnitCentimeters:
		return cm
	default:
		return cm
	}
}

// ValidLengthUnit reports whether unit is a supported delta length unit.
func ValidLengthUnit(unit string) bool {
	return unit == UnitCentimeters || unit == UnitMillimeters
}
