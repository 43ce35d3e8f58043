package units

import "testing"

func TestConvertLength(t *testing.T) {
	cases := []struct {
		cm   float64
		unit string
		want float64
	}{
		{1.5, UnitMillimeters, 15},
		{1.5, UnitCentimeters, 1.5},
		{1.5, "furlongs", 1.5},
	}
	for _, c := range cases {
		if got := ConvertLength(c.cm, c.unit); got != c.want {
			t.Errorf("ConvertLength(%v, %q) = %v, want %v", c.cm, c.unit, got, c.want)
		}
	}
}

func TestValidLengthUnit(t *testing.T) {
	if !ValidLengthUnit("cm") || !ValidLengthUnit("mm") {
		t.Error("cm/mm rejected")
	}
	if ValidLengthUnit("in") || ValidLengthUnit("") {
		t.Error("unsupported unit accepted")
	}
}

func TestIsTimezoneValid(t *testing.T) {
	if !IsTimezoneValid("America/New_York") {
		t.Error("real timezone rejected")
	}
	if IsTimezoneValid("Not/AZone") || IsTimezoneValid("") {
		t.Error("bogus timezone accepted")
	}
}

func TestLoadClinicLocation(t *testing.T) {
	loc, err := LoadClinicLocation("Europe/Berlin")
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("LoadClinicLocation = %v, %v", loc, err)
	}

	loc, err = LoadClinicLocation("")
	if err != nil || loc == nil {
		t.Fatalf("empty name = %v, %v, want host timezone", loc, err)
	}

	if _, err := LoadClinicLocation("Not/AZone"); err == nil {
		t.Error("bogus timezone loaded")
	}
}

func TestClinicTimezonesAllValid(t *testing.T) {
	for _, tz := range ClinicTimezones {
		if !IsTimezoneValid(tz) {
			t.Errorf("curated timezone %q not in the system database", tz)
		}
	}
}
