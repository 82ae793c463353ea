package models

import "testing"

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Demo-Lib", "demo-lib"},
		{"demo_lib", "demo-lib"},
		{"demo.lib", "demo-lib"},
		{"Demo__Lib..Extra", "demo-lib-extra"},
		{"  spaced  ", "spaced"},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCoordinateEquality(t *testing.T) {
	a := NewCoordinate("Demo_Lib", "1.2.3", "Extra-One", "extra.two")
	b := NewCoordinate("demo-lib", "1.2.3", "extra-two", "extra-one")
	if !a.Equal(b) {
		t.Errorf("normalized coordinates should be equal: %v vs %v", a, b)
	}

	c := NewCoordinate("demo-lib", "1.2.4")
	if a.Equal(c) {
		t.Error("different versions must not be equal")
	}
}

func TestParseWheelFilename(t *testing.T) {
	id, err := ParseWheelFilename("demo_lib-1.2.3-cp311-cp311-manylinux_2_17_x86_64.whl")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if id.Name != "demo-lib" || id.Version != "1.2.3" {
		t.Errorf("unexpected coordinate: %s==%s", id.Name, id.Version)
	}
	if id.PythonTag != "cp311" || id.ABITag != "cp311" || id.PlatformTag != "manylinux_2_17_x86_64" {
		t.Errorf("unexpected tags: %s/%s/%s", id.PythonTag, id.ABITag, id.PlatformTag)
	}

	if _, err := ParseWheelFilename("not-a-wheel.tar.gz"); err == nil {
		t.Error("expected error for non-wheel filename")
	}
}

func TestWheelFilenameRoundTrip(t *testing.T) {
	id := WheelIdentity{
		Name:        "demo-lib",
		Version:     "1.2.3",
		PythonTag:   "py3",
		ABITag:      "none",
		PlatformTag: "any",
	}
	parsed, err := ParseWheelFilename(id.Filename())
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if parsed.Name != id.Name || parsed.Version != id.Version || parsed.PlatformTag != id.PlatformTag {
		t.Errorf("round trip changed identity: %+v vs %+v", parsed, id)
	}
}

func TestSortWheelsStable(t *testing.T) {
	wheels := []WheelIdentity{
		{Name: "zeta", Version: "1.0", PlatformTag: "any"},
		{Name: "alpha", Version: "2.0", PlatformTag: "linux"},
		{Name: "alpha", Version: "2.0", PlatformTag: "any"},
		{Name: "alpha", Version: "1.0", PlatformTag: "any"},
	}
	SortWheels(wheels)

	want := []string{"alpha/1.0/any", "alpha/2.0/any", "alpha/2.0/linux", "zeta/1.0/any"}
	for i, w := range wheels {
		got := w.Name + "/" + w.Version + "/" + w.PlatformTag
		if got != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got, want[i])
		}
	}
}

func TestSeverityFromCVSS(t *testing.T) {
	cases := []struct {
		score float64
		want  VulnSeverity
	}{
		{9.8, VulnSeverityCritical},
		{9.0, VulnSeverityCritical},
		{8.9, VulnSeverityHigh},
		{7.0, VulnSeverityHigh},
		{4.0, VulnSeverityMedium},
		{0.1, VulnSeverityLow},
		{0, VulnSeverityNone},
	}
	for _, tc := range cases {
		if got := SeverityFromCVSS(tc.score); got != tc.want {
			t.Errorf("SeverityFromCVSS(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestSeverityAtLeastBoundary(t *testing.T) {
	// severity exactly at the threshold is included (>=, not >)
	if !VulnSeverityHigh.AtLeast(VulnSeverityHigh) {
		t.Error("severity at the boundary must be included")
	}
	if VulnSeverityMedium.AtLeast(VulnSeverityHigh) {
		t.Error("medium must not reach a high threshold")
	}
}
