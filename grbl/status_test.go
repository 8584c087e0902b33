// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import "testing"

func TestParseStatusReportFullLine(t *testing.T) {
	line := "<Idle|MPos:1.000,2.000,-3.500|WCO:0.000,0.000,0.000|Bf:15,128|Ov:120,100,80|Pn:PXZ|FS:500,1000>"
	report, err := ParseStatusReport(line)
	if err != nil {
		t.Fatalf("ParseStatusReport: %v", err)
	}
	if report.Status.Variant != StatusIdle {
		t.Fatalf("expected Idle, got %v", report.Status.Variant)
	}
	if !report.HasMachinePos || report.MachinePos.X != 1.0 || report.MachinePos.Y != 2.0 || report.MachinePos.Z != -3.5 {
		t.Fatalf("unexpected MachinePos: %+v", report.MachinePos)
	}
	if !report.HasBuffer || report.BufAvail != 15 {
		t.Fatalf("unexpected buffer: has=%v avail=%d", report.HasBuffer, report.BufAvail)
	}
	if !report.HasOverrides || report.Overrides != (Overrides{Feed: 120, Rapid: 100, Spindle: 80}) {
		t.Fatalf("unexpected overrides: %+v", report.Overrides)
	}
	if !report.HasPins || !report.Pins.ProbeTouched || !report.Pins.LimitX || !report.Pins.LimitZ || report.Pins.LimitY {
		t.Fatalf("unexpected pins: %+v", report.Pins)
	}
	if !report.HasFeed || report.Feed != 500 || !report.HasSpindle || report.Spindle != 1000 {
		t.Fatalf("unexpected feed/spindle: feed=%v spindle=%v", report.Feed, report.Spindle)
	}
}

func TestParseStatusReportHoldSubcode(t *testing.T) {
	report, err := ParseStatusReport("<Hold:1|MPos:0.000,0.000,0.000>")
	if err != nil {
		t.Fatalf("ParseStatusReport: %v", err)
	}
	if report.Status.Variant != StatusHold || report.Status.Sub != "1" {
		t.Fatalf("expected Hold:1, got %+v", report.Status)
	}
}

func TestParseStatusReportRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"Idle|MPos:0,0,0",   // missing angle brackets
		"<Bogus|MPos:0,0,0>", // unrecognized variant
		"",
	} {
		if _, err := ParseStatusReport(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseProbeReport(t *testing.T) {
	report, err := ParseProbeReport("[PRB:1.000,2.000,-0.500:1]")
	if err != nil {
		t.Fatalf("ParseProbeReport: %v", err)
	}
	if !report.Success || report.MachinePos.X != 1 || report.MachinePos.Y != 2 || report.MachinePos.Z != -0.5 {
		t.Fatalf("unexpected probe report: %+v", report)
	}

	failed, err := ParseProbeReport("[PRB:0.000,0.000,0.000:0]")
	if err != nil {
		t.Fatalf("ParseProbeReport: %v", err)
	}
	if failed.Success {
		t.Fatalf("expected Success=false")
	}
}

func TestParseGCodeStateModalWords(t *testing.T) {
	state, err := ParseGCodeState("[GC:G0 G54 G18 G20 G91 G94 M5 M9 T0 F0 S0]")
	if err != nil {
		t.Fatalf("ParseGCodeState: %v", err)
	}
	if !state.HasDistanceMode || state.DistanceMode != Incremental {
		t.Fatalf("expected Incremental distance mode, got %+v", state)
	}
	if !state.HasUnit || state.Unit != Imperial {
		t.Fatalf("expected Imperial unit, got %+v", state)
	}
	if !state.HasPlane || state.Plane != PlaneYZ {
		t.Fatalf("expected YZ plane, got %+v", state)
	}
}

func TestParseStatusReportMissingFieldsLeaveHasFalse(t *testing.T) {
	report, err := ParseStatusReport("<Run>")
	if err != nil {
		t.Fatalf("ParseStatusReport: %v", err)
	}
	if report.HasMachinePos || report.HasWorkPos || report.HasBuffer || report.HasOverrides || report.HasPins {
		t.Fatalf("expected no optional fields set, got %+v", report)
	}
}
