package flexdoc

import (
	"math"
	"testing"
)

func TestUnitConversionRoundTrip(t *testing.T) {
	if got := 10.0 * MmToPt * PtToMm; math.Abs(got-10.0) > 1e-9 {
		t.Fatalf("mm->pt->mm = %g, want 10", got)
	}
}

func TestDPIToDPMM(t *testing.T) {
	if got := DPIToDPMM(254); math.Abs(got-10.0) > 1e-9 {
		t.Fatalf("254 dpi = %g dots/mm, want 10", got)
	}
	if got := DPIToDPMM(0); math.Abs(got-150.0/25.4) > 1e-9 {
		t.Fatalf("zero dpi should use the 150 dpi default, got %g", got)
	}
	if got := DPIToDPMM(-3); math.Abs(got-150.0/25.4) > 1e-9 {
		t.Fatalf("negative dpi should use the 150 dpi default, got %g", got)
	}
}
