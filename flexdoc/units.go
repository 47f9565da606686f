package flexdoc

// Unit conversion between millimetres and typographic points.
const (
	MmToPt = 72.0 / 25.4
	PtToMm = 25.4 / 72.0
)

// DPIToDPMM converts raster resolution from dots per inch to dots per mm.
func DPIToDPMM(dpi float64) float64 {
	if dpi <= 0 {
		return 150.0 / 25.4
	}
	return dpi / 25.4
}
