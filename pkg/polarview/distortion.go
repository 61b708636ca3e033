package polarview

import (
	"fmt"
	"math"

	"polarproj/internal/models"
	"polarproj/pkg/instrument"
	"polarproj/pkg/polargrid"
)

// TthDistortion supplies a two theta displacement field: how far, in
// radians, the apparent scattering angle of each pixel is shifted by
// sample or pinhole geometry. The polar image is unwarped by this
// field along the two theta axis, row by row.
type TthDistortion interface {
	// Signature identifies the distortion parameters for caching the
	// displacement field.
	Signature() string

	// HasPolarField reports whether the displacement is defined
	// directly on the polar grid. If false, PanelField supplies
	// per-detector fields that are warped to polar like an intensity
	// correction.
	HasPolarField() bool

	// PolarField returns the displacement per polar grid pixel.
	PolarField(grid *polargrid.Grid) []float64

	// PanelField returns the displacement per detector pixel.
	PanelField(p instrument.Panel, beamVec, tvecS instrument.Vec3) *models.Image
}

// ScaledTthDistortion stretches the two theta axis by a constant
// factor. It is defined directly in polar space.
type ScaledTthDistortion struct {
	Scale float64
}

func (d *ScaledTthDistortion) Signature() string {
	return fmt.Sprintf("scaled:%.17g", d.Scale)
}

func (d *ScaledTthDistortion) HasPolarField() bool { return true }

func (d *ScaledTthDistortion) PolarField(grid *polargrid.Grid) []float64 {
	_, tthGrid := grid.AngularGrid()
	field := make([]float64, len(tthGrid))
	for i, tth := range tthGrid {
		field[i] = (d.Scale - 1) * tth
	}
	return field
}

func (d *ScaledTthDistortion) PanelField(instrument.Panel, instrument.Vec3, instrument.Vec3) *models.Image {
	return nil
}

// SampleLayerDistortion models diffraction from a layer standing off
// the nominal sample plane along the beam: the apparent scattering
// angle of each pixel shifts by an amount that depends on its distance
// from the sample. The field is computed per detector pixel and warped
// to polar.
type SampleLayerDistortion struct {
	// Standoff is the layer offset along the beam, in the same length
	// unit as the panel geometry
	Standoff float64
}

func (d *SampleLayerDistortion) Signature() string {
	return fmt.Sprintf("sample_layer:%.17g", d.Standoff)
}

func (d *SampleLayerDistortion) HasPolarField() bool { return false }

func (d *SampleLayerDistortion) PolarField(*polargrid.Grid) []float64 { return nil }

func (d *SampleLayerDistortion) PanelField(p instrument.Panel, beamVec, tvecS instrument.Vec3) *models.Image {
	return instrument.SampleLayerShift(p, beamVec, tvecS, d.Standoff)
}

// applyTthDistortion unwarps the polar image by the displacement
// field: each output pixel samples the input row at the column of its
// distorted two theta. Samples past either end of the row extend the
// edge value. Rows are independent; eta never changes.
func applyTthDistortion(img []float64, field []float64, grid *polargrid.Grid) []float64 {
	neta, ntth := grid.Shape()
	_, tthGrid := grid.AngularGrid()

	out := make([]float64, len(img))
	for r := 0; r < neta; r++ {
		base := r * ntth
		for c := 0; c < ntth; c++ {
			i := base + c
			shift := field[i]
			if math.IsNaN(shift) {
				out[i] = img[i]
				continue
			}
			// sample position in fractional column coordinates
			pos := grid.TthToPixel(tthGrid[i]+shift) - 0.5
			if pos <= 0 {
				out[i] = img[base]
				continue
			}
			if pos >= float64(ntth-1) {
				out[i] = img[base+ntth-1]
				continue
			}
			lo := int(pos)
			t := pos - float64(lo)
			out[i] = (1-t)*img[base+lo] + t*img[base+lo+1]
		}
	}
	return out
}
