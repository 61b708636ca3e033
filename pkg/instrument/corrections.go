package instrument

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"polarproj/internal/models"
)

// SolidAngleCorrection builds the per-pixel geometric correction field
// for a panel: the relative inverse solid angle subtended by each
// pixel, normalized so the smallest correction is 1. Multiplying a raw
// image by this field flattens the fall-off toward the panel edges.
func SolidAngleCorrection(p Panel, beamVec, tvecS Vec3) *models.Image {
	rows, cols := p.Rows(), p.Cols()
	field := models.NewImage(cols, rows)

	// Solid angle of a pixel ~ A*cos(theta)/r^2 where theta is the
	// angle between the pixel normal and the sample-to-pixel ray.
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y := p.PixelToCart(float64(r), float64(c))
			tth, eta := p.Unproject(x, y, beamVec, tvecS)
			d := diffractedDirection(tth, eta, beamVec)

			// Distance from sample to the pixel along the ray
			dist := pixelDistance(p, x, y, tvecS)
			cosInc := math.Abs(dot(d, surfaceNormal(p, x)))
			if cosInc < 1e-6 {
				cosInc = 1e-6
			}
			field.Set(r, c, dist*dist/cosInc)
		}
	}

	min := floats.Min(field.Data)
	if min > 0 {
		floats.Scale(1/min, field.Data)
	}
	return field
}

// PolarizationCorrection builds the per-pixel polarization correction
// field for a panel: the inverse of the polarization factor
// P = 0.5*(1 + cos^2(2theta) - f*cos(2eta)*sin^2(2theta)) with
// polarization fraction f.
func PolarizationCorrection(p Panel, beamVec, tvecS Vec3, fraction float64) *models.Image {
	rows, cols := p.Rows(), p.Cols()
	field := models.NewImage(cols, rows)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y := p.PixelToCart(float64(r), float64(c))
			tth, eta := p.Unproject(x, y, beamVec, tvecS)

			ct := math.Cos(tth)
			st := math.Sin(tth)
			pol := 0.5 * (1 + ct*ct - fraction*math.Cos(2*eta)*st*st)
			if pol < 1e-6 {
				pol = 1e-6
			}
			field.Set(r, c, 1/pol)
		}
	}
	return field
}

// SampleLayerShift builds the per-pixel two theta displacement field
// seen when the diffracting layer sits standoff away from the nominal
// sample position along the beam. Pixels far from the sample see a
// smaller shift.
func SampleLayerShift(p Panel, beamVec, tvecS Vec3, standoff float64) *models.Image {
	rows, cols := p.Rows(), p.Cols()
	field := models.NewImage(cols, rows)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y := p.PixelToCart(float64(r), float64(c))
			tth, _ := p.Unproject(x, y, beamVec, tvecS)
			dist := pixelDistance(p, x, y, tvecS)
			field.Set(r, c, standoff*math.Sin(tth)*math.Cos(tth)/dist)
		}
	}
	return field
}

// pixelDistance returns the distance from the sample to the lab-frame
// position of cartesian panel coordinates.
func pixelDistance(p Panel, x, y float64, tvecS Vec3) float64 {
	switch pp := p.(type) {
	case *PlanarPanel:
		q := add(rmatMul(pp.rmat, Vec3{x, y, 0}), pp.tvec)
		v := sub(q, tvecS)
		return math.Sqrt(dot(v, v))
	case *CylindricalPanel:
		n, a, u, c := pp.axes()
		phi := x / pp.radius
		q := add(c, add(
			scale(n, -pp.radius*math.Cos(phi)),
			add(scale(u, pp.radius*math.Sin(phi)), scale(a, y)),
		))
		v := sub(q, tvecS)
		return math.Sqrt(dot(v, v))
	}
	return 1
}

// surfaceNormal returns the outward panel normal at the given arc
// coordinate. For planar panels the normal is constant.
func surfaceNormal(p Panel, x float64) Vec3 {
	switch pp := p.(type) {
	case *PlanarPanel:
		return rmatCol(pp.rmat, 2)
	case *CylindricalPanel:
		n, _, u, _ := pp.axes()
		phi := x / pp.radius
		return add(scale(n, math.Cos(phi)), scale(u, -math.Sin(phi)))
	}
	return Vec3{0, 0, 1}
}
