package instrument

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DistortionFunc warps ideal cartesian panel coordinates into the
// distorted coordinates of the physical detector, and back. A nil
// DistortionFunc means the panel is ideal.
type DistortionFunc interface {
	// Apply maps ideal coordinates to distorted coordinates
	Apply(x, y float64) (float64, float64)

	// Invert maps distorted coordinates back to ideal coordinates
	Invert(x, y float64) (float64, float64)

	// Signature identifies the distortion parameters for caching
	Signature() string
}

// Panel is one detector panel of the instrument. Projection is the
// geometry capability the polar view is built on: map scattering
// angles to cartesian panel coordinates (NaN when the scattered ray
// misses the panel surface), and back.
type Panel interface {
	Name() string

	// Rows and Cols give the pixel grid dimensions
	Rows() int
	Cols() int

	// PixelSize returns the (row, col) pixel pitch
	PixelSize() (float64, float64)

	// Project maps scattering angles (radians) to cartesian panel
	// coordinates. Both results are NaN when the scattered ray does
	// not intersect the panel surface.
	Project(tth, eta float64, beamVec, tvecS Vec3) (x, y float64)

	// Unproject maps cartesian panel coordinates to scattering angles
	// (radians) as seen from the sample position.
	Unproject(x, y float64, beamVec, tvecS Vec3) (tth, eta float64)

	// CartToPixel converts cartesian panel coordinates to fractional
	// (row, col) pixel coordinates, and PixelToCart is its inverse.
	CartToPixel(x, y float64) (row, col float64)
	PixelToCart(row, col float64) (x, y float64)

	// Buffer returns the panel buffer: true marks valid pixels. A nil
	// buffer means every pixel is valid. SetBuffer replaces it.
	Buffer() []bool
	SetBuffer(buffer []bool)

	// Signature identifies the panel geometry for projection caching.
	// Any geometry mutation changes the signature.
	Signature() string
}

// PlanarPanel is a flat rectangular detector panel.
type PlanarPanel struct {
	name      string
	rows      int
	cols      int
	pixelSize [2]float64 // (row, col)

	tvec Vec3       // panel center translation
	tilt Vec3       // XYZ Euler tilt angles, radians
	rmat *mat.Dense // rotation derived from tilt

	buffer     []bool
	distortion DistortionFunc
}

// NewPlanarPanel creates a planar panel with the given pixel grid,
// pixel pitch, tilt (XYZ Euler angles in radians) and translation.
func NewPlanarPanel(name string, rows, cols int, pixelSize [2]float64, tilt, tvec Vec3) *PlanarPanel {
	return &PlanarPanel{
		name:      name,
		rows:      rows,
		cols:      cols,
		pixelSize: pixelSize,
		tvec:      tvec,
		tilt:      tilt,
		rmat:      rotMatFromTilt(tilt),
	}
}

func (p *PlanarPanel) Name() string { return p.name }
func (p *PlanarPanel) Rows() int    { return p.rows }
func (p *PlanarPanel) Cols() int    { return p.cols }

func (p *PlanarPanel) PixelSize() (float64, float64) {
	return p.pixelSize[0], p.pixelSize[1]
}

// SetDistortion attaches a distortion function to the panel.
func (p *PlanarPanel) SetDistortion(d DistortionFunc) { p.distortion = d }

// SetBuffer attaches a panel buffer marking valid pixels. The length
// must equal rows*cols.
func (p *PlanarPanel) SetBuffer(buffer []bool) { p.buffer = buffer }

func (p *PlanarPanel) Buffer() []bool { return p.buffer }

// Tvec returns the panel translation.
func (p *PlanarPanel) Tvec() Vec3 { return p.tvec }

// SetGeometry updates the panel tilt and translation. Callers must
// invalidate any projection caches keyed on the old signature.
func (p *PlanarPanel) SetGeometry(tilt, tvec Vec3) {
	p.tilt = tilt
	p.tvec = tvec
	p.rmat = rotMatFromTilt(tilt)
}

func (p *PlanarPanel) Project(tth, eta float64, beamVec, tvecS Vec3) (float64, float64) {
	d := diffractedDirection(tth, eta, beamVec)

	// Ray-plane intersection: the panel plane passes through tvec with
	// normal along the panel z axis.
	n := rmatCol(p.rmat, 2)
	denom := dot(n, d)
	if math.Abs(denom) < 1e-12 {
		return math.NaN(), math.NaN()
	}
	t := dot(n, sub(p.tvec, tvecS)) / denom
	if t <= 1e-12 {
		// Intersection behind the sample
		return math.NaN(), math.NaN()
	}

	q := add(tvecS, scale(d, t))
	v := rmatTmul(p.rmat, sub(q, p.tvec))
	x, y := v[0], v[1]
	if p.distortion != nil {
		x, y = p.distortion.Apply(x, y)
	}
	return x, y
}

func (p *PlanarPanel) Unproject(x, y float64, beamVec, tvecS Vec3) (float64, float64) {
	if p.distortion != nil {
		x, y = p.distortion.Invert(x, y)
	}
	q := add(rmatMul(p.rmat, Vec3{x, y, 0}), p.tvec)
	return anglesFromPoint(q, beamVec, tvecS)
}

func (p *PlanarPanel) CartToPixel(x, y float64) (row, col float64) {
	row = 0.5*float64(p.rows-1) - y/p.pixelSize[0]
	col = x/p.pixelSize[1] + 0.5*float64(p.cols-1)
	return row, col
}

func (p *PlanarPanel) PixelToCart(row, col float64) (x, y float64) {
	x = (col - 0.5*float64(p.cols-1)) * p.pixelSize[1]
	y = (0.5*float64(p.rows-1) - row) * p.pixelSize[0]
	return x, y
}

func (p *PlanarPanel) Signature() string {
	dsig := ""
	if p.distortion != nil {
		dsig = p.distortion.Signature()
	}
	return fmt.Sprintf("planar:%s:%d:%d:%v:%v:%v:%s",
		p.name, p.rows, p.cols, p.pixelSize, p.tilt, p.tvec, dsig)
}

// diffractedDirection builds the unit direction of the scattered ray
// for the given scattering angles. The azimuth reference is the lab x
// axis projected perpendicular to the beam.
func diffractedDirection(tth, eta float64, beamVec Vec3) Vec3 {
	b := normalize(beamVec)
	e1, e2 := etaFrame(b)

	st := math.Sin(tth)
	return add(
		scale(b, math.Cos(tth)),
		add(
			scale(e1, st*math.Cos(eta)),
			scale(e2, st*math.Sin(eta)),
		),
	)
}

// anglesFromPoint computes (tth, eta) for the ray from the sample
// position to the given lab-frame point. The exact inverse of
// diffractedDirection.
func anglesFromPoint(q Vec3, beamVec, tvecS Vec3) (tth, eta float64) {
	b := normalize(beamVec)
	e1, e2 := etaFrame(b)

	d := normalize(sub(q, tvecS))
	c := dot(d, b)
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	tth = math.Acos(c)
	eta = math.Atan2(dot(d, e2), dot(d, e1))
	return tth, eta
}

// etaFrame returns the orthonormal pair spanning the plane
// perpendicular to the beam, with e1 as the eta=0 reference.
func etaFrame(b Vec3) (e1, e2 Vec3) {
	ref := Vec3{1, 0, 0}
	if math.Abs(dot(ref, b)) > 0.999 {
		ref = Vec3{0, 1, 0}
	}
	e1 = normalize(sub(ref, scale(b, dot(ref, b))))
	e2 = cross(b, e1)
	return e1, e2
}

// rotMatFromTilt composes the panel rotation from XYZ Euler angles.
func rotMatFromTilt(tilt Vec3) *mat.Dense {
	cx, sx := math.Cos(tilt[0]), math.Sin(tilt[0])
	cy, sy := math.Cos(tilt[1]), math.Sin(tilt[1])
	cz, sz := math.Cos(tilt[2]), math.Sin(tilt[2])

	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cx, -sx,
		0, sx, cx,
	})
	ry := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})
	rz := mat.NewDense(3, 3, []float64{
		cz, -sz, 0,
		sz, cz, 0,
		0, 0, 1,
	})

	var tmp, out mat.Dense
	tmp.Mul(ry, rz)
	out.Mul(rx, &tmp)
	return mat.DenseCopyOf(&out)
}

func rmatCol(r *mat.Dense, j int) Vec3 {
	return Vec3{r.At(0, j), r.At(1, j), r.At(2, j)}
}

// rmatMul computes r * v.
func rmatMul(r *mat.Dense, v Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = r.At(i, 0)*v[0] + r.At(i, 1)*v[1] + r.At(i, 2)*v[2]
	}
	return out
}

// rmatTmul computes transpose(r) * v.
func rmatTmul(r *mat.Dense, v Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = r.At(0, i)*v[0] + r.At(1, i)*v[1] + r.At(2, i)*v[2]
	}
	return out
}

func dot(a, b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func add(a, b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

func sub(a, b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func scale(a Vec3, s float64) Vec3 { return Vec3{a[0] * s, a[1] * s, a[2] * s} }

func normalize(a Vec3) Vec3 {
	n := math.Sqrt(dot(a, a))
	if n == 0 {
		return a
	}
	return scale(a, 1/n)
}
