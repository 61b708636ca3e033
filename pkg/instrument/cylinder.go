package instrument

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CylindricalPanel is a detector panel curved onto a cylinder. The
// panel surface passes through the panel translation point; the
// cylinder axis runs along the panel row direction at distance radius
// behind the surface. Columns run along the arc, rows along the axis.
type CylindricalPanel struct {
	name      string
	rows      int
	cols      int
	pixelSize [2]float64 // (row, col); col pitch is arc length

	tvec   Vec3
	tilt   Vec3
	rmat   *mat.Dense
	radius float64

	// angleExtent is the half-opening angle of the physical panel
	// around the cylinder axis
	angleExtent float64

	buffer     []bool
	distortion DistortionFunc
}

// NewCylindricalPanel creates a cylindrical panel. The angular extent
// is derived from the column count, column pitch and radius.
func NewCylindricalPanel(name string, rows, cols int, pixelSize [2]float64, tilt, tvec Vec3, radius float64) *CylindricalPanel {
	halfArc := 0.5 * float64(cols) * pixelSize[1]
	return &CylindricalPanel{
		name:        name,
		rows:        rows,
		cols:        cols,
		pixelSize:   pixelSize,
		tvec:        tvec,
		tilt:        tilt,
		rmat:        rotMatFromTilt(tilt),
		radius:      radius,
		angleExtent: halfArc / radius,
	}
}

func (p *CylindricalPanel) Name() string { return p.name }
func (p *CylindricalPanel) Rows() int    { return p.rows }
func (p *CylindricalPanel) Cols() int    { return p.cols }

func (p *CylindricalPanel) PixelSize() (float64, float64) {
	return p.pixelSize[0], p.pixelSize[1]
}

// Radius returns the cylinder radius.
func (p *CylindricalPanel) Radius() float64 { return p.radius }

// SetDistortion attaches a distortion function to the panel.
func (p *CylindricalPanel) SetDistortion(d DistortionFunc) { p.distortion = d }

// SetBuffer attaches a panel buffer marking valid pixels.
func (p *CylindricalPanel) SetBuffer(buffer []bool) { p.buffer = buffer }

func (p *CylindricalPanel) Buffer() []bool { return p.buffer }

// SetGeometry updates the panel tilt and translation. Callers must
// invalidate any projection caches keyed on the old signature.
func (p *CylindricalPanel) SetGeometry(tilt, tvec Vec3) {
	p.tilt = tilt
	p.tvec = tvec
	p.rmat = rotMatFromTilt(tilt)
}

// axes returns the cylinder frame: n is the surface normal at the
// panel center pointing toward the axis, a is the axis direction (row
// direction), u is the arc tangent (column direction), and c is a
// point on the axis.
func (p *CylindricalPanel) axes() (n, a, u, c Vec3) {
	n = rmatCol(p.rmat, 2)
	a = rmatCol(p.rmat, 1)
	u = rmatCol(p.rmat, 0)
	c = add(p.tvec, scale(n, p.radius))
	return n, a, u, c
}

func (p *CylindricalPanel) Project(tth, eta float64, beamVec, tvecS Vec3) (float64, float64) {
	d := diffractedDirection(tth, eta, beamVec)
	n, a, u, c := p.axes()

	// Ray-cylinder intersection, restricted to the component
	// perpendicular to the axis.
	w := sub(tvecS, c)
	dp := sub(d, scale(a, dot(d, a)))
	wp := sub(w, scale(a, dot(w, a)))

	qa := dot(dp, dp)
	qb := 2 * dot(dp, wp)
	qc := dot(wp, wp) - p.radius*p.radius
	disc := qb*qb - 4*qa*qc
	if qa < 1e-15 || disc < 0 {
		return math.NaN(), math.NaN()
	}

	sq := math.Sqrt(disc)
	t := (-qb - sq) / (2 * qa)
	if t <= 1e-12 {
		t = (-qb + sq) / (2 * qa)
	}
	if t <= 1e-12 {
		return math.NaN(), math.NaN()
	}

	q := add(tvecS, scale(d, t))
	r := sub(q, c)
	y := dot(r, a)
	rad := sub(r, scale(a, y))

	// Azimuth around the axis, zero at the panel center.
	phi := math.Atan2(dot(rad, u), -dot(rad, n))
	if math.Abs(phi) > p.angleExtent {
		// The ray hits the cylinder surface outside of the physical
		// panel wrap.
		return math.NaN(), math.NaN()
	}

	x := p.radius * phi
	if p.distortion != nil {
		x, y = p.distortion.Apply(x, y)
	}
	return x, y
}

func (p *CylindricalPanel) Unproject(x, y float64, beamVec, tvecS Vec3) (float64, float64) {
	if p.distortion != nil {
		x, y = p.distortion.Invert(x, y)
	}
	n, a, u, c := p.axes()

	phi := x / p.radius
	q := add(c, add(
		scale(n, -p.radius*math.Cos(phi)),
		add(scale(u, p.radius*math.Sin(phi)), scale(a, y)),
	))
	return anglesFromPoint(q, beamVec, tvecS)
}

func (p *CylindricalPanel) CartToPixel(x, y float64) (row, col float64) {
	row = 0.5*float64(p.rows-1) - y/p.pixelSize[0]
	col = x/p.pixelSize[1] + 0.5*float64(p.cols-1)
	return row, col
}

func (p *CylindricalPanel) PixelToCart(row, col float64) (x, y float64) {
	x = (col - 0.5*float64(p.cols-1)) * p.pixelSize[1]
	y = (0.5*float64(p.rows-1) - row) * p.pixelSize[0]
	return x, y
}

func (p *CylindricalPanel) Signature() string {
	dsig := ""
	if p.distortion != nil {
		dsig = p.distortion.Signature()
	}
	return fmt.Sprintf("cylindrical:%s:%d:%d:%v:%v:%v:%.17g:%s",
		p.name, p.rows, p.cols, p.pixelSize, p.tilt, p.tvec, p.radius, dsig)
}
