package instrument

import (
	"fmt"
	"math"
)

// RadialDistortion is a simple radially symmetric distortion model:
// r' = r * (1 + k1*r^2 + k2*r^4). The inverse is solved iteratively,
// which converges quickly for the small coefficients typical of area
// detectors.
type RadialDistortion struct {
	K1, K2 float64
}

func (d *RadialDistortion) Apply(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	s := 1 + d.K1*r2 + d.K2*r2*r2
	return x * s, y * s
}

func (d *RadialDistortion) Invert(x, y float64) (float64, float64) {
	// Fixed-point iteration on the radial scale factor
	ux, uy := x, y
	for i := 0; i < 20; i++ {
		r2 := ux*ux + uy*uy
		s := 1 + d.K1*r2 + d.K2*r2*r2
		nx, ny := x/s, y/s
		if math.Abs(nx-ux) < 1e-12 && math.Abs(ny-uy) < 1e-12 {
			return nx, ny
		}
		ux, uy = nx, ny
	}
	return ux, uy
}

func (d *RadialDistortion) Signature() string {
	return fmt.Sprintf("radial:%.17g:%.17g", d.K1, d.K2)
}

// BuildDistortion constructs a distortion function by name. An empty
// or "none" name yields nil; unknown names are rejected with an
// UnsupportedDistortionModelError.
func BuildDistortion(name string, params []float64) (DistortionFunc, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "radial":
		d := &RadialDistortion{}
		if len(params) > 0 {
			d.K1 = params[0]
		}
		if len(params) > 1 {
			d.K2 = params[1]
		}
		return d, nil
	}
	return nil, &UnsupportedDistortionModelError{Kind: name}
}
