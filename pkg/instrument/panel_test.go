package instrument

import (
	"math"
	"testing"

	"polarproj/internal/models"
)

func testPlanarPanel() *PlanarPanel {
	// 100x100 pixels, 0.2mm pitch, facing the sample 1000mm down the
	// beam direction
	return NewPlanarPanel("test", 100, 100, [2]float64{0.2, 0.2},
		Vec3{0, 0, 0}, Vec3{0, 0, -1000})
}

func testCylindricalPanel() *CylindricalPanel {
	return NewCylindricalPanel("cyl", 100, 200, [2]float64{0.2, 0.2},
		Vec3{0, 0, 0}, Vec3{0, 0, -1000}, 500)
}

// TestPlanarProjectUnprojectRoundTrip verifies the projection is the
// exact inverse of the angle mapping for points on the panel.
func TestPlanarProjectUnprojectRoundTrip(t *testing.T) {
	p := testPlanarPanel()
	beam := DefaultBeamVec
	tvecS := Vec3{}

	for _, px := range [][2]float64{{10, 10}, {50, 50}, {20, 80}, {99, 0}} {
		x, y := p.PixelToCart(px[0], px[1])
		tth, eta := p.Unproject(x, y, beam, tvecS)

		if tth < 0 || tth > math.Pi {
			t.Fatalf("unprojected tth %g out of range", tth)
		}

		x2, y2 := p.Project(tth, eta, beam, tvecS)
		if math.Abs(x2-x) > 1e-6 || math.Abs(y2-y) > 1e-6 {
			t.Errorf("pixel (%g,%g): round trip (%g,%g) -> (%g,%g)",
				px[0], px[1], x, y, x2, y2)
		}
	}
}

// TestCylindricalProjectUnprojectRoundTrip does the same for the
// cylindrical projection formulas.
func TestCylindricalProjectUnprojectRoundTrip(t *testing.T) {
	p := testCylindricalPanel()
	beam := DefaultBeamVec
	tvecS := Vec3{}

	for _, px := range [][2]float64{{50, 100}, {10, 20}, {90, 180}} {
		x, y := p.PixelToCart(px[0], px[1])
		tth, eta := p.Unproject(x, y, beam, tvecS)

		x2, y2 := p.Project(tth, eta, beam, tvecS)
		if math.Abs(x2-x) > 1e-5 || math.Abs(y2-y) > 1e-5 {
			t.Errorf("pixel (%g,%g): round trip (%g,%g) -> (%g,%g)",
				px[0], px[1], x, y, x2, y2)
		}
	}
}

// TestProjectMissReturnsNaN verifies that rays that cannot intersect
// the panel produce NaN coordinates.
func TestProjectMissReturnsNaN(t *testing.T) {
	p := testPlanarPanel()

	// A backscattering angle can never hit a forward panel plane from
	// the front.
	x, y := p.Project(math.Pi-0.01, 0, DefaultBeamVec, Vec3{})
	if !math.IsNaN(x) || !math.IsNaN(y) {
		t.Errorf("expected NaN for ray missing the panel, got (%g,%g)", x, y)
	}
}

// TestCartPixelInverse verifies the pixel<->cartesian maps.
func TestCartPixelInverse(t *testing.T) {
	p := testPlanarPanel()
	for _, px := range [][2]float64{{0, 0}, {49.5, 49.5}, {99, 99}, {12.25, 88.75}} {
		x, y := p.PixelToCart(px[0], px[1])
		r, c := p.CartToPixel(x, y)
		if math.Abs(r-px[0]) > 1e-9 || math.Abs(c-px[1]) > 1e-9 {
			t.Errorf("pixel (%g,%g) -> cart (%g,%g) -> pixel (%g,%g)",
				px[0], px[1], x, y, r, c)
		}
	}
}

// TestInterpolateBilinear checks in-range interpolation, out-of-range
// NaN padding, and buffered pixel handling.
func TestInterpolateBilinear(t *testing.T) {
	p := NewPlanarPanel("interp", 4, 4, [2]float64{1, 1}, Vec3{}, Vec3{0, 0, -100})
	img := models.NewImage(4, 4)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}

	// Sample exactly at pixel (1,2): expect img value at that pixel
	x, y := p.PixelToCart(1, 2)
	vals := InterpolateBilinear(p, img, []XY{{x, y}})
	if math.Abs(vals[0]-img.At(1, 2)) > 1e-9 {
		t.Errorf("interpolation at pixel center = %g, expected %g", vals[0], img.At(1, 2))
	}

	// Halfway between (1,1) and (1,2): expect the mean
	x1, y1 := p.PixelToCart(1, 1.5)
	vals = InterpolateBilinear(p, img, []XY{{x1, y1}})
	want := 0.5 * (img.At(1, 1) + img.At(1, 2))
	if math.Abs(vals[0]-want) > 1e-9 {
		t.Errorf("interpolation between pixels = %g, expected %g", vals[0], want)
	}

	// Out of range and NaN coordinates resolve to NaN
	vals = InterpolateBilinear(p, img, []XY{
		{1e6, 1e6},
		{math.NaN(), 0},
	})
	for i, v := range vals {
		if !math.IsNaN(v) {
			t.Errorf("point %d: expected NaN, got %g", i, v)
		}
	}

	// Buffered-out pixels poison their interpolation neighborhood
	buffer := make([]bool, 16)
	for i := range buffer {
		buffer[i] = true
	}
	buffer[1*4+2] = false
	p.SetBuffer(buffer)
	vals = InterpolateBilinear(p, img, []XY{{x1, y1}})
	if !math.IsNaN(vals[0]) {
		t.Errorf("expected NaN near buffered pixel, got %g", vals[0])
	}
}

// TestRadialDistortionInverse verifies Apply/Invert are inverses.
func TestRadialDistortionInverse(t *testing.T) {
	d := &RadialDistortion{K1: 1e-6, K2: -1e-11}
	for _, pt := range [][2]float64{{10, 5}, {-30, 40}, {0, 0}, {100, -75}} {
		dx, dy := d.Apply(pt[0], pt[1])
		ux, uy := d.Invert(dx, dy)
		if math.Abs(ux-pt[0]) > 1e-6 || math.Abs(uy-pt[1]) > 1e-6 {
			t.Errorf("distortion round trip (%g,%g) -> (%g,%g)", pt[0], pt[1], ux, uy)
		}
	}
}

// TestBuildDistortionUnknownModel verifies the error taxonomy for
// unknown models.
func TestBuildDistortionUnknownModel(t *testing.T) {
	if _, err := BuildDistortion("none", nil); err != nil {
		t.Errorf("expected nil distortion for none, got error %v", err)
	}
	_, err := BuildDistortion("pincushion", nil)
	if err == nil {
		t.Fatal("expected error for unknown distortion model")
	}
	if _, ok := err.(*UnsupportedDistortionModelError); !ok {
		t.Errorf("expected UnsupportedDistortionModelError, got %T", err)
	}
}
