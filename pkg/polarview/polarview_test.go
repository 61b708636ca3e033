package polarview

import (
	"math"
	"testing"

	"polarproj/internal/models"
	"polarproj/pkg/instrument"
	"polarproj/pkg/masking"
	"polarproj/pkg/polargrid"
)

func deg(v float64) float64 { return v * math.Pi / 180 }

// testSetup builds a single centered 100x100 planar panel 1000mm from
// the sample and a grid that lies entirely on it: tth [0.1, 0.5] deg
// reaches at most 8.8mm from the panel center, against a 10mm
// half-extent.
func testSetup() (*instrument.Instrument, *polargrid.Grid, *masking.Registry) {
	instr := instrument.New()
	instr.AddPanel(instrument.NewPlanarPanel("det", 100, 100,
		[2]float64{0.2, 0.2}, instrument.Vec3{}, instrument.Vec3{0, 0, -1000}))

	grid, err := polargrid.New(deg(0.1), deg(0.5), deg(-180), deg(180), 0.01, 2)
	if err != nil {
		panic(err)
	}
	return instr, grid, masking.NewRegistry()
}

func uniformImage(v float64, n int) []float64 {
	img := make([]float64, n)
	for i := range img {
		img[i] = v
	}
	return img
}

func TestWarpImageUniform(t *testing.T) {
	instr, grid, masks := testSetup()
	pv := New(instr, grid, masks, Params{})

	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(3, 100*100),
	}); err != nil {
		t.Fatalf("setting images: %v", err)
	}

	w, err := pv.WarpImage("det")
	if err != nil {
		t.Fatalf("warping: %v", err)
	}

	neta, ntth := grid.Shape()
	if len(w.Data) != neta*ntth {
		t.Fatalf("warped size = %d, want %d", len(w.Data), neta*ntth)
	}
	for i, v := range w.Data {
		if w.Invalid[i] {
			t.Fatalf("pixel %d invalid; the whole grid lies on the panel", i)
		}
		if math.Abs(v-3) > 1e-9 {
			t.Fatalf("pixel %d = %g, want 3", i, v)
		}
	}
}

func TestWarpMarksOffPanelInvalid(t *testing.T) {
	instr, _, masks := testSetup()
	// a wider grid reaches past the panel edge at large tth
	grid, err := polargrid.New(deg(0.1), deg(1.2), deg(-180), deg(180), 0.01, 2)
	if err != nil {
		t.Fatal(err)
	}
	pv := New(instr, grid, masks, Params{})
	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(3, 100*100),
	}); err != nil {
		t.Fatal(err)
	}

	w, err := pv.WarpImage("det")
	if err != nil {
		t.Fatalf("warping: %v", err)
	}

	invalid := 0
	for i := range w.Data {
		if w.Invalid[i] != math.IsNaN(w.Data[i]) {
			t.Fatalf("pixel %d: invalid flag %v disagrees with NaN data", i, w.Invalid[i])
		}
		if w.Invalid[i] {
			invalid++
		}
	}
	if invalid == 0 {
		t.Error("no invalid pixels on a grid wider than the panel")
	}
	if invalid == len(w.Data) {
		t.Error("every pixel invalid; the inner grid should land on the panel")
	}
}

func TestCompositeSumsPanels(t *testing.T) {
	instr, grid, masks := testSetup()
	// a second, smaller panel at the same position covers only the
	// inner part of the grid
	instr.AddPanel(instrument.NewPlanarPanel("inner", 50, 50,
		[2]float64{0.2, 0.2}, instrument.Vec3{}, instrument.Vec3{0, 0, -1000}))

	pv := New(instr, grid, masks, Params{})
	if err := pv.SetImages(map[string][]float64{
		"det":   uniformImage(1, 100*100),
		"inner": uniformImage(2, 50*50),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pv.WarpAllImages(); err != nil {
		t.Fatal(err)
	}

	comp := pv.compositeWarped()
	neta, ntth := grid.Shape()

	// innermost tth column: both panels contribute
	if got := comp.Data[0*ntth+0]; math.Abs(got-3) > 1e-9 {
		t.Errorf("inner pixel = %g, want 3", got)
	}
	// outermost tth column: beyond the small panel, only det
	if got := comp.Data[0*ntth+ntth-1]; math.Abs(got-1) > 1e-9 {
		t.Errorf("outer pixel = %g, want 1", got)
	}
	for i := 0; i < neta*ntth; i++ {
		if comp.Invalid[i] {
			t.Fatalf("pixel %d invalid although the large panel covers the whole grid", i)
		}
	}
}

func TestSnipFlatBackground(t *testing.T) {
	// a flat image is its own background
	width, height := 200, 4
	img := uniformImage(100, width*height)
	bkg := snipBackground(img, width, height, SnipFast1D, 10, 2)
	for i, v := range bkg {
		if math.Abs(v-100) > 1e-6 {
			t.Fatalf("pixel %d: background = %g, want 100", i, v)
		}
	}
}

func TestSnipClipsPeak(t *testing.T) {
	width, height := 200, 1
	img := make([]float64, width)
	for i := range img {
		img[i] = 50
		// narrow peak in the middle
		d := float64(i - 100)
		img[i] += 500 * math.Exp(-d*d/8)
	}

	for _, alg := range []SnipAlgorithm{SnipFast1D, Snip1D, Snip2D} {
		bkg := snipBackground(img, width, height, alg, 15, 2)
		if got := bkg[100]; got > 100 {
			t.Errorf("%v: background under the peak = %g, want well below the peak", alg, got)
		}
		if got := bkg[20]; math.Abs(got-50) > 1 {
			t.Errorf("%v: background on the flat region = %g, want about 50", alg, got)
		}
		for i := range img {
			if !math.IsNaN(bkg[i]) && bkg[i] > img[i]+1e-6 {
				t.Fatalf("%v: background exceeds the data at %d", alg, i)
			}
		}
	}
}

func TestSnip1DIgnoresInvalidPixels(t *testing.T) {
	width := 100
	img := uniformImage(80, width)
	for i := 40; i < 45; i++ {
		img[i] = math.NaN()
	}

	bkg := snipBackground(img, width, 1, Snip1D, 8, 2)
	for i, v := range bkg {
		if i >= 40 && i < 45 {
			if !math.IsNaN(v) {
				t.Errorf("pixel %d: background = %g on an invalid pixel", i, v)
			}
			continue
		}
		if math.Abs(v-80) > 1e-6 {
			t.Errorf("pixel %d: background = %g, want 80", i, v)
		}
	}
}

func TestErodeInvalidBand(t *testing.T) {
	width := 50
	invalid := make([]bool, width)
	invalid[25] = true
	erodeInvalidBand(invalid, width, 1, 7)

	for i := range invalid {
		want := i >= 22 && i <= 28
		if invalid[i] != want {
			t.Errorf("pixel %d: invalid = %v, want %v", i, invalid[i], want)
		}
	}
}

func TestSnipWidthPixels(t *testing.T) {
	if got := SnipWidthPixels(1.0, 0.25); got != 4 {
		t.Errorf("width = %d, want 4", got)
	}
	if got := SnipWidthPixels(1.0, 0.3); got != 4 {
		t.Errorf("width must round up, got %d", got)
	}
}

func TestApplyTthDistortionShiftsColumns(t *testing.T) {
	_, grid, _ := testSetup()
	neta, ntth := grid.Shape()

	img := make([]float64, neta*ntth)
	for r := 0; r < neta; r++ {
		for c := 0; c < ntth; c++ {
			img[r*ntth+c] = float64(c)
		}
	}

	// displace every pixel by exactly one tth pixel
	field := make([]float64, neta*ntth)
	for i := range field {
		field[i] = deg(grid.TthPixelSize())
	}

	out := applyTthDistortion(img, field, grid)
	for r := 0; r < neta; r++ {
		for c := 0; c < ntth-1; c++ {
			if got := out[r*ntth+c]; math.Abs(got-float64(c+1)) > 1e-9 {
				t.Fatalf("row %d col %d = %g, want %g", r, c, got, float64(c+1))
			}
		}
		// last column extends the edge value
		if got := out[r*ntth+ntth-1]; math.Abs(got-float64(ntth-1)) > 1e-9 {
			t.Fatalf("row %d edge = %g, want %g", r, got, float64(ntth-1))
		}
	}
}

func TestNanMeanAcross(t *testing.T) {
	a := models.FromData([]float64{2, math.NaN(), 4}, 3, 1)
	b := models.FromData([]float64{4, 6, math.NaN()}, 3, 1)

	mean := nanMeanAcross([]*models.MaskedImage{a, b}, 3)
	if mean[0] != 3 {
		t.Errorf("overlap mean = %g, want 3", mean[0])
	}
	if mean[1] != 6 || mean[2] != 4 {
		t.Errorf("single contributions = %g, %g, want 6, 4", mean[1], mean[2])
	}

	// all invalid must give NaN silently
	c := models.FromData([]float64{math.NaN()}, 1, 1)
	if got := nanMeanAcross([]*models.MaskedImage{c}, 1); !math.IsNaN(got[0]) {
		t.Errorf("all-invalid mean = %g, want NaN", got[0])
	}
}

// Changing correction parameters must not touch the projection cache,
// and a mask edit followed by ReapplyMasks must run neither the warp
// nor the correction stages.
func TestParameterEditsDoNotReproject(t *testing.T) {
	instr, grid, masks := testSetup()
	pv := New(instr, grid, masks, Params{
		SnipEnabled:   true,
		SnipAlgorithm: SnipFast1D,
		SnipWidthDeg:  0.05,
		SnipNumIter:   2,
	})
	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(10, 100*100),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pv.GenerateImage(); err != nil {
		t.Fatalf("generating: %v", err)
	}

	projections := pv.ProjectionComputations()
	if projections == 0 {
		t.Fatal("first generation computed no projections")
	}

	params := pv.Params()
	params.SnipNumIter = 5
	pv.SetParams(params)
	if err := pv.ApplyImageProcessing(); err != nil {
		t.Fatalf("reprocessing: %v", err)
	}
	if got := pv.ProjectionComputations(); got != projections {
		t.Errorf("snip parameter change reprojected: %d -> %d", projections, got)
	}

	masks.AddRegionMask("spot", masking.TypeRegion, []masking.DetectorPolyline{{
		Detector: "det",
		Points:   [][2]float64{{40, 40}, {60, 40}, {60, 60}, {40, 60}},
	}}, masking.ViewRaw)
	if err := pv.ReapplyMasks(); err != nil {
		t.Fatalf("reapplying masks: %v", err)
	}
	if got := pv.ProjectionComputations(); got != projections {
		t.Errorf("mask edit reprojected: %d -> %d", projections, got)
	}
}

func TestGeometryChangeReprojects(t *testing.T) {
	instr, grid, masks := testSetup()
	pv := New(instr, grid, masks, Params{})
	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(10, 100*100),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pv.GenerateImage(); err != nil {
		t.Fatal(err)
	}
	projections := pv.ProjectionComputations()

	err := pv.UpdatePanelGeometry("det",
		instrument.Vec3{}, instrument.Vec3{1, 0, -1000})
	if err != nil {
		t.Fatalf("updating geometry: %v", err)
	}
	if err := pv.GenerateImage(); err != nil {
		t.Fatal(err)
	}
	if got := pv.ProjectionComputations(); got <= projections {
		t.Error("geometry change did not reproject")
	}
}

func TestMaskedDisplayAndComputationImages(t *testing.T) {
	instr, grid, masks := testSetup()
	pv := New(instr, grid, masks, Params{})
	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(10, 100*100),
	}); err != nil {
		t.Fatal(err)
	}

	// a visible mask hides pixels in both outputs; a border-only mask
	// hides them only in the computation image
	visible := masks.AddRegionMask("hidden", masking.TypeRegion, []masking.DetectorPolyline{{
		Detector: "det",
		Points:   [][2]float64{{30, 30}, {70, 30}, {70, 70}, {30, 70}},
	}}, masking.ViewRaw)
	_ = visible

	borderOnly := masks.AddRegionMask("analysis", masking.TypeRegion, []masking.DetectorPolyline{{
		Detector: "det",
		Points:   [][2]float64{{10, 10}, {90, 10}, {90, 90}, {10, 90}},
	}}, masking.ViewRaw)
	masks.UpdateMaskVisibility([]string{"hidden"})
	masks.UpdateBorderVisibility([]string{borderOnly.Name()})

	if err := pv.GenerateImage(); err != nil {
		t.Fatal(err)
	}

	display := pv.DisplayImage()
	computation := pv.ComputationImage()

	displayNaN, computationNaN := 0, 0
	for i := range display {
		if math.IsNaN(display[i]) {
			displayNaN++
			if !math.IsNaN(computation[i]) {
				t.Fatal("computation image visible where display is masked")
			}
		}
		if math.IsNaN(computation[i]) {
			computationNaN++
		}
	}
	if displayNaN == 0 {
		t.Error("visible mask did not hide any display pixels")
	}
	if computationNaN <= displayNaN {
		t.Error("border-only mask did not further restrict the computation image")
	}
}

// reapplying masks must start from the cached processed image: the
// snip background pointer survives untouched.
func TestReapplyMasksKeepsProcessedImage(t *testing.T) {
	instr, grid, masks := testSetup()
	pv := New(instr, grid, masks, Params{
		SnipEnabled:  true,
		SnipWidthDeg: 0.05,
		SnipNumIter:  2,
	})
	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(10, 100*100),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pv.GenerateImage(); err != nil {
		t.Fatal(err)
	}

	bkgBefore := pv.SnipBackground()
	if err := pv.ReapplyMasks(); err != nil {
		t.Fatal(err)
	}
	if &bkgBefore[0] != &pv.SnipBackground()[0] {
		t.Error("reapplying masks recomputed the background")
	}
}

func TestScaleImages(t *testing.T) {
	img := []float64{-4, 0, 9, math.NaN()}

	sq := SqrtScaleImage(img)
	if sq[0] != 0 || sq[1] != 0 || sq[2] != 3 || !math.IsNaN(sq[3]) {
		t.Errorf("sqrt scale = %v", sq)
	}

	lg := LogScaleImage(img)
	if lg[0] != 0 || lg[1] != 0 || math.Abs(lg[2]-math.Log1p(9)) > 1e-12 || !math.IsNaN(lg[3]) {
		t.Errorf("log scale = %v", lg)
	}
}
