package masking

import (
	"math"
	"testing"

	"polarproj/pkg/instrument"
	"polarproj/pkg/polargrid"
)

func testInstrument() *instrument.Instrument {
	instr := instrument.New()
	instr.AddPanel(instrument.NewPlanarPanel("det", 100, 100,
		[2]float64{0.2, 0.2}, instrument.Vec3{}, instrument.Vec3{0, 0, -1000}))
	return instr
}

func rectPolyline(det string, x0, y0, x1, y1 float64) DetectorPolyline {
	return DetectorPolyline{
		Detector: det,
		Points:   [][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}},
	}
}

func TestRegistryUniqueNames(t *testing.T) {
	r := NewRegistry()
	a := r.AddRegionMask("mask", TypePolygon, nil, ViewRaw)
	b := r.AddRegionMask("mask", TypePolygon, nil, ViewRaw)
	c := r.AddRegionMask("mask", TypePolygon, nil, ViewRaw)

	if a.Name() != "mask" {
		t.Errorf("first name = %q, want %q", a.Name(), "mask")
	}
	if b.Name() != "mask_1" || c.Name() != "mask_2" {
		t.Errorf("deduplicated names = %q, %q, want mask_1, mask_2", b.Name(), c.Name())
	}
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	r.AddRegionMask("a", TypePolygon, nil, ViewRaw)
	r.AddRegionMask("b", TypePolygon, nil, ViewRaw)

	got := r.UpdateName("a", "b")
	if got != "b_1" {
		t.Errorf("assigned name = %q, want b_1", got)
	}
	if r.Mask("a") != nil {
		t.Error("old name still registered")
	}
	if r.Mask("b_1") == nil {
		t.Error("new name not registered")
	}
}

func TestRegistryObserversNotified(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.OnChanged(func() { calls++ })

	m := r.AddRegionMask("a", TypePolygon, nil, ViewRaw)
	r.SetVisible(m.Name(), false)
	r.RemoveMask(m.Name())

	if calls != 3 {
		t.Errorf("observer calls = %d, want 3", calls)
	}
}

func TestRawMasksCombineWithThreshold(t *testing.T) {
	r := NewRegistry()
	instr := testInstrument()

	// 100x100 frame: value 5 at (0,0), 50 at (0,1), 2000 at (0,2)
	img := make([]float64, 100*100)
	for i := range img {
		img[i] = 50
	}
	img[0] = 5
	img[2] = 2000

	r.AddThresholdMask("threshold", 10, 1000)
	mask, err := r.RawMasksFor("det", img, instr)
	if err != nil {
		t.Fatalf("combining masks: %v", err)
	}

	want := []bool{false, true, false}
	for i := range want {
		if mask[i] != want[i] {
			t.Errorf("pixel %d: mask = %v, want %v", i, mask[i], want[i])
		}
	}
}

func TestRawMasksUnionOfExclusions(t *testing.T) {
	r := NewRegistry()
	instr := testInstrument()

	r.AddRegionMask("left", TypeRegion,
		[]DetectorPolyline{rectPolyline("det", 10, 10, 30, 30)}, ViewRaw)
	r.AddRegionMask("right", TypeRegion,
		[]DetectorPolyline{rectPolyline("det", 20, 20, 40, 40)}, ViewRaw)

	mask, err := r.RawMasksFor("det", nil, instr)
	if err != nil {
		t.Fatalf("combining masks: %v", err)
	}

	at := func(row, col int) bool { return mask[row*100+col] }
	// each exclusion applies even where the other does not
	if at(15, 15) {
		t.Error("pixel inside first region only should be masked")
	}
	if at(35, 35) {
		t.Error("pixel inside second region only should be masked")
	}
	if at(25, 25) {
		t.Error("pixel inside both regions should be masked")
	}
	if !at(50, 50) {
		t.Error("pixel outside both regions should be visible")
	}
}

func TestRawMasksOrderIndependent(t *testing.T) {
	instr := testInstrument()

	build := func(names []string) []bool {
		r := NewRegistry()
		rects := map[string]DetectorPolyline{
			"a": rectPolyline("det", 10, 10, 30, 30),
			"b": rectPolyline("det", 20, 20, 40, 40),
			"c": rectPolyline("det", 5, 50, 60, 70),
		}
		for _, n := range names {
			r.AddRegionMask(n, TypeRegion, []DetectorPolyline{rects[n]}, ViewRaw)
		}
		mask, err := r.RawMasksFor("det", nil, instr)
		if err != nil {
			t.Fatalf("combining masks: %v", err)
		}
		return mask
	}

	m1 := build([]string{"a", "b", "c"})
	m2 := build([]string{"c", "a", "b"})
	for i := range m1 {
		if m1[i] != m2[i] {
			t.Fatalf("combined mask depends on insertion order at index %d", i)
		}
	}
}

func TestHiddenMasksNotApplied(t *testing.T) {
	r := NewRegistry()
	instr := testInstrument()

	m := r.AddRegionMask("region", TypeRegion,
		[]DetectorPolyline{rectPolyline("det", 10, 10, 30, 30)}, ViewRaw)
	r.SetVisible(m.Name(), false)

	mask, err := r.RawMasksFor("det", nil, instr)
	if err != nil {
		t.Fatalf("combining masks: %v", err)
	}
	for i, v := range mask {
		if !v {
			t.Fatalf("pixel %d masked by a hidden mask", i)
		}
	}
}

func TestBorderOnlyMasks(t *testing.T) {
	r := NewRegistry()
	m := r.AddRegionMask("region", TypeRegion, nil, ViewRaw)
	th := r.AddThresholdMask("threshold", 0, 100)

	r.UpdateMaskVisibility(nil)
	r.UpdateBorderVisibility([]string{m.Name(), th.Name()})

	if !m.ShowBorder() {
		t.Error("region mask border not enabled")
	}
	if th.ShowBorder() {
		t.Error("threshold mask must not accept border display")
	}
	if !r.ContainsBorderOnlyMasks() {
		t.Error("hidden mask with border should report border-only")
	}
}

// Converting a detector-space polyline to polar angles and back must
// land on the original pixels to within a pixel, the tolerance the
// up-sampling resolutions are chosen for.
func TestRawPolarRoundTrip(t *testing.T) {
	instr := testInstrument()

	orig := [][2]float64{{20, 20}, {80, 20}, {80, 80}, {20, 80}}
	polar, err := ConvertRawToPolar(instr, "det", orig, -math.Pi)
	if err != nil {
		t.Fatalf("raw to polar: %v", err)
	}

	back := ConvertPolarToRaw(instr, [][][2]float64{polar})
	if len(back) != 1 {
		t.Fatalf("round trip produced %d polylines, want 1", len(back))
	}
	if back[0].Detector != "det" {
		t.Fatalf("round trip landed on detector %q", back[0].Detector)
	}

	// every original vertex has a round-tripped point within 1 pixel
	for _, pt := range orig {
		best := math.Inf(1)
		for _, q := range back[0].Points {
			d := math.Hypot(q[0]-pt[0], q[1]-pt[1])
			if d < best {
				best = d
			}
		}
		if best > 1 {
			t.Errorf("vertex %v: nearest round-tripped point %g px away", pt, best)
		}
	}
}

func TestPolarVisibleMaskCaches(t *testing.T) {
	r := NewRegistry()
	instr := testInstrument()
	grid, err := polargrid.New(deg(1), deg(8), deg(-180), deg(180), 0.05, 0.5)
	if err != nil {
		t.Fatalf("creating grid: %v", err)
	}

	m := r.AddRegionMask("region", TypeRegion,
		[]DetectorPolyline{rectPolyline("det", 30, 30, 70, 70)}, ViewRaw)

	a, err := r.PolarVisibleMask(instr, grid)
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	b, err := r.PolarVisibleMask(instr, grid)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("cached polar mask differs from first computation")
		}
	}

	// a geometry change must invalidate the cached array
	r.InvalidateDetectorMasks([]string{"det"})
	if m.cachedPolar != nil {
		t.Error("detector invalidation left the polar cache in place")
	}
}

func TestApplyMasksToPanelBuffers(t *testing.T) {
	r := NewRegistry()
	instr := testInstrument()

	r.AddRegionMask("region", TypeRegion,
		[]DetectorPolyline{rectPolyline("det", 10, 10, 30, 30)}, ViewRaw)
	if err := r.ApplyMasksToPanelBuffers(instr); err != nil {
		t.Fatalf("applying masks to buffers: %v", err)
	}

	buf := instr.Panel("det").Buffer()
	if buf == nil {
		t.Fatal("panel buffer not set")
	}
	if buf[15*100+15] {
		t.Error("masked pixel still valid in panel buffer")
	}
	if !buf[50*100+50] {
		t.Error("unmasked pixel lost from panel buffer")
	}
}
