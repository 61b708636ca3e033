// Package polarview orchestrates the re-projection of per-detector
// images onto the shared angular grid and the correction pipeline that
// follows: background subtraction, intensity corrections, two theta
// distortion and mask application. The package produces two derived
// images, one for display and one for computation, and keeps them
// consistent through explicit caches so that cheap edits (masks, snip
// parameters) never pay for expensive stages (projection).
package polarview

import (
	"fmt"
	"math"
	"sync"

	"polarproj/internal/models"
	"polarproj/pkg/instrument"
	"polarproj/pkg/masking"
	"polarproj/pkg/polargrid"
)

// Params holds the correction pipeline configuration. The zero value
// disables every optional stage.
type Params struct {
	// SnipEnabled turns on background subtraction
	SnipEnabled bool

	// SnipAlgorithm selects the background estimator
	SnipAlgorithm SnipAlgorithm

	// SnipWidthDeg is the peak width in degrees of two theta; it is
	// converted to grid pixels against the grid's tth pixel size
	SnipWidthDeg float64

	// SnipNumIter is the clipping iteration count
	SnipNumIter int

	// ErodeSnipBand removes the border band where the clipping window
	// leaked edge values
	ErodeSnipBand bool

	// ApplySolidAngle enables the geometric solid angle correction
	ApplySolidAngle bool

	// ApplyPolarization enables the polarization correction with the
	// given fraction
	ApplyPolarization    bool
	PolarizationFraction float64

	// SubtractMinimum shifts the corrected image so its smallest valid
	// intensity is zero
	SubtractMinimum bool

	// Distortion is the optional two theta distortion; nil disables
	// the warp stage
	Distortion TthDistortion

	// NumWorkers bounds the per-detector warp parallelism; values
	// below 1 run the panels sequentially
	NumWorkers int

	// Verbose enables progress output
	Verbose bool
}

// PolarView owns the projection and correction pipeline for one
// instrument and grid. All collaborators are passed in at construction
// and shared: the mask registry in particular is typically also driven
// by UI code.
type PolarView struct {
	instr *instrument.Instrument
	grid  *polargrid.Grid
	masks *masking.Registry
	proj  *ProjectionCache

	mu     sync.Mutex
	params Params

	// raw per-detector images, keyed by panel name
	images map[string]*models.Image

	// warped is the per-detector warp cache. Entries are dropped when
	// the panel's image or geometry changes and recomputed on demand.
	warped map[string]*models.MaskedImage

	// composite is the summed raw polar image
	composite *models.MaskedImage

	// processed is the composite after snip, corrections and
	// distortion. ReapplyMasks derives both outputs from it without
	// redoing those stages.
	processed *models.MaskedImage

	// snipBkg is the background that was subtracted, kept for
	// inspection and export
	snipBkg []float64

	displayImage     []float64
	computationImage []float64

	// correction field cache, stamped with the signature it was
	// computed against
	corrField []float64
	corrSig   string

	// displacement field cache for the two theta distortion
	dispField []float64
	dispSig   string
}

// New creates a polar view over the given instrument, grid and mask
// registry. Mask edits notify the registry's observers; wiring
// ReapplyMasks to that notification is the caller's choice.
func New(instr *instrument.Instrument, grid *polargrid.Grid, masks *masking.Registry, params Params) *PolarView {
	return &PolarView{
		instr:  instr,
		grid:   grid,
		masks:  masks,
		proj:   NewProjectionCache(),
		params: params,
		images: make(map[string]*models.Image),
		warped: make(map[string]*models.MaskedImage),
	}
}

// Grid returns the polar grid the view is built on.
func (pv *PolarView) Grid() *polargrid.Grid { return pv.grid }

// Params returns the current pipeline configuration.
func (pv *PolarView) Params() Params {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.params
}

// SetParams replaces the pipeline configuration. The warp cache is
// untouched: parameter changes only affect the correction stages.
func (pv *PolarView) SetParams(params Params) {
	pv.mu.Lock()
	if params.Distortion == nil || pv.params.Distortion == nil ||
		params.Distortion.Signature() != pv.params.Distortion.Signature() {
		pv.dispField = nil
		pv.dispSig = ""
	}
	pv.params = params
	pv.mu.Unlock()
}

// SetImages replaces the raw detector images. Every image must match
// its panel's pixel grid. The warp cache for the supplied detectors is
// dropped.
func (pv *PolarView) SetImages(images map[string][]float64) error {
	checked := make(map[string]*models.Image, len(images))
	for det, data := range images {
		panel := pv.instr.Panel(det)
		if panel == nil {
			return fmt.Errorf("no panel named %q", det)
		}
		rows, cols := panel.Rows(), panel.Cols()
		if len(data) != rows*cols {
			return &masking.ShapeMismatchError{
				Got:  [2]int{len(data), 1},
				Want: [2]int{rows, cols},
			}
		}
		img := models.NewImage(cols, rows)
		copy(img.Data, data)
		checked[det] = img
	}

	pv.mu.Lock()
	for det, img := range checked {
		pv.images[det] = img
		delete(pv.warped, det)
	}
	pv.mu.Unlock()
	return nil
}

// UpdatePanelGeometry applies a new tilt and translation to a panel
// and invalidates everything derived from its geometry: the projection
// cache, the warp cache and the registry's converted mask arrays.
func (pv *PolarView) UpdatePanelGeometry(det string, tilt, tvec instrument.Vec3) error {
	panel := pv.instr.Panel(det)
	if panel == nil {
		return fmt.Errorf("no panel named %q", det)
	}
	switch p := panel.(type) {
	case *instrument.PlanarPanel:
		p.SetGeometry(tilt, tvec)
	case *instrument.CylindricalPanel:
		p.SetGeometry(tilt, tvec)
	default:
		return &instrument.UnsupportedDistortionModelError{Kind: fmt.Sprintf("%T", panel)}
	}

	pv.proj.InvalidateDetector(det)
	pv.masks.InvalidateDetectorMasks([]string{det})

	pv.mu.Lock()
	delete(pv.warped, det)
	pv.dispField = nil
	pv.dispSig = ""
	pv.corrField = nil
	pv.corrSig = ""
	pv.mu.Unlock()
	return nil
}

// PanelHasData reports whether any polar grid pixel lands on the given
// panel, i.e. whether the panel contributes to the view at all.
func (pv *PolarView) PanelHasData(det string) bool {
	panel := pv.instr.Panel(det)
	if panel == nil {
		return false
	}
	pts := pv.proj.SampleCoords(panel, pv.grid, pv.instr.BeamVec, pv.instr.TvecS)
	for _, pt := range pts {
		if !math.IsNaN(pt.X) {
			return true
		}
	}
	return false
}

// WarpImage returns the warped polar image of one detector, computing
// it if the cache holds no current entry.
func (pv *PolarView) WarpImage(det string) (*models.MaskedImage, error) {
	pv.mu.Lock()
	if w, ok := pv.warped[det]; ok {
		pv.mu.Unlock()
		return w, nil
	}
	img := pv.images[det]
	pv.mu.Unlock()

	w, err := pv.createWarpImage(det, img)
	if err != nil {
		return nil, err
	}

	pv.mu.Lock()
	pv.warped[det] = w
	pv.mu.Unlock()
	return w, nil
}

// createWarpImage projects the polar grid onto the panel and samples
// the detector image at the projected pixel locations. Grid points
// that miss the panel, fall outside the image or touch invalid pixels
// come back as NaN and are marked in the invalid mask.
func (pv *PolarView) createWarpImage(det string, img *models.Image) (*models.MaskedImage, error) {
	panel := pv.instr.Panel(det)
	if panel == nil {
		return nil, fmt.Errorf("no panel named %q", det)
	}

	neta, ntth := pv.grid.Shape()
	out := models.NewMaskedImage(ntth, neta)
	if img == nil {
		// no image loaded for this detector; it contributes nothing
		return out, nil
	}

	pts := pv.proj.SampleCoords(panel, pv.grid, pv.instr.BeamVec, pv.instr.TvecS)
	values := instrument.InterpolateBilinear(panel, img, pts)
	for i, v := range values {
		out.Data[i] = v
		out.Invalid[i] = math.IsNaN(v)
	}
	return out, nil
}

// WarpAllImages warps every detector that has an image loaded,
// fanning the panels out over the configured number of workers.
func (pv *PolarView) WarpAllImages() error {
	pv.mu.Lock()
	params := pv.params
	var missing []string
	for det := range pv.images {
		if _, ok := pv.warped[det]; !ok {
			missing = append(missing, det)
		}
	}
	pv.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}
	if params.Verbose {
		fmt.Printf("Warping %d detectors onto the polar grid\n", len(missing))
	}

	workers := params.NumWorkers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	errs := make(chan error, len(missing))

	var wg sync.WaitGroup
	for _, det := range missing {
		wg.Add(1)
		sem <- struct{}{}
		go func(det string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := pv.WarpImage(det); err != nil {
				errs <- fmt.Errorf("warping %s: %v", det, err)
			}
		}(det)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// GenerateImage runs the full pipeline: warp every detector, composite
// the warped images, apply the correction stages and the masks.
func (pv *PolarView) GenerateImage() error {
	if err := pv.WarpAllImages(); err != nil {
		return err
	}

	comp := pv.compositeWarped()
	pv.mu.Lock()
	pv.composite = comp
	pv.mu.Unlock()

	return pv.ApplyImageProcessing()
}

// compositeWarped sums the warped detector images: data adds with
// invalid pixels contributing zero, and a pixel is invalid only where
// every panel is invalid.
func (pv *PolarView) compositeWarped() *models.MaskedImage {
	neta, ntth := pv.grid.Shape()
	out := models.NewMaskedImage(ntth, neta)
	for i := range out.Data {
		out.Data[i] = 0
	}

	pv.mu.Lock()
	warped := make([]*models.MaskedImage, 0, len(pv.warped))
	for _, w := range pv.warped {
		warped = append(warped, w)
	}
	pv.mu.Unlock()

	for _, w := range warped {
		for i := range out.Data {
			if !w.Invalid[i] {
				out.Data[i] += w.Data[i]
				out.Invalid[i] = false
			}
		}
	}
	for i := range out.Data {
		if out.Invalid[i] {
			out.Data[i] = math.NaN()
		}
	}
	return out
}

// ApplyImageProcessing runs the correction stages on the current
// composite and derives both outputs. The post-correction image is
// cached so ReapplyMasks can rerun only the final stage.
func (pv *PolarView) ApplyImageProcessing() error {
	pv.mu.Lock()
	comp := pv.composite
	params := pv.params
	pv.mu.Unlock()
	if comp == nil {
		return fmt.Errorf("no composite image; call GenerateImage first")
	}

	processed, bkg, err := pv.processComposite(comp, params)
	if err != nil {
		return err
	}

	pv.mu.Lock()
	pv.processed = processed
	pv.snipBkg = bkg
	pv.mu.Unlock()

	return pv.ReapplyMasks()
}

// processComposite applies snip, intensity corrections and the two
// theta distortion, in that order, to a copy of the composite.
func (pv *PolarView) processComposite(comp *models.MaskedImage, params Params) (*models.MaskedImage, []float64, error) {
	neta, ntth := pv.grid.Shape()
	out := comp.Clone()
	var bkg []float64

	if params.SnipEnabled {
		width := SnipWidthPixels(params.SnipWidthDeg, pv.grid.TthPixelSize())
		src := out.Data
		if params.SnipAlgorithm == SnipFast1D {
			// the fast variant cannot handle NaN; fill invalid pixels
			// with zero first
			src = out.Filled(0)
		}
		bkg = snipBackground(src, ntth, neta, params.SnipAlgorithm, width, params.SnipNumIter)
		for i := range out.Data {
			if !out.Invalid[i] && !math.IsNaN(bkg[i]) {
				out.Data[i] -= bkg[i]
			}
		}
		if params.ErodeSnipBand {
			erodeInvalidBand(out.Invalid, ntth, neta, erosionWidth(params.SnipNumIter, width))
			for i := range out.Data {
				if out.Invalid[i] {
					out.Data[i] = math.NaN()
				}
			}
		}
	}

	if params.ApplySolidAngle || params.ApplyPolarization {
		field, err := pv.correctionField(params)
		if err != nil {
			return nil, nil, err
		}
		for i := range out.Data {
			if !out.Invalid[i] && !math.IsNaN(field[i]) {
				out.Data[i] *= field[i]
			}
		}
		if params.SubtractMinimum {
			min := math.Inf(1)
			for i, v := range out.Data {
				if !out.Invalid[i] && v < min {
					min = v
				}
			}
			if !math.IsInf(min, 1) {
				for i := range out.Data {
					if !out.Invalid[i] {
						out.Data[i] -= min
					}
				}
			}
		}
	}

	if params.Distortion != nil {
		field, err := pv.displacementField(params.Distortion)
		if err != nil {
			return nil, nil, err
		}
		out.Data = applyTthDistortion(out.Data, field, pv.grid)
		for i := range out.Data {
			out.Invalid[i] = math.IsNaN(out.Data[i])
		}
	}

	return out, bkg, nil
}

// correctionField combines every enabled per-panel correction into one
// polar field: each panel field is warped like a raw image, the warps
// are averaged across panels ignoring NaN, and the enabled corrections
// multiply together. The result is cached against the geometry and
// parameters that produced it.
func (pv *PolarView) correctionField(params Params) ([]float64, error) {
	sig := fmt.Sprintf("%s|%v|%v|%.17g", pv.geometrySignature(),
		params.ApplySolidAngle, params.ApplyPolarization, params.PolarizationFraction)

	pv.mu.Lock()
	if pv.corrField != nil && pv.corrSig == sig {
		field := pv.corrField
		pv.mu.Unlock()
		return field, nil
	}
	pv.mu.Unlock()

	neta, ntth := pv.grid.Shape()
	combined := make([]float64, neta*ntth)
	for i := range combined {
		combined[i] = 1
	}

	apply := func(panelField func(instrument.Panel) *models.Image) error {
		warped := make([]*models.MaskedImage, 0, pv.instr.NumPanels())
		for _, det := range pv.instr.PanelNames() {
			panel := pv.instr.Panel(det)
			w, err := pv.createWarpImage(det, panelField(panel))
			if err != nil {
				return err
			}
			warped = append(warped, w)
		}
		mean := nanMeanAcross(warped, neta*ntth)
		for i := range combined {
			combined[i] *= mean[i]
		}
		return nil
	}

	if params.ApplySolidAngle {
		err := apply(func(p instrument.Panel) *models.Image {
			return instrument.SolidAngleCorrection(p, pv.instr.BeamVec, pv.instr.TvecS)
		})
		if err != nil {
			return nil, err
		}
	}
	if params.ApplyPolarization {
		err := apply(func(p instrument.Panel) *models.Image {
			return instrument.PolarizationCorrection(p, pv.instr.BeamVec, pv.instr.TvecS,
				params.PolarizationFraction)
		})
		if err != nil {
			return nil, err
		}
	}

	pv.mu.Lock()
	pv.corrField = combined
	pv.corrSig = sig
	pv.mu.Unlock()
	return combined, nil
}

// displacementField fetches or computes the cached two theta
// displacement field for the active distortion.
func (pv *PolarView) displacementField(d TthDistortion) ([]float64, error) {
	sig := d.Signature() + "|" + pv.grid.Signature() + "|" + pv.geometrySignature()

	pv.mu.Lock()
	if pv.dispField != nil && pv.dispSig == sig {
		field := pv.dispField
		pv.mu.Unlock()
		return field, nil
	}
	pv.mu.Unlock()

	var field []float64
	if d.HasPolarField() {
		field = d.PolarField(pv.grid)
	} else {
		neta, ntth := pv.grid.Shape()
		warped := make([]*models.MaskedImage, 0, pv.instr.NumPanels())
		for _, det := range pv.instr.PanelNames() {
			panel := pv.instr.Panel(det)
			w, err := pv.createWarpImage(det, d.PanelField(panel, pv.instr.BeamVec, pv.instr.TvecS))
			if err != nil {
				return nil, err
			}
			warped = append(warped, w)
		}
		field = nanMeanAcross(warped, neta*ntth)
	}

	pv.mu.Lock()
	pv.dispField = field
	pv.dispSig = sig
	pv.mu.Unlock()
	return field, nil
}

// InvalidateDistortionCache drops the cached displacement field, e.g.
// after distortion model parameters change behind the same interface
// value.
func (pv *PolarView) InvalidateDistortionCache() {
	pv.mu.Lock()
	pv.dispField = nil
	pv.dispSig = ""
	pv.mu.Unlock()
}

// ReapplyMasks re-derives both output images from the cached
// post-correction image. Only the mask stage runs, making mask edits
// cheap.
func (pv *PolarView) ReapplyMasks() error {
	pv.mu.Lock()
	processed := pv.processed
	pv.mu.Unlock()
	if processed == nil {
		return fmt.Errorf("no processed image; call GenerateImage first")
	}

	display, computation, err := pv.deriveMaskedImages(processed)
	if err != nil {
		return err
	}

	pv.mu.Lock()
	pv.displayImage = display
	pv.computationImage = computation
	pv.mu.Unlock()
	return nil
}

// deriveMaskedImages runs the mask stage: the display image hides
// every pixel excluded by a visible mask or invalid after processing,
// and the computation image additionally hides the boundary-only
// analysis exclusions.
func (pv *PolarView) deriveMaskedImages(processed *models.MaskedImage) (display, computation []float64, err error) {
	visible, err := pv.masks.PolarVisibleMask(pv.instr, pv.grid)
	if err != nil {
		return nil, nil, err
	}
	boundary, err := pv.masks.PolarBoundaryMask(pv.instr, pv.grid)
	if err != nil {
		return nil, nil, err
	}

	display = make([]float64, len(processed.Data))
	computation = make([]float64, len(processed.Data))
	var threshold []bool
	if th := pv.masks.ThresholdMask(); th != nil && th.Visible() {
		threshold = th.Evaluate(processed.Data)
	}
	for i, v := range processed.Data {
		if processed.Invalid[i] || !visible[i] || (threshold != nil && !threshold[i]) {
			display[i] = math.NaN()
		} else {
			display[i] = v
		}
		if math.IsNaN(display[i]) || !boundary[i] {
			computation[i] = math.NaN()
		} else {
			computation[i] = v
		}
	}
	return display, computation, nil
}

// DisplayImage returns the masked display image, NaN where hidden.
func (pv *PolarView) DisplayImage() []float64 {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.displayImage
}

// ComputationImage returns the display image further intersected with
// the boundary-only analysis exclusions.
func (pv *PolarView) ComputationImage() []float64 {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.computationImage
}

// RawComposite returns the unprocessed composite polar image.
func (pv *PolarView) RawComposite() *models.MaskedImage {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.composite
}

// SnipBackground returns the background subtracted by the last
// processing run, or nil when snip was disabled.
func (pv *PolarView) SnipBackground() []float64 {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.snipBkg
}

// ProjectionComputations exposes the projection cache miss counter.
func (pv *PolarView) ProjectionComputations() int {
	return pv.proj.Computations()
}

// geometrySignature combines the signatures of every panel, so caches
// derived from the whole instrument can detect any geometry change.
func (pv *PolarView) geometrySignature() string {
	sig := ""
	for _, det := range pv.instr.PanelNames() {
		sig += pv.instr.Panel(det).Signature() + ";"
	}
	return sig
}

// nanMeanAcross averages the warped images pixel by pixel, counting
// only valid contributions. Pixels with no valid contribution at all
// are NaN; that is the expected state wherever panels do not overlap.
func nanMeanAcross(warped []*models.MaskedImage, n int) []float64 {
	sum := make([]float64, n)
	count := make([]int, n)
	for _, w := range warped {
		for i := range sum {
			if !w.Invalid[i] && !math.IsNaN(w.Data[i]) {
				sum[i] += w.Data[i]
				count[i]++
			}
		}
	}
	out := make([]float64, n)
	for i := range out {
		if count[i] == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum[i] / float64(count[i])
		}
	}
	return out
}

// SqrtScaleImage returns a copy of img with a square root intensity
// scale, clamping negatives to zero first.
func SqrtScaleImage(img []float64) []float64 {
	out := make([]float64, len(img))
	for i, v := range img {
		if v < 0 {
			v = 0
		}
		out[i] = math.Sqrt(v)
	}
	return out
}

// LogScaleImage returns a copy of img with a log(1+v) intensity scale,
// clamping negatives to zero first.
func LogScaleImage(img []float64) []float64 {
	out := make([]float64, len(img))
	for i, v := range img {
		if v < 0 {
			v = 0
		}
		out[i] = math.Log1p(v)
	}
	return out
}
