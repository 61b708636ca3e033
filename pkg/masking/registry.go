package masking

import (
	"fmt"
	"sync"

	"polarproj/pkg/instrument"
	"polarproj/pkg/polargrid"
)

// LineStyle describes how mask boundaries are drawn by a frontend.
// The registry only stores it alongside the masks so it round trips
// through the mask file.
type LineStyle struct {
	Color string  `yaml:"color"`
	Style string  `yaml:"style"`
	Width float64 `yaml:"width"`
}

// Registry owns the full set of mask entities and answers combined
// mask queries. All mutating operations notify registered observers
// synchronously after the change has been applied.
type Registry struct {
	mu        sync.Mutex
	masks     map[string]Mask
	order     []string
	viewMode  ViewMode
	boundary  LineStyle
	highlight LineStyle
	observers []func()
}

// NewRegistry creates an empty registry in raw view mode.
func NewRegistry() *Registry {
	return &Registry{
		masks:     make(map[string]Mask),
		viewMode:  ViewRaw,
		boundary:  LineStyle{Color: "#000000", Style: "solid", Width: 1},
		highlight: LineStyle{Color: "#ff0000", Style: "dashed", Width: 2},
	}
}

// OnChanged registers an observer to be called after every mutation of
// the mask set. Observers run synchronously on the mutating goroutine.
func (r *Registry) OnChanged(fn func()) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

func (r *Registry) notify() {
	r.mu.Lock()
	obs := make([]func(), len(r.observers))
	copy(obs, r.observers)
	r.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

// ViewMode returns the coordinate space newly drawn masks are
// attributed to.
func (r *Registry) ViewMode() ViewMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewMode
}

// SetViewMode records the coordinate space the frontend is currently
// displaying.
func (r *Registry) SetViewMode(mode ViewMode) {
	r.mu.Lock()
	r.viewMode = mode
	r.mu.Unlock()
}

// uniqueName returns name, or name suffixed with an increasing counter
// until it no longer collides with an existing mask. Caller holds the
// lock.
func (r *Registry) uniqueName(name string) string {
	if _, ok := r.masks[name]; !ok {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if _, ok := r.masks[candidate]; !ok {
			return candidate
		}
	}
}

func (r *Registry) insert(m Mask) {
	r.masks[m.Name()] = m
	r.order = append(r.order, m.Name())
}

// AddRegionMask creates a geometric mask from detector space polylines
// and returns it. The requested name is de-duplicated if needed.
func (r *Registry) AddRegionMask(name string, mtype Type, coords []DetectorPolyline, mode ViewMode) *RegionMask {
	r.mu.Lock()
	m := &RegionMask{
		baseMask: baseMask{
			name:    r.uniqueName(name),
			mtype:   mtype,
			visible: true,
			mode:    mode,
		},
		coords: coords,
	}
	r.insert(m)
	r.mu.Unlock()
	r.notify()
	return m
}

// AddThresholdMask creates the threshold mask with the given intensity
// window. At most one threshold mask is meaningful; callers should
// remove an existing one first if replacing.
func (r *Registry) AddThresholdMask(name string, minVal, maxVal float64) *ThresholdMask {
	r.mu.Lock()
	m := newThresholdMask(r.uniqueName(name))
	m.MinVal = minVal
	m.MaxVal = maxVal
	r.insert(m)
	r.mu.Unlock()
	r.notify()
	return m
}

// RemoveMask deletes the named mask. Removing an unknown name is a
// no-op.
func (r *Registry) RemoveMask(name string) {
	r.mu.Lock()
	if _, ok := r.masks[name]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.masks, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.notify()
}

// Mask returns the named mask, or nil.
func (r *Registry) Mask(name string) Mask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.masks[name]
}

// MaskNames returns the mask names in insertion order.
func (r *Registry) MaskNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// UpdateName renames a mask, de-duplicating the new name. Returns the
// name actually assigned.
func (r *Registry) UpdateName(oldName, newName string) string {
	r.mu.Lock()
	m, ok := r.masks[oldName]
	if !ok || oldName == newName {
		r.mu.Unlock()
		return oldName
	}
	assigned := r.uniqueName(newName)
	delete(r.masks, oldName)
	m.setName(assigned)
	r.masks[assigned] = m
	for i, n := range r.order {
		if n == oldName {
			r.order[i] = assigned
			break
		}
	}
	r.mu.Unlock()
	r.notify()
	return assigned
}

// UpdateMaskVisibility sets which masks are applied to image data.
// Masks not listed become hidden.
func (r *Registry) UpdateMaskVisibility(visible []string) {
	want := make(map[string]bool, len(visible))
	for _, n := range visible {
		want[n] = true
	}
	r.mu.Lock()
	for name, m := range r.masks {
		m.setVisible(want[name])
	}
	r.mu.Unlock()
	r.notify()
}

// UpdateBorderVisibility sets which masks have their boundaries drawn.
// Border display only applies to geometric mask kinds; requests for
// other kinds are ignored.
func (r *Registry) UpdateBorderVisibility(borders []string) {
	want := make(map[string]bool, len(borders))
	for _, n := range borders {
		want[n] = true
	}
	r.mu.Lock()
	for name, m := range r.masks {
		switch m.Type() {
		case TypeRegion, TypePolygon, TypePinhole:
			m.setShowBorder(want[name])
		default:
			m.setShowBorder(false)
		}
	}
	r.mu.Unlock()
	r.notify()
}

// SetVisible toggles a single mask.
func (r *Registry) SetVisible(name string, v bool) {
	r.mu.Lock()
	m, ok := r.masks[name]
	if ok {
		m.setVisible(v)
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

// VisibleMasks returns the masks currently applied to image data.
func (r *Registry) VisibleMasks() []Mask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Mask
	for _, name := range r.order {
		if m := r.masks[name]; m.Visible() {
			out = append(out, m)
		}
	}
	return out
}

// BorderMasks returns the masks whose boundaries should be drawn.
func (r *Registry) BorderMasks() []Mask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Mask
	for _, name := range r.order {
		if m := r.masks[name]; m.ShowBorder() {
			out = append(out, m)
		}
	}
	return out
}

// ContainsBorderOnlyMasks reports whether any mask is hidden from the
// data but still has its boundary drawn.
func (r *Registry) ContainsBorderOnlyMasks() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.masks {
		if m.ShowBorder() && !m.Visible() {
			return true
		}
	}
	return false
}

// ThresholdMask returns the threshold mask if one exists.
func (r *Registry) ThresholdMask() *ThresholdMask {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if m, ok := r.masks[name].(*ThresholdMask); ok {
			return m
		}
	}
	return nil
}

// RawMasksFor combines all visible masks into a single per-detector
// array (true = visible) for the given detector and image frame.
func (r *Registry) RawMasksFor(det string, img []float64, instr *instrument.Instrument) ([]bool, error) {
	panel := instr.Panel(det)
	if panel == nil {
		return nil, &InvalidGeometryError{Reason: "unknown detector " + det}
	}
	n := panel.Rows() * panel.Cols()
	if img != nil && len(img) != n {
		return nil, &ShapeMismatchError{
			Got:  [2]int{len(img), 1},
			Want: [2]int{panel.Rows(), panel.Cols()},
		}
	}

	combined := make([]bool, n)
	for i := range combined {
		combined[i] = true
	}
	for _, m := range r.VisibleMasks() {
		switch mask := m.(type) {
		case *RegionMask:
			raw, err := mask.RawArrays(instr)
			if err != nil {
				return nil, err
			}
			andInPlace(combined, raw[det])
		case *ThresholdMask:
			if img != nil {
				andInPlace(combined, mask.Evaluate(img))
			}
		}
	}
	return combined, nil
}

// PolarVisibleMask combines all visible geometric masks on the polar
// grid. Threshold masks are excluded: they apply to resampled
// intensities and are evaluated by the view pipeline against the
// warped image.
func (r *Registry) PolarVisibleMask(instr *instrument.Instrument, grid *polargrid.Grid) ([]bool, error) {
	return r.combinePolar(r.VisibleMasks(), instr, grid)
}

// PolarBoundaryMask combines the border-only masks on the polar grid,
// for rendering mask outlines over unmasked data.
func (r *Registry) PolarBoundaryMask(instr *instrument.Instrument, grid *polargrid.Grid) ([]bool, error) {
	r.mu.Lock()
	var borderOnly []Mask
	for _, name := range r.order {
		if m := r.masks[name]; m.ShowBorder() && !m.Visible() {
			borderOnly = append(borderOnly, m)
		}
	}
	r.mu.Unlock()
	return r.combinePolar(borderOnly, instr, grid)
}

func (r *Registry) combinePolar(masks []Mask, instr *instrument.Instrument, grid *polargrid.Grid) ([]bool, error) {
	neta, ntth := grid.Shape()
	combined := make([]bool, neta*ntth)
	for i := range combined {
		combined[i] = true
	}
	for _, m := range masks {
		mask, ok := m.(*RegionMask)
		if !ok {
			continue
		}
		arr, err := mask.PolarArray(instr, grid)
		if err != nil {
			return nil, err
		}
		andInPlace(combined, arr)
	}
	return combined, nil
}

// andInPlace intersects b into a. A nil b leaves a untouched.
func andInPlace(a, b []bool) {
	if b == nil {
		return
	}
	for i := range a {
		a[i] = a[i] && b[i]
	}
}

// InvalidateDetectorMasks drops cached arrays of every geometric mask
// that references any of the given detectors, after a geometry change
// on those panels.
func (r *Registry) InvalidateDetectorMasks(dets []string) {
	r.mu.Lock()
	for _, name := range r.order {
		if m, ok := r.masks[name].(*RegionMask); ok && m.touchesDetectors(dets) {
			m.Invalidate()
		}
	}
	r.mu.Unlock()
}

// InvalidateAll drops every cached mask array.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	for _, m := range r.masks {
		m.Invalidate()
	}
	r.mu.Unlock()
}

// ClearAll removes every mask.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	r.masks = make(map[string]Mask)
	r.order = nil
	r.mu.Unlock()
	r.notify()
}

// ApplyMasksToPanelBuffers folds the combined visible mask of each
// detector into the panel buffers, so masked pixels are treated like
// hardware-invalid pixels by every later resampling step.
func (r *Registry) ApplyMasksToPanelBuffers(instr *instrument.Instrument) error {
	for _, det := range instr.PanelNames() {
		combined, err := r.RawMasksFor(det, nil, instr)
		if err != nil {
			return err
		}
		panel := instr.Panel(det)
		buf := panel.Buffer()
		merged := make([]bool, len(combined))
		for i := range merged {
			// panel buffer true = usable, mask true = visible
			merged[i] = combined[i] && (buf == nil || buf[i])
		}
		panel.SetBuffer(merged)
	}
	return nil
}
