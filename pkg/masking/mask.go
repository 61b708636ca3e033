package masking

import (
	"math"
	"strconv"

	"polarproj/pkg/instrument"
	"polarproj/pkg/polargrid"
)

// Type identifies the kind of a mask entity.
type Type string

const (
	TypeRegion    Type = "region"  // rectangle or ellipse region
	TypePolygon   Type = "polygon" // hand drawn
	TypeThreshold Type = "threshold"
	TypePowder    Type = "powder"
	TypeLaue      Type = "laue"
	TypePinhole   Type = "pinhole"
)

// ViewMode identifies the coordinate space a mask was drawn in.
type ViewMode string

const (
	ViewRaw   ViewMode = "raw"
	ViewPolar ViewMode = "polar"
)

// DetectorPolyline is one polygon boundary on one detector, in
// (x=col, y=row) pixel coordinates.
type DetectorPolyline struct {
	Detector string
	Points   [][2]float64
}

// Mask is a named mask entity owned by a Registry.
type Mask interface {
	Name() string
	Type() Type
	Visible() bool
	ShowBorder() bool
	CreationViewMode() ViewMode
	XRaySource() string

	// Invalidate drops any cached rasterized arrays; the next query
	// recomputes them.
	Invalidate()

	setName(name string)
	setVisible(v bool)
	setShowBorder(v bool)
	record() Record
}

// baseMask carries the attributes shared by every mask kind.
type baseMask struct {
	name       string
	mtype      Type
	visible    bool
	showBorder bool
	mode       ViewMode
	xraySource string
}

func (m *baseMask) Name() string               { return m.name }
func (m *baseMask) Type() Type                 { return m.mtype }
func (m *baseMask) Visible() bool              { return m.visible }
func (m *baseMask) ShowBorder() bool           { return m.showBorder }
func (m *baseMask) CreationViewMode() ViewMode { return m.mode }
func (m *baseMask) XRaySource() string         { return m.xraySource }
func (m *baseMask) setName(name string)        { m.name = name }
func (m *baseMask) setVisible(v bool)          { m.visible = v }
func (m *baseMask) setShowBorder(v bool)       { m.showBorder = v }

// RegionMask is a geometric mask: one or more closed polylines in
// detector pixel space. Rasterized arrays for both views are cached
// per mask and stamped with the geometry signature they were computed
// against, so an instrument change makes them recompute rather than
// serve stale conversions.
type RegionMask struct {
	baseMask
	coords []DetectorPolyline

	cachedRaw    map[string][]bool
	cachedRawSig string

	cachedPolar    []bool
	cachedPolarSig string
}

// Coords returns the raw polylines owned by the mask. Callers must
// treat the result as read-only; use SetCoords to mutate.
func (m *RegionMask) Coords() []DetectorPolyline { return m.coords }

// SetCoords replaces the mask geometry and invalidates the cached
// rasterized arrays in both views.
func (m *RegionMask) SetCoords(coords []DetectorPolyline) {
	m.coords = coords
	m.Invalidate()
}

func (m *RegionMask) Invalidate() {
	m.cachedRaw = nil
	m.cachedRawSig = ""
	m.cachedPolar = nil
	m.cachedPolarSig = ""
}

// touchesDetectors reports whether the mask geometry references any of
// the given detectors.
func (m *RegionMask) touchesDetectors(dets []string) bool {
	for _, pl := range m.coords {
		for _, det := range dets {
			if pl.Detector == det {
				return true
			}
		}
	}
	return false
}

// rawSignature captures the per-detector shapes the raw arrays were
// rasterized against.
func rawSignature(instr *instrument.Instrument) string {
	sig := ""
	for _, det := range instr.PanelNames() {
		sig += instr.Panel(det).Signature() + ";"
	}
	return sig
}

// RawArrays returns the per-detector rasterized arrays (true =
// visible), computing and caching them on first use.
func (m *RegionMask) RawArrays(instr *instrument.Instrument) (map[string][]bool, error) {
	sig := rawSignature(instr)
	if m.cachedRaw != nil && m.cachedRawSig == sig {
		return m.cachedRaw, nil
	}

	out := make(map[string][]bool)
	for _, det := range instr.PanelNames() {
		panel := instr.Panel(det)

		var lines [][][2]float64
		for _, pl := range m.coords {
			if pl.Detector == det {
				lines = append(lines, pl.Points)
			}
		}

		mask, err := RasterizeRaw(lines, panel.Rows(), panel.Cols())
		if err != nil {
			return nil, err
		}
		out[det] = mask
	}

	m.cachedRaw = out
	m.cachedRawSig = sig
	return out, nil
}

// PolarArray returns the mask rasterized on the polar grid (true =
// visible), converting the raw polylines through the instrument
// geometry first. The result is cached against the grid and geometry
// signatures.
func (m *RegionMask) PolarArray(instr *instrument.Instrument, grid *polargrid.Grid) ([]bool, error) {
	sig := grid.Signature() + "|" + rawSignature(instr)
	if m.cachedPolar != nil && m.cachedPolarSig == sig {
		return m.cachedPolar, nil
	}

	var lines [][][2]float64
	for _, pl := range m.coords {
		line, err := ConvertRawToPolar(instr, pl.Detector, pl.Points, grid.EtaMin())
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	mask, err := RasterizePolar(lines, grid)
	if err != nil {
		return nil, err
	}

	m.cachedPolar = mask
	m.cachedPolarSig = sig
	return mask, nil
}

func (m *RegionMask) record() Record {
	rec := Record{
		Name:             m.name,
		Type:             string(m.mtype),
		Visible:          m.visible,
		Border:           m.showBorder,
		CreationViewMode: string(m.mode),
		XRaySource:       m.xraySource,
		Data:             make(map[string]map[string][][]float64),
	}
	for i, pl := range m.coords {
		det := rec.Data[pl.Detector]
		if det == nil {
			det = make(map[string][][]float64)
			rec.Data[pl.Detector] = det
		}
		pts := make([][]float64, len(pl.Points))
		for k, pt := range pl.Points {
			pts[k] = []float64{pt[0], pt[1]}
		}
		det[strconv.Itoa(i)] = pts
	}
	return rec
}

// ThresholdMask excludes pixels by intensity rather than geometry. It
// is recomputed from the current image frame on every query, since it
// is data-dependent, not geometry-dependent.
type ThresholdMask struct {
	baseMask
	MinVal float64
	MaxVal float64
}

// SetBounds updates the threshold window.
func (m *ThresholdMask) SetBounds(minVal, maxVal float64) {
	m.MinVal = minVal
	m.MaxVal = maxVal
}

// Invalidate is a no-op: threshold masks hold no cached arrays.
func (m *ThresholdMask) Invalidate() {}

// Evaluate computes the mask for the given image frame: true where the
// intensity lies within [MinVal, MaxVal].
func (m *ThresholdMask) Evaluate(img []float64) []bool {
	return CreateThresholdMask(img, m.MinVal, m.MaxVal)
}

func (m *ThresholdMask) record() Record {
	minVal, maxVal := m.MinVal, m.MaxVal
	return Record{
		Name:             m.name,
		Type:             string(m.mtype),
		Visible:          m.visible,
		Border:           m.showBorder,
		CreationViewMode: string(m.mode),
		XRaySource:       m.xraySource,
		MinVal:           &minVal,
		MaxVal:           &maxVal,
	}
}

// NewThresholdMask creates an unbounded threshold mask.
func newThresholdMask(name string) *ThresholdMask {
	return &ThresholdMask{
		baseMask: baseMask{
			name:    name,
			mtype:   TypeThreshold,
			visible: true,
		},
		MinVal: math.Inf(-1),
		MaxVal: math.Inf(1),
	}
}
