// Package instrument models the multi-panel area detector: panel
// geometry, projection of scattering angles onto panels, the inverse
// pixel-to-angle mapping, and per-panel correction fields. The polar
// view consumes these capabilities without owning them.
package instrument

import (
	"fmt"
	"sort"
)

// UnsupportedDistortionModelError reports an unknown panel kind or
// distortion function name encountered while building an instrument.
type UnsupportedDistortionModelError struct {
	// Kind is the unrecognized panel kind or distortion name
	Kind string
}

func (e *UnsupportedDistortionModelError) Error() string {
	return fmt.Sprintf("instrument: unsupported panel or distortion model %q", e.Kind)
}

// Vec3 is a 3-component vector in the lab frame.
type Vec3 [3]float64

// Instrument is a named collection of detector panels sharing a beam
// vector and a sample translation. It is constructed explicitly and
// passed by reference to every component that needs it; there is no
// process-wide instance.
type Instrument struct {
	// BeamVec is the unit incident beam direction in the lab frame
	BeamVec Vec3

	// TvecS is the sample translation vector
	TvecS Vec3

	panels map[string]Panel
}

// DefaultBeamVec is the conventional beam direction, along -z.
var DefaultBeamVec = Vec3{0, 0, -1}

// New creates an empty instrument with the default beam vector.
func New() *Instrument {
	return &Instrument{
		BeamVec: DefaultBeamVec,
		panels:  make(map[string]Panel),
	}
}

// AddPanel registers a panel under its name, replacing any previous
// panel with the same name.
func (ins *Instrument) AddPanel(p Panel) {
	ins.panels[p.Name()] = p
}

// Panel returns the panel with the given name, or nil if absent.
func (ins *Instrument) Panel(name string) Panel {
	return ins.panels[name]
}

// PanelNames returns the panel names in sorted order, so that
// composition over panels is deterministic.
func (ins *Instrument) PanelNames() []string {
	names := make([]string, 0, len(ins.panels))
	for name := range ins.panels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumPanels returns the number of registered panels.
func (ins *Instrument) NumPanels() int {
	return len(ins.panels)
}
