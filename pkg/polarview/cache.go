package polarview

import (
	"sync"

	"polarproj/pkg/instrument"
	"polarproj/pkg/polargrid"
)

// ProjectionCache memoizes the per-panel sample coordinates of the
// polar grid. Projecting every grid pixel through the panel geometry
// dominates the cost of a full rebuild, and the result only depends on
// the grid and the panel geometry, so it is keyed by their combined
// signature and survives until one of them changes.
type ProjectionCache struct {
	mu      sync.Mutex
	entries map[string]map[string][]instrument.XY

	// computations counts cache misses. Tests use it to prove that
	// pipeline parameter changes do not re-project.
	computations int
}

// NewProjectionCache creates an empty cache.
func NewProjectionCache() *ProjectionCache {
	return &ProjectionCache{entries: make(map[string]map[string][]instrument.XY)}
}

// SampleCoords returns the cartesian sample coordinates of every polar
// grid pixel on the given panel, computing them on first use. The
// returned slice is shared; callers must not modify it.
func (c *ProjectionCache) SampleCoords(panel instrument.Panel, grid *polargrid.Grid, beamVec, tvecS instrument.Vec3) []instrument.XY {
	key := grid.Signature() + "|" + panel.Signature()

	c.mu.Lock()
	byKey := c.entries[panel.Name()]
	if pts, ok := byKey[key]; ok {
		c.mu.Unlock()
		return pts
	}
	c.computations++
	c.mu.Unlock()

	etaGrid, tthGrid := grid.AngularGrid()
	pts := make([]instrument.XY, len(tthGrid))
	for i := range tthGrid {
		x, y := panel.Project(tthGrid[i], etaGrid[i], beamVec, tvecS)
		pts[i] = instrument.XY{X: x, Y: y}
	}

	c.mu.Lock()
	if c.entries[panel.Name()] == nil {
		c.entries[panel.Name()] = make(map[string][]instrument.XY)
	}
	c.entries[panel.Name()][key] = pts
	c.mu.Unlock()
	return pts
}

// Computations returns the number of cache misses so far.
func (c *ProjectionCache) Computations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computations
}

// InvalidateDetector drops the cached projections of one panel.
func (c *ProjectionCache) InvalidateDetector(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// InvalidateAll drops every cached projection.
func (c *ProjectionCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]map[string][]instrument.XY)
	c.mu.Unlock()
}
