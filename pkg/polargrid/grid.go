// Package polargrid defines the regular (two-theta, eta) angular grid
// that detector images are re-projected onto, along with the affine
// pixel<->angle mappings used by the rasterizer and the warping code.
package polargrid

import (
	"fmt"
	"math"
	"sync"
)

// InvalidRangeError reports a grid axis whose configuration cannot
// produce a valid sample grid.
type InvalidRangeError struct {
	// Axis is "tth" or "eta"
	Axis string

	// Min and Max are the configured bounds in radians
	Min, Max float64

	// PixelSize is the configured pixel size in degrees per pixel
	PixelSize float64
}

func (e *InvalidRangeError) Error() string {
	if e.PixelSize <= 0 {
		return fmt.Sprintf("polargrid: %s pixel size must be positive, got %g",
			e.Axis, e.PixelSize)
	}
	return fmt.Sprintf("polargrid: %s range invalid, min %g must be less than max %g",
		e.Axis, e.Min, e.Max)
}

// Grid is the regular sample grid of the polar view. Angular bounds are
// in radians, pixel sizes in degrees per pixel. A Grid is a stateless
// value object: it has no identity beyond its configuration, and callers
// construct a fresh one whenever any bound or pixel size changes.
type Grid struct {
	tthMin, tthMax float64
	etaMin, etaMax float64
	tthPixelSize   float64
	etaPixelSize   float64

	// lazily built center-of-pixel sample coordinates
	once    sync.Once
	etaGrid []float64
	tthGrid []float64
}

// New validates the configuration and constructs a Grid. Both axes must
// satisfy min < max and have a positive pixel size; violations are
// rejected with an InvalidRangeError before any allocation happens.
func New(tthMin, tthMax, etaMin, etaMax, tthPixelSize, etaPixelSize float64) (*Grid, error) {
	if tthPixelSize <= 0 || tthMax <= tthMin {
		return nil, &InvalidRangeError{
			Axis: "tth", Min: tthMin, Max: tthMax, PixelSize: tthPixelSize,
		}
	}
	if etaPixelSize <= 0 || etaMax <= etaMin {
		return nil, &InvalidRangeError{
			Axis: "eta", Min: etaMin, Max: etaMax, PixelSize: etaPixelSize,
		}
	}
	return &Grid{
		tthMin:       tthMin,
		tthMax:       tthMax,
		etaMin:       etaMin,
		etaMax:       etaMax,
		tthPixelSize: tthPixelSize,
		etaPixelSize: etaPixelSize,
	}, nil
}

// TthMin returns the lower two-theta bound in radians.
func (g *Grid) TthMin() float64 { return g.tthMin }

// TthMax returns the upper two-theta bound in radians.
func (g *Grid) TthMax() float64 { return g.tthMax }

// EtaMin returns the lower eta bound in radians.
func (g *Grid) EtaMin() float64 { return g.etaMin }

// EtaMax returns the upper eta bound in radians.
func (g *Grid) EtaMax() float64 { return g.etaMax }

// TthPixelSize returns the two-theta pixel size in degrees per pixel.
func (g *Grid) TthPixelSize() float64 { return g.tthPixelSize }

// EtaPixelSize returns the eta pixel size in degrees per pixel.
func (g *Grid) EtaPixelSize() float64 { return g.etaPixelSize }

// Ntth is the number of grid columns along the two-theta axis.
func (g *Grid) Ntth() int {
	tthRange := g.tthMax - g.tthMin
	return int(math.Ceil(degrees(tthRange) / g.tthPixelSize))
}

// Neta is the number of grid rows along the eta axis.
func (g *Grid) Neta() int {
	etaRange := g.etaMax - g.etaMin
	return int(math.Ceil(degrees(etaRange) / g.etaPixelSize))
}

// Shape returns the grid dimensions as (neta, ntth).
func (g *Grid) Shape() (neta, ntth int) {
	return g.Neta(), g.Ntth()
}

// AngularGrid returns the center-of-pixel sample coordinates for every
// grid cell, as two flat row-major arrays of length neta*ntth indexed
// ij: eta varies along rows, tth along columns. The arrays are built
// once on first use, safe for concurrent callers, and must not be
// mutated.
func (g *Grid) AngularGrid() (etaGrid, tthGrid []float64) {
	g.once.Do(func() {
		neta, ntth := g.Shape()
		etaStep := radians(g.etaPixelSize)
		tthStep := radians(g.tthPixelSize)

		g.etaGrid = make([]float64, neta*ntth)
		g.tthGrid = make([]float64, neta*ntth)
		for i := 0; i < neta; i++ {
			eta := g.etaMin + (float64(i)+0.5)*etaStep
			for j := 0; j < ntth; j++ {
				idx := i*ntth + j
				g.etaGrid[idx] = eta
				g.tthGrid[idx] = g.tthMin + (float64(j)+0.5)*tthStep
			}
		}
	})
	return g.etaGrid, g.tthGrid
}

// TthToPixel converts a two-theta value in radians to a fractional
// pixel coordinate along the two-theta axis. The inverse of the grid
// construction: TthToPixel(tthMin) == 0, and a pixel center maps to
// pixel index + 0.5.
func (g *Grid) TthToPixel(tth float64) float64 {
	return degrees(tth-g.tthMin) / g.tthPixelSize
}

// EtaToPixel converts an eta value in radians to a fractional pixel
// coordinate along the eta axis.
func (g *Grid) EtaToPixel(eta float64) float64 {
	return degrees(eta-g.etaMin) / g.etaPixelSize
}

// Extent returns [tthMin, tthMax, etaMax, etaMin] in radians, spanning
// the outer pixel edges of the sampled grid. Consumers use this to
// place the computed image on axes.
func (g *Grid) Extent() [4]float64 {
	etaGrid, tthGrid := g.AngularGrid()
	htps := 0.5 * radians(g.tthPixelSize)
	heps := 0.5 * radians(g.etaPixelSize)

	n := len(tthGrid)
	return [4]float64{
		tthGrid[0] - htps,
		tthGrid[n-1] + htps,
		etaGrid[n-1] + heps,
		etaGrid[0] - heps,
	}
}

// Signature returns a hashable identity for the grid configuration,
// used to key projection caches.
func (g *Grid) Signature() string {
	return fmt.Sprintf("grid:%.17g:%.17g:%.17g:%.17g:%.17g:%.17g",
		g.tthMin, g.tthMax, g.etaMin, g.etaMax, g.tthPixelSize, g.etaPixelSize)
}

func degrees(rad float64) float64 { return rad * 180.0 / math.Pi }

func radians(deg float64) float64 { return deg * math.Pi / 180.0 }
