package instrument

import (
	"math"

	"polarproj/internal/models"
)

// XY is a projected cartesian coordinate pair. NaN components mark
// points with no valid projection.
type XY struct {
	X, Y float64
}

// InterpolateBilinear samples a panel image at fractional cartesian
// coordinates. Out-of-range points, NaN coordinates, and points whose
// neighborhood touches a buffered-out pixel all resolve to NaN; the
// caller can recover exactly those positions from the NaN values.
func InterpolateBilinear(p Panel, img *models.Image, pts []XY) []float64 {
	if img.Width != p.Cols() || img.Height != p.Rows() {
		// Shape mismatches are caught by callers before warping; this
		// is a final guard against sampling out of bounds.
		out := make([]float64, len(pts))
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	rows, cols := p.Rows(), p.Cols()
	buffer := p.Buffer()
	out := make([]float64, len(pts))

	sample := func(r, c int) float64 {
		if r < 0 || r >= rows || c < 0 || c >= cols {
			return math.NaN()
		}
		if buffer != nil && !buffer[r*cols+c] {
			return math.NaN()
		}
		return img.Data[r*cols+c]
	}

	for i, pt := range pts {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
			out[i] = math.NaN()
			continue
		}
		row, col := p.CartToPixel(pt.X, pt.Y)
		if row < 0 || row > float64(rows-1) || col < 0 || col > float64(cols-1) {
			out[i] = math.NaN()
			continue
		}

		r0 := int(math.Floor(row))
		c0 := int(math.Floor(col))
		r1, c1 := r0+1, c0+1
		if r1 > rows-1 {
			r1 = rows - 1
		}
		if c1 > cols-1 {
			c1 = cols - 1
		}
		fr := row - float64(r0)
		fc := col - float64(c0)

		v00 := sample(r0, c0)
		v01 := sample(r0, c1)
		v10 := sample(r1, c0)
		v11 := sample(r1, c1)

		out[i] = (1-fr)*((1-fc)*v00+fc*v01) + fr*((1-fc)*v10+fc*v11)
	}

	return out
}

// ApplyBuffer fills buffered-out pixels of an image with the given
// value, in place. Zero fill keeps invalid pixels from bleeding into
// neighboring polar cells during warping.
func ApplyBuffer(p Panel, img *models.Image, fill float64) {
	buffer := p.Buffer()
	if buffer == nil {
		return
	}
	for i, ok := range buffer {
		if !ok {
			img.Data[i] = fill
		}
	}
}
