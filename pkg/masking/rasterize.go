// Package masking owns named mask entities, the registry that keeps
// their raw and polar representations consistent, and the stateless
// rasterization algorithms that turn user-drawn polylines into boolean
// exclusion arrays. Boolean arrays here always follow one polarity:
// true means the pixel is visible (unmasked).
package masking

import (
	"image"
	"math"
	"sort"

	"golang.org/x/image/vector"

	"polarproj/pkg/instrument"
	"polarproj/pkg/polargrid"
)

// wraparoundFraction of the eta axis height: any consecutive-vertex
// jump larger than this many rows means the polygon wraps through the
// periodic eta boundary instead of crossing the visible seam.
const wraparoundFraction = 0.95

// minSamplePointsPolar is the minimum polyline resolution when
// converting raw pixel coordinates to polar angles. It is higher than
// the polar-to-raw resolution so border points survive the round trip.
const minSamplePointsPolar = 500

// minSamplePointsRaw is the minimum polyline resolution when
// converting polar angles to raw pixel coordinates.
const minSamplePointsRaw = 300

// polygonToMask fills a polygon into a boolean array of the given
// dimensions. Vertices are fractional (x=col, y=row) pixel-corner
// coordinates. The result is true where the pixel is NOT covered.
func polygonToMask(poly [][2]float64, cols, rows int) []bool {
	mask := make([]bool, cols*rows)
	for i := range mask {
		mask[i] = true
	}
	if len(poly) < 3 {
		return mask
	}

	r := vector.NewRasterizer(cols, rows)
	r.MoveTo(float32(poly[0][0]), float32(poly[0][1]))
	for _, pt := range poly[1:] {
		r.LineTo(float32(pt[0]), float32(pt[1]))
	}
	r.ClosePath()

	dst := image.NewAlpha(image.Rect(0, 0, cols, rows))
	r.Draw(dst, dst.Bounds(), image.Opaque, image.Point{})

	for i, a := range dst.Pix {
		if a >= 0x80 {
			mask[i] = false
		}
	}
	return mask
}

// RasterizeRaw rasterizes detector-space polylines into a boolean mask
// of a detector image. Points are (x=col, y=row) pixel coordinates.
// True marks visible pixels; all polylines contribute exclusion (AND).
func RasterizeRaw(lines [][][2]float64, rows, cols int) ([]bool, error) {
	final := make([]bool, rows*cols)
	for i := range final {
		final[i] = true
	}

	for _, line := range lines {
		pts := dropNaNVertices(line)
		if len(pts) < 3 {
			return nil, &InvalidGeometryError{
				Reason:   "fewer than 3 effective vertices",
				Vertices: len(pts),
			}
		}
		mask := polygonToMask(pts, cols, rows)
		for i := range final {
			final[i] = final[i] && mask[i]
		}
	}
	return final, nil
}

// RasterizePolar rasterizes polar-space polylines into a boolean mask
// on the grid. Points are (tth, eta) in radians. True marks visible
// pixels. Polygons that wrap through the periodic eta boundary are
// split into exactly two sub-polygons, each closed against the nearer
// eta image border, and the halves are ANDed back together. Polylines
// producing more than two boundary gaps are rejected rather than
// silently mis-rasterized.
func RasterizePolar(lines [][][2]float64, grid *polargrid.Grid) ([]bool, error) {
	neta, ntth := grid.Shape()
	maxPixDiff := float64(neta) * wraparoundFraction

	final := make([]bool, neta*ntth)
	for i := range final {
		final[i] = true
	}

	for _, line := range lines {
		pts := dropNaNVertices(line)
		if len(pts) < 3 {
			return nil, &InvalidGeometryError{
				Reason:   "fewer than 3 effective vertices",
				Vertices: len(pts),
			}
		}

		iRow := make([]float64, len(pts))
		jCol := make([]float64, len(pts))
		eta := make([]float64, len(pts))
		for k, pt := range pts {
			jCol[k] = math.Floor(grid.TthToPixel(pt[0]))
			iRow[k] = math.Floor(grid.EtaToPixel(pt[1]))
			eta[k] = pt[1]
		}

		gaps := findGaps(iRow, maxPixDiff)
		if len(gaps) == 1 {
			// The polygon crosses the boundary an odd number of times
			// as drawn; force a 2-way split at the second-largest eta
			// step so both halves close properly.
			second := secondLargestStep(eta, gaps[0])
			gaps = append(gaps, second)
			sort.Ints(gaps)
		}
		if len(gaps) > 2 {
			return nil, &InvalidGeometryError{
				Reason:   "more than two eta wraparound gaps",
				Vertices: len(pts),
			}
		}

		var masks [][]bool
		if len(gaps) == 2 {
			// Split between the top and bottom of the image. The split
			// points sit just after each gap.
			g1, g2 := gaps[0]+1, gaps[1]+1

			row1, row2 := splitCoords(iRow, g1, g2)
			row1, row2 = bufferCoords(row1, row2, 0, float64(neta))

			col1, col2 := splitCoords(jCol, g1, g2)
			col1, col2 = interpolateSplitCoords(col1, col2)

			masks = [][]bool{
				perimeterToMask(row1, col1, ntth, neta),
				perimeterToMask(row2, col2, ntth, neta),
			}
		} else {
			masks = [][]bool{perimeterToMask(iRow, jCol, ntth, neta)}
		}

		for _, mask := range masks {
			for i := range final {
				final[i] = final[i] && mask[i]
			}
		}
	}
	return final, nil
}

// perimeterToMask assembles (row, col) coordinate slices into a
// polygon and fills it.
func perimeterToMask(r, c []float64, ntth, neta int) []bool {
	poly := make([][2]float64, len(r))
	for k := range r {
		poly[k] = [2]float64{c[k], r[k]}
	}
	return polygonToMask(poly, ntth, neta)
}

// findGaps returns the indices k where the eta-pixel jump between
// vertex k and k+1 exceeds the wraparound threshold.
func findGaps(iRow []float64, maxPixDiff float64) []int {
	var gaps []int
	for k := 0; k+1 < len(iRow); k++ {
		if math.Abs(iRow[k+1]-iRow[k]) > maxPixDiff {
			gaps = append(gaps, k)
		}
	}
	return gaps
}

// secondLargestStep returns the index of the largest eta step that is
// not the already-detected gap. This forces the 2-way split when the
// polygon crosses the periodic boundary only once as drawn.
func secondLargestStep(eta []float64, gap int) int {
	best := -1
	bestVal := math.Inf(-1)
	for k := 0; k+1 < len(eta); k++ {
		if k == gap {
			continue
		}
		d := math.Abs(eta[k+1] - eta[k])
		if d > bestVal {
			bestVal = d
			best = k
		}
	}
	return best
}

// splitCoords cuts a closed coordinate loop at the two split points,
// yielding the wrapped-around half and the middle half.
func splitCoords(x []float64, gap1, gap2 int) (coords1, coords2 []float64) {
	coords1 = append(append([]float64{}, x[gap2:]...), x[:gap1]...)
	coords2 = append([]float64{}, x[gap1:gap2]...)
	return coords1, coords2
}

// bufferCoords closes each half against an eta image border, choosing
// whichever border is closer to avoid an unnecessary long traverse.
func bufferCoords(coords1, coords2 []float64, minVal, maxVal float64) ([]float64, []float64) {
	var border1, border2 float64
	if maxVal-coords1[0] < coords1[0]-minVal {
		// coords1 is closer to the max border, coords2 to the min.
		// Leave coordinates already past the border alone.
		border1 = math.Max(maxVal, coords1[0])
		border2 = minVal
	} else {
		border1 = minVal
		border2 = math.Max(maxVal, coords2[0])
	}

	coords1 = append(append([]float64{border1}, coords1...), border1)
	coords2 = append(append([]float64{border2}, coords2...), border2)
	return coords1, coords2
}

// interpolateSplitCoords pads both halves with the midpoints of the
// attached ends, so each half meets the border at the spot where the
// original polygon was cut.
func interpolateSplitCoords(coords1, coords2 []float64) ([]float64, []float64) {
	last1 := coords1[len(coords1)-1]
	last2 := coords2[len(coords2)-1]

	var first1, end1, first2, end2 float64
	if math.Abs(coords1[0]-last2) < math.Abs(coords1[0]-coords2[0]) {
		// coords1 start attaches to coords2 end
		first1 = 0.5 * (coords1[0] + last2)
		end1 = 0.5 * (last1 + coords2[0])
		first2 = end1
		end2 = first1
	} else {
		// coords1 start attaches to coords2 start
		first1 = 0.5 * (coords1[0] + coords2[0])
		end1 = 0.5 * (last1 + last2)
		first2 = first1
		end2 = end1
	}

	coords1 = append(append([]float64{first1}, coords1...), end1)
	coords2 = append(append([]float64{first2}, coords2...), end2)
	return coords1, coords2
}

// dropNaNVertices removes vertices with any NaN component.
func dropNaNVertices(line [][2]float64) [][2]float64 {
	out := make([][2]float64, 0, len(line))
	for _, pt := range line {
		if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) {
			continue
		}
		out = append(out, pt)
	}
	return out
}

// AddSamplePoints linearly interpolates extra vertices between each
// point and its index neighbor (closing the loop) until the polyline
// has at least minOutputLength points. The non-linear pixel<->angle
// mapping would visibly bend straight edges drawn with few vertices.
func AddSamplePoints(points [][2]float64, minOutputLength int) [][2]float64 {
	if len(points) == 0 || len(points) > minOutputLength {
		return points
	}

	numReps := (minOutputLength + len(points) - 1) / len(points)
	out := make([][2]float64, 0, numReps*len(points))
	for i, pt := range points {
		next := points[(i+1)%len(points)]
		for r := 0; r < numReps; r++ {
			t := float64(r) / float64(numReps)
			out = append(out, [2]float64{
				pt[0] + t*(next[0]-pt[0]),
				pt[1] + t*(next[1]-pt[1]),
			})
		}
	}
	return out
}

// RemoveDuplicateNeighbors removes points that coincide with their
// next index neighbor (cyclically).
func RemoveDuplicateNeighbors(points [][2]float64) [][2]float64 {
	if len(points) < 2 {
		return points
	}
	out := make([][2]float64, 0, len(points))
	for i, pt := range points {
		next := points[(i+1)%len(points)]
		if math.Abs(next[0]-pt[0]) < 1e-8 && math.Abs(next[1]-pt[1]) < 1e-8 {
			continue
		}
		out = append(out, pt)
	}
	return out
}

// MapAngle wraps an angle in radians into [start, start+2*pi).
func MapAngle(angle, start float64) float64 {
	twoPi := 2 * math.Pi
	for angle < start {
		angle += twoPi
	}
	for angle >= start+twoPi {
		angle -= twoPi
	}
	return angle
}

// ConvertRawToPolar converts a detector-space polyline (x=col, y=row
// pixel coordinates) to polar angles (tth, eta radians) through the
// owning panel's pixel<->angle transform. Eta values are wrapped into
// [etaStart, etaStart+2*pi). Points are first up-sampled so the
// non-linear mapping does not distort straight edges.
func ConvertRawToPolar(instr *instrument.Instrument, det string, line [][2]float64, etaStart float64) ([][2]float64, error) {
	panel := instr.Panel(det)
	if panel == nil {
		return nil, &InvalidGeometryError{Reason: "unknown detector " + det}
	}

	line = AddSamplePoints(line, minSamplePointsPolar)
	out := make([][2]float64, 0, len(line))
	for _, pt := range line {
		x, y := panel.PixelToCart(pt[1], pt[0])
		tth, eta := panel.Unproject(x, y, instr.BeamVec, instr.TvecS)
		out = append(out, [2]float64{tth, MapAngle(eta, etaStart)})
	}
	return out, nil
}

// ConvertPolarToRaw converts polar-space polylines (tth, eta radians)
// to per-detector pixel polylines. Points that project off a panel are
// dropped for that panel; panels the polygon misses entirely produce
// no entry.
func ConvertPolarToRaw(instr *instrument.Instrument, lines [][][2]float64) []DetectorPolyline {
	var out []DetectorPolyline
	for _, det := range instr.PanelNames() {
		panel := instr.Panel(det)
		for _, line := range lines {
			line := AddSamplePoints(line, minSamplePointsRaw)

			raw := make([][2]float64, 0, len(line))
			for _, pt := range line {
				x, y := panel.Project(pt[0], pt[1], instr.BeamVec, instr.TvecS)
				if math.IsNaN(x) || math.IsNaN(y) {
					continue
				}
				row, col := panel.CartToPixel(x, y)
				raw = append(raw, [2]float64{col, row})
			}
			raw = RemoveDuplicateNeighbors(raw)
			if len(raw) < 3 {
				continue
			}
			out = append(out, DetectorPolyline{Detector: det, Points: raw})
		}
	}
	return out
}

// CreateThresholdMask computes the data-dependent threshold mask for
// an image frame: true where minVal <= v <= maxVal. NaN pixels remain
// visible; they carry no intensity to threshold.
func CreateThresholdMask(img []float64, minVal, maxVal float64) []bool {
	mask := make([]bool, len(img))
	for i, v := range img {
		mask[i] = !(v < minVal) && !(v > maxVal)
	}
	return mask
}
