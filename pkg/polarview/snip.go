package polarview

import (
	"fmt"
	"math"
)

// SnipAlgorithm selects which statistical background estimator is
// subtracted from the polar image.
type SnipAlgorithm int

const (
	// SnipFast1D runs the plain row-wise estimator, ignoring invalid
	// pixels
	SnipFast1D SnipAlgorithm = iota

	// Snip1D runs the row-wise estimator with invalid pixels excluded
	// from every window
	Snip1D

	// Snip2D runs the two-dimensional estimator
	Snip2D
)

// ParseSnipAlgorithm maps a config string to an algorithm.
func ParseSnipAlgorithm(name string) (SnipAlgorithm, error) {
	switch name {
	case "fast_snip1d", "fast-1d", "":
		return SnipFast1D, nil
	case "snip1d", "1d":
		return Snip1D, nil
	case "snip2d", "2d":
		return Snip2D, nil
	}
	return 0, fmt.Errorf("unknown snip algorithm %q", name)
}

func (a SnipAlgorithm) String() string {
	switch a {
	case SnipFast1D:
		return "fast_snip1d"
	case Snip1D:
		return "snip1d"
	case Snip2D:
		return "snip2d"
	}
	return fmt.Sprintf("SnipAlgorithm(%d)", int(a))
}

// SnipWidthPixels converts the configured peak width from degrees of
// two theta to grid pixels, rounding up so the window never undershoots
// the configured width.
func SnipWidthPixels(widthDeg, tthPixelSizeDeg float64) int {
	return int(math.Ceil(widthDeg / tthPixelSizeDeg))
}

// llsForward applies the log-log-sqrt compression that makes the
// clipping windows scale-insensitive. Negative intensities clamp to
// zero first; they carry no background.
func llsForward(v float64) float64 {
	if v < 0 {
		v = 0
	}
	return math.Log(math.Log(math.Sqrt(v+1)+1) + 1)
}

// llsInverse undoes llsForward.
func llsInverse(v float64) float64 {
	e := math.Exp(math.Exp(v)-1) - 1
	return e*e - 1
}

// snipBackground estimates the background of a width x height image
// with the selected algorithm. NaN input pixels produce NaN background
// pixels.
func snipBackground(img []float64, width, height int, alg SnipAlgorithm, snipWidth, numIter int) []float64 {
	switch alg {
	case Snip1D:
		return snip1D(img, width, height, snipWidth, numIter)
	case Snip2D:
		return snip2D(img, width, height, snipWidth, numIter)
	default:
		return fastSnip1D(img, width, height, snipWidth, numIter)
	}
}

// fastSnip1D clips each row independently: repeatedly replace every
// pixel with the smaller of itself and the average of its neighbors at
// distance p, for p from the window width down to 1. Rows are processed
// in the compressed domain and expanded back at the end.
func fastSnip1D(img []float64, width, height int, snipWidth, numIter int) []float64 {
	bkg := make([]float64, len(img))
	row := make([]float64, width)
	buf := make([]float64, width)

	for r := 0; r < height; r++ {
		base := r * width
		for c := 0; c < width; c++ {
			row[c] = llsForward(img[base+c])
		}

		for iter := 0; iter < numIter; iter++ {
			for p := snipWidth; p >= 1; p-- {
				for c := 0; c < width; c++ {
					lo := clampIndex(c-p, width)
					hi := clampIndex(c+p, width)
					avg := 0.5 * (row[lo] + row[hi])
					buf[c] = math.Min(row[c], avg)
				}
				copy(row, buf)
			}
		}

		for c := 0; c < width; c++ {
			if math.IsNaN(img[base+c]) {
				bkg[base+c] = math.NaN()
			} else {
				bkg[base+c] = llsInverse(row[c])
			}
		}
	}
	return bkg
}

// snip1D is the invalid-aware variant: NaN pixels are transparent to
// the clipping windows, so a masked streak does not poison the
// background on either side of it.
func snip1D(img []float64, width, height int, snipWidth, numIter int) []float64 {
	bkg := make([]float64, len(img))
	row := make([]float64, width)
	buf := make([]float64, width)

	for r := 0; r < height; r++ {
		base := r * width
		for c := 0; c < width; c++ {
			v := img[base+c]
			if math.IsNaN(v) {
				row[c] = math.NaN()
			} else {
				row[c] = llsForward(v)
			}
		}

		for iter := 0; iter < numIter; iter++ {
			for p := snipWidth; p >= 1; p-- {
				for c := 0; c < width; c++ {
					if math.IsNaN(row[c]) {
						buf[c] = math.NaN()
						continue
					}
					lo := row[clampIndex(c-p, width)]
					hi := row[clampIndex(c+p, width)]
					avg := nanPairMean(lo, hi)
					if math.IsNaN(avg) {
						buf[c] = row[c]
					} else {
						buf[c] = math.Min(row[c], avg)
					}
				}
				copy(row, buf)
			}
		}

		for c := 0; c < width; c++ {
			if math.IsNaN(row[c]) {
				bkg[base+c] = math.NaN()
			} else {
				bkg[base+c] = llsInverse(row[c])
			}
		}
	}
	return bkg
}

// snip2D clips with a square window: each pixel is limited by the
// average of the two window corners along both axes and diagonals.
func snip2D(img []float64, width, height int, snipWidth, numIter int) []float64 {
	z := make([]float64, len(img))
	for i, v := range img {
		if math.IsNaN(v) {
			z[i] = math.NaN()
		} else {
			z[i] = llsForward(v)
		}
	}
	buf := make([]float64, len(img))

	at := func(r, c int) float64 {
		return z[clampIndex(r, height)*width+clampIndex(c, width)]
	}

	for iter := 0; iter < numIter; iter++ {
		for p := snipWidth; p >= 1; p-- {
			for r := 0; r < height; r++ {
				for c := 0; c < width; c++ {
					i := r*width + c
					if math.IsNaN(z[i]) {
						buf[i] = math.NaN()
						continue
					}
					best := nanPairMean(at(r, c-p), at(r, c+p))
					if m := nanPairMean(at(r-p, c), at(r+p, c)); !math.IsNaN(m) &&
						(math.IsNaN(best) || m < best) {
						best = m
					}
					if m := nanPairMean(at(r-p, c-p), at(r+p, c+p)); !math.IsNaN(m) &&
						(math.IsNaN(best) || m < best) {
						best = m
					}
					if m := nanPairMean(at(r-p, c+p), at(r+p, c-p)); !math.IsNaN(m) &&
						(math.IsNaN(best) || m < best) {
						best = m
					}
					if math.IsNaN(best) {
						buf[i] = z[i]
					} else {
						buf[i] = math.Min(z[i], best)
					}
				}
			}
			copy(z, buf)
		}
	}

	bkg := make([]float64, len(img))
	for i := range z {
		if math.IsNaN(z[i]) {
			bkg[i] = math.NaN()
		} else {
			bkg[i] = llsInverse(z[i])
		}
	}
	return bkg
}

// erosionWidth is the horizontal band, in pixels, over which background
// subtraction is unreliable next to invalid regions: the clipping
// window has leaked edge values that far.
func erosionWidth(numIter, snipWidth int) int {
	return int(math.Ceil(2.25 * float64(numIter) * float64(snipWidth)))
}

// erodeInvalidBand grows every invalid region horizontally by the
// erosion window, in place. A pixel becomes invalid when any pixel
// under the centered window of the given total width is invalid.
func erodeInvalidBand(invalid []bool, width, height, window int) {
	if window <= 1 {
		return
	}
	left := window / 2
	right := window - 1 - left

	src := make([]bool, width)
	for r := 0; r < height; r++ {
		base := r * width
		copy(src, invalid[base:base+width])
		for c := 0; c < width; c++ {
			if src[c] {
				lo := clampIndex(c-right, width)
				hi := clampIndex(c+left, width)
				for k := lo; k <= hi; k++ {
					invalid[base+k] = true
				}
			}
		}
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// nanPairMean averages two values, ignoring NaNs. Both NaN gives NaN.
func nanPairMean(a, b float64) float64 {
	aOK, bOK := !math.IsNaN(a), !math.IsNaN(b)
	switch {
	case aOK && bOK:
		return 0.5 * (a + b)
	case aOK:
		return a
	case bOK:
		return b
	}
	return math.NaN()
}
