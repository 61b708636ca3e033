package models

import (
	"math"
)

// Image is a single-channel intensity image stored as a flat
// row-major float64 array.
type Image struct {
	// Data is the pixel data in row-major order
	Data []float64

	// Width is the number of columns
	Width int

	// Height is the number of rows
	Height int
}

// NewImage creates an Image of the given dimensions with all pixels zero.
func NewImage(width, height int) *Image {
	return &Image{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := NewImage(im.Width, im.Height)
	copy(out.Data, im.Data)
	return out
}

// At returns the pixel value at the given row and column.
func (im *Image) At(row, col int) float64 {
	return im.Data[row*im.Width+col]
}

// Set assigns the pixel value at the given row and column.
func (im *Image) Set(row, col int, v float64) {
	im.Data[row*im.Width+col] = v
}

// MaskedImage is an intensity image paired with a per-pixel validity
// mask. Invalid pixels hold NaN in Data and true in Invalid.
type MaskedImage struct {
	// Data is the pixel data in row-major order
	Data []float64

	// Invalid marks pixels with no valid intensity
	Invalid []bool

	// Width is the number of columns
	Width int

	// Height is the number of rows
	Height int
}

// NewMaskedImage creates a MaskedImage of the given dimensions with all
// pixels marked invalid.
func NewMaskedImage(width, height int) *MaskedImage {
	m := &MaskedImage{
		Data:    make([]float64, width*height),
		Invalid: make([]bool, width*height),
		Width:   width,
		Height:  height,
	}
	for i := range m.Data {
		m.Data[i] = math.NaN()
		m.Invalid[i] = true
	}
	return m
}

// FromData builds a MaskedImage from raw pixel data, marking every NaN
// entry as invalid. The data slice is retained, not copied.
func FromData(data []float64, width, height int) *MaskedImage {
	m := &MaskedImage{
		Data:    data,
		Invalid: make([]bool, len(data)),
		Width:   width,
		Height:  height,
	}
	for i, v := range data {
		m.Invalid[i] = math.IsNaN(v)
	}
	return m
}

// Clone returns a deep copy of the masked image.
func (m *MaskedImage) Clone() *MaskedImage {
	out := &MaskedImage{
		Data:    make([]float64, len(m.Data)),
		Invalid: make([]bool, len(m.Invalid)),
		Width:   m.Width,
		Height:  m.Height,
	}
	copy(out.Data, m.Data)
	copy(out.Invalid, m.Invalid)
	return out
}

// Filled returns a copy of the pixel data with invalid entries replaced
// by the given fill value.
func (m *MaskedImage) Filled(fill float64) []float64 {
	out := make([]float64, len(m.Data))
	for i, v := range m.Data {
		if m.Invalid[i] {
			out[i] = fill
		} else {
			out[i] = v
		}
	}
	return out
}
