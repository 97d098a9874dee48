// Package artifact renders image batches as PNG grids and writes them to the
// results directory.
package artifact

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Padding is the gap in pixels around every tile.
const Padding = 2

// Grid lays out the rows of images (each a side×side image in [0,1]) as
// tiles, nrow tiles per row, on a black background.
func Grid(images *mat.Dense, side, nrow int) (*image.Gray, error) {
	n, dim := images.Dims()
	if side <= 0 || dim != side*side {
		return nil, errors.Errorf("artifact: rows have %d pixels, not %dx%d", dim, side, side)
	}
	if n == 0 {
		return nil, errors.New("artifact: no images")
	}
	if nrow <= 0 {
		return nil, errors.Errorf("artifact: nrow must be > 0 (got %d)", nrow)
	}
	xmaps := min(nrow, n)
	ymaps := (n + xmaps - 1) / xmaps
	cell := side + Padding
	img := image.NewGray(image.Rect(0, 0, xmaps*cell+Padding, ymaps*cell+Padding))

	for k := 0; k < n; k++ {
		x0 := (k%xmaps)*cell + Padding
		y0 := (k/xmaps)*cell + Padding
		px := images.RawRowView(k)
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				img.SetGray(x0+x, y0+y, color.Gray{Y: toByte(px[y*side+x])})
			}
		}
	}
	return img, nil
}

func toByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Min(math.Max(v*255+0.5, 0), 255))
}
