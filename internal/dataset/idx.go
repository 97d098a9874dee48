package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801

	// maxIDXBytes caps the payload a header may announce. MNIST's training
	// images are about 47MB.
	maxIDXBytes = 1 << 28
)

// Dataset is one split held in memory. Images are flattened row-major and
// scaled to [0,1].
type Dataset struct {
	Images []float64
	Labels []int
	Rows   int
	Cols   int
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Labels) }

// Dim returns the flattened image length.
func (d *Dataset) Dim() int { return d.Rows * d.Cols }

// Image returns sample i's pixels. The slice aliases the dataset.
func (d *Dataset) Image(i int) []float64 {
	dim := d.Dim()
	return d.Images[i*dim : (i+1)*dim]
}

// ReadImages parses an idx3 image file.
func ReadImages(r io.Reader) (pixels []float64, rows, cols int, err error) {
	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, errors.Wrap(err, "read image header")
	}
	if hdr[0] != imageMagic {
		return nil, 0, 0, errors.Errorf("bad image magic %#08x", hdr[0])
	}
	pix := uint64(hdr[2]) * uint64(hdr[3])
	if pix > maxIDXBytes || uint64(hdr[1])*pix > maxIDXBytes {
		return nil, 0, 0, errors.Errorf("image header announces %d images of %dx%d, over the %d byte limit",
			hdr[1], hdr[2], hdr[3], maxIDXBytes)
	}
	n, rows, cols := int(hdr[1]), int(hdr[2]), int(hdr[3])
	raw := make([]byte, n*rows*cols)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "read %d images", n)
	}
	pixels = make([]float64, len(raw))
	for i, b := range raw {
		pixels[i] = float64(b) / 255
	}
	return pixels, rows, cols, nil
}

// ReadLabels parses an idx1 label file.
func ReadLabels(r io.Reader) ([]int, error) {
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "read label header")
	}
	if hdr[0] != labelMagic {
		return nil, errors.Errorf("bad label magic %#08x", hdr[0])
	}
	if hdr[1] > maxIDXBytes {
		return nil, errors.Errorf("label header announces %d labels, over the %d byte limit", hdr[1], maxIDXBytes)
	}
	raw := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "read %d labels", hdr[1])
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}

// LoadIDX reads a split from an image file and a label file, either of which
// may be gzip compressed.
func LoadIDX(imagesPath, labelsPath string) (*Dataset, error) {
	var ds Dataset
	err := withReader(imagesPath, func(r io.Reader) error {
		var err error
		ds.Images, ds.Rows, ds.Cols, err = ReadImages(r)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, imagesPath)
	}
	err = withReader(labelsPath, func(r io.Reader) error {
		var err error
		ds.Labels, err = ReadLabels(r)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, labelsPath)
	}
	if n := len(ds.Images) / max(ds.Dim(), 1); n != len(ds.Labels) {
		return nil, errors.Errorf("%d images but %d labels", n, len(ds.Labels))
	}
	return &ds, nil
}

func withReader(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return errors.Wrap(err, "peek")
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer zr.Close()
		return fn(zr)
	}
	return fn(br)
}
