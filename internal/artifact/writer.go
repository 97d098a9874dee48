package artifact

import (
	"bytes"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// RetryDelay is the pause before the single retry of a failed write.
var RetryDelay = 100 * time.Millisecond

// ReconstructionName is the comparison grid written during evaluation.
func ReconstructionName(epoch int) string { return fmt.Sprintf("reconstruction_%d.png", epoch) }

// SampleName is the decoded-codebook grid written after each epoch.
func SampleName(epoch int) string { return fmt.Sprintf("sample_%d.png", epoch) }

// Writer saves grids under a results directory.
type Writer struct {
	dir  string
	side int
}

// Saved describes a written grid.
type Saved struct {
	Path  string
	Tiles int
}

// NewWriter creates dir if needed. side is the image edge in pixels.
func NewWriter(dir string, side int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create results dir")
	}
	return &Writer{dir: dir, side: side}, nil
}

// Dir returns the results directory.
func (w *Writer) Dir() string { return w.dir }

// SaveGrid encodes images as a grid with nrow tiles per row.
func (w *Writer) SaveGrid(name string, images *mat.Dense, nrow int) (Saved, error) {
	img, err := Grid(images, w.side, nrow)
	if err != nil {
		return Saved{}, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Saved{}, errors.Wrap(err, "encode png")
	}
	path := filepath.Join(w.dir, name)
	if err := WriteFile(path, buf.Bytes()); err != nil {
		return Saved{}, err
	}
	n, _ := images.Dims()
	return Saved{Path: path, Tiles: n}, nil
}

// SaveComparison writes up to limit originals in the first row and their
// reconstructions in the second.
func (w *Writer) SaveComparison(name string, originals, recons *mat.Dense, limit int) (Saved, error) {
	rows, cols := originals.Dims()
	n := min(rows, limit)
	if n == 0 {
		return Saved{}, errors.New("artifact: empty comparison")
	}
	grid := mat.NewDense(2*n, cols, nil)
	grid.Slice(0, n, 0, cols).(*mat.Dense).Copy(originals.Slice(0, n, 0, cols))
	grid.Slice(n, 2*n, 0, cols).(*mat.Dense).Copy(recons.Slice(0, n, 0, cols))
	return w.SaveGrid(name, grid, n)
}

// WriteFile writes data to path through a temp file and rename, retrying
// once on failure.
func WriteFile(path string, data []byte) error {
	err := writeAtomic(path, data)
	if err == nil {
		return nil
	}
	klog.Warningf("write %s failed, retrying once: %v", path, err)
	time.Sleep(RetryDelay)
	if err := writeAtomic(path, data); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
