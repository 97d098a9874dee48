// Package checkpoint snapshots model parameters and optimizer moments in
// protobuf wire format.
//
// Layout (field numbers):
//
//	Checkpoint { 1: epoch uint64, 2: repeated Tensor params, 3: optimizer_step uint64,
//	             4: repeated Tensor adam_m, 5: repeated Tensor adam_v }
//	Tensor     { 1: name string, 2: rows uint64, 3: cols uint64, 4: packed double data }
package checkpoint

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"google.golang.org/protobuf/encoding/protowire"

	"vqvae-forge/internal/artifact"
)

const (
	fieldEpoch   protowire.Number = 1
	fieldParams  protowire.Number = 2
	fieldOptStep protowire.Number = 3
	fieldAdamM   protowire.Number = 4
	fieldAdamV   protowire.Number = 5

	fieldName protowire.Number = 1
	fieldRows protowire.Number = 2
	fieldCols protowire.Number = 3
	fieldData protowire.Number = 4
)

// Tensor is a named matrix.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// FromDense copies m into a Tensor.
func FromDense(name string, m *mat.Dense) Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return Tensor{Name: name, Rows: r, Cols: c, Data: data}
}

// Dense returns the tensor as a new matrix.
func (t Tensor) Dense() *mat.Dense {
	return mat.NewDense(t.Rows, t.Cols, append([]float64(nil), t.Data...))
}

// Checkpoint is everything needed to resume training after an epoch.
type Checkpoint struct {
	Epoch         int
	Params        []Tensor
	OptimizerStep uint64
	AdamM         []Tensor
	AdamV         []Tensor
}

// Marshal encodes c.
func Marshal(c *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	for _, t := range c.Params {
		b = appendTensor(b, fieldParams, t)
	}
	b = protowire.AppendTag(b, fieldOptStep, protowire.VarintType)
	b = protowire.AppendVarint(b, c.OptimizerStep)
	for _, t := range c.AdamM {
		b = appendTensor(b, fieldAdamM, t)
	}
	for _, t := range c.AdamV {
		b = appendTensor(b, fieldAdamV, t)
	}
	return b
}

func appendTensor(b []byte, num protowire.Number, t Tensor) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldName, protowire.BytesType)
	msg = protowire.AppendString(msg, t.Name)
	msg = protowire.AppendTag(msg, fieldRows, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(t.Rows))
	msg = protowire.AppendTag(msg, fieldCols, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(t.Cols))
	packed := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	msg = protowire.AppendTag(msg, fieldData, protowire.BytesType)
	msg = protowire.AppendBytes(msg, packed)

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Unmarshal decodes a checkpoint. Unknown fields are skipped.
func Unmarshal(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "checkpoint tag")
		}
		b = b[n:]
		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "epoch")
			}
			c.Epoch = int(v)
			b = b[n:]
		case num == fieldOptStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "optimizer step")
			}
			c.OptimizerStep = v
			b = b[n:]
		case (num == fieldParams || num == fieldAdamM || num == fieldAdamV) && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "tensor")
			}
			t, err := parseTensor(msg)
			if err != nil {
				return nil, err
			}
			switch num {
			case fieldParams:
				c.Params = append(c.Params, t)
			case fieldAdamM:
				c.AdamM = append(c.AdamM, t)
			default:
				c.AdamV = append(c.AdamV, t)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
		}
	}
	return c, nil
}

func parseTensor(b []byte) (Tensor, error) {
	var t Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Tensor{}, errors.Wrap(protowire.ParseError(n), "tensor tag")
		}
		b = b[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Tensor{}, errors.Wrap(protowire.ParseError(n), "tensor name")
			}
			t.Name = s
			b = b[n:]
		case (num == fieldRows || num == fieldCols) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Tensor{}, errors.Wrap(protowire.ParseError(n), "tensor dims")
			}
			if num == fieldRows {
				t.Rows = int(v)
			} else {
				t.Cols = int(v)
			}
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Tensor{}, errors.Wrap(protowire.ParseError(n), "tensor data")
			}
			if len(packed)%8 != 0 {
				return Tensor{}, errors.Errorf("tensor %q: packed data is %d bytes", t.Name, len(packed))
			}
			t.Data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				t.Data = append(t.Data, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Tensor{}, errors.Wrapf(protowire.ParseError(n), "tensor field %d", num)
			}
			b = b[n:]
		}
	}
	if len(t.Data) != t.Rows*t.Cols {
		return Tensor{}, errors.Errorf("tensor %q: %d values for %dx%d", t.Name, len(t.Data), t.Rows, t.Cols)
	}
	return t, nil
}

// FileName returns the checkpoint file name for epoch.
func FileName(epoch int) string { return fmt.Sprintf("epoch_%d.ckpt", epoch) }

var fileRegexp = regexp.MustCompile(`^epoch_([0-9]+)\.ckpt$`)

// Save writes c into dir as FileName(c.Epoch).
func Save(dir string, c *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint dir")
	}
	path := filepath.Join(dir, FileName(c.Epoch))
	if err := artifact.WriteFile(path, Marshal(c)); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a checkpoint file.
func Load(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	c, err := Unmarshal(b)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Latest returns the path of the highest-epoch checkpoint in dir, or "" if
// there is none.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "list checkpoints")
	}
	best, bestEpoch := "", -1
	for _, e := range entries {
		m := fileRegexp.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if epoch > bestEpoch {
			best, bestEpoch = filepath.Join(dir, e.Name()), epoch
		}
	}
	return best, nil
}
