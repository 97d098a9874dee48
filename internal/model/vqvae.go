package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"vqvae-forge/internal/autograd"
)

// ErrNoRetainedGraph is returned by Backward2 when there is no forward graph
// to reuse, or the first backward pass did not retain it.
var ErrNoRetainedGraph = errors.New("vqvae: no retained forward graph")

// Config sizes the network.
type Config struct {
	InputDim  int
	HiddenDim int
	EmbDim    int
	EmbNum    int
	Seed      int64
	// Workers > 1 row-splits forward matrix products.
	Workers int
}

// Linear is a fully connected layer, y = x·W + b.
type Linear struct {
	Weight *autograd.Param
	Bias   *autograd.Param
}

// newLinear initialises W and b uniformly in ±1/sqrt(in).
func newLinear(name string, in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Linear{
		Weight: autograd.NewParam(name+".weight", mat.NewDense(in, out, w)),
		Bias:   autograd.NewParam(name+".bias", mat.NewDense(1, out, b)),
	}
}

func (l *Linear) apply(t *autograd.Tape, x *autograd.Node) *autograd.Node {
	return t.Linear(x, t.Param(l.Weight), t.Param(l.Bias))
}

// VQVAE is a fully connected autoencoder with a discrete codebook between
// encoder and decoder.
type VQVAE struct {
	cfg      Config
	fc1, fc2 *Linear
	codebook *autograd.Param
	fc3, fc4 *Linear

	// Graph of the last recording forward pass, consumed by Backward2.
	tape *autograd.Tape
	ze   *autograd.Node
	zq   *autograd.Node
}

// NewVQVAE builds a model with seeded initialisation.
func NewVQVAE(cfg Config) (*VQVAE, error) {
	if cfg.InputDim <= 0 || cfg.HiddenDim <= 0 || cfg.EmbDim <= 0 || cfg.EmbNum <= 0 {
		return nil, errors.Errorf("vqvae: dimensions must be > 0 (input=%d hidden=%d emb_dim=%d emb_num=%d)",
			cfg.InputDim, cfg.HiddenDim, cfg.EmbDim, cfg.EmbNum)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &VQVAE{cfg: cfg}
	m.fc1 = newLinear("fc1", cfg.InputDim, cfg.HiddenDim, rng)
	m.fc2 = newLinear("fc2", cfg.HiddenDim, cfg.EmbDim, rng)

	bound := 1 / float64(cfg.EmbNum)
	cb := make([]float64, cfg.EmbNum*cfg.EmbDim)
	for i := range cb {
		cb[i] = (rng.Float64()*2 - 1) * bound
	}
	m.codebook = autograd.NewParam("embed.weight", mat.NewDense(cfg.EmbNum, cfg.EmbDim, cb))

	m.fc3 = newLinear("fc3", cfg.EmbDim, cfg.HiddenDim, rng)
	m.fc4 = newLinear("fc4", cfg.HiddenDim, cfg.InputDim, rng)
	return m, nil
}

// Config returns the sizes the model was built with.
func (m *VQVAE) Config() Config { return m.cfg }

// Parameters returns every trainable parameter: encoder, codebook, decoder.
func (m *VQVAE) Parameters() []*autograd.Param {
	var out []*autograd.Param
	for _, g := range m.Groups() {
		out = append(out, g.Params...)
	}
	return out
}

// ParamGroup is a named slice of the parameter set.
type ParamGroup struct {
	Name   string
	Params []*autograd.Param
}

// Groups partitions the parameters into encoder, codebook and decoder.
func (m *VQVAE) Groups() []ParamGroup {
	return []ParamGroup{
		{Name: "encoder", Params: []*autograd.Param{m.fc1.Weight, m.fc1.Bias, m.fc2.Weight, m.fc2.Bias}},
		{Name: "codebook", Params: []*autograd.Param{m.codebook}},
		{Name: "decoder", Params: []*autograd.Param{m.fc3.Weight, m.fc3.Bias, m.fc4.Weight, m.fc4.Bias}},
	}
}

// Forward runs the model on x (rows are flattened images) and records the
// graph so that Backward2 can reuse it.
func (m *VQVAE) Forward(x *mat.Dense) (Output, error) {
	t := autograd.NewTape(m.cfg.Workers)
	out, ze, zq, err := m.run(t, x)
	if err != nil {
		return Output{}, err
	}
	m.tape, m.ze, m.zq = t, ze, zq
	return out, nil
}

// Infer runs the model without recording a graph.
func (m *VQVAE) Infer(x *mat.Dense) (Output, error) {
	out, _, _, err := m.run(autograd.NewInferenceTape(m.cfg.Workers), x)
	return out, err
}

func (m *VQVAE) run(t *autograd.Tape, x *mat.Dense) (Output, *autograd.Node, *autograd.Node, error) {
	rows, cols := x.Dims()
	if rows == 0 {
		return Output{}, nil, nil, errors.New("vqvae: empty batch")
	}
	if cols != m.cfg.InputDim {
		return Output{}, nil, nil, errors.Errorf("vqvae: input has %d columns, want %d", cols, m.cfg.InputDim)
	}

	in := t.Constant(x)
	ze := m.fc2.apply(t, t.ReLU(m.fc1.apply(t, in)))
	codes := nearest(ze.Value, m.codebook.Value())
	// zq feeds the decoder only, so the gradient it collects is purely the
	// reconstruction signal. The VQ terms use their own lookup.
	zq := t.Gather(t.Param(m.codebook), codes)
	emb := t.Gather(t.Param(m.codebook), codes)
	recon := t.Sigmoid(m.fc4.apply(t, t.ReLU(m.fc3.apply(t, zq))))

	reconLoss := t.BCESum(recon, x)
	embedLoss := t.MSE(emb, t.Detach(ze))
	commitLoss := t.MSE(ze, t.Detach(emb))

	out := Output{
		Recon: recon.Value,
		Codes: codes,
		Losses: Losses{
			Reconstruction: reconLoss.Scalar(),
			Embedding:      embedLoss.Scalar(),
			Commitment:     commitLoss.Scalar(),
		},
	}
	if t.Recording() {
		out.Tape = t
		out.ReconLoss, out.EmbedLoss, out.CommitLoss = reconLoss, embedLoss, commitLoss
	}
	return out, ze, zq, nil
}

// Backward2 copies the gradient that reached the decoder input z_q onto the
// encoder output z_e, treating the codebook lookup as identity, and pushes it
// through the encoder. It releases the graph.
func (m *VQVAE) Backward2() error {
	if m.tape == nil {
		return ErrNoRetainedGraph
	}
	t, ze, zq := m.tape, m.ze, m.zq
	m.tape, m.ze, m.zq = nil, nil, nil

	g := zq.Grad()
	if g == nil {
		return errors.Wrap(ErrNoRetainedGraph, "vqvae: no gradient at quantized output")
	}
	if err := t.BackwardFrom(ze, mat.DenseCopyOf(g), autograd.ReleaseGraph); err != nil {
		if errors.Is(err, autograd.ErrGraphReleased) {
			return errors.Wrap(ErrNoRetainedGraph, err.Error())
		}
		return errors.Wrap(err, "vqvae: straight-through backward")
	}
	return nil
}

// Codebook returns a copy of the codebook, one embedding per row.
func (m *VQVAE) Codebook() *mat.Dense {
	return mat.DenseCopyOf(m.codebook.Value())
}

// Decode maps latent rows (emb_dim wide) to images without recording.
func (m *VQVAE) Decode(codes *mat.Dense) (*mat.Dense, error) {
	rows, cols := codes.Dims()
	if rows == 0 {
		return nil, errors.New("vqvae: nothing to decode")
	}
	if cols != m.cfg.EmbDim {
		return nil, errors.Errorf("vqvae: latent has %d columns, want %d", cols, m.cfg.EmbDim)
	}
	t := autograd.NewInferenceTape(m.cfg.Workers)
	h := t.ReLU(m.fc3.apply(t, t.Constant(codes)))
	return t.Sigmoid(m.fc4.apply(t, h)).Value, nil
}

// nearest returns, for each row of z, the index of the closest codebook row
// by euclidean distance. Ties go to the lowest index.
func nearest(z, codebook *mat.Dense) []int {
	rows, _ := z.Dims()
	k, _ := codebook.Dims()
	idx := make([]int, rows)
	for i := 0; i < rows; i++ {
		zi := z.RawRowView(i)
		best, bestDist := 0, math.Inf(1)
		for j := 0; j < k; j++ {
			if d := floats.Distance(zi, codebook.RawRowView(j), 2); d < bestDist {
				best, bestDist = j, d
			}
		}
		idx[i] = best
	}
	return idx
}
