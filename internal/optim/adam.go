// Package optim holds the parameter update rules.
package optim

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"vqvae-forge/internal/autograd"
)

// ErrMissingGradient is returned by Step when a parameter received no
// gradient since the last ZeroGrad.
var ErrMissingGradient = errors.New("optim: parameter has no gradient")

// AdamConfig holds Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the usual defaults with lr 1e-3.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam update with bias correction.
type Adam struct {
	cfg    AdamConfig
	params []*autograd.Param
	m, v   []*mat.Dense
	step   uint64
}

// NewAdam binds an optimizer to params. The optimizer does not own them.
func NewAdam(params []*autograd.Param, cfg AdamConfig) *Adam {
	a := &Adam{cfg: cfg, params: params}
	for _, p := range params {
		r, c := p.Value().Dims()
		a.m = append(a.m, mat.NewDense(r, c, nil))
		a.v = append(a.v, mat.NewDense(r, c, nil))
	}
	return a
}

// ZeroGrad clears every parameter's accumulator.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one update from the accumulated gradients. Every parameter
// must have received gradient; otherwise nothing is updated.
func (a *Adam) Step() error {
	for _, p := range a.params {
		if !p.HasGrad() {
			return errors.Wrap(ErrMissingGradient, p.Name())
		}
	}
	a.step++
	bc1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))
	lr := a.cfg.LearningRate

	for i, p := range a.params {
		w := p.Value().RawMatrix().Data
		g := p.Grad().RawMatrix().Data
		m := a.m[i].RawMatrix().Data
		v := a.v[i].RawMatrix().Data
		for j := range w {
			gj := g[j]
			if a.cfg.WeightDecay != 0 {
				gj += a.cfg.WeightDecay * w[j]
			}
			m[j] = a.cfg.Beta1*m[j] + (1-a.cfg.Beta1)*gj
			v[j] = a.cfg.Beta2*v[j] + (1-a.cfg.Beta2)*gj*gj
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			w[j] -= lr * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
	return nil
}

// StepCount returns the number of updates applied.
func (a *Adam) StepCount() uint64 { return a.step }

// LearningRate returns the configured learning rate.
func (a *Adam) LearningRate() float64 { return a.cfg.LearningRate }

// State is a copy of the moment estimates, in parameter order.
type State struct {
	Step uint64
	M, V []*mat.Dense
}

// State snapshots the optimizer for checkpointing.
func (a *Adam) State() State {
	s := State{Step: a.step}
	for i := range a.m {
		s.M = append(s.M, mat.DenseCopyOf(a.m[i]))
		s.V = append(s.V, mat.DenseCopyOf(a.v[i]))
	}
	return s
}

// LoadState restores a snapshot taken from an optimizer over the same
// parameter shapes.
func (a *Adam) LoadState(s State) error {
	if len(s.M) != len(a.m) || len(s.V) != len(a.v) {
		return errors.Errorf("optim: state has %d/%d moments, optimizer has %d", len(s.M), len(s.V), len(a.m))
	}
	for i := range a.m {
		r, c := a.m[i].Dims()
		if mr, mc := s.M[i].Dims(); mr != r || mc != c {
			return errors.Errorf("optim: moment %d is %dx%d, want %dx%d", i, mr, mc, r, c)
		}
		if vr, vc := s.V[i].Dims(); vr != r || vc != c {
			return errors.Errorf("optim: moment %d is %dx%d, want %dx%d", i, vr, vc, r, c)
		}
	}
	for i := range a.m {
		a.m[i].Copy(s.M[i])
		a.v[i].Copy(s.V[i])
	}
	a.step = s.Step
	return nil
}
