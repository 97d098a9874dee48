package trainer

import (
	"context"
	"errors"
	"math"
	"os"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/mat"

	"vqvae-forge/internal/artifact"
	"vqvae-forge/internal/autograd"
	"vqvae-forge/internal/dataset"
	"vqvae-forge/internal/model"
	"vqvae-forge/internal/optim"
)

const side = 4

func split(n int, pixel func(i, j int) float64) *dataset.Dataset {
	ds := &dataset.Dataset{Rows: side, Cols: side, Labels: make([]int, n)}
	ds.Images = make([]float64, n*side*side)
	for i := 0; i < n; i++ {
		for j := 0; j < side*side; j++ {
			ds.Images[i*side*side+j] = pixel(i, j)
		}
	}
	return ds
}

func pattern(i, j int) float64 { return float64((i*5+j*3)%11) / 10 }

func tinyModel(t *testing.T) *model.VQVAE {
	t.Helper()
	m, err := model.NewVQVAE(model.Config{InputDim: side * side, HiddenDim: 8, EmbDim: 4, EmbNum: 3, Seed: 7})
	if err != nil {
		t.Fatalf("NewVQVAE: %v", err)
	}
	return m
}

func newLoader(t *testing.T, ds *dataset.Dataset, batch int) *dataset.Loader {
	t.Helper()
	l, err := dataset.NewLoader(ds, dataset.LoaderOptions{BatchSize: batch, NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func newTrainer(t *testing.T, m model.Model, opt Optimizer, opts Options) *Trainer {
	t.Helper()
	if opts.Beta == 0 {
		opts.Beta = 0.3
	}
	tr, err := New(m, opt, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func copyParams(ps []*autograd.Param) []*mat.Dense {
	out := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		out[i] = mat.DenseCopyOf(p.Value())
	}
	return out
}

type spyModel struct {
	model.Model
	calls *[]string
}

func (s spyModel) Forward(x *mat.Dense) (model.Output, error) {
	*s.calls = append(*s.calls, "forward")
	return s.Model.Forward(x)
}

func (s spyModel) Backward2() error {
	*s.calls = append(*s.calls, "backward2")
	return s.Model.Backward2()
}

// spyOptimizer checks the gradient state the protocol promises at each call.
type spyOptimizer struct {
	t      *testing.T
	inner  *optim.Adam
	params []*autograd.Param
	calls  *[]string
}

func (s spyOptimizer) ZeroGrad() {
	*s.calls = append(*s.calls, "zero")
	s.inner.ZeroGrad()
	for _, p := range s.params {
		if p.HasGrad() {
			s.t.Errorf("%s still marked after clear", p.Name())
		}
		if g := p.Grad(); g != nil {
			r, c := g.Dims()
			if !mat.Equal(g, mat.NewDense(r, c, nil)) {
				s.t.Errorf("%s gradient not zero after clear", p.Name())
			}
		}
	}
}

func (s spyOptimizer) Step() error {
	*s.calls = append(*s.calls, "step")
	for _, p := range s.params {
		if !p.HasGrad() {
			s.t.Errorf("%s has no gradient at step", p.Name())
		}
	}
	return s.inner.Step()
}

func TestTrainEpochCallOrder(t *testing.T) {
	m := tinyModel(t)
	var calls []string
	var stages []Stage
	opt := spyOptimizer{t: t, inner: optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), params: m.Parameters(), calls: &calls}
	tr := newTrainer(t, spyModel{Model: m, calls: &calls}, opt, Options{
		Trace: func(s Stage) { stages = append(stages, s) },
	})

	if _, err := tr.TrainEpoch(context.Background(), 1, newLoader(t, split(5, pattern), 3)); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}

	perBatch := []string{"forward", "zero", "backward2", "step"}
	want := append(append([]string{}, perBatch...), perBatch...)
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v want %v", calls, want)
	}
	oneBatch := []Stage{StageForward, StageCleared, StageBackward1, StageBackward2, StageStepped}
	wantStages := append(append([]Stage{}, oneBatch...), oneBatch...)
	if !reflect.DeepEqual(stages, wantStages) {
		t.Fatalf("stages=%v want %v", stages, wantStages)
	}
	if tr.Stage() != StageStepped {
		t.Fatalf("final stage %s", tr.Stage())
	}
}

func TestProtocolRejectsSkips(t *testing.T) {
	var p protocol
	if err := p.advance(StageCleared); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	for _, s := range []Stage{StageForward, StageCleared, StageBackward1} {
		if err := p.advance(s); err != nil {
			t.Fatalf("advance %s: %v", s, err)
		}
	}
	if err := p.advance(StageStepped); !errors.Is(err, ErrProtocol) {
		t.Fatalf("step before stage 2 must fail, got %v", err)
	}
	if err := p.advance(StageBackward1); !errors.Is(err, ErrProtocol) {
		t.Fatalf("repeated stage 1 must fail, got %v", err)
	}
}

func TestObjectiveMatchesLossTriple(t *testing.T) {
	x := mat.NewDense(3, side*side, split(3, pattern).Images)
	beta := 0.3
	for _, policy := range Policies {
		m := tinyModel(t)
		out, err := m.Forward(x)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		obj, err := policy.Objective(out, beta)
		if err != nil {
			t.Fatalf("%s: %v", policy, err)
		}
		if got, want := obj.Scalar(), policy.Value(out.Losses, beta); got != want {
			t.Fatalf("%s: objective %v, loss value %v", policy, got, want)
		}
	}

	m := tinyModel(t)
	out, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	l := out.Losses
	want := l.Reconstruction + l.Embedding + float64(beta*l.Commitment)
	if got := PolicyFull.Value(l, beta); got != want {
		t.Fatalf("full objective %v want %v", got, want)
	}
	if got := PolicyRecon.Value(l, beta); got != l.Reconstruction {
		t.Fatalf("recon objective %v want %v", got, l.Reconstruction)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyFull {
		t.Fatalf("empty policy = %q, %v", p, err)
	}
	if _, err := ParsePolicy("everything"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	m := tinyModel(t)
	_, err := New(m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{Policy: "bogus"})
	var setup *SetupError
	if !errors.As(err, &setup) {
		t.Fatalf("expected SetupError, got %v", err)
	}
}

func TestTrainOnZeroImages(t *testing.T) {
	m := tinyModel(t)
	before := copyParams(m.Parameters())
	tr := newTrainer(t, m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{Beta: 0.3})

	zero := split(2, func(int, int) float64 { return 0 })
	avg, err := tr.TrainEpoch(context.Background(), 1, newLoader(t, zero, 2))
	if err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if math.IsNaN(avg) || math.IsInf(avg, 0) || avg < 0 {
		t.Fatalf("average loss %v", avg)
	}
	// Zero inputs give fc1's weights no gradient, but the output bias always
	// sees sigmoid(z) - 0.
	params := m.Parameters()
	last := len(params) - 1
	if mat.Equal(before[last], params[last].Value()) {
		t.Fatalf("%s unchanged after a step", params[last].Name())
	}
}

func TestTrainRejectsNonFiniteLoss(t *testing.T) {
	m := tinyModel(t)
	before := copyParams(m.Parameters())
	tr := newTrainer(t, m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{})

	bad := split(2, func(i, j int) float64 {
		if i == 0 && j == 0 {
			return math.NaN()
		}
		return 0.5
	})
	_, err := tr.TrainEpoch(context.Background(), 3, newLoader(t, bad, 2))
	var num *NumericalError
	if !errors.As(err, &num) {
		t.Fatalf("expected NumericalError, got %v", err)
	}
	if num.Epoch != 3 || num.Batch != 0 || num.Phase != "train" {
		t.Fatalf("unexpected error %+v", num)
	}
	for i, p := range m.Parameters() {
		if !mat.Equal(before[i], p.Value()) {
			t.Fatalf("%s changed despite the non-finite loss", p.Name())
		}
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	m := tinyModel(t)
	dir := t.TempDir()
	w, err := artifact.NewWriter(dir, side)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	tr := newTrainer(t, m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{Writer: w})
	before := copyParams(m.Parameters())
	test := newLoader(t, split(7, pattern), 3)

	first, err := tr.Evaluate(context.Background(), 2, test)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	second, err := tr.Evaluate(context.Background(), 2, test)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if first.Loss != second.Loss {
		t.Fatalf("evaluation not idempotent: %v then %v", first.Loss, second.Loss)
	}
	if first.Loss <= 0 {
		t.Fatalf("loss %v", first.Loss)
	}
	if _, err := os.Stat(first.Reconstruction); err != nil {
		t.Fatalf("reconstruction grid: %v", err)
	}
	for i, p := range m.Parameters() {
		if p.HasGrad() || !mat.Equal(before[i], p.Value()) {
			t.Fatalf("%s touched by evaluation", p.Name())
		}
	}
}

func TestEvaluateEmptySplit(t *testing.T) {
	m := tinyModel(t)
	w, err := artifact.NewWriter(t.TempDir(), side)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	tr := newTrainer(t, m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{Writer: w})
	res, err := tr.Evaluate(context.Background(), 1, newLoader(t, split(0, pattern), 4))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Loss != 0 || res.Reconstruction != "" {
		t.Fatalf("empty split gave %+v", res)
	}
}

func TestSampleHasOneTilePerCode(t *testing.T) {
	m := tinyModel(t)
	w, err := artifact.NewWriter(t.TempDir(), side)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	tr := newTrainer(t, m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{Writer: w})
	// A batch smaller than the codebook must not shrink the sample grid.
	if _, err := tr.TrainEpoch(context.Background(), 1, newLoader(t, split(1, pattern), 1)); err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	saved, err := tr.Sample(1)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if saved.Tiles != m.Config().EmbNum {
		t.Fatalf("tiles=%d want %d", saved.Tiles, m.Config().EmbNum)
	}
	if _, err := os.Stat(saved.Path); err != nil {
		t.Fatalf("sample grid: %v", err)
	}
}

func TestTrainEpochCancelled(t *testing.T) {
	m := tinyModel(t)
	tr := newTrainer(t, m, optim.NewAdam(m.Parameters(), optim.DefaultAdamConfig()), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.TrainEpoch(ctx, 1, newLoader(t, split(6, pattern), 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
