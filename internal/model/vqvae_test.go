package model

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"vqvae-forge/internal/autograd"
)

func smallModel(t *testing.T) *VQVAE {
	t.Helper()
	m, err := NewVQVAE(Config{InputDim: 16, HiddenDim: 8, EmbDim: 4, EmbNum: 3, Seed: 1})
	if err != nil {
		t.Fatalf("NewVQVAE: %v", err)
	}
	return m
}

func smallBatch() *mat.Dense {
	x := mat.NewDense(3, 16, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 16; j++ {
			x.Set(i, j, float64((i*7+j*3)%10)/10)
		}
	}
	return x
}

func TestForwardShapesAndLosses(t *testing.T) {
	m := smallModel(t)
	out, err := m.Forward(smallBatch())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if r, c := out.Recon.Dims(); r != 3 || c != 16 {
		t.Fatalf("recon dims %dx%d", r, c)
	}
	if len(out.Codes) != 3 {
		t.Fatalf("expected 3 codes, got %d", len(out.Codes))
	}
	for _, k := range out.Codes {
		if k < 0 || k >= 3 {
			t.Fatalf("code %d out of range", k)
		}
	}
	for name, v := range map[string]float64{
		"reconstruction": out.Losses.Reconstruction,
		"embedding":      out.Losses.Embedding,
		"commitment":     out.Losses.Commitment,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			t.Fatalf("%s loss not finite/non-negative: %v", name, v)
		}
	}
	if out.Tape == nil || out.ReconLoss == nil {
		t.Fatal("recording forward must expose its graph")
	}
	// Embedding and commitment losses measure the same distance.
	if out.Losses.Embedding != out.Losses.Commitment {
		t.Fatalf("embedding %v != commitment %v", out.Losses.Embedding, out.Losses.Commitment)
	}
}

func TestForwardRejectsWrongWidth(t *testing.T) {
	m := smallModel(t)
	if _, err := m.Forward(mat.NewDense(2, 15, nil)); err == nil {
		t.Fatal("expected error for wrong input width")
	}
}

func TestBackward2RequiresRetainedGraph(t *testing.T) {
	m := smallModel(t)
	if err := m.Backward2(); !errors.Is(err, ErrNoRetainedGraph) {
		t.Fatalf("expected ErrNoRetainedGraph before forward, got %v", err)
	}

	out, err := m.Forward(smallBatch())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := out.Tape.Backward(out.ReconLoss, autograd.ReleaseGraph); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if err := m.Backward2(); !errors.Is(err, ErrNoRetainedGraph) {
		t.Fatalf("expected ErrNoRetainedGraph after released graph, got %v", err)
	}
}

func TestBackward2IsStraightThrough(t *testing.T) {
	m := smallModel(t)
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
	out, err := m.Forward(smallBatch())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := out.Tape.Backward(out.ReconLoss, autograd.RetainGraph); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, p := range m.Groups()[0].Params {
		if p.HasGrad() {
			t.Fatalf("%s: reconstruction alone must not reach the encoder", p.Name())
		}
	}
	zqGrad := mat.DenseCopyOf(m.zq.Grad())

	if err := m.Backward2(); err != nil {
		t.Fatalf("Backward2: %v", err)
	}
	for _, p := range m.Parameters() {
		if !p.HasGrad() {
			t.Fatalf("%s: no gradient after both stages", p.Name())
		}
	}

	// z_e = h·W2 + b2, so d/db2 is the column sum of the injected gradient.
	rows, cols := zqGrad.Dims()
	want := make([]float64, cols)
	for i := 0; i < rows; i++ {
		floats.Add(want, zqGrad.RawRowView(i))
	}
	got := m.fc2.Bias.Grad().RawRowView(0)
	if !floats.EqualApprox(got, want, 1e-12) {
		t.Fatalf("fc2.bias grad %v, want %v", got, want)
	}
}

func TestInferLeavesGradientsAlone(t *testing.T) {
	m := smallModel(t)
	x := smallBatch()
	first, err := m.Infer(x)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	second, err := m.Infer(x)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if first.Losses != second.Losses {
		t.Fatalf("inference not idempotent: %+v vs %+v", first.Losses, second.Losses)
	}
	if first.Tape != nil {
		t.Fatal("inference must not expose a graph")
	}
	for _, p := range m.Parameters() {
		if p.Grad() != nil {
			t.Fatalf("%s: gradient allocated by inference", p.Name())
		}
	}
	if err := m.Backward2(); !errors.Is(err, ErrNoRetainedGraph) {
		t.Fatalf("inference must not leave a graph for Backward2, got %v", err)
	}
}

func TestDecodeCodebook(t *testing.T) {
	m := smallModel(t)
	images, err := m.Decode(m.Codebook())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r, c := images.Dims(); r != 3 || c != 16 {
		t.Fatalf("decoded dims %dx%d", r, c)
	}
	for _, v := range images.RawMatrix().Data {
		if v <= 0 || v >= 1 {
			t.Fatalf("pixel out of (0,1): %v", v)
		}
	}
	if _, err := m.Decode(mat.NewDense(1, 5, nil)); err == nil {
		t.Fatal("expected error for wrong latent width")
	}
}

func TestNearestPrefersLowestIndexOnTie(t *testing.T) {
	codebook := mat.NewDense(3, 2, []float64{1, 0, -1, 0, 0, 5})
	z := mat.NewDense(2, 2, []float64{0, 0, -0.9, 0.1})
	got := nearest(z, codebook)
	if got[0] != 0 || got[1] != 1 {
		t.Fatalf("nearest=%v want [0 1]", got)
	}
}
