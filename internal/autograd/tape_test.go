package autograd

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

func testParams() (*Param, *Param, *Param) {
	w1 := NewParam("w1", mat.NewDense(3, 2, []float64{0.1, -0.2, 0.3, 0.05, -0.4, 0.2}))
	b1 := NewParam("b1", mat.NewDense(1, 2, []float64{0.01, -0.03}))
	table := NewParam("table", mat.NewDense(3, 2, []float64{0.5, -0.5, 0.1, 0.2, -0.3, 0.4}))
	return w1, b1, table
}

// forward builds a graph that touches every op: linear, relu, gather,
// sigmoid, BCE and MSE.
func forward(t *Tape, w1, b1, table *Param) *Node {
	x := t.Constant(mat.NewDense(2, 3, []float64{0.2, 0.7, 0.1, 0.9, 0.3, 0.5}))
	h := t.ReLU(t.Linear(x, t.Param(w1), t.Param(b1)))
	q := t.Gather(t.Param(table), []int{2, 0})
	s := t.Sigmoid(t.MatMul(h, t.Constant(mat.NewDense(2, 2, []float64{1, 0.5, -0.5, 1}))))
	target := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	bce := t.BCESum(s, target)
	mse := t.MSE(h, q)
	return t.WeightedSum([]*Node{bce, mse}, []float64{1, 0.3})
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	w1, b1, table := testParams()
	for _, p := range []*Param{w1, b1, table} {
		p.ZeroGrad()
	}
	tape := NewTape(1)
	loss := forward(tape, w1, b1, table)
	if err := tape.Backward(loss, ReleaseGraph); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	for _, p := range []*Param{w1, b1, table} {
		data := p.Value().RawMatrix().Data
		orig := append([]float64(nil), data...)
		f := func(x []float64) float64 {
			copy(data, x)
			defer copy(data, orig)
			return forward(NewInferenceTape(1), w1, b1, table).Scalar()
		}
		want := fd.Gradient(nil, f, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		got := p.Grad().RawMatrix().Data
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-5 {
				t.Fatalf("%s[%d]: analytic %.8f numeric %.8f", p.Name(), i, got[i], want[i])
			}
		}
		if !p.HasGrad() {
			t.Fatalf("%s: expected HasGrad after backward", p.Name())
		}
	}
}

func TestBackwardReleasesGraph(t *testing.T) {
	w1, b1, table := testParams()
	tape := NewTape(1)
	loss := forward(tape, w1, b1, table)
	if err := tape.Backward(loss, ReleaseGraph); err != nil {
		t.Fatalf("first Backward: %v", err)
	}
	if err := tape.Backward(loss, ReleaseGraph); !errors.Is(err, ErrGraphReleased) {
		t.Fatalf("expected ErrGraphReleased, got %v", err)
	}
}

func TestRetainGraphAllowsSecondPass(t *testing.T) {
	w1, b1, table := testParams()
	w1.ZeroGrad()
	tape := NewTape(1)
	loss := forward(tape, w1, b1, table)
	if err := tape.Backward(loss, RetainGraph); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	first := mat.DenseCopyOf(w1.Grad())
	if err := tape.Backward(loss, ReleaseGraph); err != nil {
		t.Fatalf("second Backward: %v", err)
	}
	// Leaves accumulate across passes; intermediates are reset.
	want := mat.NewDense(3, 2, nil)
	want.Scale(2, first)
	if !mat.EqualApprox(w1.Grad(), want, 1e-12) {
		t.Fatalf("expected doubled gradient\n got %v\nwant %v", mat.Formatted(w1.Grad()), mat.Formatted(want))
	}
}

func TestInferenceTapeRecordsNothing(t *testing.T) {
	w1, b1, table := testParams()
	tape := NewInferenceTape(1)
	loss := forward(tape, w1, b1, table)
	if tape.Len() != 0 {
		t.Fatalf("expected empty tape, got %d nodes", tape.Len())
	}
	if loss.RequiresGrad() {
		t.Fatal("inference output must not require grad")
	}
	if err := tape.Backward(loss, ReleaseGraph); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
	if w1.Grad() != nil || w1.HasGrad() {
		t.Fatal("inference touched a gradient")
	}
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	w1, _, _ := testParams()
	tape := NewTape(1)
	out := tape.MatMul(tape.Constant(mat.NewDense(1, 3, []float64{1, 2, 3})), tape.Param(w1))
	if err := tape.Backward(out, ReleaseGraph); !errors.Is(err, ErrNotScalar) {
		t.Fatalf("expected ErrNotScalar, got %v", err)
	}
}

func TestZeroGrad(t *testing.T) {
	w1, b1, table := testParams()
	tape := NewTape(1)
	if err := tape.Backward(forward(tape, w1, b1, table), ReleaseGraph); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	w1.ZeroGrad()
	if w1.HasGrad() {
		t.Fatal("HasGrad after ZeroGrad")
	}
	if mat.Sum(w1.Grad()) != 0 || mat.Norm(w1.Grad(), 1) != 0 {
		t.Fatalf("gradient not cleared: %v", mat.Formatted(w1.Grad()))
	}
}

func TestParallelMatMulMatchesSerial(t *testing.T) {
	a := mat.NewDense(9, 4, nil)
	b := mat.NewDense(4, 3, nil)
	for i := 0; i < 9; i++ {
		for j := 0; j < 4; j++ {
			a.Set(i, j, float64(i*4+j)*0.1)
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			b.Set(i, j, float64(i-j))
		}
	}
	serial := NewInferenceTape(1).MatMul(&Node{Value: a}, &Node{Value: b})
	parallel := NewInferenceTape(4).MatMul(&Node{Value: a}, &Node{Value: b})
	if !mat.Equal(serial.Value, parallel.Value) {
		t.Fatalf("parallel product differs\n%v\n%v", mat.Formatted(serial.Value), mat.Formatted(parallel.Value))
	}
}

func TestCombineIsOrderedSum(t *testing.T) {
	r, e, c, beta := 12.75, 0.031, 0.0047, 0.3
	want := r + e + float64(beta*c)
	if got := Combine([]float64{r, e, c}, []float64{1, 1, beta}); got != want {
		t.Fatalf("Combine=%v want %v", got, want)
	}
}
