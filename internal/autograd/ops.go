package autograd

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MatMul returns a·b.
func (t *Tape) MatMul(a, b *Node) *Node {
	ar, ac := a.Value.Dims()
	_, bc := b.Value.Dims()
	v := mat.NewDense(ar, bc, nil)
	mulRows(v, a.Value, b.Value, t.workers)
	return t.record(v, []*Node{a, b}, func(g *mat.Dense) {
		if a.requiresGrad {
			d := mat.NewDense(ar, ac, nil)
			d.Mul(g, b.Value.T())
			a.accumulate(d)
		}
		if b.requiresGrad {
			br, _ := b.Value.Dims()
			d := mat.NewDense(br, bc, nil)
			d.Mul(a.Value.T(), g)
			b.accumulate(d)
		}
	})
}

// AddRow broadcasts the 1xc row across every row of a.
func (t *Tape) AddRow(a, row *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.DenseCopyOf(a.Value)
	bias := row.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(v.RawRowView(i), bias)
	}
	return t.record(v, []*Node{a, row}, func(g *mat.Dense) {
		a.accumulate(g)
		if row.requiresGrad {
			d := mat.NewDense(1, c, nil)
			sum := d.RawRowView(0)
			for i := 0; i < r; i++ {
				floats.Add(sum, g.RawRowView(i))
			}
			row.accumulate(d)
		}
	})
}

// Linear computes x·w + b.
func (t *Tape) Linear(x, w, b *Node) *Node {
	return t.AddRow(t.MatMul(x, w), b)
}

// ReLU applies max(0, x) elementwise.
func (t *Tape) ReLU(a *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return math.Max(0, x) }, a.Value)
	return t.record(v, []*Node{a}, func(g *mat.Dense) {
		d := mat.NewDense(r, c, nil)
		d.Apply(func(i, j int, gv float64) float64 {
			if a.Value.At(i, j) > 0 {
				return gv
			}
			return 0
		}, g)
		a.accumulate(d)
	})
}

// Sigmoid applies 1/(1+e^-x) elementwise.
func (t *Tape) Sigmoid(a *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return 1 / (1 + math.Exp(-x)) }, a.Value)
	return t.record(v, []*Node{a}, func(g *mat.Dense) {
		d := mat.NewDense(r, c, nil)
		d.Apply(func(i, j int, gv float64) float64 {
			y := v.At(i, j)
			return gv * y * (1 - y)
		}, g)
		a.accumulate(d)
	})
}

// Gather selects rows of table by index. Gradients scatter-add back into the
// selected rows, so a row picked twice receives both contributions.
func (t *Tape) Gather(table *Node, idx []int) *Node {
	tr, c := table.Value.Dims()
	v := mat.NewDense(len(idx), c, nil)
	for i, k := range idx {
		copy(v.RawRowView(i), table.Value.RawRowView(k))
	}
	return t.record(v, []*Node{table}, func(g *mat.Dense) {
		d := mat.NewDense(tr, c, nil)
		for i, k := range idx {
			floats.Add(d.RawRowView(k), g.RawRowView(i))
		}
		table.accumulate(d)
	})
}

// WeightedSum returns Σ weights[i]·terms[i] over 1x1 terms, evaluated left to
// right exactly as Combine does.
func (t *Tape) WeightedSum(terms []*Node, weights []float64) *Node {
	vals := make([]float64, len(terms))
	for i, term := range terms {
		vals[i] = term.Scalar()
	}
	v := mat.NewDense(1, 1, []float64{Combine(vals, weights)})
	return t.record(v, terms, func(g *mat.Dense) {
		gv := g.At(0, 0)
		for i, term := range terms {
			term.accumulate(mat.NewDense(1, 1, []float64{weights[i] * gv}))
		}
	})
}

// Combine returns Σ weights[i]·values[i], summed in order. Each product is
// rounded before the add so no fused multiply-add changes the result.
func Combine(values, weights []float64) float64 {
	var s float64
	for i, v := range values {
		s += float64(weights[i] * v)
	}
	return s
}
