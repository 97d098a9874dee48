package autograd

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Log terms are clamped at -100 and the gradient denominator at bceEps so an
// output saturated at 0 or 1 stays finite.
const (
	bceLogFloor = -100
	bceEps      = 1e-12
)

// BCESum is binary cross entropy between pred in [0,1] and target, summed
// over every element.
func (t *Tape) BCESum(pred *Node, target *mat.Dense) *Node {
	r, c := pred.Value.Dims()
	var total float64
	for i := 0; i < r; i++ {
		p := pred.Value.RawRowView(i)
		y := target.RawRowView(i)
		for j := 0; j < c; j++ {
			total -= y[j]*math.Max(math.Log(p[j]), bceLogFloor) +
				(1-y[j])*math.Max(math.Log(1-p[j]), bceLogFloor)
		}
	}
	v := mat.NewDense(1, 1, []float64{total})
	return t.record(v, []*Node{pred}, func(g *mat.Dense) {
		gv := g.At(0, 0)
		d := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			p := pred.Value.RawRowView(i)
			y := target.RawRowView(i)
			row := d.RawRowView(i)
			for j := 0; j < c; j++ {
				row[j] = gv * (p[j] - y[j]) / math.Max(p[j]*(1-p[j]), bceEps)
			}
		}
		pred.accumulate(d)
	})
}

// MSE is the mean over all elements of (a-b)².
func (t *Tape) MSE(a, b *Node) *Node {
	r, c := a.Value.Dims()
	diff := mat.NewDense(r, c, nil)
	diff.Sub(a.Value, b.Value)
	n := float64(r * c)
	var sq float64
	if n > 0 {
		sq = mat.Sum(mulElem(diff, diff)) / n
	}
	v := mat.NewDense(1, 1, []float64{sq})
	return t.record(v, []*Node{a, b}, func(g *mat.Dense) {
		scale := 2 * g.At(0, 0) / n
		if a.requiresGrad {
			d := mat.NewDense(r, c, nil)
			d.Scale(scale, diff)
			a.accumulate(d)
		}
		if b.requiresGrad {
			d := mat.NewDense(r, c, nil)
			d.Scale(-scale, diff)
			b.accumulate(d)
		}
	})
}

func mulElem(a, b *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(a, b)
	return out
}
