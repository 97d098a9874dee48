package autograd

import "gonum.org/v1/gonum/mat"

// Param is a trainable matrix with a persistent gradient accumulator.
type Param struct {
	name    string
	node    *Node
	touched bool
}

// NewParam wraps value as a trainable parameter.
func NewParam(name string, value *mat.Dense) *Param {
	p := &Param{name: name}
	p.node = &Node{Value: value, requiresGrad: true, param: p}
	return p
}

// Name returns the parameter name, e.g. "fc1.weight".
func (p *Param) Name() string { return p.name }

// Value returns the live parameter matrix. Optimizers update it in place.
func (p *Param) Value() *mat.Dense { return p.node.Value }

// Grad returns the accumulated gradient, or nil before the first pass.
func (p *Param) Grad() *mat.Dense { return p.node.grad }

// HasGrad reports whether any backward pass accumulated into p since the
// last ZeroGrad.
func (p *Param) HasGrad() bool { return p.touched }

// ZeroGrad resets the accumulator to zeros.
func (p *Param) ZeroGrad() {
	if p.node.grad == nil {
		r, c := p.node.Value.Dims()
		p.node.grad = mat.NewDense(r, c, nil)
	} else {
		p.node.grad.Zero()
	}
	p.touched = false
}

// Size returns the number of scalars in p.
func (p *Param) Size() int {
	r, c := p.node.Value.Dims()
	return r * c
}
