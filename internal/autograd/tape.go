// Package autograd is a small reverse-mode differentiation tape over gonum
// dense matrices. Operations are recorded in execution order, so walking the
// tape backwards is always a valid topological order.
package autograd

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrGraphReleased is returned when backward runs on a tape whose graph
	// was freed by an earlier backward pass without RetainGraph.
	ErrGraphReleased = errors.New("autograd: graph already released")
	// ErrNotRecording is returned for backward passes on an inference tape.
	ErrNotRecording = errors.New("autograd: tape is not recording")
	// ErrNotScalar is returned when Backward is started from a non 1x1 node.
	ErrNotScalar = errors.New("autograd: backward root must be a 1x1 scalar")
)

// Retention controls whether a backward pass keeps the graph alive.
type Retention bool

const (
	// ReleaseGraph frees the graph after the pass.
	ReleaseGraph Retention = false
	// RetainGraph keeps the graph and intermediate gradients for another pass.
	RetainGraph Retention = true
)

// Node is a value in the graph together with its accumulated gradient.
type Node struct {
	Value *mat.Dense

	grad         *mat.Dense
	requiresGrad bool
	param        *Param
	parents      []*Node
	backward     func(g *mat.Dense)
}

// Grad returns the gradient accumulated at n, or nil if none reached it.
func (n *Node) Grad() *mat.Dense { return n.grad }

// RequiresGrad reports whether gradients flow into n.
func (n *Node) RequiresGrad() bool { return n.requiresGrad }

// Scalar returns the single element of a 1x1 node.
func (n *Node) Scalar() float64 { return n.Value.At(0, 0) }

func (n *Node) accumulate(delta mat.Matrix) {
	if !n.requiresGrad {
		return
	}
	if n.grad == nil {
		r, c := n.Value.Dims()
		n.grad = mat.NewDense(r, c, nil)
	}
	n.grad.Add(n.grad, delta)
	if n.param != nil {
		n.param.touched = true
	}
}

// Tape records operations for a single forward pass.
type Tape struct {
	nodes     []*Node
	recording bool
	released  bool
	workers   int
}

// NewTape returns a recording tape. workers > 1 splits forward matrix
// products by rows across that many goroutines.
func NewTape(workers int) *Tape {
	return &Tape{recording: true, workers: workers}
}

// NewInferenceTape returns a tape that computes values only. Nodes produced by
// it never require gradients, so nothing can be accumulated into parameters.
func NewInferenceTape(workers int) *Tape {
	return &Tape{workers: workers}
}

// Recording reports whether t builds a graph.
func (t *Tape) Recording() bool { return t.recording }

// Len returns the number of recorded operations.
func (t *Tape) Len() int { return len(t.nodes) }

// Constant wraps m as a node that never receives gradients.
func (t *Tape) Constant(m *mat.Dense) *Node {
	return &Node{Value: m}
}

// Detach returns a constant view of n's value, cutting the graph.
func (t *Tape) Detach(n *Node) *Node {
	return &Node{Value: n.Value}
}

// Param returns the graph node for p. On an inference tape the value is
// wrapped as a constant.
func (t *Tape) Param(p *Param) *Node {
	if !t.recording {
		return &Node{Value: p.node.Value}
	}
	return p.node
}

func (t *Tape) record(value *mat.Dense, parents []*Node, backward func(g *mat.Dense)) *Node {
	out := &Node{Value: value}
	if !t.recording {
		return out
	}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if !out.requiresGrad {
		return out
	}
	out.parents = parents
	out.backward = backward
	t.nodes = append(t.nodes, out)
	return out
}

// Backward propagates d(root)/d(root) = 1 through the graph, accumulating
// into every reachable parameter.
func (t *Tape) Backward(root *Node, retain Retention) error {
	if r, c := root.Value.Dims(); r != 1 || c != 1 {
		return errors.Wrapf(ErrNotScalar, "got %dx%d", r, c)
	}
	return t.BackwardFrom(root, mat.NewDense(1, 1, []float64{1}), retain)
}

// BackwardFrom seeds start with grad and propagates it to start's ancestors.
// Intermediate gradients under start are reset first so that only parameters
// accumulate across passes.
func (t *Tape) BackwardFrom(start *Node, seed *mat.Dense, retain Retention) error {
	if !t.recording {
		return ErrNotRecording
	}
	if t.released {
		return ErrGraphReleased
	}
	if start.backward == nil {
		return errors.New("autograd: start node is not part of this graph")
	}
	sr, sc := start.Value.Dims()
	gr, gc := seed.Dims()
	if sr != gr || sc != gc {
		return errors.Errorf("autograd: seed is %dx%d, node is %dx%d", gr, gc, sr, sc)
	}

	reach := ancestors(start)
	for _, n := range t.nodes {
		if reach[n] {
			n.grad = nil
		}
	}
	start.grad = mat.DenseCopyOf(seed)

	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		if !reach[n] || n.grad == nil {
			continue
		}
		n.backward(n.grad)
	}

	if !retain {
		t.release()
	}
	return nil
}

func (t *Tape) release() {
	for _, n := range t.nodes {
		n.parents = nil
		n.backward = nil
	}
	t.released = true
}

func ancestors(start *Node) map[*Node]bool {
	seen := map[*Node]bool{start: true}
	stack := []*Node{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range n.parents {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return seen
}
