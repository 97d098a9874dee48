package model

import (
	"gonum.org/v1/gonum/mat"

	"vqvae-forge/internal/autograd"
)

// Losses is the per-batch loss triple.
type Losses struct {
	Reconstruction float64
	Embedding      float64
	Commitment     float64
}

// Output is the result of one forward pass. The loss nodes are only set for
// a recording forward pass and belong to Tape.
type Output struct {
	Recon  *mat.Dense
	Codes  []int
	Losses Losses

	Tape       *autograd.Tape
	ReconLoss  *autograd.Node
	EmbedLoss  *autograd.Node
	CommitLoss *autograd.Node
}

// Model is the quantizing autoencoder surface the training loop drives.
type Model interface {
	// Forward records a graph for training.
	Forward(x *mat.Dense) (Output, error)
	// Infer runs without recording; gradients are never touched.
	Infer(x *mat.Dense) (Output, error)
	// Backward2 is the straight-through stage that runs after the first
	// backward pass has been taken with a retained graph.
	Backward2() error
	Codebook() *mat.Dense
	Decode(codes *mat.Dense) (*mat.Dense, error)
	Parameters() []*autograd.Param
}
