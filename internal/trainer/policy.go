package trainer

import (
	"github.com/pkg/errors"

	"vqvae-forge/internal/autograd"
	"vqvae-forge/internal/model"
)

// LossPolicy selects which loss terms make up the training objective.
type LossPolicy string

const (
	// PolicyFull is recon + embed + beta·commit.
	PolicyFull LossPolicy = "full"
	// PolicyRecon is recon only; the encoder learns through the
	// straight-through stage alone.
	PolicyRecon LossPolicy = "recon"
	// PolicyReconCommit is recon + beta·commit.
	PolicyReconCommit LossPolicy = "recon_commit"
	// PolicyReconEmbed is recon + embed.
	PolicyReconEmbed LossPolicy = "recon_embed"
)

// Policies lists the accepted policy names.
var Policies = []LossPolicy{PolicyFull, PolicyRecon, PolicyReconCommit, PolicyReconEmbed}

// ParsePolicy validates a policy name. The empty string means PolicyFull.
func ParsePolicy(s string) (LossPolicy, error) {
	if s == "" {
		return PolicyFull, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", errors.Errorf("unknown loss policy %q (want one of %v)", s, Policies)
}

const (
	termRecon = iota
	termEmbed
	termCommit
)

func (p LossPolicy) terms(beta float64) ([]int, []float64) {
	switch p {
	case PolicyRecon:
		return []int{termRecon}, []float64{1}
	case PolicyReconCommit:
		return []int{termRecon, termCommit}, []float64{1, beta}
	case PolicyReconEmbed:
		return []int{termRecon, termEmbed}, []float64{1, 1}
	default:
		return []int{termRecon, termEmbed, termCommit}, []float64{1, 1, beta}
	}
}

// Value combines a loss triple. It is bit-identical to the objective built
// by Objective for the same forward pass.
func (p LossPolicy) Value(l model.Losses, beta float64) float64 {
	all := [...]float64{termRecon: l.Reconstruction, termEmbed: l.Embedding, termCommit: l.Commitment}
	idx, w := p.terms(beta)
	vals := make([]float64, len(idx))
	for i, k := range idx {
		vals[i] = all[k]
	}
	return autograd.Combine(vals, w)
}

// Objective builds the scalar training objective on out's graph.
func (p LossPolicy) Objective(out model.Output, beta float64) (*autograd.Node, error) {
	if out.Tape == nil {
		return nil, errors.New("trainer: forward output has no graph")
	}
	all := [...]*autograd.Node{termRecon: out.ReconLoss, termEmbed: out.EmbedLoss, termCommit: out.CommitLoss}
	idx, w := p.terms(beta)
	nodes := make([]*autograd.Node, len(idx))
	for i, k := range idx {
		nodes[i] = all[k]
	}
	return out.Tape.WeightedSum(nodes, w), nil
}
