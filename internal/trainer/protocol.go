package trainer

import "github.com/pkg/errors"

// Stage is a step of the per-batch update.
type Stage int

const (
	StageIdle Stage = iota
	StageForward
	StageCleared
	StageBackward1
	StageBackward2
	StageStepped
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageForward:
		return "forward-computed"
	case StageCleared:
		return "gradients-cleared"
	case StageBackward1:
		return "stage1-backward-done"
	case StageBackward2:
		return "stage2-backward-done"
	case StageStepped:
		return "optimizer-stepped"
	default:
		return "unknown"
	}
}

// protocol enforces forward → clear → backward1 → backward2 → step for
// every batch, with no skips and no repeats.
type protocol struct {
	stage Stage
	trace func(Stage)
}

func (p *protocol) advance(to Stage) error {
	want := StageForward
	switch p.stage {
	case StageIdle, StageStepped:
		want = StageForward
	default:
		want = p.stage + 1
	}
	if to != want {
		return errors.Wrapf(ErrProtocol, "%s -> %s", p.stage, to)
	}
	p.stage = to
	if p.trace != nil {
		p.trace(to)
	}
	return nil
}
