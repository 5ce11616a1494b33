package protocol

import "fmt"

// Phase is the coordination phase a sender believes is active.
//
// It travels in every record as the advisory state byte. Receivers log it
// but never branch on it: coordinator and worker are not in lockstep, a
// report can legitimately arrive while the coordinator is already in a
// different phase.
type Phase uint8

const (
	PhaseRunGenerations Phase = iota // broadcast EXECUTE_RUN
	PhaseEvaluate                    // collect FITNESS_REPORT from every active island
	PhasePrune                       // rank, cut, instruct losers to terminate
	PhaseIdle                        // single survivor runs unbounded
)

func (p Phase) String() string {
	switch p {
	case PhaseRunGenerations:
		return "RUN_GENERATIONS"
	case PhaseEvaluate:
		return "EVALUATE"
	case PhasePrune:
		return "PRUNE"
	case PhaseIdle:
		return "IDLE"
	default:
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
}
