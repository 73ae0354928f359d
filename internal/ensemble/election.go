package ensemble

import "github.com/driftlab/driftwatch/internal/api"

// Election combines per-detector verdicts into one ensemble verdict.
type Election interface {
	Decide(verdicts map[string]api.DriftState) api.DriftState
}

// SimpleMajorityElection declares drift when strictly more than half of
// the detectors report drift.
type SimpleMajorityElection struct{}

func (SimpleMajorityElection) Decide(verdicts map[string]api.DriftState) api.DriftState {
	if 2*countDrift(verdicts) > len(verdicts) {
		return api.StateDrift
	}
	return api.StateNone
}

// MinimumApprovalElection declares drift when at least ApprovalsNeeded
// detectors report drift.
type MinimumApprovalElection struct {
	ApprovalsNeeded int
}

func (e MinimumApprovalElection) Decide(verdicts map[string]api.DriftState) api.DriftState {
	if e.ApprovalsNeeded > 0 && countDrift(verdicts) >= e.ApprovalsNeeded {
		return api.StateDrift
	}
	return api.StateNone
}

func countDrift(verdicts map[string]api.DriftState) int {
	n := 0
	for _, state := range verdicts {
		if state == api.StateDrift {
			n++
		}
	}
	return n
}
