package service

import (
	"github.com/sarar04/flowengine/pkg/models"
)

// State statuses derived from the ledger.
const (
	StatusUndo       = "undo"
	StatusProcessing = "processing"
	StatusFinish     = "finish"
)

// StatusOf derives the status of a state by replaying the activity's
// ordered ledger. History is append-only and transitions may loop back,
// so "is this node done" cannot be a stored field: a state revisited
// after a loop-back supersedes its earlier entry, and everything the
// superseded entry led to is dropped with it.
//
// StatusOf is a pure function of its inputs and never fails: on any
// inconsistency in the ledger it degrades to "undo", since it backs
// read-only displays.
func StatusOf(state models.State, activity models.WorkflowActivity, wf models.Workflow, histories []models.WorkflowHistory) string {
	if activity.Status == models.CompleteActivityStatus && state.Type == models.EndState {
		return StatusFinish
	}
	for _, h := range histories {
		if h.Open() && h.StateID != nil && *h.StateID == state.ID {
			return StatusProcessing
		}
	}

	// Replay, keeping a working set of live entries. A new entry for a
	// state already live is a reversal boundary: the prior occurrence and
	// the chain of entries its transitions produced are superseded.
	var live []models.WorkflowHistory
	for _, h := range histories {
		if h.StateID == nil {
			continue
		}
		if idx := indexOfState(live, *h.StateID); idx >= 0 {
			live = resolveReversal(live, idx, wf)
		}
		live = append(live, h)
	}

	for _, h := range live {
		if *h.StateID == state.ID {
			if h.Open() {
				return StatusProcessing
			}
			// the entry survived the replay and was closed by an action:
			// this state finished its part
			return StatusFinish
		}
	}
	return StatusUndo
}

func indexOfState(entries []models.WorkflowHistory, stateID int64) int {
	for i, h := range entries {
		if *h.StateID == stateID {
			return i
		}
	}
	return -1
}

// resolveReversal drops the superseded entry at idx plus, transitively,
// every later live entry whose producing transition leaves a dropped
// state. Entries on sibling parallel branches survive; on a linear chain
// this truncates everything from idx onward.
func resolveReversal(live []models.WorkflowHistory, idx int, wf models.Workflow) []models.WorkflowHistory {
	dropped := map[int64]bool{*live[idx].StateID: true}
	kept := append([]models.WorkflowHistory{}, live[:idx]...)
	for _, h := range live[idx+1:] {
		if h.TransitionID != nil {
			if tr := wf.TransitionByID(*h.TransitionID); tr != nil && dropped[tr.FromStateID] {
				dropped[*h.StateID] = true
				continue
			}
		}
		kept = append(kept, h)
	}
	return kept
}

// AutoRoute picks the effective transitions for an action: those whose
// condition holds against the subject, or all of them when no condition
// matches (unconditioned catch-all semantics).
func AutoRoute(transitions []models.Transition, subject models.Subject) []models.Transition {
	var routes, unconditioned []models.Transition
	for _, t := range transitions {
		if t.Condition == nil {
			unconditioned = append(unconditioned, t)
			continue
		}
		if t.Condition.Eval(subject) {
			routes = append(routes, t)
		}
	}
	if len(routes) > 0 {
		return routes
	}
	if len(unconditioned) > 0 {
		return unconditioned
	}
	return transitions
}
