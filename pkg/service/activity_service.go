package service

import (
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/storage"
)

// ActivityService drives running activities through their workflow
// graph. Every operation executes as a single store transaction, so the
// duplicate-submission check and the quorum count always see a
// consistent snapshot of the open ledger entry.
type ActivityService struct {
	store  storage.Store
	logger Logger
}

const relationSlack = 0.005

func NewActivityService(store storage.Store, logger Logger) *ActivityService {
	return &ActivityService{store: store, logger: logger}
}

// Commit moves an activity from EDIT to COMMIT. Only the creator may
// commit.
func (s *ActivityService) Commit(activityID int64, by string) (activity models.WorkflowActivity, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	activity, err = txStore.GetActivity(activityID)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	if activity.Creator != by {
		return models.WorkflowActivity{}, models.ErrOnlyCreatorAllowed
	}
	if activity.Status != models.EditActivityStatus {
		return models.WorkflowActivity{}, models.ErrOnlyEditAllowed
	}
	activity.Status = models.CommitActivityStatus
	if err = txStore.UpdateActivity(activity); err != nil {
		return models.WorkflowActivity{}, err
	}
	s.logger.Infof("Committed activity %d", activityID)
	return activity, nil
}

// Start opens the first ledger entry at the start state and moves the
// activity to EXECUTE. The start state must be unique and staffed.
func (s *ActivityService) Start(activityID int64, by string) (first models.WorkflowHistory, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	activity, err := txStore.GetActivity(activityID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	if activity.Status != models.CommitActivityStatus {
		return models.WorkflowHistory{}, models.ErrOnlyCommitAllowed
	}
	wf, err := txStore.GetWorkflow(activity.WorkflowID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	starts := wf.StartStates()
	if len(starts) != 1 {
		return models.WorkflowHistory{}, models.ErrMultiStartState
	}
	if activity.Creator != by {
		return models.WorkflowHistory{}, models.ErrOnlyCreatorAllowed
	}
	start := starts[0]
	if len(start.Participants) == 0 {
		return models.WorkflowHistory{}, models.ErrNextStateParticipantNeeded
	}

	stateID := start.ID
	first = models.WorkflowHistory{
		ActivityID: activityID,
		LogType:    models.TransitionLog,
		StateID:    &stateID,
		Status:     models.ProcessingStatus,
		Deadline:   start.Deadline,
	}
	if first.ID, err = txStore.SaveHistory(first); err != nil {
		return models.WorkflowHistory{}, err
	}

	now := time.Now()
	activity.Status = models.ExecuteActivityStatus
	activity.RealStartTime = &now
	if err = txStore.UpdateActivity(activity); err != nil {
		return models.WorkflowHistory{}, err
	}
	s.logger.Infof("Started activity %d at state '%s'", activityID, start.Name)
	return first, nil
}

// LogEvent records one participant action against an open state and, if
// the state's quorum is met, routes the activity onward: closing the
// entry, evaluating conditional routes, fanning out parallel branches,
// holding joint states until full fan-in, and completing the activity
// when an end state is reached.
func (s *ActivityService) LogEvent(activityID, stateID int64, executor, action, note string, attachment types.JSONText) (entry models.WorkflowHistory, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	activity, err := txStore.GetActivity(activityID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	wf, err := txStore.GetWorkflow(activity.WorkflowID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	state := wf.StateByID(stateID)
	if state == nil {
		return models.WorkflowHistory{}, models.ErrParameterError.WithDetail("unknown state")
	}
	histories, err := txStore.ListHistory(activityID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}

	if StatusOf(*state, activity, wf, histories) != StatusProcessing {
		return models.WorkflowHistory{}, models.ErrOnlyProgressAllowed
	}
	if !contains(wf.Actions(stateID), action) {
		return models.WorkflowHistory{}, models.ErrInvalidAction
	}
	participant, err := s.resolveParticipant(txStore, state.Participants, executor)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	if participant == nil {
		return models.WorkflowHistory{}, models.ErrInvalidExecutor
	}

	// Locks the open entry until the transaction ends: concurrent
	// submissions against the same entry serialize here.
	open, err := txStore.GetOpenHistory(activityID, stateID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	if err = s.checkRepeated(txStore, open.Records, executor); err != nil {
		return models.WorkflowHistory{}, err
	}

	// Quorum: does this submission tip the fraction of participants who
	// recorded the same action over the state's relation threshold?
	// Candidates are the outgoing transitions named by the action. A
	// parallel state keeps the whole set and fans out; everywhere else
	// auto-routing may narrow it to one edge.
	candidates := wf.TransitionsFromNamed(stateID, action)
	actionCount := 1
	for _, rec := range open.Records {
		if rec.Action == action {
			actionCount++
		}
	}
	// Relation thresholds carry two-decimal precision; the slack keeps
	// 2 of 3 (0.666...) from missing a 0.67 threshold.
	progress := len(state.Participants) > 0 &&
		float64(actionCount)/float64(len(state.Participants))+relationSlack >= state.Relation

	if progress && state.Type != models.EndState && state.Type != models.ParallelState && len(candidates) > 1 {
		candidates = AutoRoute(candidates, activity.Subject)
	}

	// The next states must be staffed before the record is committed.
	if progress {
		for _, t := range candidates {
			next := wf.StateByID(t.ToStateID)
			if next == nil {
				return models.WorkflowHistory{}, models.ErrInvalidTransition
			}
			if next.Type != models.EndState && len(next.Participants) == 0 {
				return models.WorkflowHistory{}, models.ErrNextStateParticipantNeeded
			}
		}
	}

	snapID, err := txStore.SaveParticipant(participant.Snapshot())
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	if _, err = txStore.SaveRecord(models.Record{
		HistoryID:     open.ID,
		ParticipantID: snapID,
		Action:        action,
		Note:          note,
		Attachment:    attachment,
	}); err != nil {
		return models.WorkflowHistory{}, err
	}

	if progress {
		if err = txStore.CloseHistory(open.ID, action); err != nil {
			return models.WorkflowHistory{}, err
		}
		if err = s.progress(txStore, &activity, wf, candidates); err != nil {
			return models.WorkflowHistory{}, err
		}
		s.logger.Infof("Activity %d progressed from state '%s' on action '%s'", activityID, state.Name, action)
	}

	entry, err = s.reloadEntry(txStore, activityID, open.ID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	return entry, nil
}

// progress opens new ledger entries for each routed transition. End
// states complete the whole activity; joint states stay shut until every
// predecessor branch has resolved.
func (s *ActivityService) progress(txStore storage.Store, activity *models.WorkflowActivity, wf models.Workflow, transitions []models.Transition) error {
	histories, err := txStore.ListHistory(activity.ID)
	if err != nil {
		return err
	}
	for _, t := range transitions {
		next := wf.StateByID(t.ToStateID)
		if next == nil {
			return models.ErrInvalidTransition
		}
		if next.Type == models.EndState {
			now := time.Now()
			activity.Status = models.CompleteActivityStatus
			activity.CompletedOn = &now
			return txStore.UpdateActivity(*activity)
		}
		if next.Type == models.JointState {
			if !s.jointReady(*activity, wf, histories, next.ID) {
				continue
			}
			// a concurrent sibling may have opened the joint already
			if _, err := txStore.GetOpenHistory(activity.ID, next.ID); err == nil {
				continue
			}
		}
		transitionID := t.ID
		stateID := next.ID
		if _, err := txStore.SaveHistory(models.WorkflowHistory{
			ActivityID:   activity.ID,
			LogType:      models.TransitionLog,
			StateID:      &stateID,
			TransitionID: &transitionID,
			Status:       models.ProcessingStatus,
			Deadline:     next.Deadline,
		}); err != nil {
			return err
		}
	}
	return nil
}

// jointReady reports whether every state feeding the joint state has
// resolved, i.e. none of them derives as undo or processing.
func (s *ActivityService) jointReady(activity models.WorkflowActivity, wf models.Workflow, histories []models.WorkflowHistory, jointID int64) bool {
	for _, in := range wf.TransitionsInto(jointID) {
		src := wf.StateByID(in.FromStateID)
		if src == nil {
			return false
		}
		switch StatusOf(*src, activity, wf, histories) {
		case StatusUndo, StatusProcessing:
			return false
		}
	}
	return true
}

// Delegation hands the current state off from user to delegator.
// Delegation is single-hop: a delegated participant can never delegate
// again. In plain mode the delegator may not already be a participant or
// delegate of the state; repeat mode lifts that restriction by swapping
// user out of the participant set entirely.
//
// Under parallel fan-out this operates on the oldest open entry, the way
// the source system resolved its "current state".
func (s *ActivityService) Delegation(activityID int64, user, delegator, reason string, attachment types.JSONText, repeat bool) (activity models.WorkflowActivity, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	activity, err = txStore.GetActivity(activityID)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	wf, err := txStore.GetWorkflow(activity.WorkflowID)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	open, state, err := s.currentOpen(txStore, activityID, wf)
	if err != nil {
		return models.WorkflowActivity{}, err
	}

	if !state.AllowDelegation {
		return models.WorkflowActivity{}, models.ErrDelegateDenied
	}
	var participant *models.Participant
	for i := range state.Participants {
		if state.Participants[i].Executor == user {
			participant = &state.Participants[i]
			break
		}
	}
	if participant == nil {
		return models.WorkflowActivity{}, models.ErrInvalidExecutor
	}
	if participant.DelegateTo != nil {
		return models.WorkflowActivity{}, models.ErrDelegateOnlyOnce
	}

	var newID int64
	if !repeat {
		for _, p := range state.Participants {
			if p.DelegateTo != nil {
				target, terr := txStore.GetParticipant(*p.DelegateTo)
				if terr == nil && target.Executor == delegator {
					return models.WorkflowActivity{}, models.ErrInvalidDelegator
				}
			} else if p.Executor == delegator {
				return models.WorkflowActivity{}, models.ErrInvalidDelegator
			}
		}
		// detached: the delegate acts through the original participant,
		// the quorum denominator does not change
		if newID, err = txStore.SaveParticipant(models.Participant{Executor: delegator}); err != nil {
			return models.WorkflowActivity{}, err
		}
	} else {
		if newID, err = txStore.SaveParticipant(models.Participant{StateID: state.ID, Executor: delegator}); err != nil {
			return models.WorkflowActivity{}, err
		}
		if err = txStore.DetachParticipant(participant.ID); err != nil {
			return models.WorkflowActivity{}, err
		}
		// keep the row detached through the delegate-link update below
		participant.StateID = 0
	}

	now := time.Now()
	participant.DelegateTo = &newID
	participant.DelegateOn = &now
	if err = txStore.UpdateParticipant(*participant); err != nil {
		return models.WorkflowActivity{}, err
	}

	snapID, err := txStore.SaveParticipant(participant.Snapshot())
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	if _, err = txStore.SaveRecord(models.Record{
		HistoryID:     open.ID,
		ParticipantID: snapID,
		Action:        models.DelegateAction,
		Note:          reason,
		Attachment:    attachment,
	}); err != nil {
		return models.WorkflowActivity{}, err
	}
	s.logger.Infof("Activity %d: '%s' delegated state '%s' to '%s'", activityID, user, state.Name, delegator)
	return activity, nil
}

// Abolish terminates an executing activity, provided the current open
// state permits it. This is a terminal status write, not a cancellation
// signal: nothing is in flight to cancel.
func (s *ActivityService) Abolish(activityID int64, by string) (activity models.WorkflowActivity, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	activity, err = txStore.GetActivity(activityID)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	if activity.Status != models.ExecuteActivityStatus {
		return models.WorkflowActivity{}, models.ErrAbolishDenied
	}
	wf, err := txStore.GetWorkflow(activity.WorkflowID)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	_, state, err := s.currentOpen(txStore, activityID, wf)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	if !state.AllowAbolish {
		return models.WorkflowActivity{}, models.ErrAbolishDenied
	}

	activity.Status = models.AbolishedActivityStatus
	if err = txStore.UpdateActivity(activity); err != nil {
		return models.WorkflowActivity{}, err
	}
	s.logger.Infof("Abolished activity %d at state '%s' by '%s'", activityID, state.Name, by)
	return activity, nil
}

// StateEdit is the bounded allow-list of fields a downstream state may
// have changed by a participant of the current state.
type StateEdit struct {
	Description     *string    `json:"description,omitempty"`
	Relation        *float64   `json:"relation,omitempty"`
	AllowDelegation *bool      `json:"allow_delegation,omitempty"`
	AllowAbolish    *bool      `json:"allow_abolish,omitempty"`
	AllowStateEdit  *bool      `json:"allow_state_edit,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	Participants    []string   `json:"participants,omitempty"`
}

// EditState lets a participant of the current open state adjust a state
// strictly downstream of it, replacing its participant set wholesale
// when new participants are supplied.
func (s *ActivityService) EditState(activityID int64, user string, edit StateEdit, targetStateID int64) (target models.State, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.State{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	activity, err := txStore.GetActivity(activityID)
	if err != nil {
		return models.State{}, err
	}
	wf, err := txStore.GetWorkflow(activity.WorkflowID)
	if err != nil {
		return models.State{}, err
	}
	_, current, err := s.currentOpen(txStore, activityID, wf)
	if err != nil {
		return models.State{}, err
	}
	if !current.AllowStateEdit {
		return models.State{}, models.ErrEditStateDenied
	}
	participant, err := s.resolveParticipant(txStore, current.Participants, user)
	if err != nil {
		return models.State{}, err
	}
	if participant == nil {
		return models.State{}, models.ErrInvalidExecutor
	}
	targetPtr := wf.StateByID(targetStateID)
	if targetPtr == nil || targetPtr.Sequence <= current.Sequence {
		return models.State{}, models.ErrOnlyFollowUpAllowed
	}
	target = *targetPtr

	if edit.Description != nil {
		target.Description = *edit.Description
	}
	if edit.Relation != nil {
		target.Relation = *edit.Relation
	}
	if edit.AllowDelegation != nil {
		target.AllowDelegation = *edit.AllowDelegation
	}
	if edit.AllowAbolish != nil {
		target.AllowAbolish = *edit.AllowAbolish
	}
	if edit.AllowStateEdit != nil {
		target.AllowStateEdit = *edit.AllowStateEdit
	}
	if edit.Deadline != nil {
		target.Deadline = edit.Deadline
	}
	if err = txStore.UpdateState(target); err != nil {
		return models.State{}, err
	}
	if len(edit.Participants) > 0 {
		if err = txStore.ReplaceParticipants(target.ID, edit.Participants); err != nil {
			return models.State{}, err
		}
	}
	s.logger.Infof("Activity %d: '%s' edited downstream state '%s'", activityID, user, target.Name)
	return target, nil
}

// GetStatus derives the status of one state: a read path, never fails on
// ledger inconsistency.
func (s *ActivityService) GetStatus(activityID, stateID int64) (string, error) {
	activity, err := s.store.GetActivity(activityID)
	if err != nil {
		return "", err
	}
	wf, err := s.store.GetWorkflow(activity.WorkflowID)
	if err != nil {
		return "", err
	}
	state := wf.StateByID(stateID)
	if state == nil {
		return "", models.ErrParameterError.WithDetail("unknown state")
	}
	histories, err := s.store.ListHistory(activityID)
	if err != nil {
		return "", err
	}
	return StatusOf(*state, activity, wf, histories), nil
}

// GetHistory returns the activity's full ledger, oldest first.
func (s *ActivityService) GetHistory(activityID int64) ([]models.WorkflowHistory, error) {
	if _, err := s.store.GetActivity(activityID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(activityID)
}

func (s *ActivityService) GetActivity(activityID int64) (models.WorkflowActivity, error) {
	return s.store.GetActivity(activityID)
}

// currentOpen returns the oldest open ledger entry and its state.
func (s *ActivityService) currentOpen(txStore storage.Store, activityID int64, wf models.Workflow) (models.WorkflowHistory, *models.State, error) {
	histories, err := txStore.ListHistory(activityID)
	if err != nil {
		return models.WorkflowHistory{}, nil, err
	}
	for _, h := range histories {
		if h.Open() && h.StateID != nil {
			state := wf.StateByID(*h.StateID)
			if state == nil {
				return models.WorkflowHistory{}, nil, models.ErrInvalidTransition
			}
			return h, state, nil
		}
	}
	return models.WorkflowHistory{}, nil, models.ErrOnlyProgressAllowed
}

// resolveParticipant finds the participant row executor acts through:
// either directly, or as the delegate target of a delegated participant.
func (s *ActivityService) resolveParticipant(txStore storage.Store, participants []models.Participant, executor string) (*models.Participant, error) {
	for i := range participants {
		if participants[i].DelegateTo == nil && participants[i].Executor == executor {
			return &participants[i], nil
		}
	}
	for i := range participants {
		if participants[i].DelegateTo == nil {
			continue
		}
		target, err := txStore.GetParticipant(*participants[i].DelegateTo)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		if target.Executor == executor {
			return &participants[i], nil
		}
	}
	return nil, nil
}

// checkRepeated rejects a second submission by the same participant
// (direct or delegated) against one open entry.
func (s *ActivityService) checkRepeated(txStore storage.Store, records []models.Record, executor string) error {
	for _, rec := range records {
		if rec.Action == models.ProcessingStatus || rec.Action == models.DelegateAction || rec.Participant == nil {
			continue
		}
		if rec.Participant.DelegateTo != nil {
			target, err := txStore.GetParticipant(*rec.Participant.DelegateTo)
			if err == nil && target.Executor == executor {
				return models.ErrRepeatedLogevent
			}
			continue
		}
		if rec.Participant.Executor == executor {
			return models.ErrRepeatedLogevent
		}
	}
	return nil
}

func (s *ActivityService) reloadEntry(txStore storage.Store, activityID, historyID int64) (models.WorkflowHistory, error) {
	histories, err := txStore.ListHistory(activityID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	for _, h := range histories {
		if h.ID == historyID {
			return h, nil
		}
	}
	return models.WorkflowHistory{}, storage.ErrNotFound
}

func contains(list []string, s string) bool {
	for _, elem := range list {
		if elem == s {
			return true
		}
	}
	return false
}
