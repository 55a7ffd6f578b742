package service

import (
	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/storage"
)

// TaskService answers "what is on this person's plate": it classifies
// every state an executor participates in, directly or as a delegate,
// relative to each owning activity's current position.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{store: store, logger: logger}
}

// TaskItem is one state assignment with enough activity context to act
// on it.
type TaskItem struct {
	ActivityID   int64                 `json:"activity_id"`
	ActivityName string                `json:"activity_name"`
	Status       models.ActivityStatus `json:"activity_status"`
	WorkflowID   int64                 `json:"workflow_id"`
	State        models.State          `json:"state"`
}

// Tasks groups an executor's assignments: executing (awaiting their
// action now), completed (behind the current position, or already acted
// on), future (ahead of the current position), and delegate (states they
// have handed off to somebody else).
type Tasks struct {
	Executing []TaskItem `json:"executing"`
	Completed []TaskItem `json:"completed"`
	Future    []TaskItem `json:"future"`
	Delegate  []TaskItem `json:"delegate"`
}

// TasksFor classifies every participation of executor across the
// caller's executing and completed activities.
func (ts *TaskService) TasksFor(executor, belongTo string) (Tasks, error) {
	var tasks Tasks
	activities, err := ts.store.ListActivities(belongTo,
		models.ExecuteActivityStatus, models.CompleteActivityStatus)
	if err != nil {
		return Tasks{}, err
	}

	for _, activity := range activities {
		wf, err := ts.store.GetWorkflow(activity.WorkflowID)
		if err != nil {
			ts.logger.Errorf("Error retrieving workflow %d: %v", activity.WorkflowID, err)
			return Tasks{}, err
		}
		histories, err := ts.store.ListHistory(activity.ID)
		if err != nil {
			return Tasks{}, err
		}
		current, open := currentOpenEntry(wf, histories)

		for _, state := range wf.States {
			for _, p := range state.Participants {
				item := TaskItem{
					ActivityID:   activity.ID,
					ActivityName: activity.Name,
					Status:       activity.Status,
					WorkflowID:   wf.ID,
					State:        state,
				}
				switch {
				case p.DelegateTo == nil && p.Executor == executor:
					ts.classifyDirect(&tasks, item, activity, state, current, open, executor)
				case p.DelegateTo != nil:
					target, terr := ts.store.GetParticipant(*p.DelegateTo)
					if terr != nil {
						continue
					}
					if target.Executor == executor {
						ts.classifyDelegated(&tasks, item, activity, state, current, open, executor)
					}
					if p.Executor == executor && activity.Status == models.ExecuteActivityStatus {
						tasks.Delegate = append(tasks.Delegate, item)
					}
				}
			}
		}
	}
	return tasks, nil
}

func (ts *TaskService) classifyDirect(tasks *Tasks, item TaskItem, activity models.WorkflowActivity, state models.State, current *models.State, open *models.WorkflowHistory, executor string) {
	if activity.Status != models.ExecuteActivityStatus || current == nil {
		tasks.Completed = append(tasks.Completed, item)
		return
	}
	switch {
	case state.Sequence < current.Sequence:
		tasks.Completed = append(tasks.Completed, item)
	case state.Sequence > current.Sequence:
		tasks.Future = append(tasks.Future, item)
	default:
		if ts.hasRecordBy(open, executor) {
			tasks.Completed = append(tasks.Completed, item)
		} else {
			tasks.Executing = append(tasks.Executing, item)
		}
	}
}

func (ts *TaskService) classifyDelegated(tasks *Tasks, item TaskItem, activity models.WorkflowActivity, state models.State, current *models.State, open *models.WorkflowHistory, executor string) {
	if activity.Status != models.ExecuteActivityStatus || current == nil {
		tasks.Completed = append(tasks.Completed, item)
		return
	}
	switch {
	case current.ID == state.ID:
		if ts.hasRecordBy(open, executor) {
			tasks.Completed = append(tasks.Completed, item)
		} else {
			tasks.Executing = append(tasks.Executing, item)
		}
	case current.Sequence > state.Sequence:
		tasks.Completed = append(tasks.Completed, item)
	case current.Sequence < state.Sequence:
		tasks.Future = append(tasks.Future, item)
	}
}

// hasRecordBy reports whether the open entry already holds a submitted
// action by executor, directly or through a delegation.
func (ts *TaskService) hasRecordBy(open *models.WorkflowHistory, executor string) bool {
	if open == nil {
		return false
	}
	for _, rec := range open.Records {
		if rec.Action == models.ProcessingStatus || rec.Action == models.DelegateAction || rec.Participant == nil {
			continue
		}
		if rec.Participant.DelegateTo != nil {
			target, err := ts.store.GetParticipant(*rec.Participant.DelegateTo)
			if err == nil && target.Executor == executor {
				return true
			}
			continue
		}
		if rec.Participant.Executor == executor {
			return true
		}
	}
	return false
}

// currentOpenEntry returns the oldest open ledger entry and its state.
func currentOpenEntry(wf models.Workflow, histories []models.WorkflowHistory) (*models.State, *models.WorkflowHistory) {
	for i := range histories {
		if histories[i].Open() && histories[i].StateID != nil {
			return wf.StateByID(*histories[i].StateID), &histories[i]
		}
	}
	return nil, nil
}
