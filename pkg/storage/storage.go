package storage

import (
	"github.com/pkg/errors"

	"github.com/sarar04/flowengine/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist, or when
// the caller is not allowed to see it (ownership mismatches are reported
// as not-found rather than forbidden).
var ErrNotFound = errors.New("not found")

// Store defines the storage operations the engine needs. Begin returns a
// transactional view of the same store; every engine operation runs
// inside one transaction so quorum counts and duplicate detection see a
// consistent snapshot.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow graph
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error) // states (with participants) and transitions populated
	ListWorkflows(belongTo string, templatesOnly bool) ([]models.Workflow, error)
	UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error
	UpdateWorkflowClonedFrom(id int64, clonedFrom int64) error
	SaveState(s models.State) (int64, error)
	UpdateState(s models.State) error
	SaveTransition(t models.Transition) (int64, error)

	// Participants
	SaveParticipant(p models.Participant) (int64, error)
	GetParticipant(id int64) (models.Participant, error)
	UpdateParticipant(p models.Participant) error
	DetachParticipant(id int64) error
	ListParticipants(stateID int64) ([]models.Participant, error)
	ReplaceParticipants(stateID int64, executors []string) error

	// Activities
	SaveActivity(a models.WorkflowActivity) (int64, error)
	GetActivity(id int64) (models.WorkflowActivity, error)
	UpdateActivity(a models.WorkflowActivity) error
	ListActivities(belongTo string, statuses ...models.ActivityStatus) ([]models.WorkflowActivity, error)

	// History ledger
	SaveHistory(h models.WorkflowHistory) (int64, error)
	// GetOpenHistory returns the single open ("processing") entry for a
	// state, locking it for the duration of the transaction so concurrent
	// submissions serialize.
	GetOpenHistory(activityID, stateID int64) (models.WorkflowHistory, error)
	ListHistory(activityID int64) ([]models.WorkflowHistory, error) // chronological, records populated
	CloseHistory(historyID int64, action string) error
	SaveRecord(r models.Record) (int64, error)
}
