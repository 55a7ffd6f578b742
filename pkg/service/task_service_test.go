package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/service"
)

func stateNames(items []service.TaskItem) []string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.State.Name)
	}
	return names
}

func TestTasksFor(t *testing.T) {
	def := service.WorkflowDefinition{
		Name:    "pipeline",
		Creator: "alice",
		States: []service.StateDefinition{
			{Name: "submit", Type: models.StartState, Relation: 1, Participants: []string{"alice"}},
			{Name: "review", Type: models.GeneralState, Relation: 1, Participants: []string{"bob", "heidi"}},
			{Name: "signoff", Type: models.GeneralState, Relation: 1, Participants: []string{"carol"}},
			{Name: "done", Type: models.EndState},
		},
		Transitions: []service.TransitionDefinition{
			{Name: "submitted", FromState: "submit", ToState: "review"},
			{Name: "reviewed", FromState: "review", ToState: "signoff"},
			{Name: "signed", FromState: "signoff", ToState: "done"},
		},
	}

	f := newFixture(t, def, nil).started(t)
	taskSvc := service.NewTaskService(f.store, logger{})

	_, err := f.actSvc.LogEvent(f.act.ID, f.state(t, "submit").ID, "alice", "submitted", "", nil)
	require.NoError(t, err)

	t.Run("BehindCurrentIsCompleted", func(t *testing.T) {
		tasks, err := taskSvc.TasksFor("alice", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"submit"}, stateNames(tasks.Completed))
		assert.Empty(t, tasks.Executing)
	})

	t.Run("CurrentIsExecuting", func(t *testing.T) {
		tasks, err := taskSvc.TasksFor("bob", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"review"}, stateNames(tasks.Executing))
	})

	t.Run("AheadOfCurrentIsFuture", func(t *testing.T) {
		tasks, err := taskSvc.TasksFor("carol", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"signoff"}, stateNames(tasks.Future))
	})

	t.Run("ActedParticipantIsCompletedWhileStateStaysOpen", func(t *testing.T) {
		// bob acts but heidi has not, so the entry stays open: bob is done
		// with it, heidi still sees it on her plate
		_, err := f.actSvc.LogEvent(f.act.ID, f.state(t, "review").ID, "bob", "reviewed", "", nil)
		require.NoError(t, err)

		tasks, err := taskSvc.TasksFor("bob", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"review"}, stateNames(tasks.Completed))
		assert.Empty(t, tasks.Executing)

		tasks, err = taskSvc.TasksFor("heidi", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"review"}, stateNames(tasks.Executing))
	})

	t.Run("CompletedActivityMarksEverythingCompleted", func(t *testing.T) {
		_, err := f.actSvc.LogEvent(f.act.ID, f.state(t, "review").ID, "heidi", "reviewed", "", nil)
		require.NoError(t, err)
		_, err = f.actSvc.LogEvent(f.act.ID, f.state(t, "signoff").ID, "carol", "signed", "", nil)
		require.NoError(t, err)

		act, err := f.actSvc.GetActivity(f.act.ID)
		require.NoError(t, err)
		require.Equal(t, models.CompleteActivityStatus, act.Status)

		for _, executor := range []string{"alice", "bob", "heidi", "carol"} {
			tasks, err := taskSvc.TasksFor(executor, "team")
			require.NoError(t, err)
			assert.Empty(t, tasks.Executing, "executor %s", executor)
			assert.Empty(t, tasks.Future, "executor %s", executor)
			assert.NotEmpty(t, tasks.Completed, "executor %s", executor)
		}
	})
}

func TestTasksForDelegation(t *testing.T) {
	f := newFixture(t, delegationDef(), nil).started(t)
	taskSvc := service.NewTaskService(f.store, logger{})

	_, err := f.actSvc.Delegation(f.act.ID, "alice", "grace", "vacation", nil, false)
	require.NoError(t, err)

	t.Run("DelegatorSeesHandedOffState", func(t *testing.T) {
		tasks, err := taskSvc.TasksFor("alice", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"submit"}, stateNames(tasks.Delegate))
		assert.Empty(t, tasks.Executing)
	})

	t.Run("DelegateSeesItExecuting", func(t *testing.T) {
		tasks, err := taskSvc.TasksFor("grace", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"submit"}, stateNames(tasks.Executing))
	})

	t.Run("DelegateCompletedAfterActing", func(t *testing.T) {
		_, err := f.actSvc.LogEvent(f.act.ID, f.state(t, "submit").ID, "grace", "submitted", "", nil)
		require.NoError(t, err)
		tasks, err := taskSvc.TasksFor("grace", "team")
		require.NoError(t, err)
		assert.Equal(t, []string{"submit"}, stateNames(tasks.Completed))
		assert.Empty(t, tasks.Executing)
	})
}
