package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/sarar04/flowengine/internal/storage"
	"github.com/sarar04/flowengine/internal/testutil"
	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store, rolled back after the test
	newTxStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = txStore.Rollback()
			_ = store.Close()
		})
		return txStore
	}

	saveGraph := func(t *testing.T, store storage.Store) models.Workflow {
		wfID, err := store.SaveWorkflow(models.Workflow{
			Name:      "approval",
			Status:    models.ActiveWorkflowStatus,
			Creator:   "alice",
			BelongTo:  "team",
			Token:     "tok-123",
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)

		startID, err := store.SaveState(models.State{
			WorkflowID: wfID, Name: "submit", Type: models.StartState, Sequence: 1, Relation: 1,
		})
		require.NoError(t, err)
		endID, err := store.SaveState(models.State{
			WorkflowID: wfID, Name: "done", Type: models.EndState, Sequence: 2, Relation: 1,
		})
		require.NoError(t, err)
		_, err = store.SaveParticipant(models.Participant{StateID: startID, Executor: "alice"})
		require.NoError(t, err)
		_, err = store.SaveTransition(models.Transition{
			WorkflowID: wfID, Name: "submitted", FromStateID: startID, ToStateID: endID,
			Condition: &models.Condition{Field: "amount", Operator: "<", Value: 100},
			Percent:   1,
		})
		require.NoError(t, err)

		wf, err := store.GetWorkflow(wfID)
		require.NoError(t, err)
		return wf
	}

	t.Run("WorkflowGraphRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)

		assert.Equal(t, "approval", wf.Name)
		assert.Equal(t, models.ActiveWorkflowStatus, wf.Status)
		require.Len(t, wf.States, 2)
		assert.Equal(t, "submit", wf.States[0].Name)
		assert.Equal(t, models.StartState, wf.States[0].Type)
		require.Len(t, wf.States[0].Participants, 1)
		assert.Equal(t, "alice", wf.States[0].Participants[0].Executor)
		require.Len(t, wf.Transitions, 1)
		require.NotNil(t, wf.Transitions[0].Condition)
		assert.Equal(t, "<", wf.Transitions[0].Condition.Operator)
		assert.Equal(t, float64(100), wf.Transitions[0].Condition.Value)
	})

	t.Run("GetWorkflowNotFound", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetWorkflow(999999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListWorkflowsTemplatesOnly", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)
		cloneID, err := store.SaveWorkflow(models.Workflow{
			Name: "approval", BelongTo: "team", ClonedFrom: &wf.ID, Token: "tok-456", CreatedAt: time.Now(),
		})
		require.NoError(t, err)

		all, err := store.ListWorkflows("team", false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		templates, err := store.ListWorkflows("team", true)
		require.NoError(t, err)
		require.Len(t, templates, 1)
		assert.Equal(t, wf.ID, templates[0].ID)
		assert.NotEqual(t, cloneID, templates[0].ID)
	})

	t.Run("UpdateWorkflowClonedFrom", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)
		require.NoError(t, store.UpdateWorkflowClonedFrom(wf.ID, wf.ID))

		reloaded, err := store.GetWorkflow(wf.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.ClonedFrom)
		assert.Equal(t, wf.ID, *reloaded.ClonedFrom)
	})

	t.Run("DetachedParticipantsExcluded", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)
		stateID := wf.States[0].ID

		pID, err := store.SaveParticipant(models.Participant{StateID: stateID, Executor: "bob"})
		require.NoError(t, err)
		require.NoError(t, store.DetachParticipant(pID))

		participants, err := store.ListParticipants(stateID)
		require.NoError(t, err)
		require.Len(t, participants, 1)
		assert.Equal(t, "alice", participants[0].Executor)

		// the detached row is still reachable by ID, with StateID zeroed
		detached, err := store.GetParticipant(pID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), detached.StateID)
	})

	t.Run("ReplaceParticipants", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)
		stateID := wf.States[0].ID

		require.NoError(t, store.ReplaceParticipants(stateID, []string{"carol", "dave"}))
		participants, err := store.ListParticipants(stateID)
		require.NoError(t, err)
		require.Len(t, participants, 2)
		assert.Equal(t, "carol", participants[0].Executor)
		assert.Equal(t, "dave", participants[1].Executor)
	})

	t.Run("ActivityRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)

		actID, err := store.SaveActivity(models.WorkflowActivity{
			WorkflowID: wf.ID,
			Name:       "run",
			Status:     models.EditActivityStatus,
			Creator:    "alice",
			Subject:    models.Subject{"amount": 42},
			CreatedAt:  time.Now(),
		})
		require.NoError(t, err)

		act, err := store.GetActivity(actID)
		require.NoError(t, err)
		assert.Equal(t, models.EditActivityStatus, act.Status)
		assert.Equal(t, float64(42), act.Subject["amount"])

		act.Status = models.ExecuteActivityStatus
		now := time.Now()
		act.RealStartTime = &now
		require.NoError(t, store.UpdateActivity(act))

		executing, err := store.ListActivities("team", models.ExecuteActivityStatus)
		require.NoError(t, err)
		require.Len(t, executing, 1)
		assert.Equal(t, actID, executing[0].ID)

		abolished, err := store.ListActivities("team", models.AbolishedActivityStatus)
		require.NoError(t, err)
		assert.Empty(t, abolished)
	})

	t.Run("HistoryLedger", func(t *testing.T) {
		store := newTxStore(t)
		wf := saveGraph(t, store)
		actID, err := store.SaveActivity(models.WorkflowActivity{
			WorkflowID: wf.ID, Name: "run", Status: models.ExecuteActivityStatus, Creator: "alice", CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		stateID := wf.States[0].ID

		histID, err := store.SaveHistory(models.WorkflowHistory{
			ActivityID: actID,
			LogType:    models.TransitionLog,
			StateID:    &stateID,
		})
		require.NoError(t, err)

		open, err := store.GetOpenHistory(actID, stateID)
		require.NoError(t, err)
		assert.Equal(t, histID, open.ID)
		assert.True(t, open.Open())

		snapID, err := store.SaveParticipant(models.Participant{Executor: "alice", IsCopy: true})
		require.NoError(t, err)
		_, err = store.SaveRecord(models.Record{
			HistoryID:     histID,
			ParticipantID: snapID,
			Action:        "submitted",
			Note:          "receipt attached",
		})
		require.NoError(t, err)
		require.NoError(t, store.CloseHistory(histID, "submitted"))

		_, err = store.GetOpenHistory(actID, stateID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		histories, err := store.ListHistory(actID)
		require.NoError(t, err)
		require.Len(t, histories, 1)
		assert.Equal(t, "submitted", histories[0].Status)
		require.Len(t, histories[0].Records, 1)
		rec := histories[0].Records[0]
		assert.Equal(t, "submitted", rec.Action)
		require.NotNil(t, rec.Participant)
		assert.Equal(t, "alice", rec.Participant.Executor)
		assert.True(t, rec.Participant.IsCopy)
	})
}
