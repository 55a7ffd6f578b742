package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sarar04/flowengine/pkg/models"
)

func buildWorkflow(states []models.State, transitions []models.Transition) models.Workflow {
	return models.Workflow{ID: 1, Name: "test", States: states, Transitions: transitions}
}

func TestWorkflowValidate(t *testing.T) {
	t.Run("ValidLinearGraph", func(t *testing.T) {
		wf := buildWorkflow(
			[]models.State{
				{ID: 1, Type: models.StartState, Name: "start"},
				{ID: 2, Type: models.GeneralState, Name: "review"},
				{ID: 3, Type: models.EndState, Name: "end"},
			},
			[]models.Transition{
				{ID: 1, FromStateID: 1, ToStateID: 2, Name: "go"},
				{ID: 2, FromStateID: 2, ToStateID: 3, Name: "finish"},
			},
		)
		valid, errs := wf.Validate()
		assert.True(t, valid)
		assert.Empty(t, errs.Workflow)
		assert.Empty(t, errs.States)
	})

	t.Run("TwoStartStates", func(t *testing.T) {
		wf := buildWorkflow(
			[]models.State{
				{ID: 1, Type: models.StartState, Name: "start1"},
				{ID: 2, Type: models.StartState, Name: "start2"},
				{ID: 3, Type: models.EndState, Name: "end"},
			},
			[]models.Transition{
				{ID: 1, FromStateID: 1, ToStateID: 3, Name: "go"},
				{ID: 2, FromStateID: 2, ToStateID: 3, Name: "go"},
			},
		)
		valid, errs := wf.Validate()
		assert.False(t, valid)
		assert.Contains(t, errs.Workflow, "there must be only one start state")
	})

	t.Run("NoEndState", func(t *testing.T) {
		wf := buildWorkflow(
			[]models.State{
				{ID: 1, Type: models.StartState, Name: "start"},
				{ID: 2, Type: models.GeneralState, Name: "loop"},
			},
			[]models.Transition{
				{ID: 1, FromStateID: 1, ToStateID: 2, Name: "go"},
				{ID: 2, FromStateID: 2, ToStateID: 1, Name: "back"},
			},
		)
		valid, errs := wf.Validate()
		assert.False(t, valid)
		assert.Contains(t, errs.Workflow, "there must be at least one end state")
	})

	t.Run("OrphanState", func(t *testing.T) {
		wf := buildWorkflow(
			[]models.State{
				{ID: 1, Type: models.StartState, Name: "start"},
				{ID: 2, Type: models.GeneralState, Name: "orphan"},
				{ID: 3, Type: models.EndState, Name: "end"},
			},
			[]models.Transition{
				{ID: 1, FromStateID: 1, ToStateID: 3, Name: "go"},
				{ID: 2, FromStateID: 2, ToStateID: 3, Name: "go"},
			},
		)
		valid, errs := wf.Validate()
		assert.False(t, valid)
		assert.Len(t, errs.States[2], 1)
		assert.Contains(t, errs.States[2][0], "orphaned")
	})

	t.Run("DeadEndState", func(t *testing.T) {
		wf := buildWorkflow(
			[]models.State{
				{ID: 1, Type: models.StartState, Name: "start"},
				{ID: 2, Type: models.GeneralState, Name: "trap"},
				{ID: 3, Type: models.EndState, Name: "end"},
			},
			[]models.Transition{
				{ID: 1, FromStateID: 1, ToStateID: 2, Name: "go"},
				{ID: 2, FromStateID: 1, ToStateID: 3, Name: "skip"},
			},
		)
		valid, errs := wf.Validate()
		assert.False(t, valid)
		assert.Len(t, errs.States[2], 1)
		assert.Contains(t, errs.States[2][0], "dead end")
	})

	t.Run("EndStateNeedsNoExit", func(t *testing.T) {
		wf := buildWorkflow(
			[]models.State{
				{ID: 1, Type: models.StartState, Name: "start"},
				{ID: 2, Type: models.EndState, Name: "end"},
			},
			[]models.Transition{
				{ID: 1, FromStateID: 1, ToStateID: 2, Name: "go"},
			},
		)
		valid, errs := wf.Validate()
		assert.True(t, valid)
		assert.Empty(t, errs.States)
	})
}

func TestConditionEval(t *testing.T) {
	subject := models.Subject{"amount": 500}

	tests := []struct {
		name     string
		cond     models.Condition
		expected bool
	}{
		{"LessOrEqualTrue", models.Condition{Field: "amount", Operator: "<=", Value: 500}, true},
		{"LessFalse", models.Condition{Field: "amount", Operator: "<", Value: 500}, false},
		{"GreaterOrEqualTrue", models.Condition{Field: "amount", Operator: ">=", Value: 100}, true},
		{"GreaterFalse", models.Condition{Field: "amount", Operator: ">", Value: 500}, false},
		{"EqualTrue", models.Condition{Field: "amount", Operator: "=", Value: 500}, true},
		{"UnknownOperator", models.Condition{Field: "amount", Operator: "!=", Value: 500}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.cond.Eval(subject))
		})
	}

	t.Run("MissingFieldEvaluatesAsZero", func(t *testing.T) {
		cond := models.Condition{Field: "missing", Operator: "<", Value: 1}
		assert.True(t, cond.Eval(subject))
	})
}

func TestWorkflowActions(t *testing.T) {
	wf := buildWorkflow(
		[]models.State{{ID: 1, Type: models.SelectState, Name: "route"}},
		[]models.Transition{
			{ID: 1, FromStateID: 1, ToStateID: 2, Name: "approve"},
			{ID: 2, FromStateID: 1, ToStateID: 3, Name: "approve"},
			{ID: 3, FromStateID: 1, ToStateID: 4, Name: "reject"},
		},
	)
	assert.Equal(t, []string{"approve", "reject"}, wf.Actions(1))
}

func TestParticipantSnapshot(t *testing.T) {
	p := models.Participant{ID: 7, StateID: 3, Executor: "alice"}
	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.ID)
	assert.Equal(t, int64(0), snap.StateID)
	assert.Equal(t, "alice", snap.Executor)
	assert.True(t, snap.IsCopy)
}

func TestIsTemplate(t *testing.T) {
	wf := models.Workflow{ID: 1}
	assert.True(t, wf.IsTemplate())
	source := int64(1)
	clone := models.Workflow{ID: 2, ClonedFrom: &source}
	assert.False(t, clone.IsTemplate())
}
