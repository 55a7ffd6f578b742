package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type WorkflowStatus string

const (
	DefinitionWorkflowStatus WorkflowStatus = "DEFINITION"
	ActiveWorkflowStatus     WorkflowStatus = "ACTIVE"
	RetiredWorkflowStatus    WorkflowStatus = "RETIRED"
)

// Workflow is a process definition: a directed graph of states and
// transitions. A workflow with ClonedFrom == nil is a template and may be
// edited; anything else is a frozen instance copied from a template.
type Workflow struct {
	ID          int64          `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description" db:"description"`
	Status      WorkflowStatus `json:"status" db:"status"`
	Creator     string         `json:"creator" db:"creator"`
	BelongTo    string         `json:"belong_to" db:"belong_to"`
	ClonedFrom  *int64         `json:"cloned_from,omitempty" db:"cloned_from"`
	Token       string         `json:"token" db:"token"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	States      []State        `json:"states,omitempty"`     // populated by GetWorkflow
	Transitions []Transition   `json:"transitions,omitempty"` // populated by GetWorkflow
}

func (w *Workflow) IsTemplate() bool {
	return w.ClonedFrom == nil
}

type StateType string

const (
	EndState      StateType = "END"
	StartState    StateType = "START"
	GeneralState  StateType = "GENERAL"
	SelectState   StateType = "SELECT"
	ParallelState StateType = "PARALLEL"
	JointState    StateType = "JOINT"
)

// State is a node in the workflow graph. Relation is the fraction of
// participants whose matching action must be recorded before the engine
// routes onward: 1 means unanimous, anything below is a threshold.
type State struct {
	ID              int64          `json:"id" db:"id"`
	WorkflowID      int64          `json:"workflow_id" db:"workflow_id"`
	Name            string         `json:"name" db:"name"`
	Description     string         `json:"description" db:"description"`
	Type            StateType      `json:"type" db:"state_type"`
	Sequence        int            `json:"sequence" db:"sequence"`
	Relation        float64        `json:"relation" db:"relation"`
	AllowDelegation bool           `json:"allow_delegation" db:"allow_delegation"`
	AllowAbolish    bool           `json:"allow_abolish" db:"allow_abolish"`
	AllowStateEdit  bool           `json:"allow_state_edit" db:"allow_state_edit"`
	Deadline        *time.Time     `json:"deadline,omitempty" db:"deadline"`
	Callback        types.JSONText `json:"callback,omitempty" db:"callback"`
	Participants    []Participant  `json:"participants,omitempty"` // populated at runtime
}

// Transition is a directed edge between two states of the same workflow.
// Name doubles as the action label participants submit; Condition
// disambiguates automatic routing when several edges share a name.
type Transition struct {
	ID          int64          `json:"id" db:"id"`
	WorkflowID  int64          `json:"workflow_id" db:"workflow_id"`
	Name        string         `json:"name" db:"name"`
	FromStateID int64          `json:"from_state" db:"from_state"`
	ToStateID   int64          `json:"to_state" db:"to_state"`
	Condition   *Condition     `json:"condition,omitempty" db:"condition"`
	Callback    types.JSONText `json:"callback,omitempty" db:"callback"`
	Percent     float64        `json:"percent" db:"percent"`
}

// Condition is a structured routing predicate evaluated against the
// activity subject. A field absent from the subject evaluates as 0.
type Condition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

var ConditionOperators = []string{"<=", "<", ">=", ">", "="}

func (c *Condition) Eval(subject Subject) bool {
	fieldValue := subject[c.Field]
	switch c.Operator {
	case "<=":
		return fieldValue <= c.Value
	case "<":
		return fieldValue < c.Value
	case ">=":
		return fieldValue >= c.Value
	case ">":
		return fieldValue > c.Value
	case "=":
		return fieldValue == c.Value
	}
	return false
}

// -- graph helpers, all over the States/Transitions slices loaded by GetWorkflow

func (w *Workflow) StateByID(id int64) *State {
	for i := range w.States {
		if w.States[i].ID == id {
			return &w.States[i]
		}
	}
	return nil
}

func (w *Workflow) StateByName(name string) *State {
	for i := range w.States {
		if w.States[i].Name == name {
			return &w.States[i]
		}
	}
	return nil
}

func (w *Workflow) StartStates() []State {
	var starts []State
	for _, s := range w.States {
		if s.Type == StartState {
			starts = append(starts, s)
		}
	}
	return starts
}

func (w *Workflow) TransitionsFrom(stateID int64) []Transition {
	var out []Transition
	for _, t := range w.Transitions {
		if t.FromStateID == stateID {
			out = append(out, t)
		}
	}
	return out
}

func (w *Workflow) TransitionsInto(stateID int64) []Transition {
	var out []Transition
	for _, t := range w.Transitions {
		if t.ToStateID == stateID {
			out = append(out, t)
		}
	}
	return out
}

func (w *Workflow) TransitionsFromNamed(stateID int64, action string) []Transition {
	var out []Transition
	for _, t := range w.Transitions {
		if t.FromStateID == stateID && t.Name == action {
			out = append(out, t)
		}
	}
	return out
}

func (w *Workflow) TransitionByID(id int64) *Transition {
	for i := range w.Transitions {
		if w.Transitions[i].ID == id {
			return &w.Transitions[i]
		}
	}
	return nil
}

// Actions returns the distinct outgoing transition names of a state.
func (w *Workflow) Actions(stateID int64) []string {
	seen := make(map[string]struct{})
	var actions []string
	for _, t := range w.TransitionsFrom(stateID) {
		if _, ok := seen[t.Name]; !ok {
			seen[t.Name] = struct{}{}
			actions = append(actions, t.Name)
		}
	}
	return actions
}

// ValidationErrors collects graph validation messages, keyed the way the
// API reports them: workflow-level, per-state and per-transition.
type ValidationErrors struct {
	Workflow    []string           `json:"workflow"`
	States      map[int64][]string `json:"states"`
	Transitions map[int64][]string `json:"transitions"`
}

func newValidationErrors() ValidationErrors {
	return ValidationErrors{
		States:      make(map[int64][]string),
		Transitions: make(map[int64][]string),
	}
}

// Validate checks the structural invariants of the graph: exactly one
// start state, at least one end state, no orphans and no dead ends.
func (w *Workflow) Validate() (bool, ValidationErrors) {
	errs := newValidationErrors()
	valid := true

	if len(w.StartStates()) != 1 {
		errs.Workflow = append(errs.Workflow, "there must be only one start state")
		valid = false
	}

	ends := 0
	for _, s := range w.States {
		if s.Type == EndState {
			ends++
		}
	}
	if ends < 1 {
		errs.Workflow = append(errs.Workflow, "there must be at least one end state")
		valid = false
	}

	for _, s := range w.States {
		if len(w.TransitionsInto(s.ID)) == 0 && s.Type != StartState {
			errs.States[s.ID] = append(errs.States[s.ID],
				"this state is orphaned: there is no way to get to it given the current workflow topology")
			valid = false
		}
		if len(w.TransitionsFrom(s.ID)) == 0 && s.Type != EndState {
			errs.States[s.ID] = append(errs.States[s.ID],
				"this state is a dead end: it is not an end state and there is no way to exit from it")
			valid = false
		}
	}
	return valid, errs
}
