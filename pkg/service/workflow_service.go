package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/storage"
)

// WorkflowService manages process templates: whole-parameter creation,
// validation, cloning, and the guarded CRUD surface restricted to
// templates in DEFINITION status owned by the caller.
type WorkflowService struct {
	store  storage.Store
	logger Logger
}

func NewWorkflowService(store storage.Store, logger Logger) *WorkflowService {
	return &WorkflowService{store: store, logger: logger}
}

// StateDefinition describes one state of a workflow being created.
type StateDefinition struct {
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Type            models.StateType `json:"type"`
	Relation        float64          `json:"relation"`
	AllowDelegation bool             `json:"allow_delegation"`
	AllowAbolish    bool             `json:"allow_abolish"`
	AllowStateEdit  bool             `json:"allow_state_edit"`
	Deadline        *time.Time       `json:"deadline,omitempty"`
	Callback        types.JSONText   `json:"callback,omitempty"`
	Participants    []string         `json:"participants,omitempty"`
}

// TransitionDefinition references its endpoints by state name; names are
// resolved against the supplied states before anything is persisted.
type TransitionDefinition struct {
	Name      string            `json:"name"`
	FromState string            `json:"from_state"`
	ToState   string            `json:"to_state"`
	Condition *models.Condition `json:"condition,omitempty"`
	Callback  types.JSONText    `json:"callback,omitempty"`
	Percent   float64           `json:"percent"`
}

// WorkflowDefinition is the whole-parameter creation payload.
type WorkflowDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Creator     string                 `json:"creator"`
	Status      models.WorkflowStatus  `json:"status,omitempty"`
	Template    bool                   `json:"template"`
	States      []StateDefinition      `json:"states"`
	Transitions []TransitionDefinition `json:"transitions"`
}

// CreateWorkflow persists a whole workflow definition in one
// transaction. Transitions are checked against the supplied state names
// before anything is written; after persisting, graph validation runs
// and an invalid workflow is demoted to DEFINITION regardless of the
// requested status. Non-template creations get cloned_from pointed at
// themselves so they never show up as editable templates.
func (s *WorkflowService) CreateWorkflow(def WorkflowDefinition, belongTo string) (wf models.Workflow, err error) {
	if def.Name == "" {
		return models.Workflow{}, models.ErrParameterError.WithDetail("workflow name cannot be empty")
	}
	if len(def.Name) > 128 {
		return models.Workflow{}, models.ErrParameterError.WithDetail("workflow name too long (max 128 characters)")
	}
	if len(def.States) == 0 {
		return models.Workflow{}, models.ErrParameterError.WithDetail("at least one state required")
	}
	names := make(map[string]struct{}, len(def.States))
	for _, sd := range def.States {
		if _, dup := names[sd.Name]; dup {
			return models.Workflow{}, models.ErrParameterError.WithDetail("duplicate state name: " + sd.Name)
		}
		names[sd.Name] = struct{}{}
		if sd.Relation < 0 || sd.Relation > 1 {
			return models.Workflow{}, models.ErrParameterError.WithDetail("relation must be within [0,1]")
		}
	}
	for _, td := range def.Transitions {
		if _, ok := names[td.FromState]; !ok {
			return models.Workflow{}, models.ErrParameterError.WithDetail("unknown from_state: " + td.FromState)
		}
		if _, ok := names[td.ToState]; !ok {
			return models.Workflow{}, models.ErrParameterError.WithDetail("unknown to_state: " + td.ToState)
		}
		if td.Condition != nil && !contains(models.ConditionOperators, td.Condition.Operator) {
			return models.Workflow{}, models.ErrInvalidConditionJSON.WithDetail("unknown operator: " + td.Condition.Operator)
		}
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Workflow{}, err
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

	status := def.Status
	if status == "" {
		status = models.DefinitionWorkflowStatus
	}
	wfID, err := txStore.SaveWorkflow(models.Workflow{
		Name:        def.Name,
		Description: def.Description,
		Status:      status,
		Creator:     def.Creator,
		BelongTo:    belongTo,
		Token:       uuid.NewString(),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return models.Workflow{}, err
	}

	stateIDs := make(map[string]int64, len(def.States))
	for i, sd := range def.States {
		stateID, serr := txStore.SaveState(models.State{
			WorkflowID:      wfID,
			Name:            sd.Name,
			Description:     sd.Description,
			Type:            sd.Type,
			Sequence:        i + 1,
			Relation:        sd.Relation,
			AllowDelegation: sd.AllowDelegation,
			AllowAbolish:    sd.AllowAbolish,
			AllowStateEdit:  sd.AllowStateEdit,
			Deadline:        sd.Deadline,
			Callback:        sd.Callback,
		})
		if serr != nil {
			return models.Workflow{}, serr
		}
		stateIDs[sd.Name] = stateID
		for _, executor := range sd.Participants {
			if _, perr := txStore.SaveParticipant(models.Participant{StateID: stateID, Executor: executor}); perr != nil {
				return models.Workflow{}, perr
			}
		}
	}
	for _, td := range def.Transitions {
		percent := td.Percent
		if percent == 0 {
			percent = 1
		}
		if _, terr := txStore.SaveTransition(models.Transition{
			WorkflowID:  wfID,
			Name:        td.Name,
			FromStateID: stateIDs[td.FromState],
			ToStateID:   stateIDs[td.ToState],
			Condition:   td.Condition,
			Callback:    td.Callback,
			Percent:     percent,
		}); terr != nil {
			return models.Workflow{}, terr
		}
	}

	wf, err = txStore.GetWorkflow(wfID)
	if err != nil {
		return models.Workflow{}, err
	}
	if ok, _ := wf.Validate(); !ok && wf.Status == models.ActiveWorkflowStatus {
		if err = txStore.UpdateWorkflowStatus(wfID, models.DefinitionWorkflowStatus); err != nil {
			return models.Workflow{}, err
		}
		wf.Status = models.DefinitionWorkflowStatus
	}
	if !def.Template {
		if err = txStore.UpdateWorkflowClonedFrom(wfID, wfID); err != nil {
			return models.Workflow{}, err
		}
		wf.ClonedFrom = &wfID
	}
	s.logger.Infof("Created workflow '%s' with ID %d", def.Name, wfID)
	return wf, nil
}

// GetWorkflow fetches a workflow with its graph. An ownership mismatch
// reports not-found, never the workflow of somebody else.
func (s *WorkflowService) GetWorkflow(id int64, belongTo string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return models.Workflow{}, err
	}
	if belongTo != "" && wf.BelongTo != belongTo {
		return models.Workflow{}, storage.ErrNotFound
	}
	return wf, nil
}

// ListTemplates lists the caller's templates, optionally filtered by
// status.
func (s *WorkflowService) ListTemplates(belongTo string, status models.WorkflowStatus) ([]models.Workflow, error) {
	workflows, err := s.store.ListWorkflows(belongTo, true)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return workflows, nil
	}
	var out []models.Workflow
	for _, w := range workflows {
		if w.Status == status {
			out = append(out, w)
		}
	}
	return out, nil
}

// Validate re-runs graph validation and persists the demotion of a
// previously active workflow that no longer validates.
func (s *WorkflowService) Validate(id int64, belongTo string) (ok bool, verrs models.ValidationErrors, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return false, models.ValidationErrors{}, err
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

	wf, err := txStore.GetWorkflow(id)
	if err != nil {
		return false, models.ValidationErrors{}, err
	}
	if belongTo != "" && wf.BelongTo != belongTo {
		return false, models.ValidationErrors{}, storage.ErrNotFound
	}
	ok, verrs = wf.Validate()
	if !ok && wf.Status == models.ActiveWorkflowStatus {
		if err = txStore.UpdateWorkflowStatus(id, models.DefinitionWorkflowStatus); err != nil {
			return false, models.ValidationErrors{}, err
		}
	}
	return ok, verrs, nil
}

// UpdateStatus changes a template's lifecycle status. Moving to ACTIVE
// requires the graph to validate.
func (s *WorkflowService) UpdateStatus(id int64, status models.WorkflowStatus, belongTo string) (err error) {
	switch status {
	case models.DefinitionWorkflowStatus, models.ActiveWorkflowStatus, models.RetiredWorkflowStatus:
	default:
		return models.ErrParameterError.WithDetail("invalid workflow status")
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return err
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

	wf, err := txStore.GetWorkflow(id)
	if err != nil {
		return err
	}
	if belongTo != "" && wf.BelongTo != belongTo {
		return storage.ErrNotFound
	}
	if !wf.IsTemplate() {
		return models.ErrOnlyTemplateAllowed
	}
	if status == models.ActiveWorkflowStatus {
		if ok, verrs := wf.Validate(); !ok {
			return models.ErrParameterError.WithDetail(verrs)
		}
	}
	return txStore.UpdateWorkflowStatus(id, status)
}

// UpdateTemplateState edits a state of a template still in definition.
func (s *WorkflowService) UpdateTemplateState(workflowID int64, belongTo string, state models.State) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
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

	wf, err := txStore.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if belongTo != "" && wf.BelongTo != belongTo {
		return storage.ErrNotFound
	}
	if !wf.IsTemplate() {
		return models.ErrOnlyTemplateAllowed
	}
	if wf.Status != models.DefinitionWorkflowStatus {
		return models.ErrOnlyDefinitionAllowed
	}
	if wf.StateByID(state.ID) == nil {
		return models.ErrStateWorkflowNotMatch
	}
	state.WorkflowID = workflowID
	return txStore.UpdateState(state)
}

// AddTransition wires a new edge into a template still in definition.
// Both endpoints must belong to the template.
func (s *WorkflowService) AddTransition(workflowID int64, belongTo string, t models.Transition) (id int64, err error) {
	if t.Condition != nil && !contains(models.ConditionOperators, t.Condition.Operator) {
		return 0, models.ErrInvalidConditionJSON.WithDetail("unknown operator: " + t.Condition.Operator)
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
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

	wf, err := txStore.GetWorkflow(workflowID)
	if err != nil {
		return 0, err
	}
	if belongTo != "" && wf.BelongTo != belongTo {
		return 0, storage.ErrNotFound
	}
	if !wf.IsTemplate() {
		return 0, models.ErrOnlyTemplateAllowed
	}
	if wf.Status != models.DefinitionWorkflowStatus {
		return 0, models.ErrOnlyDefinitionAllowed
	}
	if wf.StateByID(t.FromStateID) == nil || wf.StateByID(t.ToStateID) == nil {
		return 0, models.ErrStateWorkflowNotMatch
	}
	t.WorkflowID = workflowID
	if t.Percent == 0 {
		t.Percent = 1
	}
	return txStore.SaveTransition(t)
}

// Clone deep-copies a workflow: states with fresh participant rows,
// transitions remapped onto the new states. The clone points back at the
// source and is never edited again.
func (s *WorkflowService) Clone(workflowID int64, creator string) (clone models.Workflow, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.Workflow{}, err
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

	cloneID, err := s.cloneTx(txStore, workflowID, creator)
	if err != nil {
		return models.Workflow{}, err
	}
	clone, err = txStore.GetWorkflow(cloneID)
	if err != nil {
		return models.Workflow{}, err
	}
	s.logger.Infof("Cloned workflow %d into %d", workflowID, cloneID)
	return clone, nil
}

func (s *WorkflowService) cloneTx(txStore storage.Store, workflowID int64, creator string) (int64, error) {
	source, err := txStore.GetWorkflow(workflowID)
	if err != nil {
		return 0, err
	}
	cloneID, err := txStore.SaveWorkflow(models.Workflow{
		Name:        source.Name,
		Description: source.Description,
		Status:      source.Status,
		Creator:     creator,
		BelongTo:    source.BelongTo,
		ClonedFrom:  &source.ID,
		Token:       uuid.NewString(),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return 0, err
	}

	stateIDs := make(map[int64]int64, len(source.States)) // old state id -> clone state id
	for _, st := range source.States {
		copyState := st
		copyState.ID = 0
		copyState.WorkflowID = cloneID
		copyState.Participants = nil
		newID, serr := txStore.SaveState(copyState)
		if serr != nil {
			return 0, serr
		}
		stateIDs[st.ID] = newID
		for _, p := range st.Participants {
			if _, perr := txStore.SaveParticipant(models.Participant{StateID: newID, Executor: p.Executor}); perr != nil {
				return 0, perr
			}
		}
	}
	for _, tr := range source.Transitions {
		copyTrans := tr
		copyTrans.ID = 0
		copyTrans.WorkflowID = cloneID
		copyTrans.FromStateID = stateIDs[tr.FromStateID]
		copyTrans.ToStateID = stateIDs[tr.ToStateID]
		if _, terr := txStore.SaveTransition(copyTrans); terr != nil {
			return 0, terr
		}
	}
	return cloneID, nil
}

// CreateActivity instantiates a runnable copy of a template: the
// template is cloned and a new activity in EDIT status is bound to the
// clone. Only templates may be instantiated; clones are never cloned
// again.
func (s *WorkflowService) CreateActivity(templateID int64, name, description, creator string, subject models.Subject, belongTo string) (activity models.WorkflowActivity, err error) {
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

	template, err := txStore.GetWorkflow(templateID)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	if belongTo != "" && template.BelongTo != belongTo {
		return models.WorkflowActivity{}, storage.ErrNotFound
	}
	if !template.IsTemplate() {
		return models.WorkflowActivity{}, models.ErrOnlyTemplateAllowed
	}

	cloneID, err := s.cloneTx(txStore, templateID, creator)
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	activity = models.WorkflowActivity{
		WorkflowID:  cloneID,
		Name:        name,
		Description: description,
		Status:      models.EditActivityStatus,
		Creator:     creator,
		Subject:     subject,
		CreatedAt:   time.Now(),
	}
	if activity.ID, err = txStore.SaveActivity(activity); err != nil {
		return models.WorkflowActivity{}, err
	}
	s.logger.Infof("Created activity '%s' (ID %d) from template %d", name, activity.ID, templateID)
	return activity, nil
}

// ListActivities lists the caller's activities, optionally filtered by
// status.
func (s *WorkflowService) ListActivities(belongTo string, statuses ...models.ActivityStatus) ([]models.WorkflowActivity, error) {
	activities, err := s.store.ListActivities(belongTo, statuses...)
	if err != nil {
		return nil, errors.Wrap(err, "list activities")
	}
	return activities, nil
}
