package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"

	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow creates a new workflow row and returns its ID (no states
// or transitions)
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(`
		INSERT INTO workflows (name, description, status, creator, belong_to, cloned_from, token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		w.Name, w.Description, w.Status, w.Creator, w.BelongTo, w.ClonedFrom, w.Token, w.CreatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return wfID, nil
}

// GetWorkflow retrieves a workflow by ID, including states (with their
// participants) and transitions
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT id, name, description, status, creator, belong_to, cloned_from, token, created_at FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}

	err = s.db.Select(&wf.States, `
		SELECT id, workflow_id, name, description, state_type, sequence, relation,
		       allow_delegation, allow_abolish, allow_state_edit, deadline, callback
		FROM states WHERE workflow_id = $1 ORDER BY sequence, id`, id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d states: %w", id, err)
	}
	for i := range wf.States {
		participants, perr := s.ListParticipants(wf.States[i].ID)
		if perr != nil {
			return models.Workflow{}, perr
		}
		wf.States[i].Participants = participants
	}

	rows := []transitionRow{}
	err = s.db.Select(&rows, `
		SELECT id, workflow_id, name, from_state, to_state, condition, callback, percent
		FROM transitions WHERE workflow_id = $1 ORDER BY id`, id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d transitions: %w", id, err)
	}
	for _, r := range rows {
		t, terr := r.toModel()
		if terr != nil {
			return models.Workflow{}, terr
		}
		wf.Transitions = append(wf.Transitions, t)
	}
	return wf, nil
}

// transitionRow scans the nullable condition blob before it becomes a
// typed Condition
type transitionRow struct {
	ID          int64          `db:"id"`
	WorkflowID  int64          `db:"workflow_id"`
	Name        string         `db:"name"`
	FromStateID int64          `db:"from_state"`
	ToStateID   int64          `db:"to_state"`
	Condition   types.JSONText `db:"condition"`
	Callback    types.JSONText `db:"callback"`
	Percent     float64        `db:"percent"`
}

func (r transitionRow) toModel() (models.Transition, error) {
	t := models.Transition{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Name:        r.Name,
		FromStateID: r.FromStateID,
		ToStateID:   r.ToStateID,
		Callback:    r.Callback,
		Percent:     r.Percent,
	}
	if len(r.Condition) > 0 && string(r.Condition) != "null" && string(r.Condition) != "{}" {
		var cond models.Condition
		if err := json.Unmarshal(r.Condition, &cond); err != nil {
			return models.Transition{}, fmt.Errorf("transition %d condition: %w", r.ID, err)
		}
		t.Condition = &cond
	}
	return t, nil
}

func (s *PostgresStore) ListWorkflows(belongTo string, templatesOnly bool) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	query := "SELECT id, name, description, status, creator, belong_to, cloned_from, token, created_at FROM workflows WHERE 1=1"
	args := []interface{}{}
	if belongTo != "" {
		args = append(args, belongTo)
		query += fmt.Sprintf(" AND belong_to = $%d", len(args))
	}
	if templatesOnly {
		query += " AND cloned_from IS NULL"
	}
	query += " ORDER BY created_at DESC"
	if err := s.db.Select(&workflows, query, args...); err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	_, err := s.db.Exec("UPDATE workflows SET status = $1 WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) UpdateWorkflowClonedFrom(id int64, clonedFrom int64) error {
	_, err := s.db.Exec("UPDATE workflows SET cloned_from = $1 WHERE id = $2", clonedFrom, id)
	return err
}

func (s *PostgresStore) SaveState(st models.State) (int64, error) {
	var stateID int64
	err := s.db.QueryRowx(`
		INSERT INTO states (workflow_id, name, description, state_type, sequence, relation,
		                    allow_delegation, allow_abolish, allow_state_edit, deadline, callback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		st.WorkflowID, st.Name, st.Description, st.Type, st.Sequence, st.Relation,
		st.AllowDelegation, st.AllowAbolish, st.AllowStateEdit, st.Deadline, emptyAsNull(st.Callback)).Scan(&stateID)
	if err != nil {
		return 0, fmt.Errorf("save state: %w", err)
	}
	return stateID, nil
}

func (s *PostgresStore) UpdateState(st models.State) error {
	_, err := s.db.Exec(`
		UPDATE states SET description = $1, state_type = $2, relation = $3,
		       allow_delegation = $4, allow_abolish = $5, allow_state_edit = $6, deadline = $7
		WHERE id = $8`,
		st.Description, st.Type, st.Relation,
		st.AllowDelegation, st.AllowAbolish, st.AllowStateEdit, st.Deadline, st.ID)
	return err
}

func (s *PostgresStore) SaveTransition(t models.Transition) (int64, error) {
	var condition interface{}
	if t.Condition != nil {
		b, err := json.Marshal(t.Condition)
		if err != nil {
			return 0, err
		}
		condition = b
	}
	var transitionID int64
	err := s.db.QueryRowx(`
		INSERT INTO transitions (workflow_id, name, from_state, to_state, condition, callback, percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.WorkflowID, t.Name, t.FromStateID, t.ToStateID, condition, emptyAsNull(t.Callback), t.Percent).Scan(&transitionID)
	if err != nil {
		return 0, fmt.Errorf("save transition: %w", err)
	}
	return transitionID, nil
}

func (s *PostgresStore) SaveParticipant(p models.Participant) (int64, error) {
	var stateID interface{}
	if p.StateID != 0 {
		stateID = p.StateID
	}
	var participantID int64
	err := s.db.QueryRowx(`
		INSERT INTO participants (state_id, executor, delegate_to, delegate_on, is_copy)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		stateID, p.Executor, p.DelegateTo, p.DelegateOn, p.IsCopy).Scan(&participantID)
	if err != nil {
		return 0, fmt.Errorf("save participant: %w", err)
	}
	return participantID, nil
}

func (s *PostgresStore) GetParticipant(id int64) (models.Participant, error) {
	var p models.Participant
	err := s.db.Get(&p, `
		SELECT id, COALESCE(state_id, 0) AS state_id, executor, delegate_to, delegate_on, is_copy
		FROM participants WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.Participant{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

func (s *PostgresStore) UpdateParticipant(p models.Participant) error {
	var stateID interface{}
	if p.StateID != 0 {
		stateID = p.StateID
	}
	_, err := s.db.Exec(`
		UPDATE participants SET state_id = $1, executor = $2, delegate_to = $3, delegate_on = $4, is_copy = $5
		WHERE id = $6`,
		stateID, p.Executor, p.DelegateTo, p.DelegateOn, p.IsCopy, p.ID)
	return err
}

func (s *PostgresStore) DetachParticipant(id int64) error {
	_, err := s.db.Exec("UPDATE participants SET state_id = NULL WHERE id = $1", id)
	return err
}

func (s *PostgresStore) ListParticipants(stateID int64) ([]models.Participant, error) {
	participants := []models.Participant{}
	err := s.db.Select(&participants, `
		SELECT id, COALESCE(state_id, 0) AS state_id, executor, delegate_to, delegate_on, is_copy
		FROM participants WHERE state_id = $1 ORDER BY id`, stateID)
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (s *PostgresStore) ReplaceParticipants(stateID int64, executors []string) error {
	if _, err := s.db.Exec("UPDATE participants SET state_id = NULL WHERE state_id = $1", stateID); err != nil {
		return err
	}
	for _, executor := range executors {
		if _, err := s.SaveParticipant(models.Participant{StateID: stateID, Executor: executor}); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SaveActivity(a models.WorkflowActivity) (int64, error) {
	var activityID int64
	err := s.db.QueryRowx(`
		INSERT INTO activities (workflow_id, name, description, status, creator, subject,
		                        plan_start_time, deadline, created_at, real_start_time, completed_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		a.WorkflowID, a.Name, a.Description, a.Status, a.Creator, a.Subject,
		a.PlanStartTime, a.Deadline, a.CreatedAt, a.RealStartTime, a.CompletedOn).Scan(&activityID)
	if err != nil {
		return 0, fmt.Errorf("save activity: %w", err)
	}
	return activityID, nil
}

func (s *PostgresStore) GetActivity(id int64) (models.WorkflowActivity, error) {
	var a models.WorkflowActivity
	err := s.db.Get(&a, "SELECT * FROM activities WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowActivity{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowActivity{}, err
	}
	return a, nil
}

func (s *PostgresStore) UpdateActivity(a models.WorkflowActivity) error {
	_, err := s.db.Exec(`
		UPDATE activities SET name = $1, description = $2, status = $3, subject = $4,
		       plan_start_time = $5, deadline = $6, real_start_time = $7, completed_on = $8
		WHERE id = $9`,
		a.Name, a.Description, a.Status, a.Subject,
		a.PlanStartTime, a.Deadline, a.RealStartTime, a.CompletedOn, a.ID)
	return err
}

func (s *PostgresStore) ListActivities(belongTo string, statuses ...models.ActivityStatus) ([]models.WorkflowActivity, error) {
	activities := []models.WorkflowActivity{}
	query := `
		SELECT a.* FROM activities a
		JOIN workflows w ON w.id = a.workflow_id
		WHERE 1=1`
	args := []interface{}{}
	if belongTo != "" {
		args = append(args, belongTo)
		query += fmt.Sprintf(" AND w.belong_to = $%d", len(args))
	}
	if len(statuses) > 0 {
		query += " AND a.status IN ("
		for i, st := range statuses {
			if i > 0 {
				query += ", "
			}
			args = append(args, st)
			query += fmt.Sprintf("$%d", len(args))
		}
		query += ")"
	}
	query += " ORDER BY a.created_at DESC"
	if err := s.db.Select(&activities, query, args...); err != nil {
		return nil, err
	}
	return activities, nil
}

func (s *PostgresStore) SaveHistory(h models.WorkflowHistory) (int64, error) {
	if h.Status == "" {
		h.Status = models.ProcessingStatus
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	var historyID int64
	err := s.db.QueryRowx(`
		INSERT INTO histories (activity_id, log_type, state_id, transition_id, status, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		h.ActivityID, h.LogType, h.StateID, h.TransitionID, h.Status, h.Deadline, h.CreatedAt).Scan(&historyID)
	if err != nil {
		return 0, fmt.Errorf("save history: %w", err)
	}
	return historyID, nil
}

// GetOpenHistory locks the open entry for the rest of the transaction:
// concurrent submissions against the same entry queue up behind the row
// lock, so the quorum count and the duplicate check read a settled
// snapshot.
func (s *PostgresStore) GetOpenHistory(activityID, stateID int64) (models.WorkflowHistory, error) {
	var h models.WorkflowHistory
	err := s.db.Get(&h, `
		SELECT id, activity_id, log_type, state_id, transition_id, status, deadline, created_at
		FROM histories
		WHERE activity_id = $1 AND state_id = $2 AND status = $3
		FOR UPDATE`,
		activityID, stateID, models.ProcessingStatus)
	if err == sql.ErrNoRows {
		return models.WorkflowHistory{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	records, err := s.listRecords(h.ID)
	if err != nil {
		return models.WorkflowHistory{}, err
	}
	h.Records = records
	return h, nil
}

func (s *PostgresStore) ListHistory(activityID int64) ([]models.WorkflowHistory, error) {
	histories := []models.WorkflowHistory{}
	err := s.db.Select(&histories, `
		SELECT id, activity_id, log_type, state_id, transition_id, status, deadline, created_at
		FROM histories WHERE activity_id = $1 ORDER BY created_at, id`, activityID)
	if err != nil {
		return nil, err
	}
	for i := range histories {
		records, rerr := s.listRecords(histories[i].ID)
		if rerr != nil {
			return nil, rerr
		}
		histories[i].Records = records
	}
	return histories, nil
}

func (s *PostgresStore) CloseHistory(historyID int64, action string) error {
	_, err := s.db.Exec("UPDATE histories SET status = $1 WHERE id = $2", action, historyID)
	return err
}

func (s *PostgresStore) SaveRecord(r models.Record) (int64, error) {
	if r.LoggedAt.IsZero() {
		r.LoggedAt = time.Now()
	}
	var recordID int64
	err := s.db.QueryRowx(`
		INSERT INTO records (history_id, participant_id, action, note, attachment, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.HistoryID, r.ParticipantID, r.Action, r.Note, emptyAsNull(r.Attachment), r.LoggedAt).Scan(&recordID)
	if err != nil {
		return 0, fmt.Errorf("save record: %w", err)
	}
	return recordID, nil
}

// recordRow flattens the record/participant join
type recordRow struct {
	ID            int64          `db:"id"`
	HistoryID     int64          `db:"history_id"`
	ParticipantID int64          `db:"participant_id"`
	Action        string         `db:"action"`
	Note          string         `db:"note"`
	Attachment    types.JSONText `db:"attachment"`
	LoggedAt      time.Time      `db:"logged_at"`
	PExecutor     string         `db:"p_executor"`
	PDelegateTo   *int64         `db:"p_delegate_to"`
	PDelegateOn   *time.Time     `db:"p_delegate_on"`
	PIsCopy       bool           `db:"p_is_copy"`
}

func (s *PostgresStore) listRecords(historyID int64) ([]models.Record, error) {
	rows := []recordRow{}
	err := s.db.Select(&rows, `
		SELECT r.id, r.history_id, r.participant_id, r.action, r.note, r.attachment, r.logged_at,
		       p.executor AS p_executor, p.delegate_to AS p_delegate_to,
		       p.delegate_on AS p_delegate_on, p.is_copy AS p_is_copy
		FROM records r
		JOIN participants p ON p.id = r.participant_id
		WHERE r.history_id = $1 ORDER BY r.logged_at, r.id`, historyID)
	if err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.Record{
			ID:            row.ID,
			HistoryID:     row.HistoryID,
			ParticipantID: row.ParticipantID,
			Action:        row.Action,
			Note:          row.Note,
			Attachment:    row.Attachment,
			LoggedAt:      row.LoggedAt,
			Participant: &models.Participant{
				ID:         row.ParticipantID,
				Executor:   row.PExecutor,
				DelegateTo: row.PDelegateTo,
				DelegateOn: row.PDelegateOn,
				IsCopy:     row.PIsCopy,
			},
		})
	}
	return records, nil
}

// emptyAsNull stores an absent JSON blob as NULL rather than an empty
// string, which jsonb rejects
func emptyAsNull(j types.JSONText) interface{} {
	if len(j) == 0 {
		return nil
	}
	return []byte(j)
}
