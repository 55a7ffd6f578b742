package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sarar04/flowengine/pkg/models"
)

// mockData is the shared backing of every mockStore view.
type mockData struct {
	mu sync.Mutex

	workflows    []models.Workflow
	states       []models.State
	transitions  []models.Transition
	participants []models.Participant
	activities   []models.WorkflowActivity
	histories    []models.WorkflowHistory
	records      []models.Record

	nextWorkflowID    int64
	nextStateID       int64
	nextTransitionID  int64
	nextParticipantID int64
	nextActivityID    int64
	nextHistoryID     int64
	nextRecordID      int64
}

// mockStore implements Store with in-memory storage. Begin hands out a
// view holding the data mutex until Commit/Rollback, so transactions
// serialize the same way row locks do in postgres. Rollback does not
// undo writes; tests that need isolation use fresh stores.
type mockStore struct {
	data      *mockData
	tx        bool
	committed bool
}

func NewMockStore() Store {
	return &mockStore{data: &mockData{}}
}

func (m *mockStore) Begin() (Store, error) {
	m.data.mu.Lock()
	return &mockStore{data: m.data, tx: true}, nil
}

func (m *mockStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	m.data.mu.Unlock()
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	m.committed = true
	m.data.mu.Unlock()
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

// lock guards a single operation on the non-transactional path; a view
// handed out by Begin already holds the mutex until Commit/Rollback.
func (m *mockStore) lock() func() {
	if m.tx {
		return func() {}
	}
	m.data.mu.Lock()
	return m.data.mu.Unlock
}

func (m *mockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	defer m.lock()()
	d := m.data
	d.nextWorkflowID++
	w.ID = d.nextWorkflowID
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	w.States = nil
	w.Transitions = nil
	d.workflows = append(d.workflows, w)
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	defer m.lock()()
	d := m.data
	for _, w := range d.workflows {
		if w.ID == id {
			out := w
			for _, s := range d.states {
				if s.WorkflowID == id {
					s.Participants = m.listParticipants(s.ID)
					out.States = append(out.States, s)
				}
			}
			sort.Slice(out.States, func(i, j int) bool {
				return out.States[i].Sequence < out.States[j].Sequence
			})
			for _, t := range d.transitions {
				if t.WorkflowID == id {
					out.Transitions = append(out.Transitions, t)
				}
			}
			return out, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *mockStore) ListWorkflows(belongTo string, templatesOnly bool) ([]models.Workflow, error) {
	defer m.lock()()
	var out []models.Workflow
	for _, w := range m.data.workflows {
		if belongTo != "" && w.BelongTo != belongTo {
			continue
		}
		if templatesOnly && w.ClonedFrom != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *mockStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	defer m.lock()()
	for i := range m.data.workflows {
		if m.data.workflows[i].ID == id {
			m.data.workflows[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) UpdateWorkflowClonedFrom(id int64, clonedFrom int64) error {
	defer m.lock()()
	for i := range m.data.workflows {
		if m.data.workflows[i].ID == id {
			m.data.workflows[i].ClonedFrom = &clonedFrom
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveState(s models.State) (int64, error) {
	defer m.lock()()
	d := m.data
	d.nextStateID++
	s.ID = d.nextStateID
	s.Participants = nil
	d.states = append(d.states, s)
	return s.ID, nil
}

func (m *mockStore) UpdateState(s models.State) error {
	defer m.lock()()
	for i := range m.data.states {
		if m.data.states[i].ID == s.ID {
			s.Participants = nil
			m.data.states[i] = s
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveTransition(t models.Transition) (int64, error) {
	defer m.lock()()
	d := m.data
	d.nextTransitionID++
	t.ID = d.nextTransitionID
	d.transitions = append(d.transitions, t)
	return t.ID, nil
}

func (m *mockStore) SaveParticipant(p models.Participant) (int64, error) {
	defer m.lock()()
	return m.saveParticipant(p), nil
}

func (m *mockStore) saveParticipant(p models.Participant) int64 {
	d := m.data
	d.nextParticipantID++
	p.ID = d.nextParticipantID
	d.participants = append(d.participants, p)
	return p.ID
}

func (m *mockStore) GetParticipant(id int64) (models.Participant, error) {
	defer m.lock()()
	for _, p := range m.data.participants {
		if p.ID == id {
			return p, nil
		}
	}
	return models.Participant{}, ErrNotFound
}

func (m *mockStore) UpdateParticipant(p models.Participant) error {
	defer m.lock()()
	for i := range m.data.participants {
		if m.data.participants[i].ID == p.ID {
			m.data.participants[i] = p
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) DetachParticipant(id int64) error {
	defer m.lock()()
	for i := range m.data.participants {
		if m.data.participants[i].ID == id {
			m.data.participants[i].StateID = 0
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) workflowOwner(id int64) string {
	for _, w := range m.data.workflows {
		if w.ID == id {
			return w.BelongTo
		}
	}
	return ""
}

func (m *mockStore) listParticipants(stateID int64) []models.Participant {
	var out []models.Participant
	for _, p := range m.data.participants {
		if p.StateID == stateID && stateID != 0 {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockStore) ListParticipants(stateID int64) ([]models.Participant, error) {
	defer m.lock()()
	return m.listParticipants(stateID), nil
}

func (m *mockStore) ReplaceParticipants(stateID int64, executors []string) error {
	defer m.lock()()
	for i := range m.data.participants {
		if m.data.participants[i].StateID == stateID {
			m.data.participants[i].StateID = 0
		}
	}
	for _, e := range executors {
		m.saveParticipant(models.Participant{StateID: stateID, Executor: e})
	}
	return nil
}

func (m *mockStore) SaveActivity(a models.WorkflowActivity) (int64, error) {
	defer m.lock()()
	d := m.data
	d.nextActivityID++
	a.ID = d.nextActivityID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	d.activities = append(d.activities, a)
	return a.ID, nil
}

func (m *mockStore) GetActivity(id int64) (models.WorkflowActivity, error) {
	defer m.lock()()
	for _, a := range m.data.activities {
		if a.ID == id {
			return a, nil
		}
	}
	return models.WorkflowActivity{}, ErrNotFound
}

func (m *mockStore) UpdateActivity(a models.WorkflowActivity) error {
	defer m.lock()()
	for i := range m.data.activities {
		if m.data.activities[i].ID == a.ID {
			m.data.activities[i] = a
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListActivities(belongTo string, statuses ...models.ActivityStatus) ([]models.WorkflowActivity, error) {
	defer m.lock()()
	var out []models.WorkflowActivity
	for _, a := range m.data.activities {
		if belongTo != "" && m.workflowOwner(a.WorkflowID) != belongTo {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if a.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *mockStore) SaveHistory(h models.WorkflowHistory) (int64, error) {
	defer m.lock()()
	d := m.data
	d.nextHistoryID++
	h.ID = d.nextHistoryID
	if h.Status == "" {
		h.Status = models.ProcessingStatus
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	h.Records = nil
	d.histories = append(d.histories, h)
	return h.ID, nil
}

func (m *mockStore) GetOpenHistory(activityID, stateID int64) (models.WorkflowHistory, error) {
	defer m.lock()()
	for _, h := range m.data.histories {
		if h.ActivityID == activityID && h.StateID != nil && *h.StateID == stateID && h.Status == models.ProcessingStatus {
			out := h
			out.Records = m.listRecords(h.ID)
			return out, nil
		}
	}
	return models.WorkflowHistory{}, ErrNotFound
}

func (m *mockStore) ListHistory(activityID int64) ([]models.WorkflowHistory, error) {
	defer m.lock()()
	var out []models.WorkflowHistory
	for _, h := range m.data.histories {
		if h.ActivityID == activityID {
			entry := h
			entry.Records = m.listRecords(h.ID)
			out = append(out, entry)
		}
	}
	// histories are appended in order, so ID order is chronological
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) CloseHistory(historyID int64, action string) error {
	defer m.lock()()
	for i := range m.data.histories {
		if m.data.histories[i].ID == historyID {
			m.data.histories[i].Status = action
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveRecord(r models.Record) (int64, error) {
	defer m.lock()()
	d := m.data
	d.nextRecordID++
	r.ID = d.nextRecordID
	if r.LoggedAt.IsZero() {
		r.LoggedAt = time.Now()
	}
	r.Participant = nil
	d.records = append(d.records, r)
	return r.ID, nil
}

func (m *mockStore) listRecords(historyID int64) []models.Record {
	var out []models.Record
	for _, r := range m.data.records {
		if r.HistoryID == historyID {
			rec := r
			for _, p := range m.data.participants {
				if p.ID == r.ParticipantID {
					participant := p
					rec.Participant = &participant
					break
				}
			}
			out = append(out, rec)
		}
	}
	return out
}
