package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type LogType string

const (
	TransitionLog LogType = "TRANSITION"
	EventLog      LogType = "EVENT"
	RoleLog       LogType = "ROLE"
	CommentLog    LogType = "COMMENT"
)

// ProcessingStatus marks an open history entry: the activity is currently
// sitting at that entry's state. A closed entry carries the action name
// that moved the activity on.
const ProcessingStatus = "processing"

// DelegateAction is the record action written when a participant hands a
// state off to somebody else.
const DelegateAction = "delegate"

// WorkflowHistory is one entry of the append-only ledger: "the activity
// is/was at state X". Entries are never deleted; the only mutations are
// the status flip from processing to a terminal action name, and records
// being appended.
type WorkflowHistory struct {
	ID           int64      `json:"id" db:"id"`
	ActivityID   int64      `json:"activity_id" db:"activity_id"`
	LogType      LogType    `json:"log_type" db:"log_type"`
	StateID      *int64     `json:"state_id,omitempty" db:"state_id"`
	TransitionID *int64     `json:"transition_id,omitempty" db:"transition_id"`
	Status       string     `json:"status" db:"status"`
	Deadline     *time.Time `json:"deadline,omitempty" db:"deadline"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	Records      []Record   `json:"records,omitempty"` // populated by ListHistory
}

func (h *WorkflowHistory) Open() bool {
	return h.Status == ProcessingStatus
}

// Record is one submitted action against an open history entry. The
// participant is always an IsCopy snapshot so the trail references an
// immutable participant image.
type Record struct {
	ID            int64          `json:"id" db:"id"`
	HistoryID     int64          `json:"history_id" db:"history_id"`
	ParticipantID int64          `json:"participant_id" db:"participant_id"`
	Action        string         `json:"action" db:"action"`
	Note          string         `json:"note" db:"note"`
	Attachment    types.JSONText `json:"attachment,omitempty" db:"attachment"`
	LoggedAt      time.Time      `json:"logged_at" db:"logged_at"`
	Participant   *Participant   `json:"participant,omitempty"` // populated by ListHistory
}
