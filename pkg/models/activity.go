package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ActivityStatus string

const (
	EditActivityStatus      ActivityStatus = "EDIT"
	CommitActivityStatus    ActivityStatus = "COMMIT"
	ExecuteActivityStatus   ActivityStatus = "EXECUTE"
	CompleteActivityStatus  ActivityStatus = "COMPLETE"
	AbolishedActivityStatus ActivityStatus = "ABOLISHED"
	ErrorActivityStatus     ActivityStatus = "ERROR"
)

// Subject is the structured key/value bag a running activity carries for
// conditional routing. Values are numeric because routing conditions
// compare numerically; a missing field reads as 0.
type Subject map[string]float64

func (s Subject) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *Subject) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Subject", src)
	}
	return json.Unmarshal(b, s)
}

// WorkflowActivity is one running execution of a cloned workflow. Its
// status machine is EDIT -> COMMIT -> EXECUTE -> COMPLETE, with EXECUTE
// -> ABOLISHED when the current state permits it, and ERROR reserved for
// unrecoverable inconsistency.
type WorkflowActivity struct {
	ID            int64          `json:"id" db:"id"`
	WorkflowID    int64          `json:"workflow_id" db:"workflow_id"`
	Name          string         `json:"name" db:"name"`
	Description   string         `json:"description" db:"description"`
	Status        ActivityStatus `json:"status" db:"status"`
	Creator       string         `json:"creator" db:"creator"`
	Subject       Subject        `json:"subject,omitempty" db:"subject"`
	PlanStartTime *time.Time     `json:"plan_start_time,omitempty" db:"plan_start_time"`
	Deadline      *time.Time     `json:"deadline,omitempty" db:"deadline"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	RealStartTime *time.Time     `json:"real_start_time,omitempty" db:"real_start_time"`
	CompletedOn   *time.Time     `json:"completed_on,omitempty" db:"completed_on"`
}
