package models

import "time"

// Participant assigns one external actor to a state. The executor is an
// opaque identity token; the engine only ever compares it for equality.
//
// A participant with StateID == 0 is detached: it is not part of any
// state's quorum set. Detached rows are audit copies (IsCopy), delegate
// targets created in plain delegation mode, and participants removed
// from a state by repeat-mode delegation.
//
// DelegateTo references another participant and is set at most once:
// delegation is single-hop and irrevocable.
type Participant struct {
	ID         int64      `json:"id" db:"id"`
	StateID    int64      `json:"state_id" db:"state_id"`
	Executor   string     `json:"executor" db:"executor"`
	DelegateTo *int64     `json:"delegate_to,omitempty" db:"delegate_to"`
	DelegateOn *time.Time `json:"delegate_on,omitempty" db:"delegate_on"`
	IsCopy     bool       `json:"is_copy" db:"is_copy"`
}

// Snapshot returns a frozen, detached image of the participant for the
// audit trail, so records stay immutable even if the live participant is
// later delegated or removed.
func (p Participant) Snapshot() Participant {
	p.ID = 0
	p.StateID = 0
	p.IsCopy = true
	return p
}
