package models

import (
	"errors"
	"fmt"
)

// FlowError is a business-rule violation with a stable numeric code.
// Callers match on Code, never on the message text. Anything that is not
// a FlowError is an infrastructure failure (storage down, corrupt
// ledger) and maps to a server-error response instead.
type FlowError struct {
	Code    int         `json:"error_num"`
	Message string      `json:"error_msg"`
	Detail  interface{} `json:"detail,omitempty"`
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// WithDetail returns a copy carrying an extra payload, keeping the
// catalogue entries themselves immutable.
func (e *FlowError) WithDetail(detail interface{}) *FlowError {
	return &FlowError{Code: e.Code, Message: e.Message, Detail: detail}
}

// AsFlowError unwraps err to a FlowError if it is one.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// The stable error catalogue. Codes must never be renumbered.
var (
	ErrOnlyCreatorAllowed         = &FlowError{Code: 400001, Message: "only creator allowed"}
	ErrOnlyEditAllowed            = &FlowError{Code: 400002, Message: "only EDIT status allowed"}
	ErrOnlyCommitAllowed          = &FlowError{Code: 400003, Message: "only COMMIT status allowed"}
	ErrMultiStartState            = &FlowError{Code: 400004, Message: "multiple start state"}
	ErrOnlyProgressAllowed        = &FlowError{Code: 400006, Message: "only PROGRESS status allowed"}
	ErrInvalidTransition          = &FlowError{Code: 400007, Message: "invalid transition when progress"}
	ErrRepeatedLogevent           = &FlowError{Code: 400009, Message: "repeated logevent"}
	ErrDelegateDenied             = &FlowError{Code: 400010, Message: "delegate denied"}
	ErrInvalidExecutor            = &FlowError{Code: 400011, Message: "invalid executor"}
	ErrDelegateOnlyOnce           = &FlowError{Code: 400012, Message: "delegate only once"}
	ErrInvalidDelegator           = &FlowError{Code: 400013, Message: "invalid delegator"}
	ErrAbolishDenied              = &FlowError{Code: 400014, Message: "abolish denied"}
	ErrEditStateDenied            = &FlowError{Code: 400015, Message: "edit state denied"}
	ErrOnlyFollowUpAllowed        = &FlowError{Code: 400016, Message: "only follow-up state can be edited"}
	ErrOnlyDefinitionAllowed      = &FlowError{Code: 400017, Message: "only DEFINITION status allowed"}
	ErrNextStateParticipantNeeded = &FlowError{Code: 400018, Message: "participants of next state needed"}
	ErrOnlyTemplateAllowed        = &FlowError{Code: 400019, Message: "only workflow template allowed to modify"}
	ErrParameterError             = &FlowError{Code: 400020, Message: "parameter error, see doc for help"}
	ErrStateWorkflowNotMatch      = &FlowError{Code: 400021, Message: "from_state and to_state of transition do not match workflow"}
	ErrInvalidConditionJSON       = &FlowError{Code: 400022, Message: "invalid condition json, workflow cannot route"}
	ErrInvalidAction              = &FlowError{Code: 400023, Message: "invalid action"}
)
