// Package service implements the workflow execution engine: template
// management and cloning, the activity state machine, the status replay
// over the history ledger, and the participant task query.
package service

// Logger defines the logging interface for the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
