// Package events defines event types and subjects published on the service bus.
package events

import "fmt"

// Session lifecycle event types.
const (
	SessionCreated   = "session.created"
	SessionRunning   = "session.running"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionCancelled = "session.cancelled"
	SessionRecovered = "session.recovered"
)

// SubjectPrefix is the subject namespace for session lifecycle events.
const SubjectPrefix = "agentd.sessions"

// BuildSessionSubject returns the bus subject for one session's lifecycle events.
func BuildSessionSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, sessionID)
}

// AllSessionsSubject matches lifecycle events for every session.
func AllSessionsSubject() string {
	return SubjectPrefix + ".*"
}
