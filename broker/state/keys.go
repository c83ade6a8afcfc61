package state

import "strings"

// Resource names used in key construction.
const (
	ResAgents        = "agents"
	ResHeartbeat     = "heartbeat"
	ResTodos         = "todos"
	ResTodoSeq       = "todo_seq"
	ResMessages      = "messages"
	ResDropped       = "messages_dropped"
	ResLocks         = "locks"
	ResInterfaces    = "interfaces"
	ResRecentChanges = "recent_changes"
	ResCompleted     = "completed"
	ResPendingQuery  = "pending_query"
	ResQueryResult   = "query_result"
)

// Key builds a project-namespaced store key:
// "project:{project_id}:{resource}[:{id}...]". Keys in different projects
// never alias because the project id is the second segment of every key.
func Key(projectID, resource string, ids ...string) string {
	parts := append([]string{"project:" + projectID, resource}, ids...)
	return strings.Join(parts, ":")
}

// SentinelContent is the content of the system envelope surfaced after a
// message queue overflowed.
const SentinelContent = "messages dropped"

// Sentinel returns the system envelope that stands in for messages dropped
// from an overflowed queue.
func Sentinel(timestamp string) Envelope {
	return Envelope{
		Type:      TypeSystem,
		Content:   SentinelContent,
		Timestamp: timestamp,
	}
}
