// Package mail implements the broker over the durable mail store:
// send with group fanout, typed protocol messages, auto-nudge markers,
// debounced prompt injection, and replies. Rows live in mail.db; the
// broker adds the routing and delivery semantics.
package mail

// Priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Semantic message types carry information for humans and agents.
const (
	TypeStatus   = "status"
	TypeQuestion = "question"
	TypeResult   = "result"
	TypeError    = "error"
)

// Protocol message types drive orchestration flows.
const (
	TypeWorkerDone  = "worker_done"
	TypeMergeReady  = "merge_ready"
	TypeMerged      = "merged"
	TypeMergeFailed = "merge_failed"
	TypeEscalation  = "escalation"
	TypeHealthCheck = "health_check"
	TypeDispatch    = "dispatch"
	TypeAssign      = "assign"
)

// ValidType reports whether t is a known semantic or protocol type.
func ValidType(t string) bool {
	switch t {
	case TypeStatus, TypeQuestion, TypeResult, TypeError,
		TypeWorkerDone, TypeMergeReady, TypeMerged, TypeMergeFailed,
		TypeEscalation, TypeHealthCheck, TypeDispatch, TypeAssign:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// nudgeReason decides whether a message warrants a pending-nudge
// marker for its recipient and, if so, with what reason line. High
// and urgent mail nudges, as do the protocol types an orchestrator
// must not sit on.
func nudgeReason(msgType, priority string) (string, bool) {
	switch msgType {
	case TypeWorkerDone, TypeMergeReady, TypeError, TypeEscalation, TypeMergeFailed:
		return msgType, true
	}
	switch priority {
	case PriorityHigh, PriorityUrgent:
		return priority + " priority", true
	}
	return "", false
}
