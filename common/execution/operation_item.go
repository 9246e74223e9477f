package execution

// OperationItem binds an OperationTask to its session for the trip through
// the session queues and the worker pool.
//
// The session reference is an expiring one: OperationItem stores only the
// session's ID and resolves it against the engine's live-session table.
// Once the session has been deleted the lookup fails and the item is
// silently discarded without invoking its task.
type OperationItem struct {
	engine    *ExecutionEngine
	sessionID string

	Task OperationTask
}

func newOperationItem(engine *ExecutionEngine, session *SessionItem, task OperationTask) *OperationItem {
	return &OperationItem{
		engine:    engine,
		sessionID: session.id,
		Task:      task,
	}
}

// Session resolves the item's session. It returns false once the session
// has been deleted from the engine.
func (item *OperationItem) Session() (*SessionItem, bool) {
	return item.engine.lookupSession(item.sessionID)
}
