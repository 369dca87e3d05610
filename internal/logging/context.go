package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
// Used for bookkeeping writes that must land even when the request context
// was cancelled, e.g. persisting an assistant reply after a slow backend call.
//
//	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := st.AddMessageToSession(saveCtx, sessionID, msg)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(parent)
	return context.WithTimeout(detached, timeout)
}
