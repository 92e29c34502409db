package flock

// Tracker receives fire-and-forget analytics events. Implementations must
// tolerate concurrent calls; the runtime guarantees tracking is never on the
// critical path and that a panicking tracker cannot affect a run's outcome.
type Tracker interface {
	TrackEvent(event string, userID string, properties map[string]any)
}

// track dispatches an analytics event on its own goroutine, isolating the
// run from tracker latency and panics. A nil tracker is a no-op.
func track(t Tracker, event, userID string, props map[string]any) {
	if t == nil {
		return
	}
	go func() {
		defer func() { recover() }()
		t.TrackEvent(event, userID, props)
	}()
}
