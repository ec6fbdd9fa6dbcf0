package adapter

// Drain blocks until every delivery queued before the call has been published.
func (a *Adapter) Drain() {
	done := make(chan struct{})
	if !a.dispatch.Enqueue(func() { close(done) }) {
		return
	}
	<-done
}
