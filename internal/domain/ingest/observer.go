package ingest

// Observer receives run statistics for metrics. Calls happen on the run's
// goroutine and must not block.
type Observer interface {
	ObserveBatch(stats BatchStats)
	ObserveRun(summary Summary, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveBatch(BatchStats)   {}
func (nopObserver) ObserveRun(Summary, error) {}

type multiObserver []Observer

// MultiObserver forwards to every observer in order.
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

func (m multiObserver) ObserveBatch(stats BatchStats) {
	for _, o := range m {
		o.ObserveBatch(stats)
	}
}

func (m multiObserver) ObserveRun(summary Summary, err error) {
	for _, o := range m {
		o.ObserveRun(summary, err)
	}
}
