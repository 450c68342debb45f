package port

// MetricsSink receives durable-side counters from the batch writer.
type MetricsSink interface {
	Consumed(itemID string, quantity int64)
	Added(itemID string, quantity int64)
	WriteError()
	Drift(itemID string, delta int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Consumed(string, int64) {}
func (NopMetrics) Added(string, int64)    {}
func (NopMetrics) WriteError()            {}
func (NopMetrics) Drift(string, int64)    {}
