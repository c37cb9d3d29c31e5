package observability

import "time"

// NoopMetricsClient discards every metric. Used in tests and whenever
// a metrics backend isn't configured.
type NoopMetricsClient struct{}

// NewNoopMetricsClient returns a MetricsClient that discards everything.
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (NoopMetricsClient) IncrementCounter(name string, labels map[string]string)             {}
func (NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)    {}
func (NoopMetricsClient) RecordDuration(name string, d time.Duration, labels map[string]string) {}
