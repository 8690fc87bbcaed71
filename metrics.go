package bulkinsert

import "time"

// NoopMetricsReporter 空实现，未设置报告器时使用
type NoopMetricsReporter struct{}

// NewNoopMetricsReporter 创建空报告器
func NewNoopMetricsReporter() *NoopMetricsReporter {
	return &NoopMetricsReporter{}
}

func (*NoopMetricsReporter) ObserveFlushDuration(string, int, time.Duration, string) {}
func (*NoopMetricsReporter) ObserveBatchSize(string, int)                            {}
func (*NoopMetricsReporter) ObserveBatchBytes(string, int)                           {}
func (*NoopMetricsReporter) IncDropped(string, int)                                  {}
func (*NoopMetricsReporter) IncError(string, string)                                 {}
func (*NoopMetricsReporter) SetBuffered(string, int)                                 {}

var _ MetricsReporter = (*NoopMetricsReporter)(nil)
