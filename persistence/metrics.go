package persistence

import "sync"

// Metrics is a stable, read-only snapshot of a backend's operational
// counters. A backend exposes these for monitoring, never for control
// flow: callers must not branch on them.
type Metrics struct {
	RecordsWritten int64
	BytesWritten   int64

	Scans             int64
	AnomaliesDetected int64

	Recoveries   int64
	Compactions  int64

	WriteErrors      int64
	ScanErrors       int64
	RecoveryErrors   int64
	CompactionErrors int64
}

// metricsCounter is the mutable, mutex-guarded counter every backend
// embeds; snapshot() returns the immutable Metrics value above.
type metricsCounter struct {
	mu sync.Mutex
	m  Metrics
}

func (c *metricsCounter) recordWrite(n int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.m.WriteErrors++
		return
	}
	c.m.RecordsWritten++
	c.m.BytesWritten += n
}

func (c *metricsCounter) recordScan(anomalies int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Scans++
	if err != nil {
		c.m.ScanErrors++
		return
	}
	c.m.AnomaliesDetected += int64(anomalies)
}

func (c *metricsCounter) recordRecovery(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.m.RecoveryErrors++
		return
	}
	c.m.Recoveries++
}

func (c *metricsCounter) recordCompaction(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.m.CompactionErrors++
		return
	}
	c.m.Compactions++
}

func (c *metricsCounter) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m
}
