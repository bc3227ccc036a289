package types

import "time"

// ProcessSample is one process-table row at a sampling instant.
type ProcessSample struct {
	PID            int32
	Name           string
	CPUPercent     float64
	MemoryBytes    uint64
	UserID         *string
	RuntimeSeconds uint64
}

// ProcessMetricsBatch is the snapshot produced by one sampling tick.
// All samples share Timestamp.
type ProcessMetricsBatch struct {
	Timestamp time.Time
	Samples   []ProcessSample
}

// Len returns the number of samples in the batch.
func (b ProcessMetricsBatch) Len() int {
	return len(b.Samples)
}

// TotalMemory sums resident memory across the batch.
func (b ProcessMetricsBatch) TotalMemory() uint64 {
	var total uint64
	for _, s := range b.Samples {
		total += s.MemoryBytes
	}
	return total
}
