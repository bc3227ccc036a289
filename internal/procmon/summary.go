package procmon

import (
	"fmt"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// sketchAccuracy is the relative accuracy of the CPU quantiles.
const sketchAccuracy = 0.01

// topN is how many processes a summary lists.
const topN = 5

// Summary condenses one snapshot.
type Summary struct {
	Timestamp   time.Time
	Processes   int
	TotalMemory uint64
	CPUTotal    float64
	CPUMax      float64
	CPUP50      float64
	CPUP90      float64
	CPUP99      float64
	Top         []types.ProcessSample
}

// Summarize computes CPU quantiles with a DDSketch, total resident memory
// and the busiest processes. An empty batch yields a zero summary.
func Summarize(batch types.ProcessMetricsBatch) (Summary, error) {
	s := Summary{
		Timestamp:   batch.Timestamp,
		Processes:   batch.Len(),
		TotalMemory: batch.TotalMemory(),
	}
	if batch.Len() == 0 {
		return s, nil
	}

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return s, fmt.Errorf("create sketch: %w", err)
	}
	for _, p := range batch.Samples {
		cpu := max(p.CPUPercent, 0)
		if err := sketch.Add(cpu); err != nil {
			return s, fmt.Errorf("add cpu sample: %w", err)
		}
		s.CPUTotal += cpu
		s.CPUMax = max(s.CPUMax, cpu)
	}

	qs, err := sketch.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99})
	if err != nil {
		return s, fmt.Errorf("cpu quantiles: %w", err)
	}
	s.CPUP50, s.CPUP90, s.CPUP99 = qs[0], qs[1], qs[2]

	top := make([]types.ProcessSample, len(batch.Samples))
	copy(top, batch.Samples)
	sort.SliceStable(top, func(i, j int) bool { return top[i].CPUPercent > top[j].CPUPercent })
	if len(top) > topN {
		top = top[:topN]
	}
	s.Top = top
	return s, nil
}
