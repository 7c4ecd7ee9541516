package batch

import (
	"github.com/zenith/forensics/internal/core"
)

// Base batch sizes by payload class. Embeddings are the heaviest per item,
// plain transactions the lightest.
var baseSizes = map[core.DataType]int{
	core.DataTransaction:    500,
	core.DataEntity:         200,
	core.DataEmbedding:      100,
	core.DataReconciliation: 300,
	core.DataDocument:       150,
}

const defaultBaseSize = 250

// lowMemGB is the free-memory floor below which sizing halves again.
const lowMemGB = 2.0

// Plan sizes one job against the current load reading. An idle host gets
// bigger batches and more workers; a busy one backs off; concurrency never
// exceeds the number of batches.
func Plan(dataType core.DataType, totalItems int, snap Snapshot) core.BatchConfig {
	size, ok := baseSizes[dataType]
	if !ok {
		size = defaultBaseSize
	}

	var (
		factor      float64
		concurrency int
		delayMS     int
	)
	switch {
	case snap.CPUPercent < 50:
		factor, concurrency, delayMS = 1.5, 4, 100
	case snap.CPUPercent > 80:
		factor, concurrency, delayMS = 0.5, 2, 500
	default:
		factor, concurrency, delayMS = 1.0, 3, 200
	}

	if snap.MemFreeGB < lowMemGB {
		factor *= 0.5
		if concurrency > 1 {
			concurrency--
		}
	}

	size = int(float64(size) * factor)
	if size < 1 {
		size = 1
	}
	if batches := batchCount(totalItems, size); concurrency > batches {
		concurrency = batches
	}
	if concurrency < 1 {
		concurrency = 1
	}

	return core.BatchConfig{
		Size:              size,
		Concurrency:       concurrency,
		InterBatchDelayMS: delayMS,
	}
}

// batchCount is ceil(total/size).
func batchCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
