package postprocess

import (
	"sort"
	"sync"

	"github.com/nvr-ai/go-east/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// Overlap threshold for suppression.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// Overlap threshold above which neighbouring candidates are merged by
	// MergeLocality.
	MergeThreshold float32 `json:"merge_threshold" yaml:"merge_threshold"`
	// Number of goroutines for parallel IoU computation.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

// GetEASTNMSConfig returns the locality-aware NMS configuration of the EAST
// detector.
func GetEASTNMSConfig() *NMSConfig {
	return &NMSConfig{
		IoUThreshold:   0.2,
		MergeThreshold: 0.2,
		NumWorkers:     1,
	}
}

// MergeLocality merges neighbouring candidates before NMS.
//
// Candidates produced by Decode are in row-major order, so overlapping
// candidates of one text line are adjacent. Each candidate is compared with
// the last merged result only; when they overlap by more than threshold the
// vertices are averaged weighted by score and the scores are summed.
//
// Arguments:
//   - results: Candidates in row-major order.
//   - threshold: Quad IoU above which candidates are merged.
//
// Returns:
//   - Merged candidates.
func MergeLocality(results []Result, threshold float32) []Result {
	if len(results) == 0 {
		return nil
	}

	merged := make([]Result, 0, len(results))
	for _, r := range results {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Batch == r.Batch && images.QuadIoU(last.Quad, r.Quad) > threshold {
				*last = weightedMerge(*last, r)
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

func weightedMerge(a, b Result) Result {
	total := a.Score + b.Score
	var q images.Quad
	for i := range q {
		q[i] = images.Point{
			X: (a.Score*a.Quad[i].X + b.Score*b.Quad[i].X) / total,
			Y: (a.Score*a.Quad[i].Y + b.Score*b.Quad[i].Y) / total,
		}
	}
	return Result{Quad: q, Box: q.Bounds(), Score: total, Batch: a.Batch}
}

// ApplyNMS filters overlapping detections using greedy Non-Maximum
// Suppression over quadrilateral IoU. Detections of different batch items
// never suppress each other.
//
// Arguments:
//   - detections: Detections in any order; the slice is not modified.
//   - config: NMS configuration, nil means GetEASTNMSConfig(). With more than one worker the overlap of an
//     anchor with the remaining detections is computed in parallel.
//
// Returns:
//   - Kept detections, highest score first. If no detections are provided,
//     returns nil.
func ApplyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	if config == nil {
		config = GetEASTNMSConfig()
	}

	sorted := make([]Result, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	workers := max(config.NumWorkers, 1)
	used := make([]bool, n)
	filtered := make([]Result, 0, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := sorted[i]
		filtered = append(filtered, anchor)
		used[i] = true

		suppress := func(from, to int) {
			for j := from; j < to; j++ {
				if used[j] || sorted[j].Batch != anchor.Batch {
					continue
				}
				if images.QuadIoU(anchor.Quad, sorted[j].Quad) > config.IoUThreshold {
					used[j] = true
				}
			}
		}

		rest := n - i - 1
		if workers == 1 || rest < 2*workers {
			suppress(i+1, n)
			continue
		}

		// Each worker owns a disjoint range of used.
		chunk := (rest + workers - 1) / workers
		var wg sync.WaitGroup
		for from := i + 1; from < n; from += chunk {
			wg.Add(1)
			go func(from, to int) {
				defer wg.Done()
				suppress(from, to)
			}(from, min(from+chunk, n))
		}
		wg.Wait()
	}

	return filtered
}
