package pipeline

import "fmt"

// Strategy is the size-tiered processing plan for one asset. Expressing it
// as a tagged value keeps every transition testable instead of burying the
// tiers in nested conditionals.
type Strategy int

const (
	// StrategySkip records caller-provided renditions and only cleans up.
	StrategySkip Strategy = iota
	// StrategySmall downloads the full original into memory and runs the
	// multi-quality transcode.
	StrategySmall
	// StrategyMedium streams the transcode from a presigned source URL
	// without materializing the file, requesting fewer quality tiers.
	StrategyMedium
	// StrategyOversize performs no transcode: the original is retained and
	// served, with a diagnostic recorded.
	StrategyOversize
)

func (s Strategy) String() string {
	switch s {
	case StrategySkip:
		return "skip"
	case StrategySmall:
		return "small"
	case StrategyMedium:
		return "medium"
	case StrategyOversize:
		return "oversize"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Thresholds are the size boundaries driving strategy selection. All in
// bytes.
type Thresholds struct {
	// Small is the upper bound for the in-memory path.
	Small int64
	// Medium is the point above which streaming requests a single tier
	// instead of two.
	Medium int64
	// Oversize is the bound above which no transcode is attempted.
	Oversize int64
	// MemoryFallback is the largest size the streaming path may fall back
	// to the in-memory path for.
	MemoryFallback int64
}

// Select picks the strategy for a file size. skip wins over everything.
func Select(skip bool, size int64, th Thresholds) Strategy {
	switch {
	case skip:
		return StrategySkip
	case size > th.Oversize:
		return StrategyOversize
	case size <= th.Small:
		return StrategySmall
	default:
		return StrategyMedium
	}
}

// TierCount returns how many quality tiers the strategy requests for a
// video of the given size.
func (s Strategy) TierCount(size int64, th Thresholds) int {
	switch s {
	case StrategySmall:
		return 3
	case StrategyMedium:
		if size <= th.Medium {
			return 2
		}
		return 1
	default:
		return 0
	}
}
