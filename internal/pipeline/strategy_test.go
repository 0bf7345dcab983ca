package pipeline

import "testing"

var testThresholds = Thresholds{
	Small:          50 << 20,
	Medium:         200 << 20,
	Oversize:       500 << 20,
	MemoryFallback: 100 << 20,
}

func TestSelect(t *testing.T) {
	cases := []struct {
		name string
		skip bool
		size int64
		want Strategy
	}{
		{"skip wins regardless of size", true, 900 << 20, StrategySkip},
		{"tiny file", false, 1 << 20, StrategySmall},
		{"exactly at small bound", false, 50 << 20, StrategySmall},
		{"just above small bound", false, 50<<20 + 1, StrategyMedium},
		{"mid-range", false, 300 << 20, StrategyMedium},
		{"exactly at oversize bound", false, 500 << 20, StrategyMedium},
		{"above oversize bound", false, 600 << 20, StrategyOversize},
	}
	for _, tc := range cases {
		if got := Select(tc.skip, tc.size, testThresholds); got != tc.want {
			t.Errorf("%s: Select = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTierCount(t *testing.T) {
	if got := StrategySmall.TierCount(30<<20, testThresholds); got != 3 {
		t.Errorf("small tier count = %d, want 3", got)
	}
	if got := StrategyMedium.TierCount(150<<20, testThresholds); got != 2 {
		t.Errorf("medium (<=200MB) tier count = %d, want 2", got)
	}
	if got := StrategyMedium.TierCount(350<<20, testThresholds); got != 1 {
		t.Errorf("medium (>200MB) tier count = %d, want 1", got)
	}
	if got := StrategyOversize.TierCount(600<<20, testThresholds); got != 0 {
		t.Errorf("oversize tier count = %d, want 0", got)
	}
}

func TestStrategyString(t *testing.T) {
	for s, want := range map[Strategy]string{
		StrategySkip:     "skip",
		StrategySmall:    "small",
		StrategyMedium:   "medium",
		StrategyOversize: "oversize",
	} {
		if s.String() != want {
			t.Errorf("String() = %q, want %q", s.String(), want)
		}
	}
}
