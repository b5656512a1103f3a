package transport

// BudgetProfile is an advisory rate-limit budget. Nothing in this module
// reads these values at run time: the ParallelFetcher carries the same
// numbers as its own constants (worker caps, a warning threshold of 48
// requests). Transport itself never enforces a budget — it only classifies
// 429 responses (spec §4.1).
type BudgetProfile struct {
	MaxConcurrent   int
	PerHour         int
	PerSecond       int // 0 means unbounded
	WarningFraction float64
}

// QueryBudget is the advisory budget for the Query API family (segmentation,
// funnels, retention, engage paging, etc.): 5 concurrent, 60 requests/hour.
var QueryBudget = BudgetProfile{MaxConcurrent: 5, PerHour: 60, WarningFraction: 0.8}

// ExportBudget is the advisory budget for the Export API family (event
// export): 3 req/sec, 100 concurrent, 60/hour.
var ExportBudget = BudgetProfile{MaxConcurrent: 100, PerHour: 60, PerSecond: 3, WarningFraction: 0.8}

// WarningThreshold returns the request count above which a budget warning
// should be logged (80% of the hourly budget by default).
func (b BudgetProfile) WarningThreshold() int {
	frac := b.WarningFraction
	if frac <= 0 {
		frac = 0.8
	}
	return int(float64(b.PerHour) * frac)
}
