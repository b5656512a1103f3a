package mixpanel

import "time"

// TimeUnit is the bucket granularity accepted by segmentation-family
// endpoints. Each live-query method restricts this to its own valid subset
// and fails with QueryError before any network I/O when violated.
type TimeUnit string

const (
	UnitMinute TimeUnit = "minute"
	UnitHour   TimeUnit = "hour"
	UnitDay    TimeUnit = "day"
	UnitWeek   TimeUnit = "week"
	UnitMonth  TimeUnit = "month"
)

// TableMetadata is the persisted record describing one local table (spec §3,
// §4.5). FromDate/ToDate are only meaningful when Kind is events.
type TableKind string

const (
	TableKindEvents   TableKind = "events"
	TableKindProfiles TableKind = "profiles"
)

type TableMetadata struct {
	Name      string
	Kind      TableKind
	RowCount  int64
	ByteSize  int64
	CreatedAt time.Time
	FromDate  string
	ToDate    string
}

// SegmentationResult is the uniform shape of a segmentation query.
type SegmentationResult struct {
	Event               string
	From, To            string
	Unit                TimeUnit
	SegmentationProperty string
	Total               int64
	// Series maps segment value (or Event when unsegmented) to a mapping
	// from bucket-start (ISO date/time) to count.
	Series map[string]map[string]int64
}

// MultiSegmentationResult is the uniform shape of a multi-event-count query
// (/query/segmentation/multi): one count series per requested event name,
// rather than one series per segment value.
type MultiSegmentationResult struct {
	Events   []string
	From, To string
	Unit     TimeUnit
	// Series maps event name to a mapping from bucket-start to count.
	Series map[string]map[string]int64
	Total  int64
}

// FunnelStepReport describes one step of a funnel result.
type FunnelStepReport struct {
	Event                      string
	StepIndex                  int
	AbsoluteCount              int64
	ConversionRateFromPrevious float64
}

// FunnelResult is the uniform shape of a funnel computation.
type FunnelResult struct {
	FunnelID              int64
	FunnelName            string
	From, To              string
	OverallConversionRate float64
	Steps                 []FunnelStepReport
}

// RetentionCohort is one cohort row of a retention result. Retention[0] is
// always the cohort-defining period; a period not yet elapsed is omitted
// from Retention rather than zero-filled (spec §4.2).
type RetentionCohort struct {
	CohortDate string
	Size       int64
	Retention  []float64
}

// RetentionResult is the uniform shape of a retention computation.
type RetentionResult struct {
	BornEvent    string
	ReturnEvent  string // empty means "any event"
	From, To     string
	Interval     TimeUnit // day, week, or month
	IntervalCount int
	Cohorts      []RetentionCohort
}

// UserEvent is one event in an activity feed.
type UserEvent struct {
	EventName  string
	Time       time.Time
	Properties Properties
}

// ActivityFeedResult is the uniform shape of an activity-feed query.
type ActivityFeedResult struct {
	DistinctIDs []string
	From, To    string // empty when the caller did not supply a range
	Events      []UserEvent
}

// FrequencyResult is the uniform shape of a frequency ("addiction curve")
// query. Data maps bucket-start to an array where index N is the count of
// users active in at least N+1 sub-periods; values are non-increasing.
type FrequencyResult struct {
	Event        string // empty means "any event"
	From, To     string
	OuterUnit    TimeUnit // day, week, or month
	Granularity  TimeUnit // hour or day
	Data         map[string][]int64
}

// NumericBucketResult is the uniform shape of a numeric segmentation query.
type NumericBucketResult struct {
	Event              string
	From, To           string
	PropertyExpression string
	Unit               TimeUnit // hour or day
	// Series maps a Provider-assigned bucket label (e.g. "0 - 100") to a
	// mapping from bucket-start to count.
	Series map[string]map[string]int64
	Labels []string // bucket labels sorted lexically, not in Provider order
}

// NumericSumResult is the uniform shape of a numeric-sum query.
type NumericSumResult struct {
	Event              string
	From, To           string
	PropertyExpression string
	Unit               TimeUnit
	Results            map[string]float64
	ComputedAt         *time.Time
}

// NumericAverageResult is the uniform shape of a numeric-average query.
type NumericAverageResult struct {
	Event              string
	From, To           string
	PropertyExpression string
	Unit               TimeUnit
	Results            map[string]float64
}

// SavedReportResult is the uniform shape of a saved-report (bookmark)
// execution.
type SavedReportResult struct {
	BookmarkID int64
	ReportType string
	ComputedAt time.Time
	From, To   string
	Headers    []string
	Series     map[string]map[string]int64
}

// FetchResult is returned by the sequential fetcher.
type FetchResult struct {
	Table     string
	RowCount  int64
	Duration  time.Duration
	FetchedAt time.Time
}

// ParallelFetchProgress reports the outcome of one slice (a day for events,
// a page for profiles). Invariant: Success implies Error == "".
type ParallelFetchProgress struct {
	SliceKey   string
	SliceTotal int // -1 when not yet known (profile page discovery)
	Rows       int64
	Success    bool
	Error      string
}

// ParallelFetchResult is returned by the parallel fetcher.
// Invariant: SuccessfulSlices + FailedSlices == total slices attempted;
// len(FailedSliceKeys) == FailedSlices.
type ParallelFetchResult struct {
	Table            string
	TotalRows        int64
	SuccessfulSlices int
	FailedSlices     int
	FailedSliceKeys  []string
	Duration         time.Duration
	FetchedAt        time.Time
}

// HasFailures reports whether any slice failed.
func (r ParallelFetchResult) HasFailures() bool {
	return r.FailedSlices > 0
}
