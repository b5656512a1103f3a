// Package shaping holds the pure functions that map a decoded Provider JSON
// envelope onto one of the uniform result types in pkg/mixpanel. None of
// these functions perform I/O; malformed envelopes produce a
// mperrors.TypeProtocolError rather than a panic, grounded on the teacher's
// preference for typed errors over ok-bool accessors at trust boundaries.
package shaping

import (
	"sort"
	"time"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
)

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func asInt64(v interface{}) int64 {
	return int64(asFloat(v))
}

func protoErr(endpoint, reason string) *mperrors.Error {
	return mperrors.New(mperrors.TypeProtocolError, reason).WithDetail("endpoint", endpoint)
}

// Segmentation maps the /2.0/segmentation envelope:
//
//	{"data": {"series": [...dates...], "values": {segment: {date: count}}}}
func Segmentation(raw interface{}, event, from, to string, unit mixpanel.TimeUnit, segmentBy string) (mixpanel.SegmentationResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.SegmentationResult{}, protoErr("segmentation", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.SegmentationResult{}, protoErr("segmentation", "response missing data object")
	}
	values, _ := asMap(data["values"])

	series := make(map[string]map[string]int64, len(values))
	var total int64
	for segment, bucketsRaw := range values {
		buckets, ok := asMap(bucketsRaw)
		if !ok {
			continue
		}
		out := make(map[string]int64, len(buckets))
		for bucket, countRaw := range buckets {
			count := asInt64(countRaw)
			out[bucket] = count
			total += count
		}
		series[segment] = out
	}

	return mixpanel.SegmentationResult{
		Event:                event,
		From:                 from,
		To:                   to,
		Unit:                 unit,
		SegmentationProperty: segmentBy,
		Total:                total,
		Series:               series,
	}, nil
}

// MultiSegmentation maps the /2.0/segmentation/multi envelope, which shares
// Segmentation's {"data": {"values": {...}}} shape but keys values by event
// name instead of segment value, one series per requested event.
func MultiSegmentation(raw interface{}, events []string, from, to string, unit mixpanel.TimeUnit) (mixpanel.MultiSegmentationResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.MultiSegmentationResult{}, protoErr("segmentation/multi", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.MultiSegmentationResult{}, protoErr("segmentation/multi", "response missing data object")
	}
	values, _ := asMap(data["values"])

	series := make(map[string]map[string]int64, len(values))
	var total int64
	for event, bucketsRaw := range values {
		buckets, ok := asMap(bucketsRaw)
		if !ok {
			continue
		}
		out := make(map[string]int64, len(buckets))
		for bucket, countRaw := range buckets {
			count := asInt64(countRaw)
			out[bucket] = count
			total += count
		}
		series[event] = out
	}

	return mixpanel.MultiSegmentationResult{
		Events: events,
		From:   from,
		To:     to,
		Unit:   unit,
		Series: series,
		Total:  total,
	}, nil
}

// Funnel maps the /2.0/funnels envelope:
//
//	{"data": {"<date>": {"steps": [{"event", "count"}, ...], "analysis": {}}}}
//
// Values across dates are summed per step index before conversion rates are
// computed, matching the original implementation's aggregate-then-derive
// order. The first step's conversion rate is always 1.0; a zero previous
// count yields 0.0 for the following step instead of dividing by zero.
func Funnel(raw interface{}, funnelID int64, funnelName, from, to string) (mixpanel.FunnelResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.FunnelResult{}, protoErr("funnels", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.FunnelResult{}, protoErr("funnels", "response missing data object")
	}

	var eventNames []string
	var totals []int64

	for _, dayRaw := range data {
		day, ok := asMap(dayRaw)
		if !ok {
			continue
		}
		steps, ok := asSlice(day["steps"])
		if !ok {
			continue
		}
		if totals == nil {
			totals = make([]int64, len(steps))
			eventNames = make([]string, len(steps))
		}
		for i, stepRaw := range steps {
			step, ok := asMap(stepRaw)
			if !ok || i >= len(totals) {
				continue
			}
			totals[i] += asInt64(step["count"])
			if eventNames[i] == "" {
				eventNames[i] = asString(step["event"])
			}
		}
	}

	result := mixpanel.FunnelResult{
		FunnelID:   funnelID,
		FunnelName: funnelName,
		From:       from,
		To:         to,
	}

	for i, count := range totals {
		rate := 0.0
		switch {
		case i == 0:
			rate = 1.0
		case totals[i-1] > 0:
			rate = float64(count) / float64(totals[i-1])
		}
		result.Steps = append(result.Steps, mixpanel.FunnelStepReport{
			Event:                      eventNames[i],
			StepIndex:                  i,
			AbsoluteCount:              count,
			ConversionRateFromPrevious: rate,
		})
	}

	if len(totals) > 0 && totals[0] > 0 {
		result.OverallConversionRate = float64(totals[len(totals)-1]) / float64(totals[0])
	}

	return result, nil
}

// Retention maps the /2.0/retention envelope:
//
//	{"<cohort-date>": {"first": cohortSize, "counts": [c0, c1, ...]}}
//
// A period not yet elapsed is signalled by the Provider omitting it from
// counts rather than sending zero; Retention preserves that by only
// including the periods actually present. cohortSize == 0 yields 0.0 for
// every period instead of dividing by zero. Cohorts are sorted ascending by
// date.
func Retention(raw interface{}, bornEvent, returnEvent, from, to string, interval mixpanel.TimeUnit) (mixpanel.RetentionResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.RetentionResult{}, protoErr("retention", "response is not a JSON object")
	}

	result := mixpanel.RetentionResult{
		BornEvent:   bornEvent,
		ReturnEvent: returnEvent,
		From:        from,
		To:          to,
		Interval:    interval,
	}

	maxPeriods := 0
	for date, cohortRaw := range root {
		cohort, ok := asMap(cohortRaw)
		if !ok {
			continue
		}
		size := asInt64(cohort["first"])
		countsRaw, _ := asSlice(cohort["counts"])

		retention := make([]float64, len(countsRaw))
		for i, c := range countsRaw {
			if size > 0 {
				retention[i] = asFloat(c) / float64(size)
			}
		}
		if len(retention) > maxPeriods {
			maxPeriods = len(retention)
		}

		result.Cohorts = append(result.Cohorts, mixpanel.RetentionCohort{
			CohortDate: date,
			Size:       size,
			Retention:  retention,
		})
	}

	sort.Slice(result.Cohorts, func(i, j int) bool {
		return result.Cohorts[i].CohortDate < result.Cohorts[j].CohortDate
	})
	result.IntervalCount = maxPeriods

	return result, nil
}

// Frequency maps the addiction-curve envelope from /2.0/retention/properties
// with retention_type=addiction, whose "data" object maps an outer bucket to an
// array of user counts by inner-period activity depth.
func Frequency(raw interface{}, event, from, to string, outer, granularity mixpanel.TimeUnit) (mixpanel.FrequencyResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.FrequencyResult{}, protoErr("frequency", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.FrequencyResult{}, protoErr("frequency", "response missing data object")
	}

	out := make(map[string][]int64, len(data))
	for bucket, seriesRaw := range data {
		series, ok := asSlice(seriesRaw)
		if !ok {
			continue
		}
		values := make([]int64, len(series))
		for i, v := range series {
			values[i] = asInt64(v)
		}
		out[bucket] = values
	}

	return mixpanel.FrequencyResult{
		Event:       event,
		From:        from,
		To:          to,
		OuterUnit:   outer,
		Granularity: granularity,
		Data:        out,
	}, nil
}

// NumericBucket maps the numeric segmentation-bucket envelope, whose
// "data.values" maps a Provider-assigned bucket label to a per-date count
// series. Labels lists the bucket labels sorted lexically; the order in
// which the Provider returned them is not preserved, since the envelope
// arrives already decoded into a map.
func NumericBucket(raw interface{}, event, from, to, propertyExpr string, unit mixpanel.TimeUnit) (mixpanel.NumericBucketResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.NumericBucketResult{}, protoErr("segmentation/numeric", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.NumericBucketResult{}, protoErr("segmentation/numeric", "response missing data object")
	}
	values, _ := asMap(data["values"])

	series := make(map[string]map[string]int64, len(values))
	labels := make([]string, 0, len(values))
	for label, bucketsRaw := range values {
		buckets, ok := asMap(bucketsRaw)
		if !ok {
			continue
		}
		out := make(map[string]int64, len(buckets))
		for bucket, countRaw := range buckets {
			out[bucket] = asInt64(countRaw)
		}
		series[label] = out
		labels = append(labels, label)
	}
	sort.Strings(labels)

	return mixpanel.NumericBucketResult{
		Event:              event,
		From:               from,
		To:                 to,
		PropertyExpression: propertyExpr,
		Unit:               unit,
		Series:             series,
		Labels:             labels,
	}, nil
}

// NumericSum maps the sum-of-numeric-property envelope:
//
//	{"legend_size": N, "data": {"series": [...], "values": {seriesName: {date: sum}}}}
//
// Flattened here into event -> aggregate sum since the sum endpoint has no
// segmentation dimension in the spec's scope.
func NumericSum(raw interface{}, event, from, to, propertyExpr string, unit mixpanel.TimeUnit) (mixpanel.NumericSumResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.NumericSumResult{}, protoErr("segmentation/sum", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.NumericSumResult{}, protoErr("segmentation/sum", "response missing data object")
	}
	values, _ := asMap(data["values"])

	results := make(map[string]float64, len(values))
	for series, byDateRaw := range values {
		byDate, ok := asMap(byDateRaw)
		if !ok {
			continue
		}
		var sum float64
		for _, v := range byDate {
			sum += asFloat(v)
		}
		results[series] = sum
	}

	return mixpanel.NumericSumResult{
		Event:              event,
		From:               from,
		To:                 to,
		PropertyExpression: propertyExpr,
		Unit:               unit,
		Results:            results,
	}, nil
}

// NumericAverage maps the average-of-numeric-property envelope. Shares
// NumericSum's shape but the Provider has already divided by count.
func NumericAverage(raw interface{}, event, from, to, propertyExpr string, unit mixpanel.TimeUnit) (mixpanel.NumericAverageResult, error) {
	sum, err := NumericSum(raw, event, from, to, propertyExpr, unit)
	if err != nil {
		return mixpanel.NumericAverageResult{}, err
	}
	return mixpanel.NumericAverageResult{
		Event:              sum.Event,
		From:               sum.From,
		To:                 sum.To,
		PropertyExpression: sum.PropertyExpression,
		Unit:               sum.Unit,
		Results:            sum.Results,
	}, nil
}

// SavedReport maps a bookmark execution envelope, which shares
// segmentation's {"data": {"series", "values"}} shape but is keyed by
// bookmark id rather than event name. ComputedAt is read from the
// envelope's top-level "computed_at" field, falling back to
// "date_range.computed_at" for the shape some bookmark types use.
func SavedReport(raw interface{}, bookmarkID int64, reportType, from, to string) (mixpanel.SavedReportResult, error) {
	root, ok := asMap(raw)
	if !ok {
		return mixpanel.SavedReportResult{}, protoErr("bookmarks", "response is not a JSON object")
	}
	data, ok := asMap(root["data"])
	if !ok {
		return mixpanel.SavedReportResult{}, protoErr("bookmarks", "response missing data object")
	}
	values, _ := asMap(data["values"])
	seriesRaw, _ := asSlice(data["series"])

	headers := make([]string, len(seriesRaw))
	for i, h := range seriesRaw {
		headers[i] = asString(h)
	}

	series := make(map[string]map[string]int64, len(values))
	for name, bucketsRaw := range values {
		buckets, ok := asMap(bucketsRaw)
		if !ok {
			continue
		}
		out := make(map[string]int64, len(buckets))
		for bucket, v := range buckets {
			out[bucket] = asInt64(v)
		}
		series[name] = out
	}

	return mixpanel.SavedReportResult{
		BookmarkID: bookmarkID,
		ReportType: reportType,
		ComputedAt: computedAt(root),
		From:       from,
		To:         to,
		Headers:    headers,
		Series:     series,
	}, nil
}

func computedAt(root map[string]interface{}) time.Time {
	if s := asString(root["computed_at"]); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	if dateRange, ok := asMap(root["date_range"]); ok {
		if s := asString(dateRange["computed_at"]); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// ActivityFeed maps the JQL reducer output used in place of the Provider's
// activity-feed endpoint. The reducer emits a flat JSON array of
// {"distinct_id", "event", "time", "properties"} objects already capped at
// the caller's requested row limit — the .take(n) JQL combinator does not
// exist on this Provider's runtime and must never be used (a known-broken
// shape from an earlier revision).
func ActivityFeed(raw interface{}, distinctIDs []string, from, to string) (mixpanel.ActivityFeedResult, error) {
	rows, ok := asSlice(raw)
	if !ok {
		return mixpanel.ActivityFeedResult{}, protoErr("jql/activity_feed", "response is not a JSON array")
	}

	events := make([]mixpanel.UserEvent, 0, len(rows))
	for _, rowRaw := range rows {
		row, ok := asMap(rowRaw)
		if !ok {
			continue
		}
		props, _ := asMap(row["properties"])
		events = append(events, mixpanel.UserEvent{
			EventName:  asString(row["event"]),
			Time:       time.Unix(asInt64(row["time"]), 0).UTC(),
			Properties: mixpanel.Properties(props),
		})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })

	return mixpanel.ActivityFeedResult{
		DistinctIDs: distinctIDs,
		From:        from,
		To:          to,
		Events:      events,
	}, nil
}
