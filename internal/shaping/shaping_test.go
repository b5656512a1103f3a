package shaping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
)

func TestFunnelFirstStepConversionIsAlwaysOne(t *testing.T) {
	raw := map[string]interface{}{
		"data": map[string]interface{}{
			"2024-01-01": map[string]interface{}{
				"steps": []interface{}{
					map[string]interface{}{"event": "Signup", "count": float64(500)},
					map[string]interface{}{"event": "Purchase", "count": float64(100)},
				},
			},
		},
	}

	result, err := Funnel(raw, 1, "onboarding", "2024-01-01", "2024-01-07")
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, 1.0, result.Steps[0].ConversionRateFromPrevious)
	assert.InDelta(t, 0.2, result.Steps[1].ConversionRateFromPrevious, 1e-9)
	assert.InDelta(t, 0.2, result.OverallConversionRate, 1e-9)
}

func TestFunnelZeroPreviousCountYieldsZeroConversion(t *testing.T) {
	raw := map[string]interface{}{
		"data": map[string]interface{}{
			"2024-01-01": map[string]interface{}{
				"steps": []interface{}{
					map[string]interface{}{"event": "A", "count": float64(100)},
					map[string]interface{}{"event": "B", "count": float64(0)},
					map[string]interface{}{"event": "C", "count": float64(0)},
				},
			},
		},
	}

	result, err := Funnel(raw, 1, "f", "2024-01-01", "2024-01-07")
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Steps[1].ConversionRateFromPrevious)
	assert.Equal(t, 0.0, result.Steps[2].ConversionRateFromPrevious)
	assert.Equal(t, 0.0, result.OverallConversionRate)
}

func TestFunnelEmptyDataYieldsEmptyResultWithZeroConversion(t *testing.T) {
	raw := map[string]interface{}{"data": map[string]interface{}{}}
	result, err := Funnel(raw, 1, "f", "2024-01-01", "2024-01-07")
	require.NoError(t, err)
	assert.Empty(t, result.Steps)
	assert.Equal(t, 0.0, result.OverallConversionRate)
}

func TestFunnelMalformedEnvelopeIsProtocolError(t *testing.T) {
	_, err := Funnel("not an object", 1, "f", "2024-01-01", "2024-01-07")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol_error")
}

func TestRetentionZeroCohortSizeYieldsZeroRetention(t *testing.T) {
	raw := map[string]interface{}{
		"2024-01-01": map[string]interface{}{
			"first":  float64(0),
			"counts": []interface{}{float64(10), float64(5)},
		},
	}

	result, err := Retention(raw, "signup", "login", "2024-01-01", "2024-01-14", mixpanel.UnitDay)
	require.NoError(t, err)
	require.Len(t, result.Cohorts, 1)
	for _, v := range result.Cohorts[0].Retention {
		assert.Equal(t, 0.0, v)
	}
}

func TestRetentionFormulaAndSorting(t *testing.T) {
	raw := map[string]interface{}{
		"2024-01-03": map[string]interface{}{"first": float64(50), "counts": []interface{}{float64(25)}},
		"2024-01-01": map[string]interface{}{"first": float64(100), "counts": []interface{}{float64(50), float64(25)}},
	}

	result, err := Retention(raw, "signup", "login", "2024-01-01", "2024-01-14", mixpanel.UnitDay)
	require.NoError(t, err)
	require.Len(t, result.Cohorts, 2)
	assert.Equal(t, "2024-01-01", result.Cohorts[0].CohortDate)
	assert.Equal(t, "2024-01-03", result.Cohorts[1].CohortDate)
	assert.InDelta(t, 0.5, result.Cohorts[0].Retention[0], 1e-9)
	assert.InDelta(t, 0.25, result.Cohorts[0].Retention[1], 1e-9)
	assert.InDelta(t, 0.5, result.Cohorts[1].Retention[0], 1e-9)
}

func TestRetentionPeriodNotYetElapsedIsOmittedNotZeroFilled(t *testing.T) {
	raw := map[string]interface{}{
		"2024-01-01": map[string]interface{}{"first": float64(10), "counts": []interface{}{float64(5)}},
	}
	result, err := Retention(raw, "signup", "", "2024-01-01", "2024-01-02", mixpanel.UnitDay)
	require.NoError(t, err)
	assert.Len(t, result.Cohorts[0].Retention, 1)
}

func TestSegmentationSumsTotalAcrossSegments(t *testing.T) {
	raw := map[string]interface{}{
		"data": map[string]interface{}{
			"values": map[string]interface{}{
				"chrome": map[string]interface{}{"2024-01-01": float64(10)},
				"safari": map[string]interface{}{"2024-01-01": float64(5)},
			},
		},
	}

	result, err := Segmentation(raw, "Login", "2024-01-01", "2024-01-01", mixpanel.UnitDay, "browser")
	require.NoError(t, err)
	assert.Equal(t, int64(15), result.Total)
	assert.Equal(t, int64(10), result.Series["chrome"]["2024-01-01"])
}

func TestSavedReportReadsComputedAtFromEnvelope(t *testing.T) {
	raw := map[string]interface{}{
		"computed_at": "2024-01-02T03:04:05Z",
		"data": map[string]interface{}{
			"series": []interface{}{"2024-01-01"},
			"values": map[string]interface{}{
				"total": map[string]interface{}{"2024-01-01": float64(7)},
			},
		},
	}

	result, err := SavedReport(raw, 1, "insights", "2024-01-01", "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05Z", result.ComputedAt.Format(time.RFC3339))
}

func TestSavedReportFallsBackToDateRangeComputedAt(t *testing.T) {
	raw := map[string]interface{}{
		"date_range": map[string]interface{}{"computed_at": "2024-02-01T00:00:00Z"},
		"data": map[string]interface{}{
			"series": []interface{}{},
			"values": map[string]interface{}{},
		},
	}

	result, err := SavedReport(raw, 1, "insights", "2024-01-01", "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01T00:00:00Z", result.ComputedAt.Format(time.RFC3339))
}

func TestActivityFeedSortsByTime(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"event": "b", "time": float64(200), "properties": map[string]interface{}{}},
		map[string]interface{}{"event": "a", "time": float64(100), "properties": map[string]interface{}{}},
	}

	result, err := ActivityFeed(raw, []string{"user-1"}, "2024-01-01", "2024-01-02")
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, "a", result.Events[0].EventName)
	assert.Equal(t, "b", result.Events[1].EventName)
}
