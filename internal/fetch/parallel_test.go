package fetch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
)

func TestParallelFetchEventsAggregatesAcrossDays(t *testing.T) {
	_, par, st, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("from_date")
		w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u-` + day + `","time":1700000000,"$insert_id":"a-` + day + `"}}` + "\n"))
	})
	defer srv.Close()

	var mu sync.Mutex
	var progressed []mixpanel.ParallelFetchProgress
	result, err := par.FetchEvents(context.Background(), "events", "2024-01-01", "2024-01-03", nil, "", false, false, 3, func(p mixpanel.ParallelFetchProgress) {
		mu.Lock()
		progressed = append(progressed, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalRows)
	assert.Equal(t, 3, result.SuccessfulSlices)
	assert.Equal(t, 0, result.FailedSlices)
	assert.Len(t, progressed, 3)

	tables, err := st.ListTables(context.Background(), mixpanel.TableKindEvents)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, int64(3), tables[0].RowCount)
}

func TestParallelFetchEventsIsolatesSliceFailures(t *testing.T) {
	_, par, _, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Query().Get("from_date"), "-02") {
			w.Write([]byte(`not json` + "\n"))
			return
		}
		day := r.URL.Query().Get("from_date")
		w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u-` + day + `","time":1700000000,"$insert_id":"a-` + day + `"}}` + "\n"))
	})
	defer srv.Close()

	result, err := par.FetchEvents(context.Background(), "events", "2024-01-01", "2024-01-03", nil, "", false, false, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalRows)
	assert.Equal(t, 2, result.SuccessfulSlices)
	assert.Equal(t, 1, result.FailedSlices)
	require.Len(t, result.FailedSliceKeys, 1)
	assert.Equal(t, "2024-01-02", result.FailedSliceKeys[0])
	assert.True(t, result.HasFailures())
}

func TestParallelFetchProfilesReusesSessionIDFromPageZero(t *testing.T) {
	var seenSessions []string
	var mu sync.Mutex
	_, par, st, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenSessions = append(seenSessions, r.URL.Query().Get("session_id"))
		mu.Unlock()
		switch r.URL.Query().Get("page") {
		case "0":
			w.Write([]byte(`{"total":3,"page_size":1,"session_id":"sess-1","page":0,"results":[{"$distinct_id":"u0","$properties":{}}]}`))
		case "1":
			w.Write([]byte(`{"total":3,"page_size":1,"session_id":"sess-1","page":1,"results":[{"$distinct_id":"u1","$properties":{}}]}`))
		default:
			w.Write([]byte(`{"total":3,"page_size":1,"session_id":"sess-1","page":2,"results":[{"$distinct_id":"u2","$properties":{}}]}`))
		}
	})
	defer srv.Close()

	result, err := par.FetchProfiles(context.Background(), "profiles", nil, "", false, false, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalRows)
	assert.Equal(t, 3, result.SuccessfulSlices)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenSessions, 3)
	assert.Equal(t, "", seenSessions[0])
	for _, s := range seenSessions[1:] {
		assert.Equal(t, "sess-1", s)
	}

	tables, err := st.ListTables(context.Background(), mixpanel.TableKindProfiles)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, int64(3), tables[0].RowCount)
}

func TestParallelFetchProfilesSinglePageStopsWithoutScheduling(t *testing.T) {
	calls := 0
	_, par, _, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"total":1,"page_size":10,"session_id":"sess-1","page":0,"results":[{"$distinct_id":"u0","$properties":{}}]}`))
	})
	defer srv.Close()

	result, err := par.FetchProfiles(context.Background(), "profiles", nil, "", false, false, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), result.TotalRows)
	assert.Equal(t, 1, result.SuccessfulSlices)
}

func TestParallelFetchProfilesWorkerCountClampedForProfiles(t *testing.T) {
	_, par, _, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":2,"page_size":1,"session_id":"s","page":0,"results":[]}`))
	})
	defer srv.Close()

	_, err := par.FetchProfiles(context.Background(), "profiles", nil, "", false, false, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, maxProfileWorkers, clampWorkers(50, maxProfileWorkers, zap.NewNop(), "profiles"))
}

func TestParallelFetchDeterministicAcrossWorkerCounts(t *testing.T) {
	for _, workers := range []int{1, 3, 5} {
		_, par, st, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
			day := r.URL.Query().Get("from_date")
			w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u-` + day + `","time":1700000000,"$insert_id":"a-` + day + `"}}` + "\n"))
		})
		result, err := par.FetchEvents(context.Background(), "events", "2024-01-01", "2024-01-05", nil, "", false, false, workers, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(5), result.TotalRows)
		srv.Close()
		st.Close()
	}
}
