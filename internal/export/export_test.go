package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
)

func newTestExporter(t *testing.T, handler http.HandlerFunc) (*Exporter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	creds := mixpanel.NewCredentials("user", "secret", "proj", mixpanel.RegionUS)
	tr := transport.New(creds, transport.WithBaseURLs(srv.URL, srv.URL))
	return New(tr), srv
}

func TestStreamEventsNormalizesAndSynthesizesInsertID(t *testing.T) {
	exp, srv := newTestExporter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u1","time":1700000000,"$insert_id":"abc"}}` + "\n" +
			`{"event":"Logout","properties":{"distinct_id":"u1","time":1700000100}}` + "\n"))
	})
	defer srv.Close()

	lines, err := exp.StreamEvents(context.Background(), "2024-01-01", "2024-01-02", nil, "", false)
	require.NoError(t, err)

	var records []mixpanel.EventRecord
	for line := range lines {
		require.NoError(t, line.Err)
		records = append(records, line.Record)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "abc", records[0].InsertID)
	assert.NotEmpty(t, records[1].InsertID)
	assert.NotEqual(t, "abc", records[1].InsertID)
	assert.Equal(t, "u1", records[0].DistinctID)
	assert.NotContains(t, records[0].Properties, "distinct_id")
	assert.NotContains(t, records[0].Properties, "time")
}

func TestStreamEventsRawYieldsUndecodedEnvelope(t *testing.T) {
	exp, srv := newTestExporter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("where"))
		w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u1","time":1700000000,"$insert_id":"abc"}}` + "\n"))
	})
	defer srv.Close()

	lines, err := exp.StreamEvents(context.Background(), "2024-01-01", "2024-01-02", nil, "true", true)
	require.NoError(t, err)

	var lineCount int
	for line := range lines {
		require.NoError(t, line.Err)
		require.NotNil(t, line.Raw)
		assert.Equal(t, "Login", line.Raw.Event)
		assert.Equal(t, "u1", line.Raw.Properties["distinct_id"])
		assert.Contains(t, line.Raw.Properties, "$insert_id")
		lineCount++
	}
	assert.Equal(t, 1, lineCount)
}

func TestStreamProfilesReusesSessionIDAcrossPages(t *testing.T) {
	var seenSessionIDs []string
	calls := 0
	exp, srv := newTestExporter(t, func(w http.ResponseWriter, r *http.Request) {
		seenSessionIDs = append(seenSessionIDs, r.URL.Query().Get("session_id"))
		page := r.URL.Query().Get("page")
		calls++
		switch page {
		case "0":
			w.Write([]byte(`{"total":2,"page_size":1,"session_id":"sess-xyz","page":0,"results":[{"$distinct_id":"u1","$properties":{}}]}`))
		default:
			w.Write([]byte(`{"total":2,"page_size":1,"session_id":"sess-xyz","page":1,"results":[{"$distinct_id":"u2","$properties":{}}]}`))
		}
	})
	defer srv.Close()

	lines, err := exp.StreamProfiles(context.Background(), nil, "", false)
	require.NoError(t, err)

	var records []mixpanel.ProfileRecord
	for line := range lines {
		require.NoError(t, line.Err)
		records = append(records, line.Record)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "", seenSessionIDs[0])
	assert.Equal(t, "sess-xyz", seenSessionIDs[1])
	assert.Equal(t, 2, calls)
}

func TestStreamProfilesRawYieldsUndecodedEnvelope(t *testing.T) {
	exp, srv := newTestExporter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "$email exists", r.URL.Query().Get("where"))
		w.Write([]byte(`{"total":1,"page_size":1,"session_id":"sess-1","page":0,"results":[{"$distinct_id":"u1","$properties":{"$email":"a@b.com"}}]}`))
	})
	defer srv.Close()

	lines, err := exp.StreamProfiles(context.Background(), nil, "$email exists", true)
	require.NoError(t, err)

	var lineCount int
	for line := range lines {
		require.NoError(t, line.Err)
		require.NotNil(t, line.Raw)
		assert.Equal(t, "u1", line.Raw.DistinctID)
		assert.Equal(t, "a@b.com", line.Raw.Properties["$email"])
		lineCount++
	}
	assert.Equal(t, 1, lineCount)
}
