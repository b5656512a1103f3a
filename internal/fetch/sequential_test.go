package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mpdata/internal/export"
	"github.com/ajitpratap0/mpdata/internal/storage"
	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
)

func newTestFetchers(t *testing.T, handler http.HandlerFunc) (*SequentialFetcher, *ParallelFetcher, *storage.Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	creds := mixpanel.NewCredentials("user", "secret", "proj", mixpanel.RegionUS)
	tr := transport.New(creds, transport.WithBaseURLs(srv.URL, srv.URL))
	exp := export.New(tr)
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewSequentialFetcher(exp, st, nil), NewParallelFetcher(exp, tr, st, nil), st, srv
}

func TestSequentialFetchEventsBatchesAndWritesAll(t *testing.T) {
	seq, _, st, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u1","time":1700000000,"$insert_id":"a"}}` + "\n" +
			`{"event":"Login","properties":{"distinct_id":"u2","time":1700000100,"$insert_id":"b"}}` + "\n"))
	})
	defer srv.Close()

	result, err := seq.FetchEvents(context.Background(), "events", "2024-01-01", "2024-01-01", nil, "", false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowCount)

	tables, err := st.ListTables(context.Background(), mixpanel.TableKindEvents)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, int64(2), tables[0].RowCount)
}

func TestSequentialFetchFailsWithoutAppendOrReplaceOnExistingTable(t *testing.T) {
	seq, _, st, srv := newTestFetchers(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(""))
	})
	defer srv.Close()

	require.NoError(t, st.CreateTable(context.Background(), "events", mixpanel.TableKindEvents, false))

	_, err := seq.FetchEvents(context.Background(), "events", "2024-01-01", "2024-01-01", nil, "", false, false)
	require.Error(t, err)
}
