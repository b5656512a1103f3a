package workspace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
)

func newTestWorkspace(t *testing.T, handler http.HandlerFunc) (*Workspace, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	creds := mixpanel.NewCredentials("user", "secret", "proj", mixpanel.RegionUS)
	ws, err := Open(":memory:",
		WithCredentials(creds),
		WithTransportOptions(transport.WithBaseURLs(srv.URL, srv.URL)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(); srv.Close() })
	return ws, srv
}

func TestOpenRequiresExplicitCredentialsOrEnvironment(t *testing.T) {
	t.Setenv("MP_USERNAME", "")
	t.Setenv("MP_SECRET", "")
	t.Setenv("MP_PROJECT_ID", "")
	_, err := Open(":memory:")
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	ws, srv := newTestWorkspace(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
}

func TestFetchEventsSequentialAndParallelAgree(t *testing.T) {
	ws, srv := newTestWorkspace(t, func(w http.ResponseWriter, r *http.Request) {
		// Serve one event per day of the requested range, as a real export
		// over [from_date, to_date] would.
		from, _ := time.Parse("2006-01-02", r.URL.Query().Get("from_date"))
		to, _ := time.Parse("2006-01-02", r.URL.Query().Get("to_date"))
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			day := d.Format("2006-01-02")
			w.Write([]byte(`{"event":"Login","properties":{"distinct_id":"u","time":1700000000,"$insert_id":"a-` + day + `"}}` + "\n"))
		}
	})
	defer srv.Close()

	seqResult, _, err := ws.FetchEvents(context.Background(), "events_seq", "2024-01-01", "2024-01-02", nil, "", false, false, false, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seqResult.RowCount)

	_, parResult, err := ws.FetchEvents(context.Background(), "events_par", "2024-01-01", "2024-01-02", nil, "", false, false, true, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), parResult.TotalRows)
}

func TestStorageFacadePassesThrough(t *testing.T) {
	ws, srv := newTestWorkspace(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	require.NoError(t, ws.CreateTable(context.Background(), "t", mixpanel.TableKindEvents, false))
	tables, err := ws.ListTables(context.Background(), mixpanel.TableKindEvents)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "t", tables[0].Name)
}
