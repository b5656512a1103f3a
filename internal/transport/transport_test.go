package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) (*Transport, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	creds := mixpanel.NewCredentials("user", "secret", "proj", mixpanel.RegionUS)
	tr := New(creds, WithMaxAttempts(3), WithBaseURLs(srv.URL, srv.URL))
	tr.retry.initialDelay = time.Millisecond
	tr.retry.maxDelay = 5 * time.Millisecond
	return tr, srv
}

func TestRequestSuccessDecodesJSON(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total": 42}`))
	})
	defer srv.Close()

	value, err := tr.Request(context.Background(), HostQuery, http.MethodGet, "/2.0/segmentation", url.Values{}, nil)
	require.NoError(t, err)
	m := value.(map[string]interface{})
	assert.Equal(t, float64(42), m["total"])
}

func TestRequestUnauthorizedNotRetried(t *testing.T) {
	calls := 0
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid credentials"))
	})
	defer srv.Close()

	_, err := tr.Request(context.Background(), HostQuery, http.MethodGet, "/2.0/segmentation", nil, nil)
	require.Error(t, err)
	assert.True(t, mperrors.IsType(err, mperrors.TypeAuthenticationFailure))
	assert.Equal(t, 1, calls)
}

func TestRequestServerErrorRetriedThenSurfaced(t *testing.T) {
	calls := 0
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	_, err := tr.Request(context.Background(), HostQuery, http.MethodGet, "/2.0/segmentation", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRequestRateLimitedHonorsRetryAfter(t *testing.T) {
	calls := 0
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	})
	defer srv.Close()

	start := time.Now()
	value, err := tr.Request(context.Background(), HostQuery, http.MethodGet, "/2.0/segmentation", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, true, value.(map[string]interface{})["ok"])
}

func TestRequestQueryErrorNotRetried(t *testing.T) {
	calls := 0
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad event name"))
	})
	defer srv.Close()

	_, err := tr.Request(context.Background(), HostQuery, http.MethodGet, "/2.0/segmentation", nil, nil)
	require.Error(t, err)
	assert.True(t, mperrors.IsType(err, mperrors.TypeQueryError))
	assert.Equal(t, 1, calls)
}

func TestStreamNDJSONYieldsEachLine(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{\"event\":\"a\"}\n{\"event\":\"b\"}\n\n{\"event\":\"c\"}\n"))
	})
	defer srv.Close()

	lines, err := tr.StreamNDJSON(context.Background(), HostExport, "/2.0/export", url.Values{})
	require.NoError(t, err)

	var got []string
	for line := range lines {
		require.NoError(t, line.Err)
		m := line.Value.(map[string]interface{})
		got = append(got, m["event"].(string))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStreamNDJSONSurfacesMalformedLineButContinues(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{\"event\":\"a\"}\nnot json\n{\"event\":\"c\"}\n"))
	})
	defer srv.Close()

	lines, err := tr.StreamNDJSON(context.Background(), HostExport, "/2.0/export", url.Values{})
	require.NoError(t, err)

	var okCount, errCount int
	for line := range lines {
		if line.Err != nil {
			errCount++
			assert.True(t, mperrors.IsType(line.Err, mperrors.TypeProtocolError))
			continue
		}
		okCount++
	}
	assert.Equal(t, 2, okCount)
	assert.Equal(t, 1, errCount)
}

func TestStreamNDJSONRetriesServerErrorBeforeStreaming(t *testing.T) {
	calls := 0
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("{\"event\":\"a\"}\n"))
	})
	defer srv.Close()

	lines, err := tr.StreamNDJSON(context.Background(), HostExport, "/2.0/export", url.Values{})
	require.NoError(t, err)

	var got []string
	for line := range lines {
		require.NoError(t, line.Err)
		m := line.Value.(map[string]interface{})
		got = append(got, m["event"].(string))
	}
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 3, calls)
}

func TestStreamNDJSONUnauthorizedNotRetried(t *testing.T) {
	calls := 0
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	_, err := tr.StreamNDJSON(context.Background(), HostExport, "/2.0/export", url.Values{})
	require.Error(t, err)
	assert.True(t, mperrors.IsType(err, mperrors.TypeAuthenticationFailure))
	assert.Equal(t, 1, calls)
}

func TestQueryEngagePageSetsPageAndSessionID(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "sess-1", r.URL.Query().Get("session_id"))
		w.Write([]byte(`{"page": 2, "session_id": "sess-1", "results": []}`))
	})
	defer srv.Close()

	value, err := tr.QueryEngagePage(context.Background(), 2, "sess-1", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, float64(2), value.(map[string]interface{})["page"])
}
