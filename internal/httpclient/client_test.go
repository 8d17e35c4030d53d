package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoInjectsUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(nil)
	defer client.Close()

	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, defaultUserAgent, gotUA.Load())
}

func TestDoPreservesExistingUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(nil)
	defer client.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom-agent")

	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "custom-agent", gotUA.Load())
}

func TestDoAppliesDefaultTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(&Config{DefaultTimeout: 50 * time.Millisecond})
	defer client.Close()

	resp, err := client.Get(context.Background(), srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
}

func TestDoRejectsNilRequest(t *testing.T) {
	t.Parallel()

	client := New(nil)
	defer client.Close()

	resp, err := client.Do(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, resp)
}

func TestPostMarshalsJSONBody(t *testing.T) {
	t.Parallel()

	var gotContentType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(nil)
	defer client.Close()

	resp, err := client.Post(context.Background(), srv.URL, "", map[string]string{"status": "pending"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", gotContentType.Load())
}

func TestHooksAreCalled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(nil)
	defer client.Close()

	var before, after atomic.Int32
	client.SetBeforeRequestHook(func(*http.Request) { before.Add(1) })
	client.SetAfterResponseHook(func(*http.Request, *http.Response, error) { after.Add(1) })

	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(1), after.Load())
}
