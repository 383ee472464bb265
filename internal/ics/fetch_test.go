package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kseschedule/internal/model"
)

const sampleFeed = "BEGIN:VCALENDAR\nBEGIN:VEVENT\nSUMMARY:X\nDTSTART:20240110T090000\nEND:VEVENT\nEND:VCALENDAR\n"

type mockClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (mc *mockClient) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("error request is nil")
	}
	return mc.DoFunc(req)
}

func TestFetcherURL(t *testing.T) {
	f := NewFetcher("https://schedule.kse.ua/uk/index/ical", nil, "")
	end := time.Date(2024, 2, 9, 15, 0, 0, 0, time.UTC)

	got, err := f.URL(model.GroupSelection{12, 7}, end)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "schedule.kse.ua", u.Host)
	assert.Equal(t, "/uk/index/ical", u.Path)
	assert.Equal(t, "12,7", u.Query().Get("id_grp"))
	assert.Equal(t, "09.02.2024", u.Query().Get("date_end"))
}

func TestFetcherInvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"://bad", "relative/path"} {
		f := NewFetcher(endpoint, nil, "")
		_, err := f.Retrieve(context.Background(), model.GroupSelection{1}, time.Now())
		require.Error(t, err, endpoint)
		assert.True(t, errors.Is(err, ErrRetrievalFailed), endpoint)
	}
}

func TestFetcherRetrieveOK(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/uk/index/ical", srv.Client(), "")
	res, err := f.Retrieve(context.Background(), model.GroupSelection{3, 4}, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, sampleFeed, string(res.Body))
	assert.False(t, res.FromCache)
	assert.Equal(t, "3,4", gotQuery.Get("id_grp"))
	assert.Equal(t, "31.01.2024", gotQuery.Get("date_end"))
}

func TestFetcherNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, srv.Client(), t.TempDir())
	_, err := f.Retrieve(context.Background(), model.GroupSelection{1}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetrievalFailed))
}

func TestFetcherTransportError(t *testing.T) {
	transportErr := errors.New("connection refused")
	f := NewFetcher("https://example.invalid/ical", &mockClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return nil, transportErr
		},
	}, "")

	_, err := f.Retrieve(context.Background(), model.GroupSelection{1}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetrievalFailed))
	assert.True(t, errors.Is(err, transportErr))
}

func TestFetcherCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFetcher(srv.URL, srv.Client(), "")
	_, err := f.Retrieve(ctx, model.GroupSelection{1}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetrievalFailed))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetcherConditionalCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, srv.Client(), t.TempDir())
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	first, err := f.Retrieve(context.Background(), model.GroupSelection{1}, end)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.Retrieve(context.Background(), model.GroupSelection{1}, end)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetcherCacheSurvivesEndDateChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(srv.URL, srv.Client(), dir)
	today := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	_, err := f.Retrieve(context.Background(), model.GroupSelection{1, 2}, today)
	require.NoError(t, err)

	next, err := f.Retrieve(context.Background(), model.GroupSelection{1, 2}, today.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, next.FromCache)

	_, err = f.Retrieve(context.Background(), model.GroupSelection{3}, today)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFetcherNotModifiedWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, srv.Client(), "")
	_, err := f.Retrieve(context.Background(), model.GroupSelection{1}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetrievalFailed))
}
