package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:a\r\nSUMMARY:Winter Break\r\nDTSTART;VALUE=DATE:20261221\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func TestFetcher_ConditionalGet(t *testing.T) {
	var hits, conditional int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	ctx := context.Background()

	first, err := f.Fetch(ctx, srv.URL+"/district.ics")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, feed, string(first.Body))

	second, err := f.Fetch(ctx, srv.URL+"/district.ics")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, feed, string(second.Body))

	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, conditional)
}

func TestFetcher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "")
	assert.Error(t, err)
}

func TestFetcher_RejectsOversizedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
		_, _ = w.Write(bytes.Repeat([]byte("X"), maxBodySize))
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.org/cal.ics", normalizeURL("webcal://example.org/cal.ics"))
	assert.Equal(t, "http://example.org/cal.ics", normalizeURL("http://example.org/cal.ics"))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.org/...(redacted)", redactURL("https://calendar.example.org/private/abc123/basic.ics"))
	assert.Equal(t, "ics://...(redacted)", redactURL("nonsense"))
}
