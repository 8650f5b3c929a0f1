package publication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltasync/internal/syncerr"
)

func newClient(baseURL string) *Client {
	return New(Options{BaseURL: baseURL, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestListSortsAndFiltersBySince(t *testing.T) {
	var gotSince, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		gotSince = r.URL.Query().Get("since")
		gotAccept = r.Header.Get("Accept")
		fmt.Fprint(w, `{"data":[
			{"id":"f3","attributes":{"created":"2024-01-03T00:00:00Z","name":"c.json"}},
			{"id":"f0","attributes":{"created":"2024-01-01T00:00:00Z","name":"old.json"}},
			{"id":"f2","attributes":{"created":"2024-01-02T00:00:00Z","name":"b.json"}}
		]}`)
	}))
	defer srv.Close()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	files, err := newClient(srv.URL).List(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", gotSince)
	assert.Equal(t, "application/vnd.api+json", gotAccept)

	require.Len(t, files, 2)
	assert.Equal(t, "f2", files[0].ID)
	assert.Equal(t, "f3", files[1].ID)
	assert.Equal(t, "b.json", files[0].Name)
	assert.Equal(t, srv.URL+"/files/f2/download", files[0].DownloadURL)
}

func TestListErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   syncerr.Kind
	}{
		{"non success", http.StatusBadGateway, "upstream down", syncerr.KindFetch},
		{"not json", http.StatusOK, "<html>", syncerr.KindParse},
		{"missing data", http.StatusOK, `{"meta":{}}`, syncerr.KindParse},
		{"bad created", http.StatusOK, `{"data":[{"id":"x","attributes":{"created":"yesterday"}}]}`, syncerr.KindParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()
			_, err := newClient(srv.URL).List(context.Background(), time.Time{})
			require.Error(t, err)
			assert.Equal(t, tc.kind, syncerr.KindOf(err))
		})
	}
}

func TestListUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := newClient(url).List(context.Background(), time.Time{})
	assert.True(t, syncerr.Is(err, syncerr.KindFetch))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/ok/download" {
			fmt.Fprint(w, "[]")
			return
		}
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()
	c := newClient(srv.URL)

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), c.DownloadURL("ok"), &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, "[]", buf.String())

	_, err = c.Download(context.Background(), c.DownloadURL("missing"), io.Discard)
	assert.True(t, syncerr.Is(err, syncerr.KindDownload))
}

func TestURLTemplates(t *testing.T) {
	c := New(Options{BaseURL: "http://pub.example/", DocumentPath: "/docs/:id/raw"})
	assert.Equal(t, "http://pub.example/files/a%20b/download", c.DownloadURL("a b"))
	assert.Equal(t, "http://pub.example/docs/42/raw", c.DocumentURL("42"))
}
