package crawler

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestFetchHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("<html><title>x</title></html>"))
	}))
	defer ts.Close()

	client := NewHTTPClient(5*time.Second, 2*time.Second, 1024)
	rc, final, ct, dur, err := client.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	defer rc.Close()
	if final == "" || ct == "" || dur == 0 {
		t.Fatal("unexpected empty values")
	}
	body, _ := io.ReadAll(rc)
	require.Contains(t, string(body), "<title>x</title>")
}

func TestFetchGzip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("<html><body>Za</body></html>"))
		_ = gz.Close()
	}))
	defer ts.Close()

	client := NewHTTPClient(5*time.Second, 2*time.Second, 1024)
	rc, _, _, _, err := client.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	require.Contains(t, string(body), "Za")
}

func TestRejectNonHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	client := NewHTTPClient(5*time.Second, 2*time.Second, 1024)
	_, _, _, _, err := client.Fetch(context.Background(), ts.URL)
	require.True(t, errors.Is(err, ErrNonHTML), "got %v", err)
}

func TestRejectErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewHTTPClient(5*time.Second, 2*time.Second, 1024)
	_, _, _, _, err := client.Fetch(context.Background(), ts.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestSizeCap(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer ts.Close()

	client := NewHTTPClient(5*time.Second, 2*time.Second, 1024)
	_, _, _, _, err := client.Fetch(context.Background(), ts.URL)
	require.True(t, errors.Is(err, ErrTooLarge), "got %v", err)
}

func TestSizeCapStopsReading(t *testing.T) {
	chunk := []byte(strings.Repeat("a", 64*1024))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		// keeps streaming until the client hangs up
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			if r.Context().Err() != nil {
				return
			}
		}
	}))
	defer ts.Close()

	client := NewHTTPClient(5*time.Second, 2*time.Second, 1024)
	start := time.Now()
	_, _, _, _, err := client.Fetch(context.Background(), ts.URL)
	require.True(t, errors.Is(err, ErrTooLarge), "got %v", err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestInvalidURL(t *testing.T) {
	client := NewHTTPClient(time.Second, time.Second, 1024)
	_, _, _, _, err := client.Fetch(context.Background(), "agent.xsp?symbol=posglos")
	require.True(t, errors.Is(err, ErrInvalidURL))
}
