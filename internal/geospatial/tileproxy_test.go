package geospatial

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sells-group/oev-cli/internal/fetcher"
)

func newTestProxy(t *testing.T, handler http.HandlerFunc, cache *TileCache) (*TileProxy, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)
	client := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1})
	return NewTileProxy(upstream.URL+"/{z}/{x}/{y}.png", client, cache), upstream
}

func TestTileProxy_Fetch_Success(t *testing.T) {
	var gotPath string
	proxy, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("fake-png-tile-data"))
	}, nil)

	data, err := proxy.Fetch(context.Background(), 10, 536, 358)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "fake-png-tile-data" {
		t.Errorf("unexpected tile data %q", data)
	}
	if gotPath != "/10/536/358.png" {
		t.Errorf("expected upstream path /10/536/358.png, got %s", gotPath)
	}
}

func TestTileProxy_Fetch_CacheHit(t *testing.T) {
	var calls atomic.Int32
	proxy, _ := newTestProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("tile"))
	}, NewTileCache(100, 10*time.Minute))

	for range 2 {
		if _, err := proxy.Fetch(context.Background(), 5, 16, 11); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestTileProxy_ServeHTTP(t *testing.T) {
	proxy, _ := newTestProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("png"))
	}, nil)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/3/4/2.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}
}

func TestTileProxy_ServeHTTP_BadRequests(t *testing.T) {
	proxy, _ := newTestProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("png"))
	}, nil)

	for _, p := range []string{"/not/a/tile", "/2/4/0.png", "/30/0/0.png"} {
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", p, rec.Code)
		}
	}
}

func TestTileProxy_ServeHTTP_UpstreamError(t *testing.T) {
	proxy, _ := newTestProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/1/0/0.png", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
